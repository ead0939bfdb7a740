package crawl

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"drover/internal/apperr"
	"drover/internal/observability"
)

// RemoteMemory speaks to an external memory service over JSON HTTP. It
// implements the same contract as FileMemory; the service owns trimming, so
// Trim is a no-op here.
type RemoteMemory struct {
	base   string
	client *http.Client
	log    *observability.Logger

	mu        sync.Mutex
	maxStates int
}

func NewRemoteMemory(baseURL string, maxStates int, log *observability.Logger) *RemoteMemory {
	return &RemoteMemory{
		base:      baseURL,
		client:    &http.Client{Timeout: 15 * time.Second},
		log:       log,
		maxStates: maxStates,
	}
}

func (m *RemoteMemory) do(ctx context.Context, method, path string, body, out any) error {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return apperr.Wrap(apperr.KindInternal, err, "encode memory request")
		}
	}
	return apperr.Retry(ctx, apperr.DefaultRetryConfig(), func(ctx context.Context) error {
		var payload io.Reader
		if data != nil {
			payload = bytes.NewReader(data)
		}
		req, err := http.NewRequestWithContext(ctx, method, m.base+path, payload)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, err, "build memory request")
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		resp, err := m.client.Do(req)
		if err != nil {
			return apperr.Wrap(apperr.KindDriver, err, "memory service %s %s", method, path)
		}
		defer resp.Body.Close()
		switch {
		case resp.StatusCode == http.StatusNotFound:
			return apperr.New(apperr.KindBadInput, "memory service: %s not found", path)
		case resp.StatusCode >= 500:
			return apperr.New(apperr.KindDriver, "memory service %s %s: status %d", method, path, resp.StatusCode)
		case resp.StatusCode >= 400:
			return apperr.New(apperr.KindBadInput, "memory service %s %s: status %d", method, path, resp.StatusCode)
		}
		if out == nil {
			return nil
		}
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return apperr.Wrap(apperr.KindIntegrity, err, "decode memory response")
		}
		return nil
	})
}

func (m *RemoteMemory) StoreState(ctx context.Context, state PageState) error {
	return m.do(ctx, http.MethodPut, "/states/"+state.StateHash, state, nil)
}

func (m *RemoteMemory) HasState(ctx context.Context, hash string) bool {
	var state PageState
	return m.do(ctx, http.MethodGet, "/states/"+hash, nil, &state) == nil
}

func (m *RemoteMemory) GetState(ctx context.Context, hash string) (*PageState, error) {
	var state PageState
	if err := m.do(ctx, http.MethodGet, "/states/"+hash, nil, &state); err != nil {
		return nil, err
	}
	return &state, nil
}

func (m *RemoteMemory) AllStates(ctx context.Context) ([]PageState, error) {
	var states []PageState
	m.mu.Lock()
	limit := m.maxStates
	m.mu.Unlock()
	if err := m.do(ctx, http.MethodGet, fmt.Sprintf("/states?limit=%d", limit), nil, &states); err != nil {
		return nil, err
	}
	return states, nil
}

func (m *RemoteMemory) StoreScreenshot(ctx context.Context, hash string, png []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, m.base+"/screenshots/"+hash, bytes.NewReader(png))
	if err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "build screenshot request")
	}
	req.Header.Set("Content-Type", "image/png")
	resp, err := m.client.Do(req)
	if err != nil {
		return "", apperr.Wrap(apperr.KindDriver, err, "store screenshot %s", hash)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", apperr.New(apperr.KindDriver, "store screenshot %s: status %d", hash, resp.StatusCode)
	}
	return m.base + "/screenshots/" + hash, nil
}

func (m *RemoteMemory) Trim(ctx context.Context) (int, error) {
	return 0, nil
}

func (m *RemoteMemory) SetMaxStates(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if n > 0 {
		m.maxStates = n
	}
}
