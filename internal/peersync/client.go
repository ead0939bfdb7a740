package peersync

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"time"

	"drover/internal/apperr"
	"drover/internal/profiles"
)

// Client speaks the sync surface of a remote broker.
type Client struct {
	http *http.Client
}

// NewClient builds a sync client with a bounded per-request timeout.
func NewClient() *Client {
	return &Client{http: &http.Client{Timeout: 30 * time.Second}}
}

// Probe checks a peer's liveness via its health endpoint.
func (c *Client) Probe(ctx context.Context, peer Peer) error {
	return c.do(ctx, peer, http.MethodGet, "/health", nil, nil)
}

// FetchIndex lists the sessions a peer advertises.
func (c *Client) FetchIndex(ctx context.Context, peer Peer) ([]IndexEntry, error) {
	var entries []IndexEntry
	if err := c.do(ctx, peer, http.MethodGet, "/sync/index", nil, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Pull downloads one session archive from a peer.
func (c *Client) Pull(ctx context.Context, peer Peer, name string) (*profiles.Archive, error) {
	var archive profiles.Archive
	if err := c.do(ctx, peer, http.MethodGet, "/sync/sessions/"+url.PathEscape(name), nil, &archive); err != nil {
		return nil, err
	}
	return &archive, nil
}

// Push uploads one session archive to a peer. The peer resolves the conflict;
// a 409 means its local copy won, which is not an error for the sender.
func (c *Client) Push(ctx context.Context, peer Peer, archive profiles.Archive) error {
	return c.do(ctx, peer, http.MethodPost, "/sync/sessions", archive, nil)
}

func (c *Client) do(ctx context.Context, peer Peer, method, path string, body, out any) error {
	var payload io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, err, "encode sync request")
		}
		payload = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, peer.URL+path, payload)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "build sync request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if peer.AuthMethod == "api_key" && peer.APIKey != "" {
		req.Header.Set("X-API-Key", peer.APIKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return apperr.Wrap(apperr.KindDriver, err, "peer %s: %s %s", peer.Name, method, path)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusConflict:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return apperr.New(apperr.KindBadInput, "peer %s: %s not found", peer.Name, path)
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return apperr.New(apperr.KindUnauthorized, "peer %s rejected credentials", peer.Name)
	case resp.StatusCode >= 500:
		return apperr.New(apperr.KindDriver, "peer %s: %s %s: status %d", peer.Name, method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		return apperr.New(apperr.KindBadInput, "peer %s: %s %s: status %d", peer.Name, method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.Wrap(apperr.KindIntegrity, err, "decode sync response from %s", peer.Name)
	}
	return nil
}
