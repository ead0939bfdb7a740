package authn

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"drover/internal/apperr"
)

// RegisteredClient is one dynamically registered OAuth client. The broker
// never mints per-client secrets; every client exchanges with the broker's
// upstream secret, so only identity and redirect URIs are stored.
type RegisteredClient struct {
	ClientID     string    `json:"client_id"`
	ClientName   string    `json:"client_name,omitempty"`
	RedirectURIs []string  `json:"redirect_uris"`
	CreatedAt    time.Time `json:"created_at"`

	static bool
}

// ClientStore persists registered OAuth clients as one JSON file so
// registrations survive broker restarts.
type ClientStore struct {
	path string

	mu      sync.Mutex
	clients map[string]RegisteredClient
}

// NewClientStore loads the client file, starting empty when absent.
func NewClientStore(dir string) (*ClientStore, error) {
	s := &ClientStore{
		path:    filepath.Join(dir, "oauth-clients.json"),
		clients: map[string]RegisteredClient{},
	}
	data, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return s, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "read oauth clients")
	}
	var clients []RegisteredClient
	if err := json.Unmarshal(data, &clients); err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, err, "parse oauth clients")
	}
	for _, c := range clients {
		s.clients[c.ClientID] = c
	}
	return s, nil
}

// Register mints a fresh client id and persists the registration.
func (s *ClientStore) Register(name string, redirectURIs []string) (RegisteredClient, error) {
	if len(redirectURIs) == 0 {
		return RegisteredClient{}, apperr.New(apperr.KindBadInput, "registration needs at least one redirect uri")
	}
	client := RegisteredClient{
		ClientID:     uuid.NewString(),
		ClientName:   name,
		RedirectURIs: redirectURIs,
		CreatedAt:    time.Now(),
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[client.ClientID] = client
	if err := s.persistLocked(); err != nil {
		delete(s.clients, client.ClientID)
		return RegisteredClient{}, err
	}
	return client, nil
}

// Seed installs a pre-registered client under a fixed id. Seeded clients come
// from configuration and are reapplied on every boot, so they are kept in
// memory and never written to the client file.
func (s *ClientStore) Seed(clientID, name string, redirectURIs []string) error {
	if clientID == "" || len(redirectURIs) == 0 {
		return apperr.New(apperr.KindBadInput, "static client needs a client id and at least one redirect uri")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[clientID] = RegisteredClient{
		ClientID:     clientID,
		ClientName:   name,
		RedirectURIs: redirectURIs,
		CreatedAt:    time.Now(),
		static:       true,
	}
	return nil
}

// Get looks a registered client up by id.
func (s *ClientStore) Get(clientID string) (RegisteredClient, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.clients[clientID]
	return c, ok
}

func (s *ClientStore) persistLocked() error {
	clients := make([]RegisteredClient, 0, len(s.clients))
	for _, c := range s.clients {
		if c.static {
			continue
		}
		clients = append(clients, c)
	}
	data, err := json.MarshalIndent(clients, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "encode oauth clients")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "create data dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".tmp-clients-*")
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "stage oauth clients")
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return apperr.Wrap(apperr.KindInternal, err, "write oauth clients")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return apperr.Wrap(apperr.KindInternal, err, "close oauth clients")
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return apperr.Wrap(apperr.KindInternal, err, "commit oauth clients")
	}
	return nil
}
