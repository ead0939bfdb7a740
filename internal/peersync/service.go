package peersync

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"drover/internal/observability"
	"drover/internal/profiles"
)

// IndexEntry is one advertised session on /sync/index.
type IndexEntry struct {
	Name         string    `json:"name"`
	Version      int       `json:"version"`
	Checksum     string    `json:"checksum"`
	LastModified time.Time `json:"lastModified"`
}

// Service is the broker-local side of peer sync: it advertises the saved
// sessions of the profile store and applies inbound archives to it.
type Service struct {
	node  string
	store profiles.Store
	peers *Registry
	log   *observability.Logger
}

// NewService wires the sync surface over the profile store.
func NewService(node string, store profiles.Store, peers *Registry, log *observability.Logger) *Service {
	return &Service{node: node, store: store, peers: peers, log: log}
}

// Node is this broker's stable id, echoed in sync responses.
func (s *Service) Node() string { return s.node }

// Peers exposes the registry for the transport's peer management endpoints.
func (s *Service) Peers() *Registry { return s.peers }

// Index lists the sessions this broker can serve to peers.
func (s *Service) Index(ctx context.Context) ([]IndexEntry, error) {
	sessions, err := s.store.List(ctx)
	if err != nil {
		return nil, err
	}
	entries := make([]IndexEntry, 0, len(sessions))
	for _, sess := range sessions {
		entries = append(entries, IndexEntry{
			Name:         sess.Name,
			Version:      sess.Version,
			Checksum:     sess.Checksum,
			LastModified: sess.LastModified,
		})
	}
	return entries, nil
}

// Export builds the transfer archive for one saved session.
func (s *Service) Export(ctx context.Context, name string) (*profiles.Archive, error) {
	sess, state, err := s.store.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return &profiles.Archive{Session: *sess, Storage: state}, nil
}

// Import applies an inbound archive. The checksum is verified and the
// conflict resolved before anything is written; false means the local copy
// won and nothing changed.
func (s *Service) Import(ctx context.Context, archive profiles.Archive) (bool, error) {
	accepted, err := profiles.Import(ctx, s.store, archive)
	if err != nil {
		return false, err
	}
	if accepted {
		s.log.InfoContext(ctx, "imported peer session",
			"name", archive.Session.Name,
			"version", archive.Session.Version,
			"origin_node", archive.Session.OriginNode)
	} else {
		s.log.DebugContext(ctx, "kept local session over peer copy",
			"name", archive.Session.Name)
	}
	return accepted, nil
}

// ProbeAll refreshes every peer's status concurrently. Probe failures are
// recorded on the peer, not returned; a broker with one dead peer is healthy.
func (s *Service) ProbeAll(ctx context.Context, client *Client) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, p := range s.peers.List() {
		peer := p
		g.Go(func() error {
			err := client.Probe(ctx, peer)
			s.peers.MarkProbe(peer.Name, err)
			if err != nil {
				s.log.DebugContext(ctx, "peer probe failed", "peer", peer.Name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// PullFrom fetches a peer's index and imports everything the local store does
// not already hold at the same or newer version. Returns how many sessions
// were accepted.
func (s *Service) PullFrom(ctx context.Context, client *Client, peerName string) (int, error) {
	peer, err := s.peers.Get(peerName)
	if err != nil {
		return 0, err
	}
	remote, err := client.FetchIndex(ctx, peer)
	if err != nil {
		return 0, err
	}

	local := map[string]IndexEntry{}
	if entries, err := s.Index(ctx); err == nil {
		for _, e := range entries {
			local[e.Name] = e
		}
	}

	accepted := 0
	for _, entry := range remote {
		if have, ok := local[entry.Name]; ok && !wantsRemote(entry, have) {
			continue
		}
		archive, err := client.Pull(ctx, peer, entry.Name)
		if err != nil {
			s.log.WarnContext(ctx, "pull session from peer",
				"peer", peer.Name, "name", entry.Name, "error", err)
			continue
		}
		ok, err := s.Import(ctx, *archive)
		if err != nil {
			s.log.WarnContext(ctx, "import session from peer",
				"peer", peer.Name, "name", entry.Name, "error", err)
			continue
		}
		if ok {
			accepted++
		}
	}
	return accepted, nil
}

// wantsRemote mirrors the store-level conflict rule at index granularity so
// losing archives are never downloaded.
func wantsRemote(remote, local IndexEntry) bool {
	if remote.Version != local.Version {
		return remote.Version > local.Version
	}
	return remote.LastModified.After(local.LastModified)
}
