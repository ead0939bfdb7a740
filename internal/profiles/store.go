package profiles

import (
	"context"

	"drover/internal/apperr"
	"drover/internal/browser"
)

// Store persists saved sessions. The file store is the default; a Postgres
// store is selected when a database URL is configured.
type Store interface {
	// Save writes the session and its storage state. An existing session of
	// the same name gets its Version bumped; Checksum and LastModified are
	// recomputed here, not by the caller.
	Save(ctx context.Context, s SavedSession, state *browser.StorageState) (SavedSession, error)
	// Get returns the session and its storage state. A nil state with a nil
	// error means the metadata survived but the storage payload is gone;
	// callers restore degraded (navigate only).
	Get(ctx context.Context, name string) (*SavedSession, *browser.StorageState, error)
	List(ctx context.Context) ([]SavedSession, error)
	Delete(ctx context.Context, name string) error

	// put writes a record verbatim, without the bump-on-resave path. Peer
	// imports use it so Version and LastModified survive the transfer.
	put(ctx context.Context, s SavedSession, state *browser.StorageState) error
}

// Import applies a peer archive to the store. The checksum is recomputed over
// canonical bytes before anything is written. Returns false when the local
// copy wins the conflict.
func Import(ctx context.Context, store Store, archive Archive) (bool, error) {
	sum, err := ChecksumOf(archive.Storage)
	if err != nil {
		return false, apperr.Wrap(apperr.KindInternal, err, "canonicalize storage state")
	}
	if sum != archive.Session.Checksum {
		return false, apperr.New(apperr.KindIntegrity,
			"checksum mismatch for %q: advertised %s, computed %s",
			archive.Session.Name, archive.Session.Checksum, sum)
	}
	local, _, err := store.Get(ctx, archive.Session.Name)
	if err != nil && !apperr.Is(err, apperr.KindBadInput) {
		return false, err
	}
	if local != nil && !remoteWins(archive.Session, *local) {
		return false, nil
	}
	return true, store.put(ctx, archive.Session, archive.Storage)
}

// remoteWins resolves a name collision: greater version, then greater
// lastModified, then the receiver's local copy.
func remoteWins(remote, local SavedSession) bool {
	if remote.Version != local.Version {
		return remote.Version > local.Version
	}
	if !remote.LastModified.Equal(local.LastModified) {
		return remote.LastModified.After(local.LastModified)
	}
	return false
}
