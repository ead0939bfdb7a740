// Package profiles persists named browser sessions so they can be restored
// later or exchanged with peer brokers.
package profiles

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"drover/internal/browser"
)

// SavedSession is one persisted browser session. Re-saving under the same
// name bumps Version; the record is otherwise immutable after write.
type SavedSession struct {
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	URL         string    `json:"url"`
	Title       string    `json:"title"`
	EdgeProfile string    `json:"edgeProfile,omitempty"`
	Workspace   string    `json:"workspace,omitempty"`

	Version      int       `json:"version"`
	Checksum     string    `json:"checksum"`
	OriginNode   string    `json:"originNode,omitempty"`
	LastModified time.Time `json:"lastModified"`
}

// Archive bundles a saved session with its storage state for peer transfer.
type Archive struct {
	Session SavedSession          `json:"session"`
	Storage *browser.StorageState `json:"storage,omitempty"`
}

// CanonicalBytes renders the storage state deterministically. The checksum
// covers exactly these bytes, so both save and import must agree on them.
func CanonicalBytes(state *browser.StorageState) ([]byte, error) {
	if state == nil {
		state = &browser.StorageState{}
	}
	return json.Marshal(state)
}

// ChecksumOf is the hex SHA-256 over the canonical storage-state bytes.
func ChecksumOf(state *browser.StorageState) (string, error) {
	data, err := CanonicalBytes(state)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
