// Package peersync exchanges saved sessions between brokers. Every broker has
// a stable node id; peers are registered manually and probed on a timer. The
// exchange is eventually consistent: integrity is enforced by checksum, name
// collisions resolve by (version, lastModified) latest-wins with the receiver
// keeping its copy on a full tie.
package peersync

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/segmentio/ksuid"

	"drover/internal/apperr"
)

const nodeIDFile = "node-id"

// NodeID resolves this broker's stable identity. A configured id wins; absent
// that, the id persisted under the sync directory is reused, and a fresh one
// is minted and persisted on first boot.
func NodeID(configured, syncDir string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	path := filepath.Join(syncDir, nodeIDFile)
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}
	id := "node-" + ksuid.New().String()
	if err := os.MkdirAll(syncDir, 0o755); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "create sync dir")
	}
	if err := os.WriteFile(path, []byte(id+"\n"), 0o644); err != nil {
		return "", apperr.Wrap(apperr.KindInternal, err, "persist node id")
	}
	return id, nil
}
