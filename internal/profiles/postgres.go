package profiles

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"drover/internal/apperr"
	"drover/internal/browser"
	"drover/internal/observability"
)

// PostgresStore keeps saved sessions in a single table, one row per name.
// Selected when a database URL is configured; behavior mirrors FileStore.
type PostgresStore struct {
	pool *pgxpool.Pool
	node string
	log  *observability.Logger
}

func NewPostgresStore(pool *pgxpool.Pool, nodeID string, log *observability.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, node: nodeID, log: log}
}

// EnsureSchema creates the saved-sessions table if needed.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS saved_sessions (
    name TEXT PRIMARY KEY,
    description TEXT NOT NULL DEFAULT '',
    created_at TIMESTAMPTZ NOT NULL,
    url TEXT NOT NULL DEFAULT '',
    title TEXT NOT NULL DEFAULT '',
    edge_profile TEXT NOT NULL DEFAULT '',
    workspace TEXT NOT NULL DEFAULT '',
    version INTEGER NOT NULL DEFAULT 1,
    checksum TEXT NOT NULL DEFAULT '',
    origin_node TEXT NOT NULL DEFAULT '',
    last_modified TIMESTAMPTZ NOT NULL,
    storage JSONB
);`)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "ensure saved_sessions schema")
	}
	return nil
}

func (s *PostgresStore) Save(ctx context.Context, sess SavedSession, state *browser.StorageState) (SavedSession, error) {
	existing, _, err := s.Get(ctx, sess.Name)
	if err != nil && !apperr.Is(err, apperr.KindBadInput) {
		return SavedSession{}, err
	}
	sess.Version = 1
	if existing != nil {
		sess.Version = existing.Version + 1
	}
	sum, err := ChecksumOf(state)
	if err != nil {
		return SavedSession{}, apperr.Wrap(apperr.KindInternal, err, "checksum storage state")
	}
	sess.Checksum = sum
	sess.LastModified = time.Now().UTC()
	if sess.CreatedAt.IsZero() {
		sess.CreatedAt = sess.LastModified
	}
	if sess.OriginNode == "" {
		sess.OriginNode = s.node
	}
	if err := s.put(ctx, sess, state); err != nil {
		return SavedSession{}, err
	}
	s.log.InfoContext(ctx, "profile saved",
		"name", sess.Name, "version", sess.Version, "url", sess.URL)
	return sess, nil
}

func (s *PostgresStore) put(ctx context.Context, sess SavedSession, state *browser.StorageState) error {
	var storage any
	if state != nil {
		data, err := CanonicalBytes(state)
		if err != nil {
			return apperr.Wrap(apperr.KindInternal, err, "encode storage state")
		}
		storage = data
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO saved_sessions
        (name, description, created_at, url, title, edge_profile, workspace,
         version, checksum, origin_node, last_modified, storage)
    VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
    ON CONFLICT (name) DO UPDATE SET
        description = EXCLUDED.description,
        url = EXCLUDED.url,
        title = EXCLUDED.title,
        edge_profile = EXCLUDED.edge_profile,
        workspace = EXCLUDED.workspace,
        version = EXCLUDED.version,
        checksum = EXCLUDED.checksum,
        origin_node = EXCLUDED.origin_node,
        last_modified = EXCLUDED.last_modified,
        storage = EXCLUDED.storage`,
		sess.Name, sess.Description, sess.CreatedAt, sess.URL, sess.Title,
		sess.EdgeProfile, sess.Workspace, sess.Version, sess.Checksum,
		sess.OriginNode, sess.LastModified, storage)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "upsert profile %q", sess.Name)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, name string) (*SavedSession, *browser.StorageState, error) {
	var sess SavedSession
	var storage []byte
	err := s.pool.QueryRow(ctx, `SELECT name, description, created_at, url, title,
        edge_profile, workspace, version, checksum, origin_node, last_modified, storage
    FROM saved_sessions WHERE name = $1`, name).Scan(
		&sess.Name, &sess.Description, &sess.CreatedAt, &sess.URL, &sess.Title,
		&sess.EdgeProfile, &sess.Workspace, &sess.Version, &sess.Checksum,
		&sess.OriginNode, &sess.LastModified, &storage)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, apperr.New(apperr.KindBadInput, "unknown profile %q", name)
		}
		return nil, nil, apperr.Wrap(apperr.KindInternal, err, "query profile %q", name)
	}
	if len(storage) == 0 {
		return &sess, nil, nil
	}
	var state browser.StorageState
	if err := json.Unmarshal(storage, &state); err != nil {
		return nil, nil, apperr.Wrap(apperr.KindIntegrity, err, "decode storage state for %q", name)
	}
	return &sess, &state, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]SavedSession, error) {
	rows, err := s.pool.Query(ctx, `SELECT name, description, created_at, url, title,
        edge_profile, workspace, version, checksum, origin_node, last_modified
    FROM saved_sessions ORDER BY name`)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "list profiles")
	}
	defer rows.Close()
	var out []SavedSession
	for rows.Next() {
		var sess SavedSession
		if err := rows.Scan(&sess.Name, &sess.Description, &sess.CreatedAt, &sess.URL,
			&sess.Title, &sess.EdgeProfile, &sess.Workspace, &sess.Version,
			&sess.Checksum, &sess.OriginNode, &sess.LastModified); err != nil {
			return nil, apperr.Wrap(apperr.KindInternal, err, "scan profile row")
		}
		out = append(out, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, err, "list profiles")
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, name string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM saved_sessions WHERE name = $1`, name)
	if err != nil {
		return apperr.Wrap(apperr.KindInternal, err, "delete profile %q", name)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.KindBadInput, "unknown profile %q", name)
	}
	s.log.InfoContext(ctx, "profile deleted", "name", name)
	return nil
}
