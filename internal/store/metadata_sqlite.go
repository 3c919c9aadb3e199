// Package store holds the client's durable, non-secret MetadataStore:
// identity cross-check rows, KeyPackage pool lifecycle metadata, and
// group_id/group_name mappings, backed by SQLite. No private key material
// is ever stored here; that is the MLS engine's exclusive responsibility.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mlschat/internal/domain"
)

// MetadataOptions configures the underlying SQLite connection. Mirrors the
// pragma knobs a WAL-backed single-writer store needs; there is exactly
// one MetadataStore per username directory, so a small pool suffices.
type MetadataOptions struct {
	JournalMode string
	SyncMode    string
	QueryTimeout time.Duration
}

// DefaultMetadataOptions returns sensible defaults for a per-user store.
func DefaultMetadataOptions() MetadataOptions {
	return MetadataOptions{JournalMode: "WAL", SyncMode: "NORMAL", QueryTimeout: 10 * time.Second}
}

// SQLiteMetadataStore implements domain.MetadataStore (interfaces.MetadataStore)
// over a single SQLite file per spec's §6.3 schema: identities,
// keypackage_pool_metadata, group_metadata.
type SQLiteMetadataStore struct {
	db      *sql.DB
	mu      sync.Mutex
	opts    MetadataOptions
}

// OpenMetadataStore opens (creating if necessary) the metadata database at
// path and ensures its schema exists.
func OpenMetadataStore(path string, opts MetadataOptions) (*SQLiteMetadataStore, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=%s&_sync=%s&_foreign_keys=1&_timeout=5000", path, opts.JournalMode, opts.SyncMode)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open metadata db: %w", err)
	}
	db.SetMaxOpenConns(1) // single-writer file; avoid SQLITE_BUSY churn
	ctx, cancel := context.WithTimeout(context.Background(), opts.QueryTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping metadata db: %w", err)
	}
	s := &SQLiteMetadataStore{db: db, opts: opts}
	if err := s.createSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteMetadataStore) createSchema(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS identities (
	username TEXT PRIMARY KEY,
	signature_public BLOB NOT NULL,
	created_at INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS keypackage_pool_metadata (
	keypackage_ref BLOB PRIMARY KEY,
	status TEXT NOT NULL,
	created_at INTEGER NOT NULL,
	uploaded_at INTEGER,
	reserved_at INTEGER,
	spent_at INTEGER,
	not_after INTEGER NOT NULL,
	reservation_id TEXT,
	reservation_expires_at INTEGER,
	reserved_by TEXT,
	spent_group_id BLOB,
	spent_by TEXT,
	upload_failures INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_pool_status ON keypackage_pool_metadata(status);

CREATE TABLE IF NOT EXISTS group_metadata (
	group_id BLOB PRIMARY KEY,
	group_name TEXT NOT NULL
);
`
	_, err := s.db.ExecContext(ctx, schema)
	if err != nil {
		return fmt.Errorf("store: create schema: %w", err)
	}
	return nil
}

// Compile-time assertion that SQLiteMetadataStore implements domain.MetadataStore.
var _ domain.MetadataStore = (*SQLiteMetadataStore)(nil)

func (s *SQLiteMetadataStore) Close() error { return s.db.Close() }

func (s *SQLiteMetadataStore) SaveIdentityRecord(ctx context.Context, username domain.Username, sigPublic domain.Ed25519Public, createdAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO identities(username, signature_public, created_at) VALUES(?, ?, ?)
		 ON CONFLICT(username) DO UPDATE SET signature_public=excluded.signature_public`,
		username.String(), sigPublic.Slice(), createdAt.Unix())
	if err != nil {
		return domain.StorageError("save_identity_record", err)
	}
	return nil
}

func (s *SQLiteMetadataStore) LoadIdentityRecord(ctx context.Context, username domain.Username) (domain.Ed25519Public, time.Time, bool, error) {
	var pub []byte
	var createdAt int64
	row := s.db.QueryRowContext(ctx, `SELECT signature_public, created_at FROM identities WHERE username = ?`, username.String())
	if err := row.Scan(&pub, &createdAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.Ed25519Public{}, time.Time{}, false, nil
		}
		return domain.Ed25519Public{}, time.Time{}, false, domain.StorageError("load_identity_record", err)
	}
	var out domain.Ed25519Public
	copy(out[:], pub)
	return out, time.Unix(createdAt, 0), true, nil
}
