// Package directory implements the server-side UserDirectory: one record
// per registered username, mapping to its currently published
// identity-bearing KeyPackage and credential hash, used by
// internal/server/httpapi to implement spec.md §4.6's registration
// protocol (404/409 semantics) without conflating registration with the
// reservation-bearing keypackages table owned by internal/server/registry.
package directory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3"

	"mlschat/internal/domain"
)

// Options configures the underlying SQLite connection.
type Options struct {
	JournalMode string
	SyncMode    string
}

// DefaultOptions mirrors the client and registry's WAL defaults.
func DefaultOptions() Options {
	return Options{JournalMode: "WAL", SyncMode: "NORMAL"}
}

// Directory is the concrete UserDirectory.
type Directory struct {
	db *sql.DB
}

// Open opens (creating if necessary) the server's users database at path.
func Open(path string, opts Options) (*Directory, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=%s&_sync=%s&_foreign_keys=1&_timeout=5000", path, opts.JournalMode, opts.SyncMode)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("directory: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("directory: ping db: %w", err)
	}
	d := &Directory{db: db}
	if err := d.createSchema(); err != nil {
		return nil, err
	}
	return d, nil
}

func (d *Directory) createSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS users (
	username TEXT PRIMARY KEY,
	key_package BLOB NOT NULL,
	credential_hash BLOB NOT NULL,
	created_at INTEGER NOT NULL
);
`
	_, err := d.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("directory: create schema: %w", err)
	}
	return nil
}

func (d *Directory) Close() error { return d.db.Close() }

// Published returns the currently published KeyPackage for username, and
// whether a record exists at all (404 vs. 200 per §6.1 GET /users/{username}).
func (d *Directory) Published(ctx context.Context, username domain.Username) (domain.PublicKeyPackage, bool, error) {
	var keyPackage, credHash []byte
	row := d.db.QueryRowContext(ctx, `SELECT key_package, credential_hash FROM users WHERE username = ?`, username.String())
	if err := row.Scan(&keyPackage, &credHash); err != nil {
		if err == sql.ErrNoRows {
			return domain.PublicKeyPackage{}, false, nil
		}
		return domain.PublicKeyPackage{}, false, domain.StorageError("published", err)
	}
	return domain.PublicKeyPackage{
		Username:       username,
		PublicBytes:    keyPackage,
		CredentialHash: credHash,
	}, true, nil
}

// ErrAlreadyRegistered is returned by Register when username already has a
// published record (spec.md §6.1 POST /users 409).
var ErrAlreadyRegistered = fmt.Errorf("directory: username already registered")

// Register inserts a new record for username. Fails with
// ErrAlreadyRegistered if one already exists, whatever its
// credential_hash; httpapi answers that with 409 and does not compare
// credentials, which is left to the client after it fetches the record.
func (d *Directory) Register(ctx context.Context, username domain.Username, keyPackage []byte, credentialHash []byte, now time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO users(username, key_package, credential_hash, created_at) VALUES(?, ?, ?, ?)`,
		username.String(), keyPackage, credentialHash, now.Unix())
	if err != nil {
		if isUniqueConstraint(err) {
			return ErrAlreadyRegistered
		}
		return domain.StorageError("register", err)
	}
	return nil
}

func isUniqueConstraint(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code == sqlite3.ErrConstraint
}
