// Package registry implements the server-side KeyPackageRegistry
// (spec.md §4.3): the authoritative store of uploaded KeyPackages, with
// reserve/spend arbitration between concurrent inviters of the same
// target and expiry of stale reservations.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"mlschat/internal/domain"
)

// Options configures the underlying SQLite connection and the default
// reservation lifetime.
type Options struct {
	JournalMode    string
	SyncMode       string
	ReservationTTL time.Duration
}

// DefaultOptions mirrors the client MetadataStore's WAL defaults, plus the
// spec's default 60s reservation TTL.
func DefaultOptions() Options {
	return Options{JournalMode: "WAL", SyncMode: "NORMAL", ReservationTTL: 60 * time.Second}
}

// Registry is the concrete KeyPackageRegistry. Reserve is serialized per
// target username via a sharded mutex (spec.md §5 "a per-user lock is
// preferred over a global lock"), generalizing the teacher relay's single
// process-wide sync.RWMutex.
type Registry struct {
	db  *sql.DB
	ttl time.Duration

	shardsMu sync.Mutex
	shards   map[string]*sync.Mutex
}

// Open opens (creating if necessary) the server's KeyPackage database at
// path and ensures its schema exists.
func Open(path string, opts Options) (*Registry, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=%s&_sync=%s&_foreign_keys=1&_timeout=5000", path, opts.JournalMode, opts.SyncMode)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("registry: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("registry: ping db: %w", err)
	}
	r := &Registry{db: db, ttl: opts.ReservationTTL, shards: make(map[string]*sync.Mutex)}
	if err := r.createSchema(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) createSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS keypackages (
	username TEXT NOT NULL,
	keypackage_ref BLOB NOT NULL,
	public_bytes BLOB NOT NULL,
	uploaded_at INTEGER NOT NULL,
	status TEXT NOT NULL,
	reservation_id TEXT UNIQUE,
	reservation_expires_at INTEGER,
	reserved_by TEXT,
	spent_at INTEGER,
	spent_by TEXT,
	spent_group_id BLOB,
	not_after INTEGER NOT NULL,
	credential_hash BLOB NOT NULL,
	ciphersuite TEXT NOT NULL,
	PRIMARY KEY(username, keypackage_ref)
);
CREATE INDEX IF NOT EXISTS idx_keypackages_reserve ON keypackages(username, status, not_after);
`
	_, err := r.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("registry: create schema: %w", err)
	}
	return nil
}

func (r *Registry) Close() error { return r.db.Close() }

func (r *Registry) lockFor(username domain.Username) *sync.Mutex {
	r.shardsMu.Lock()
	defer r.shardsMu.Unlock()
	key := username.String()
	m, ok := r.shards[key]
	if !ok {
		m = &sync.Mutex{}
		r.shards[key] = m
	}
	return m
}

// Upload inserts rows in status available. A duplicate keypackage_ref is
// idempotently accepted as a no-op; rows whose not_after already elapsed
// are rejected (spec.md §4.3 upload).
func (r *Registry) Upload(ctx context.Context, pkgs []domain.PublicKeyPackage, now time.Time) error {
	for _, pk := range pkgs {
		if !pk.NotAfter.After(now) {
			return domain.KeyPackageInvalidError("upload", fmt.Errorf("keypackage %s already expired", pk.Ref.String()))
		}
		_, err := r.db.ExecContext(ctx, `
			INSERT INTO keypackages(
				username, keypackage_ref, public_bytes, uploaded_at, status,
				not_after, credential_hash, ciphersuite
			) VALUES(?, ?, ?, ?, 'available', ?, ?, ?)
			ON CONFLICT(username, keypackage_ref) DO NOTHING`,
			pk.Username.String(), []byte(pk.Ref), pk.PublicBytes, now.Unix(),
			pk.NotAfter.Unix(), pk.CredentialHash, string(pk.Ciphersuite))
		if err != nil {
			return domain.StorageError("upload", err)
		}
	}
	return nil
}

// Reserve implements spec.md §4.3 reserve: FIFO by uploaded_at then
// keypackage_ref as tiebreak, selecting the oldest eligible row (available,
// or reserved with an elapsed TTL) and transitioning it to reserved.
func (r *Registry) Reserve(ctx context.Context, targetUsername domain.Username, groupID domain.GroupID, callerUsername domain.Username, now time.Time) (domain.ReservedKeyPackage, error) {
	lock := r.lockFor(targetUsername)
	lock.Lock()
	defer lock.Unlock()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReservedKeyPackage{}, domain.StorageError("reserve", err)
	}
	defer tx.Rollback()

	row := tx.QueryRowContext(ctx, `
		SELECT keypackage_ref, public_bytes
		FROM keypackages
		WHERE username = ?
		  AND not_after > ?
		  AND (status = 'available' OR (status = 'reserved' AND reservation_expires_at <= ?))
		ORDER BY uploaded_at ASC, keypackage_ref ASC
		LIMIT 1`,
		targetUsername.String(), now.Unix(), now.Unix())

	var ref, public []byte
	if err := row.Scan(&ref, &public); err != nil {
		if err == sql.ErrNoRows {
			return domain.ReservedKeyPackage{}, domain.PoolExhaustedError("reserve", targetUsername.String())
		}
		return domain.ReservedKeyPackage{}, domain.StorageError("reserve", err)
	}

	reservationID := uuid.NewString()
	expiresAt := now.Add(r.ttl)
	_, err = tx.ExecContext(ctx, `
		UPDATE keypackages
		SET status = 'reserved', reservation_id = ?, reservation_expires_at = ?, reserved_by = ?
		WHERE username = ? AND keypackage_ref = ?`,
		reservationID, expiresAt.Unix(), callerUsername.String(), targetUsername.String(), ref)
	if err != nil {
		return domain.ReservedKeyPackage{}, domain.StorageError("reserve", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.ReservedKeyPackage{}, domain.StorageError("reserve", err)
	}
	_ = groupID // not persisted on the row; carried only for caller-side diagnostics

	return domain.ReservedKeyPackage{
		KeyPackageRef: domain.KeyPackageRef(ref),
		PublicBytes:   public,
		ReservationID: domain.ReservationID(reservationID),
		ExpiresAt:     expiresAt,
	}, nil
}

// Spend transitions a reserved row to spent (spec.md §4.3 spend). The
// username lookup below is only used to pick which per-user lock to
// acquire; every other field is re-read (and the transition re-validated)
// once that lock is held, and the UPDATE itself is conditioned on the row
// still being in the reserved state it was just checked against, so two
// concurrent Spend calls on the same ref can never both succeed.
func (r *Registry) Spend(ctx context.Context, ref domain.KeyPackageRef, reservationID domain.ReservationID, groupID domain.GroupID, callerUsername domain.Username, now time.Time) error {
	var username string
	if err := r.db.QueryRowContext(ctx,
		`SELECT username FROM keypackages WHERE keypackage_ref = ?`, []byte(ref),
	).Scan(&username); err != nil {
		if err == sql.ErrNoRows {
			return domain.DoubleSpendError("spend", fmt.Errorf("unknown keypackage_ref %s", ref.String()))
		}
		return domain.StorageError("spend", err)
	}

	lock := r.lockFor(domain.Username(username))
	lock.Lock()
	defer lock.Unlock()

	var status string
	var storedReservationID sql.NullString
	var reservationExpiresAt sql.NullInt64
	row := r.db.QueryRowContext(ctx, `
		SELECT status, reservation_id, reservation_expires_at
		FROM keypackages WHERE keypackage_ref = ?`, []byte(ref))
	if err := row.Scan(&status, &storedReservationID, &reservationExpiresAt); err != nil {
		if err == sql.ErrNoRows {
			return domain.DoubleSpendError("spend", fmt.Errorf("unknown keypackage_ref %s", ref.String()))
		}
		return domain.StorageError("spend", err)
	}

	switch status {
	case "spent":
		return domain.DoubleSpendError("spend", fmt.Errorf("keypackage %s already spent", ref.String()))
	case "reserved":
		if !storedReservationID.Valid || storedReservationID.String != string(reservationID) {
			return domain.KeyPackageInvalidError("spend", fmt.Errorf("reservation id mismatch for %s", ref.String()))
		}
		if reservationExpiresAt.Valid && reservationExpiresAt.Int64 <= now.Unix() {
			return domain.ReservationExpiredError("spend", fmt.Errorf("reservation for %s expired", ref.String()))
		}
	default:
		return domain.KeyPackageInvalidError("spend", fmt.Errorf("keypackage %s is not reserved (status=%s)", ref.String(), status))
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE keypackages
		SET status = 'spent', spent_at = ?, spent_by = ?, spent_group_id = ?
		WHERE keypackage_ref = ? AND status = 'reserved' AND reservation_id = ?`,
		now.Unix(), callerUsername.String(), []byte(groupID), []byte(ref), string(reservationID))
	if err != nil {
		return domain.StorageError("spend", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.StorageError("spend", err)
	}
	if n == 0 {
		// Lost a race with another Spend on the same ref between the
		// validation read above and this UPDATE.
		return domain.DoubleSpendError("spend", fmt.Errorf("keypackage %s already spent", ref.String()))
	}
	return nil
}

// Status returns counts for health monitoring (spec.md §4.3 status).
func (r *Registry) Status(ctx context.Context, username domain.Username) (domain.KeyPackageStatusCounts, error) {
	var counts domain.KeyPackageStatusCounts
	rows, err := r.db.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM keypackages WHERE username = ? GROUP BY status`,
		username.String())
	if err != nil {
		return counts, domain.StorageError("status", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return counts, domain.StorageError("status", err)
		}
		switch status {
		case "available":
			counts.Available = n
		case "reserved":
			counts.Reserved = n
		case "spent":
			counts.Spent = n
		}
	}
	return counts, rows.Err()
}

// CleanupExpired deletes rows whose not_after has elapsed regardless of
// state, and returns the number of rows removed (spec.md §4.3
// cleanup_expired). Idempotent; callers are responsible for logging the
// count and for not invoking this in test mode unless explicit.
func (r *Registry) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM keypackages WHERE not_after <= ?`, now.Unix())
	if err != nil {
		return 0, domain.StorageError("cleanup_expired", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.StorageError("cleanup_expired", err)
	}
	return n, nil
}
