package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"mlschat/internal/domain"
)

func nullableTime(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return t.Unix()
}

func nullableString(s *string) interface{} {
	if s == nil {
		return nil
	}
	return *s
}

func nullableBlob(b []byte) interface{} {
	if b == nil {
		return nil
	}
	return b
}

func (s *SQLiteMetadataStore) InsertPoolEntry(ctx context.Context, e domain.PoolEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reservationID, reservedBy, spentBy *string
	if e.ReservationID != nil {
		v := string(*e.ReservationID)
		reservationID = &v
	}
	if e.ReservedBy != nil {
		v := e.ReservedBy.String()
		reservedBy = &v
	}
	if e.SpentBy != nil {
		v := e.SpentBy.String()
		spentBy = &v
	}
	var spentGroupID []byte
	if e.SpentGroupID != nil {
		spentGroupID = *e.SpentGroupID
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO keypackage_pool_metadata(
			keypackage_ref, status, created_at, uploaded_at, reserved_at, spent_at,
			not_after, reservation_id, reservation_expires_at, reserved_by,
			spent_group_id, spent_by, upload_failures
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		[]byte(e.KeyPackageRef), string(e.Status), e.CreatedAt.Unix(),
		nullableTime(e.UploadedAt), nullableTime(e.ReservedAt), nullableTime(e.SpentAt),
		e.NotAfter.Unix(), nullableString(reservationID), nullableTime(e.ReservationExpiresAt),
		nullableString(reservedBy), nullableBlob(spentGroupID), nullableString(spentBy),
		e.UploadFailures,
	)
	if err != nil {
		return domain.StorageError("insert_pool_entry", err)
	}
	return nil
}

func (s *SQLiteMetadataStore) UpdatePoolEntry(ctx context.Context, e domain.PoolEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var reservationID, reservedBy, spentBy *string
	if e.ReservationID != nil {
		v := string(*e.ReservationID)
		reservationID = &v
	}
	if e.ReservedBy != nil {
		v := e.ReservedBy.String()
		reservedBy = &v
	}
	if e.SpentBy != nil {
		v := e.SpentBy.String()
		spentBy = &v
	}
	var spentGroupID []byte
	if e.SpentGroupID != nil {
		spentGroupID = *e.SpentGroupID
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE keypackage_pool_metadata SET
			status = ?, uploaded_at = ?, reserved_at = ?, spent_at = ?,
			reservation_id = ?, reservation_expires_at = ?, reserved_by = ?,
			spent_group_id = ?, spent_by = ?, upload_failures = ?
		WHERE keypackage_ref = ?`,
		string(e.Status), nullableTime(e.UploadedAt), nullableTime(e.ReservedAt), nullableTime(e.SpentAt),
		nullableString(reservationID), nullableTime(e.ReservationExpiresAt), nullableString(reservedBy),
		nullableBlob(spentGroupID), nullableString(spentBy), e.UploadFailures,
		[]byte(e.KeyPackageRef),
	)
	if err != nil {
		return domain.StorageError("update_pool_entry", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.StorageError("update_pool_entry", fmt.Errorf("no such pool entry %s", e.KeyPackageRef))
	}
	return nil
}

func (s *SQLiteMetadataStore) DeletePoolEntry(ctx context.Context, ref domain.KeyPackageRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.db.ExecContext(ctx, `DELETE FROM keypackage_pool_metadata WHERE keypackage_ref = ?`, []byte(ref)); err != nil {
		return domain.StorageError("delete_pool_entry", err)
	}
	return nil
}

func scanPoolEntry(row interface {
	Scan(dest ...interface{}) error
}) (domain.PoolEntry, error) {
	var e domain.PoolEntry
	var ref []byte
	var status string
	var createdAt, notAfter int64
	var uploadedAt, reservedAt, spentAt, reservationExpiresAt sql.NullInt64
	var reservationID, reservedBy, spentBy sql.NullString
	var spentGroupID []byte

	if err := row.Scan(&ref, &status, &createdAt, &uploadedAt, &reservedAt, &spentAt,
		&notAfter, &reservationID, &reservationExpiresAt, &reservedBy,
		&spentGroupID, &spentBy, &e.UploadFailures); err != nil {
		return domain.PoolEntry{}, err
	}

	e.KeyPackageRef = domain.KeyPackageRef(ref)
	e.Status = domain.PoolStatus(status)
	e.CreatedAt = time.Unix(createdAt, 0)
	e.NotAfter = time.Unix(notAfter, 0)
	if uploadedAt.Valid {
		t := time.Unix(uploadedAt.Int64, 0)
		e.UploadedAt = &t
	}
	if reservedAt.Valid {
		t := time.Unix(reservedAt.Int64, 0)
		e.ReservedAt = &t
	}
	if spentAt.Valid {
		t := time.Unix(spentAt.Int64, 0)
		e.SpentAt = &t
	}
	if reservationID.Valid {
		rid := domain.ReservationID(reservationID.String)
		e.ReservationID = &rid
	}
	if reservationExpiresAt.Valid {
		t := time.Unix(reservationExpiresAt.Int64, 0)
		e.ReservationExpiresAt = &t
	}
	if reservedBy.Valid {
		u := domain.Username(reservedBy.String)
		e.ReservedBy = &u
	}
	if spentGroupID != nil {
		gid := domain.GroupID(spentGroupID)
		e.SpentGroupID = &gid
	}
	if spentBy.Valid {
		u := domain.Username(spentBy.String)
		e.SpentBy = &u
	}
	return e, nil
}

func (s *SQLiteMetadataStore) LoadPoolEntry(ctx context.Context, ref domain.KeyPackageRef) (domain.PoolEntry, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT keypackage_ref, status, created_at, uploaded_at, reserved_at, spent_at,
			not_after, reservation_id, reservation_expires_at, reserved_by,
			spent_group_id, spent_by, upload_failures
		FROM keypackage_pool_metadata WHERE keypackage_ref = ?`, []byte(ref))
	e, err := scanPoolEntry(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.PoolEntry{}, false, nil
		}
		return domain.PoolEntry{}, false, domain.StorageError("load_pool_entry", err)
	}
	return e, true, nil
}

func (s *SQLiteMetadataStore) ListPoolEntries(ctx context.Context) ([]domain.PoolEntry, error) {
	return s.listPoolEntriesWhere(ctx, "", nil)
}

func (s *SQLiteMetadataStore) ListPoolEntriesByStatus(ctx context.Context, statuses ...domain.PoolStatus) ([]domain.PoolEntry, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	where := "WHERE status IN (" + strings.Join(placeholders, ",") + ")"
	return s.listPoolEntriesWhere(ctx, where, args)
}

func (s *SQLiteMetadataStore) listPoolEntriesWhere(ctx context.Context, where string, args []interface{}) ([]domain.PoolEntry, error) {
	query := `
		SELECT keypackage_ref, status, created_at, uploaded_at, reserved_at, spent_at,
			not_after, reservation_id, reservation_expires_at, reserved_by,
			spent_group_id, spent_by, upload_failures
		FROM keypackage_pool_metadata ` + where + ` ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, domain.StorageError("list_pool_entries", err)
	}
	defer rows.Close()

	var out []domain.PoolEntry
	for rows.Next() {
		e, err := scanPoolEntry(rows)
		if err != nil {
			return nil, domain.StorageError("list_pool_entries", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLiteMetadataStore) CountPoolEntriesByStatus(ctx context.Context, statuses ...domain.PoolStatus) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}
	placeholders := make([]string, len(statuses))
	args := make([]interface{}, len(statuses))
	for i, st := range statuses {
		placeholders[i] = "?"
		args[i] = string(st)
	}
	query := `SELECT COUNT(*) FROM keypackage_pool_metadata WHERE status IN (` + strings.Join(placeholders, ",") + `)`
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, domain.StorageError("count_pool_entries", err)
	}
	return n, nil
}

func (s *SQLiteMetadataStore) SaveGroupMetadata(ctx context.Context, m domain.GroupMetadata) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO group_metadata(group_id, group_name) VALUES(?, ?)
		ON CONFLICT(group_id) DO UPDATE SET group_name=excluded.group_name`,
		[]byte(m.GroupID), m.GroupName)
	if err != nil {
		return domain.StorageError("save_group_metadata", err)
	}
	return nil
}

func (s *SQLiteMetadataStore) LoadGroupMetadata(ctx context.Context, groupID domain.GroupID) (domain.GroupMetadata, bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx, `SELECT group_name FROM group_metadata WHERE group_id = ?`, []byte(groupID)).Scan(&name)
	if err != nil {
		if err == sql.ErrNoRows {
			return domain.GroupMetadata{}, false, nil
		}
		return domain.GroupMetadata{}, false, domain.StorageError("load_group_metadata", err)
	}
	return domain.GroupMetadata{GroupID: groupID, GroupName: name}, true, nil
}

func (s *SQLiteMetadataStore) ListGroupMetadata(ctx context.Context) ([]domain.GroupMetadata, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT group_id, group_name FROM group_metadata ORDER BY group_name ASC`)
	if err != nil {
		return nil, domain.StorageError("list_group_metadata", err)
	}
	defer rows.Close()
	var out []domain.GroupMetadata
	for rows.Next() {
		var gid []byte
		var name string
		if err := rows.Scan(&gid, &name); err != nil {
			return nil, domain.StorageError("list_group_metadata", err)
		}
		out = append(out, domain.GroupMetadata{GroupID: domain.GroupID(gid), GroupName: name})
	}
	return out, rows.Err()
}
