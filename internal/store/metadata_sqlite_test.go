package store_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mlschat/internal/domain"
	"mlschat/internal/store"
)

func openTestMetadataStore(t *testing.T) *store.SQLiteMetadataStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "metadata.db")
	s, err := store.OpenMetadataStore(path, store.DefaultMetadataOptions())
	if err != nil {
		t.Fatalf("open metadata store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestIdentityRecord_SaveThenLoad(t *testing.T) {
	s := openTestMetadataStore(t)
	now := time.Now()
	var pub domain.Ed25519Public
	copy(pub[:], []byte("alices-signature-public-key-bytes"))

	if err := s.SaveIdentityRecord(context.Background(), "alice", pub, now); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, _, found, err := s.LoadIdentityRecord(context.Background(), "alice")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !found || got != pub {
		t.Fatalf("found=%v got=%x, want=%x", found, got, pub)
	}
}

func TestIdentityRecord_SaveIsUpsert(t *testing.T) {
	s := openTestMetadataStore(t)
	var first, second domain.Ed25519Public
	copy(first[:], []byte("first-key"))
	copy(second[:], []byte("second-key"))

	if err := s.SaveIdentityRecord(context.Background(), "alice", first, time.Now()); err != nil {
		t.Fatalf("save first: %v", err)
	}
	if err := s.SaveIdentityRecord(context.Background(), "alice", second, time.Now()); err != nil {
		t.Fatalf("save second: %v", err)
	}
	got, _, found, err := s.LoadIdentityRecord(context.Background(), "alice")
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if got != second {
		t.Fatalf("expected upsert to overwrite with second key, got %x", got)
	}
}

func TestPoolEntry_InsertLoadUpdateDelete(t *testing.T) {
	s := openTestMetadataStore(t)
	ctx := context.Background()
	now := time.Now()

	entry := domain.PoolEntry{
		KeyPackageRef: domain.KeyPackageRef("ref-1"),
		Status:        domain.PoolStatusCreated,
		CreatedAt:     now,
		NotAfter:      now.Add(time.Hour),
	}
	if err := s.InsertPoolEntry(ctx, entry); err != nil {
		t.Fatalf("insert: %v", err)
	}

	loaded, found, err := s.LoadPoolEntry(ctx, entry.KeyPackageRef)
	if err != nil || !found {
		t.Fatalf("load: found=%v err=%v", found, err)
	}
	if loaded.Status != domain.PoolStatusCreated {
		t.Fatalf("expected status created, got %s", loaded.Status)
	}

	uploadedAt := now.Add(time.Minute)
	loaded.Status = domain.PoolStatusUploaded
	loaded.UploadedAt = &uploadedAt
	if err := s.UpdatePoolEntry(ctx, loaded); err != nil {
		t.Fatalf("update: %v", err)
	}

	reloaded, found, err := s.LoadPoolEntry(ctx, entry.KeyPackageRef)
	if err != nil || !found {
		t.Fatalf("reload: found=%v err=%v", found, err)
	}
	if reloaded.Status != domain.PoolStatusUploaded || reloaded.UploadedAt == nil {
		t.Fatalf("expected uploaded status with timestamp, got %+v", reloaded)
	}

	if err := s.DeletePoolEntry(ctx, entry.KeyPackageRef); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, found, err := s.LoadPoolEntry(ctx, entry.KeyPackageRef); err != nil || found {
		t.Fatalf("expected entry gone after delete: found=%v err=%v", found, err)
	}
}

func TestUpdatePoolEntry_UnknownRefFails(t *testing.T) {
	s := openTestMetadataStore(t)
	err := s.UpdatePoolEntry(context.Background(), domain.PoolEntry{
		KeyPackageRef: domain.KeyPackageRef("never-inserted"),
		Status:        domain.PoolStatusSpent,
		CreatedAt:     time.Now(),
		NotAfter:      time.Now().Add(time.Hour),
	})
	if err == nil {
		t.Fatal("expected an error updating a pool entry that was never inserted")
	}
}

func TestListPoolEntriesByStatus_FiltersAndCounts(t *testing.T) {
	s := openTestMetadataStore(t)
	ctx := context.Background()
	now := time.Now()

	statuses := []domain.PoolStatus{domain.PoolStatusAvailable, domain.PoolStatusAvailable, domain.PoolStatusSpent}
	for i, st := range statuses {
		e := domain.PoolEntry{
			KeyPackageRef: domain.KeyPackageRef([]byte{byte(i)}),
			Status:        st,
			CreatedAt:     now,
			NotAfter:      now.Add(time.Hour),
		}
		if err := s.InsertPoolEntry(ctx, e); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
	}

	available, err := s.ListPoolEntriesByStatus(ctx, domain.PoolStatusAvailable)
	if err != nil {
		t.Fatalf("list by status: %v", err)
	}
	if len(available) != 2 {
		t.Fatalf("expected 2 available entries, got %d", len(available))
	}

	count, err := s.CountPoolEntriesByStatus(ctx, domain.PoolStatusAvailable, domain.PoolStatusSpent)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 3 {
		t.Fatalf("expected count 3 across both statuses, got %d", count)
	}

	all, err := s.ListPoolEntries(ctx)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 total entries, got %d", len(all))
	}
}

func TestGroupMetadata_SaveLoadListAndUpsert(t *testing.T) {
	s := openTestMetadataStore(t)
	ctx := context.Background()

	g1 := domain.GroupMetadata{GroupID: domain.GroupID("g1"), GroupName: "friends"}
	g2 := domain.GroupMetadata{GroupID: domain.GroupID("g2"), GroupName: "work"}
	if err := s.SaveGroupMetadata(ctx, g1); err != nil {
		t.Fatalf("save g1: %v", err)
	}
	if err := s.SaveGroupMetadata(ctx, g2); err != nil {
		t.Fatalf("save g2: %v", err)
	}

	loaded, found, err := s.LoadGroupMetadata(ctx, g1.GroupID)
	if err != nil || !found || loaded.GroupName != "friends" {
		t.Fatalf("load g1: loaded=%+v found=%v err=%v", loaded, found, err)
	}

	renamed := domain.GroupMetadata{GroupID: g1.GroupID, GroupName: "besties"}
	if err := s.SaveGroupMetadata(ctx, renamed); err != nil {
		t.Fatalf("rename g1: %v", err)
	}
	loaded, _, err = s.LoadGroupMetadata(ctx, g1.GroupID)
	if err != nil || loaded.GroupName != "besties" {
		t.Fatalf("expected rename upsert to stick, got %+v err=%v", loaded, err)
	}

	all, err := s.ListGroupMetadata(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("expected 2 groups, got %d", len(all))
	}
}

func TestLoadGroupMetadata_UnknownGroupIsNotFound(t *testing.T) {
	s := openTestMetadataStore(t)
	_, found, err := s.LoadGroupMetadata(context.Background(), domain.GroupID("nonexistent"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if found {
		t.Fatal("expected not found for an unknown group id")
	}
}
