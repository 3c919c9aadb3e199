package identity_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"mlschat/internal/domain"
	"mlschat/internal/identity"
	"mlschat/internal/mlsengine"
	"mlschat/internal/store"
)

func newTestService(t *testing.T) (*identity.Service, mlsengine.Engine, domain.MetadataStore) {
	t.Helper()
	dir := t.TempDir()

	engine, err := mlsengine.Open(filepath.Join(dir, "crypto.db"), "pass")
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	meta, err := store.OpenMetadataStore(filepath.Join(dir, "metadata.db"), store.DefaultMetadataOptions())
	if err != nil {
		t.Fatalf("open metadata store: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	return identity.New(engine, meta), engine, meta
}

func TestLoadOrCreate_FirstRunSavesMetadataRecord(t *testing.T) {
	svc, _, meta := newTestService(t)

	id, err := svc.LoadOrCreate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("load or create: %v", err)
	}

	recordedPub, _, found, err := meta.LoadIdentityRecord(context.Background(), "alice")
	if err != nil {
		t.Fatalf("load identity record: %v", err)
	}
	if !found {
		t.Fatal("expected a metadata record to be saved on first run")
	}
	if recordedPub != id.SignaturePublic {
		t.Fatalf("recorded public key %x does not match identity's %x", recordedPub, id.SignaturePublic)
	}
}

func TestLoadOrCreate_IsStableAcrossCalls(t *testing.T) {
	svc, _, _ := newTestService(t)

	first, err := svc.LoadOrCreate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("first load: %v", err)
	}
	second, err := svc.LoadOrCreate(context.Background(), "alice")
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if first.SignaturePublic != second.SignaturePublic {
		t.Fatal("expected the same identity across repeated LoadOrCreate calls")
	}
}

// TestLoadOrCreate_DetectsMetadataTamper covers the case where the
// MetadataStore's reference record has been altered (or swapped for a
// different user's) independently of the CryptoStore: the two sources of
// truth must agree byte-for-byte, or LoadOrCreate must fail loudly rather
// than silently trusting one side.
func TestLoadOrCreate_DetectsMetadataTamper(t *testing.T) {
	svc, _, meta := newTestService(t)

	if _, err := svc.LoadOrCreate(context.Background(), "alice"); err != nil {
		t.Fatalf("first load: %v", err)
	}

	var tampered domain.Ed25519Public
	copy(tampered[:], []byte("this-is-not-alices-real-signature-key!!"))
	if err := meta.SaveIdentityRecord(context.Background(), "alice", tampered, time.Now()); err != nil {
		t.Fatalf("overwrite record: %v", err)
	}

	_, err := svc.LoadOrCreate(context.Background(), "alice")
	if !domain.IsKind(err, domain.KindIdentity) {
		t.Fatalf("expected identity error on metadata/crypto mismatch, got %v", err)
	}
}
