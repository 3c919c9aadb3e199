package registry_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mlschat/internal/domain"
	"mlschat/internal/server/registry"
)

func openTestRegistry(t *testing.T, opts registry.Options) *registry.Registry {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keypackages.db")
	r, err := registry.Open(path, opts)
	if err != nil {
		t.Fatalf("open registry: %v", err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

func uploadOne(t *testing.T, r *registry.Registry, username domain.Username, ref byte, now time.Time) {
	t.Helper()
	pkg := domain.PublicKeyPackage{
		Ref:            domain.KeyPackageRef{ref},
		Username:       username,
		PublicBytes:    []byte{ref, ref, ref},
		NotBefore:      now,
		NotAfter:       now.Add(24 * time.Hour),
		CredentialHash: []byte{ref},
		Ciphersuite:    domain.DefaultCiphersuite,
	}
	if err := r.Upload(context.Background(), []domain.PublicKeyPackage{pkg}, now); err != nil {
		t.Fatalf("upload: %v", err)
	}
}

func TestReserve_SingleUse(t *testing.T) {
	r := openTestRegistry(t, registry.DefaultOptions())
	now := time.Now()
	uploadOne(t, r, "bob", 1, now)

	reserved, err := r.Reserve(context.Background(), "bob", domain.GroupID("g1"), "alice", now)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}
	if err := r.Spend(context.Background(), reserved.KeyPackageRef, reserved.ReservationID, domain.GroupID("g1"), "alice", now); err != nil {
		t.Fatalf("spend: %v", err)
	}

	// Spending the same ref again must be rejected as a double spend.
	err = r.Spend(context.Background(), reserved.KeyPackageRef, reserved.ReservationID, domain.GroupID("g1"), "alice", now)
	if !domain.IsKind(err, domain.KindDoubleSpend) {
		t.Fatalf("expected double spend error, got %v", err)
	}
}

func TestReserve_ConcurrentCallersGetDistinctKeyPackages(t *testing.T) {
	r := openTestRegistry(t, registry.DefaultOptions())
	now := time.Now()
	const n = 20
	for i := byte(0); i < n; i++ {
		uploadOne(t, r, "bob", i+1, now)
	}

	var (
		mu   sync.Mutex
		seen = make(map[string]bool)
		wg   sync.WaitGroup
	)
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(caller int) {
			defer wg.Done()
			reserved, err := r.Reserve(context.Background(), "bob", domain.GroupID("g1"), domain.Username("caller"), now)
			if err != nil {
				errs <- err
				return
			}
			mu.Lock()
			defer mu.Unlock()
			key := reserved.KeyPackageRef.String()
			if seen[key] {
				t.Errorf("keypackage %s reserved twice concurrently", key)
			}
			seen[key] = true
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("reserve: %v", err)
	}
	if len(seen) != n {
		t.Fatalf("expected %d distinct reservations, got %d", n, len(seen))
	}
}

func TestSpend_ConcurrentCallsOnSameRefOnlyOneSucceeds(t *testing.T) {
	r := openTestRegistry(t, registry.DefaultOptions())
	now := time.Now()
	uploadOne(t, r, "bob", 1, now)

	reserved, err := r.Reserve(context.Background(), "bob", domain.GroupID("g1"), "alice", now)
	if err != nil {
		t.Fatalf("reserve: %v", err)
	}

	const n = 20
	var (
		wg        sync.WaitGroup
		successes int32
		mu        sync.Mutex
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Spend(context.Background(), reserved.KeyPackageRef, reserved.ReservationID, domain.GroupID("g1"), "alice", now)
			if err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
				return
			}
			if !domain.IsKind(err, domain.KindDoubleSpend) {
				t.Errorf("expected nil or double spend, got %v", err)
			}
		}()
	}
	wg.Wait()
	if successes != 1 {
		t.Fatalf("expected exactly 1 successful spend among %d concurrent callers, got %d", n, successes)
	}
}

func TestReserve_PoolExhausted(t *testing.T) {
	r := openTestRegistry(t, registry.DefaultOptions())
	_, err := r.Reserve(context.Background(), "bob", domain.GroupID("g1"), "alice", time.Now())
	if !domain.IsKind(err, domain.KindPoolExhausted) {
		t.Fatalf("expected pool exhausted error, got %v", err)
	}
}

func TestReserve_ExpiredReservationIsReusable(t *testing.T) {
	opts := registry.DefaultOptions()
	opts.ReservationTTL = time.Millisecond
	r := openTestRegistry(t, opts)
	now := time.Now()
	uploadOne(t, r, "bob", 1, now)

	first, err := r.Reserve(context.Background(), "bob", domain.GroupID("g1"), "alice", now)
	if err != nil {
		t.Fatalf("first reserve: %v", err)
	}

	later := now.Add(time.Second)
	second, err := r.Reserve(context.Background(), "bob", domain.GroupID("g2"), "carol", later)
	if err != nil {
		t.Fatalf("second reserve after expiry: %v", err)
	}
	if first.KeyPackageRef.String() != second.KeyPackageRef.String() {
		t.Fatalf("expected the same stale reservation to be reused, got different refs")
	}

	// Spending against the stale reservation id must fail: it was
	// superseded by the newer reservation.
	err = r.Spend(context.Background(), first.KeyPackageRef, first.ReservationID, domain.GroupID("g1"), "alice", later)
	if err == nil {
		t.Fatal("expected spend against superseded reservation to fail")
	}
}

func TestCleanupExpired(t *testing.T) {
	r := openTestRegistry(t, registry.DefaultOptions())
	now := time.Now()
	pkg := domain.PublicKeyPackage{
		Ref: domain.KeyPackageRef{9}, Username: "bob", PublicBytes: []byte{9},
		NotBefore: now.Add(-2 * time.Hour), NotAfter: now.Add(-time.Hour),
		CredentialHash: []byte{9}, Ciphersuite: domain.DefaultCiphersuite,
	}
	// Upload itself rejects already-expired rows, so the row is uploaded
	// while still fresh (not_after one minute ahead); CleanupExpired must
	// still catch it once that moment has passed.
	fresh := pkg
	fresh.NotAfter = now.Add(time.Minute)
	if err := r.Upload(context.Background(), []domain.PublicKeyPackage{fresh}, now); err != nil {
		t.Fatalf("upload: %v", err)
	}

	n, err := r.CleanupExpired(context.Background(), now.Add(2*time.Minute))
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 row removed, got %d", n)
	}

	counts, err := r.Status(context.Background(), "bob")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if counts.Available != 0 {
		t.Fatalf("expected no available rows after cleanup, got %d", counts.Available)
	}
}

func TestUpload_RejectsAlreadyExpired(t *testing.T) {
	r := openTestRegistry(t, registry.DefaultOptions())
	now := time.Now()
	pkg := domain.PublicKeyPackage{
		Ref: domain.KeyPackageRef{1}, Username: "bob", PublicBytes: []byte{1},
		NotBefore: now.Add(-2 * time.Hour), NotAfter: now.Add(-time.Hour),
		CredentialHash: []byte{1}, Ciphersuite: domain.DefaultCiphersuite,
	}
	err := r.Upload(context.Background(), []domain.PublicKeyPackage{pkg}, now)
	if !domain.IsKind(err, domain.KindKeyPackageInvalid) {
		t.Fatalf("expected keypackage invalid error, got %v", err)
	}
}
