// Package keypackagepool implements KeyPackagePool: the client-side
// maintenance loop that keeps a user addable into groups without being
// online, while guaranteeing every KeyPackage is used at most once.
package keypackagepool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mlschat/internal/domain"
	"mlschat/internal/mlsengine"
)

// Pool is the concrete KeyPackagePool (spec.md §4.2).
type Pool struct {
	engine    mlsengine.Engine
	meta      domain.MetadataStore
	transport domain.TransportClient
	cfg       Config
	log       *slog.Logger
	clock     func() time.Time

	mu          sync.Mutex
	lastRefresh time.Time
}

// New returns a Pool over engine, meta and transport, configured by cfg.
func New(engine mlsengine.Engine, meta domain.MetadataStore, transport domain.TransportClient, cfg Config, log *slog.Logger) *Pool {
	if log == nil {
		log = slog.Default()
	}
	return &Pool{engine: engine, meta: meta, transport: transport, cfg: cfg, log: log, clock: time.Now}
}

var _ domain.PoolService = (*Pool)(nil)

// SeedAndUpload generates count KeyPackages through the MLS primitive and
// uploads each to the server, tracking per-entry lifecycle in MetadataStore
// (spec.md §4.2 seed_and_upload).
func (p *Pool) SeedAndUpload(ctx context.Context, identity domain.Identity, count int) error {
	if count <= 0 {
		return nil
	}
	for i := 0; i < count; i++ {
		if err := p.seedOne(ctx, identity); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) seedOne(ctx context.Context, identity domain.Identity) error {
	kp, err := p.engine.GenerateKeyPackage(identity, p.cfg.KeyPackageLifetime)
	if err != nil {
		return domain.StorageError("seed_and_upload", err)
	}

	now := p.clock()
	entry := domain.PoolEntry{
		KeyPackageRef: kp.Ref,
		Status:        domain.PoolStatusCreated,
		CreatedAt:     now,
		NotAfter:      kp.NotAfter,
	}
	if err := p.meta.InsertPoolEntry(ctx, entry); err != nil {
		return err
	}

	if err := p.uploadEntry(ctx, identity, kp, &entry); err != nil {
		p.log.Warn("keypackage upload failed, will retry on next maintenance pass", "ref", kp.Ref.String(), "error", err)
		entry.UploadFailures++
		if uerr := p.meta.UpdatePoolEntry(ctx, entry); uerr != nil {
			return uerr
		}
		return nil
	}
	return nil
}

func (p *Pool) uploadEntry(ctx context.Context, identity domain.Identity, kp domain.KeyPackage, entry *domain.PoolEntry) error {
	pub := domain.PublicKeyPackage{
		Ref:            kp.Ref,
		Username:       identity.Username,
		PublicBytes:    kp.PublicBytes,
		NotBefore:      kp.NotBefore,
		NotAfter:       kp.NotAfter,
		CredentialHash: kp.CredentialHash,
		Ciphersuite:    kp.Ciphersuite,
	}
	if err := p.transport.UploadKeyPackages(ctx, identity.Username, []domain.PublicKeyPackage{pub}); err != nil {
		return err
	}
	now := p.clock()
	entry.Status = domain.PoolStatusAvailable
	entry.UploadedAt = &now
	return p.meta.UpdatePoolEntry(ctx, *entry)
}

// Maintain is the idempotent maintenance pass of spec.md §4.2: expire,
// replenish below the watermark, and retry failed uploads.
func (p *Pool) Maintain(ctx context.Context, identity domain.Identity) error {
	now := p.clock()

	expiredCount, err := p.expireOldEntries(ctx, now)
	if err != nil {
		return err
	}
	if expiredCount > 0 {
		p.log.Info("expired keypackage pool entries", "count", expiredCount)
	}

	available, err := p.meta.CountPoolEntriesByStatus(ctx, domain.PoolStatusAvailable, domain.PoolStatusReserved)
	if err != nil {
		return err
	}
	if available < p.cfg.LowWatermark && available < p.cfg.HardCap {
		want := p.cfg.TargetSize - available
		if available+want > p.cfg.HardCap {
			want = p.cfg.HardCap - available
			p.log.Warn("keypackage pool replenishment capped at hard_cap", "hard_cap", p.cfg.HardCap)
		}
		if want > 0 {
			if err := p.SeedAndUpload(ctx, identity, want); err != nil {
				return err
			}
		}
	}

	return p.retryFailedUploads(ctx, identity)
}

func (p *Pool) expireOldEntries(ctx context.Context, now time.Time) (int, error) {
	entries, err := p.meta.ListPoolEntries(ctx)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, e := range entries {
		if e.NotAfter.After(now) {
			continue
		}
		if err := p.engine.DeleteKeyPackage(e.KeyPackageRef); err != nil {
			return count, domain.StorageError("maintain", err)
		}
		if err := p.meta.DeletePoolEntry(ctx, e.KeyPackageRef); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func (p *Pool) retryFailedUploads(ctx context.Context, identity domain.Identity) error {
	created, err := p.meta.ListPoolEntriesByStatus(ctx, domain.PoolStatusCreated)
	if err != nil {
		return err
	}
	for _, e := range created {
		if !p.engine.HasKeyPackage(e.KeyPackageRef) {
			// MetadataStore is authoritative for "what should exist"; a
			// PoolEntry whose CryptoStore bundle is missing is a drift
			// and gets marked failed and removed.
			e.Status = domain.PoolStatusFailed
			if err := p.meta.UpdatePoolEntry(ctx, e); err != nil {
				return err
			}
			if err := p.meta.DeletePoolEntry(ctx, e.KeyPackageRef); err != nil {
				return err
			}
			continue
		}
		if e.UploadFailures >= p.cfg.MaxUploadFailures {
			e.Status = domain.PoolStatusFailed
			if err := p.meta.UpdatePoolEntry(ctx, e); err != nil {
				return err
			}
			if err := p.engine.DeleteKeyPackage(e.KeyPackageRef); err != nil {
				return domain.StorageError("maintain", err)
			}
			continue
		}
		if err := p.reuploadEntry(ctx, identity, &e); err != nil {
			e.UploadFailures++
			if uerr := p.meta.UpdatePoolEntry(ctx, e); uerr != nil {
				return uerr
			}
			p.log.Warn("keypackage re-upload failed", "ref", e.KeyPackageRef.String(), "error", err)
		}
	}
	return nil
}

func (p *Pool) reuploadEntry(ctx context.Context, identity domain.Identity, e *domain.PoolEntry) error {
	publicBytes, ok := p.engine.PublicKeyPackageBytes(e.KeyPackageRef)
	if !ok {
		return fmt.Errorf("keypackagepool: engine no longer holds key package %s", e.KeyPackageRef.String())
	}
	pub := domain.PublicKeyPackage{
		Ref:         e.KeyPackageRef,
		Username:    identity.Username,
		PublicBytes: publicBytes,
		NotBefore:   e.CreatedAt,
		NotAfter:    e.NotAfter,
		Ciphersuite: domain.DefaultCiphersuite,
	}
	if err := p.transport.UploadKeyPackages(ctx, identity.Username, []domain.PublicKeyPackage{pub}); err != nil {
		return err
	}
	now := p.clock()
	e.Status = domain.PoolStatusAvailable
	e.UploadedAt = &now
	return p.meta.UpdatePoolEntry(ctx, *e)
}

// MarkSpent records that the server has confirmed a spend for ref. The
// actual CryptoStore deletion already happened inside the MLS primitive
// when the corresponding Welcome was processed.
func (p *Pool) MarkSpent(ctx context.Context, ref domain.KeyPackageRef) error {
	entry, found, err := p.meta.LoadPoolEntry(ctx, ref)
	if err != nil {
		return err
	}
	if !found {
		return nil
	}
	now := p.clock()
	entry.Status = domain.PoolStatusSpent
	entry.SpentAt = &now
	return p.meta.UpdatePoolEntry(ctx, entry)
}

// RefreshIfDue calls Maintain only if refresh_period has elapsed since the
// last call (spec.md §4.2 refresh_if_due).
func (p *Pool) RefreshIfDue(ctx context.Context, identity domain.Identity) error {
	p.mu.Lock()
	now := p.clock()
	due := now.Sub(p.lastRefresh) >= p.cfg.RefreshPeriod
	if due {
		p.lastRefresh = now
	}
	p.mu.Unlock()

	if !due {
		return nil
	}
	return p.Maintain(ctx, identity)
}
