// Package identity implements UserIdentity: loading or creating the
// long-term signing identity shared by every group a user joins.
package identity

import (
	"context"
	"fmt"
	"time"

	"mlschat/internal/domain"
	"mlschat/internal/mlsengine"
)

// Service is the concrete UserIdentity of the group-messaging core: a
// single signature key and credential, reused across every GroupSession
// rather than minted per group (sharing it is safe because each group has
// an isolated epoch secret and ratchet tree; duplicating it within one
// group would instead trigger the MLS primitive's DuplicateSignatureKey
// invariant).
type Service struct {
	engine mlsengine.Engine
	meta   domain.MetadataStore
	clock  func() time.Time
}

// New returns a Service backed by the given engine (CryptoStore) and
// MetadataStore.
func New(engine mlsengine.Engine, meta domain.MetadataStore) *Service {
	return &Service{engine: engine, meta: meta, clock: time.Now}
}

var _ domain.IdentityService = (*Service)(nil)

// LoadOrCreate loads the CryptoStore's signature identity, creating one on
// first run, and cross-checks it against the MetadataStore's reference
// record. A mismatch between the two is a tamper indication and fails with
// IdentityError rather than silently trusting either side.
func (s *Service) LoadOrCreate(ctx context.Context, username domain.Username) (domain.Identity, error) {
	id, created, err := s.engine.LoadOrCreateIdentity(username)
	if err != nil {
		return domain.Identity{}, err
	}

	recordedPub, recordedAt, found, err := s.meta.LoadIdentityRecord(ctx, username)
	if err != nil {
		return domain.Identity{}, domain.StorageError("load_or_create", err)
	}

	if !found {
		now := s.clock()
		if err := s.meta.SaveIdentityRecord(ctx, username, id.SignaturePublic, now); err != nil {
			return domain.Identity{}, domain.StorageError("load_or_create", err)
		}
		return id, nil
	}

	if recordedPub != id.SignaturePublic {
		return domain.Identity{}, domain.IdentityError("load_or_create",
			fmt.Errorf("signature key in crypto store disagrees with metadata record saved at %s", recordedAt))
	}
	if created {
		// The CryptoStore was empty but MetadataStore already had a row:
		// the two stores have drifted out of lockstep. Treat as tamper,
		// since a legitimate first run never produces this combination.
		return domain.Identity{}, domain.IdentityError("load_or_create",
			fmt.Errorf("metadata record exists but crypto store had no identity"))
	}
	return id, nil
}
