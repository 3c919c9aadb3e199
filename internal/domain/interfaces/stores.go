package interfaces

import (
	"context"
	"time"

	domaintypes "mlschat/internal/domain/types"
)

// MetadataStore is the client-owned durable store for identity reference and
// KeyPackage pool lifecycle rows (spec.md §6.3). It never holds key
// material; that is the CryptoStore's exclusive concern (spec.md §9 "Dual
// storage of key material").
type MetadataStore interface {
	SaveIdentityRecord(ctx context.Context, username domaintypes.Username, sigPublic domaintypes.Ed25519Public, createdAt time.Time) error
	LoadIdentityRecord(ctx context.Context, username domaintypes.Username) (sigPublic domaintypes.Ed25519Public, createdAt time.Time, found bool, err error)

	InsertPoolEntry(ctx context.Context, e domaintypes.PoolEntry) error
	UpdatePoolEntry(ctx context.Context, e domaintypes.PoolEntry) error
	DeletePoolEntry(ctx context.Context, ref domaintypes.KeyPackageRef) error
	LoadPoolEntry(ctx context.Context, ref domaintypes.KeyPackageRef) (domaintypes.PoolEntry, bool, error)
	ListPoolEntries(ctx context.Context) ([]domaintypes.PoolEntry, error)
	ListPoolEntriesByStatus(ctx context.Context, statuses ...domaintypes.PoolStatus) ([]domaintypes.PoolEntry, error)
	CountPoolEntriesByStatus(ctx context.Context, statuses ...domaintypes.PoolStatus) (int, error)

	SaveGroupMetadata(ctx context.Context, m domaintypes.GroupMetadata) error
	LoadGroupMetadata(ctx context.Context, groupID domaintypes.GroupID) (domaintypes.GroupMetadata, bool, error)
	ListGroupMetadata(ctx context.Context) ([]domaintypes.GroupMetadata, error)

	Close() error
}
