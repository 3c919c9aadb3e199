package interfaces

import (
	"context"

	domaintypes "mlschat/internal/domain/types"
)

// IdentityService loads or creates the persistent signature key and
// credential (spec.md §4.1 UserIdentity).
type IdentityService interface {
	LoadOrCreate(ctx context.Context, username domaintypes.Username) (domaintypes.Identity, error)
}

// PoolService maintains the per-user KeyPackage pool (spec.md §4.2 KeyPackagePool).
type PoolService interface {
	SeedAndUpload(ctx context.Context, identity domaintypes.Identity, count int) error
	Maintain(ctx context.Context, identity domaintypes.Identity) error
	MarkSpent(ctx context.Context, ref domaintypes.KeyPackageRef) error
	RefreshIfDue(ctx context.Context, identity domaintypes.Identity) error
}

// RouterService is the per-connection message hub (spec.md §4.5 SessionRouter).
type RouterService interface {
	Initialize(ctx context.Context, identity domaintypes.Identity) error
	CreateGroup(ctx context.Context, groupName string) (domaintypes.GroupID, error)
	ProcessEnvelope(ctx context.Context, env domaintypes.Envelope) error
	SendMessageTo(ctx context.Context, groupID domaintypes.GroupID, text string) error
	InviteTo(ctx context.Context, groupID domaintypes.GroupID, username domaintypes.Username) error
	ListMembersOf(groupID domaintypes.GroupID) ([]domaintypes.Username, error)
	RefreshKeyPackages(ctx context.Context) error
	NextEnvelope(ctx context.Context) (domaintypes.Envelope, error)
}
