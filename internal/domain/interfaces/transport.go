package interfaces

import (
	"context"
	"time"

	domaintypes "mlschat/internal/domain/types"
)

// TransportClient is the client's request/response API plus bidirectional
// envelope stream (spec.md §6.1, §6.2). It is named as an external
// collaborator in spec.md §1 ("the HTTP/WebSocket transport encoding"); this
// interface is the boundary the core depends on.
type TransportClient interface {
	RegisterUser(ctx context.Context, username domaintypes.Username, pkg domaintypes.PublicKeyPackage) error
	FetchUser(ctx context.Context, username domaintypes.Username) (domaintypes.PublicKeyPackage, bool, error)

	UploadKeyPackages(ctx context.Context, username domaintypes.Username, pkgs []domaintypes.PublicKeyPackage) error
	ReserveKeyPackage(ctx context.Context, target, caller domaintypes.Username, groupID domaintypes.GroupID) (domaintypes.ReservedKeyPackage, error)
	SpendKeyPackage(ctx context.Context, ref domaintypes.KeyPackageRef, reservationID domaintypes.ReservationID, groupID domaintypes.GroupID, caller domaintypes.Username) error
	KeyPackageStatus(ctx context.Context, username domaintypes.Username) (domaintypes.KeyPackageStatusCounts, error)

	Connect(ctx context.Context, username domaintypes.Username) error
	Subscribe(ctx context.Context, groupID domaintypes.GroupID) error
	Unsubscribe(ctx context.Context, groupID domaintypes.GroupID) error
	SendEnvelope(ctx context.Context, env domaintypes.Envelope) error
	NextEnvelope(ctx context.Context) (domaintypes.Envelope, error)
	Close() error
}

// ReservationTTLDefault is the default reservation window (spec.md §4.3, §6.5).
const ReservationTTLDefault = 60 * time.Second
