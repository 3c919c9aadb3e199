package domain

import (
	interfaces "mlschat/internal/domain/interfaces"
	types "mlschat/internal/domain/types"
)

// Type aliases expose domain types from the types subpackage for compact imports.
type (
	Username                = types.Username
	Fingerprint             = types.Fingerprint
	KeyPackageRef           = types.KeyPackageRef
	GroupID                 = types.GroupID
	ReservationID           = types.ReservationID
	PoolStatus              = types.PoolStatus
	ServerKeyPackageStatus  = types.ServerKeyPackageStatus
	Credential              = types.Credential
	Identity                = types.Identity
	Ciphersuite             = types.Ciphersuite
	KeyPackage              = types.KeyPackage
	PublicKeyPackage        = types.PublicKeyPackage
	PoolEntry               = types.PoolEntry
	ReservedKeyPackage      = types.ReservedKeyPackage
	ServerKeyPackageRow     = types.ServerKeyPackageRow
	KeyPackageStatusCounts  = types.KeyPackageStatusCounts
	Member                  = types.Member
	GroupMetadata           = types.GroupMetadata
	EnvelopeKind            = types.EnvelopeKind
	Envelope                = types.Envelope
	Reservation             = types.Reservation
	X25519Public            = types.X25519Public
	X25519Private           = types.X25519Private
	Ed25519Public           = types.Ed25519Public
	Ed25519Private          = types.Ed25519Private
)

const (
	PoolStatusCreated   = types.PoolStatusCreated
	PoolStatusUploaded  = types.PoolStatusUploaded
	PoolStatusAvailable = types.PoolStatusAvailable
	PoolStatusReserved  = types.PoolStatusReserved
	PoolStatusSpent     = types.PoolStatusSpent
	PoolStatusExpired   = types.PoolStatusExpired
	PoolStatusFailed    = types.PoolStatusFailed

	ServerKeyPackageAvailable = types.ServerKeyPackageAvailable
	ServerKeyPackageReserved  = types.ServerKeyPackageReserved
	ServerKeyPackageSpent     = types.ServerKeyPackageSpent

	EnvelopeWelcome     = types.EnvelopeWelcome
	EnvelopeApplication = types.EnvelopeApplication
	EnvelopeCommit      = types.EnvelopeCommit

	DefaultCiphersuite = types.DefaultCiphersuite
)

// Interface aliases expose domain interfaces from the interfaces subpackage.
type (
	MetadataStore   = interfaces.MetadataStore
	TransportClient = interfaces.TransportClient
	IdentityService = interfaces.IdentityService
	PoolService     = interfaces.PoolService
	RouterService   = interfaces.RouterService
)

const ReservationTTLDefault = interfaces.ReservationTTLDefault
