package types

import "time"

// Ciphersuite names the cryptographic suite a KeyPackage was generated under.
// Only one suite is implemented by the MLS engine, but the field is carried
// on the wire so a future suite bump does not break deserialization.
type Ciphersuite string

// DefaultCiphersuite is the only suite internal/mlsengine currently implements.
const DefaultCiphersuite Ciphersuite = "MLS10_X25519_CHACHA20POLY1305_ED25519"

// KeyPackage is a signed, expiring, single-use advertisement enabling others
// to add this user to a group (spec.md §3 KeyPackage). Private key material
// exists only inside the CryptoStore of the generating user; this struct is
// the CryptoStore-side representation, never sent over the wire as-is.
type KeyPackage struct {
	Ref                  KeyPackageRef `json:"ref"`
	PublicBytes          []byte        `json:"public_bytes"`
	PrivateInitKey       X25519Private `json:"-"`
	PrivateEncryptionKey X25519Private `json:"-"`
	NotBefore            time.Time     `json:"not_before"`
	NotAfter             time.Time     `json:"not_after"`
	CredentialHash       []byte        `json:"credential_hash"`
	Ciphersuite          Ciphersuite   `json:"ciphersuite"`
}

// Expired reports whether the package's lifetime has elapsed as of now.
func (k KeyPackage) Expired(now time.Time) bool {
	return !k.NotAfter.After(now)
}

// PublicKeyPackage is the wire form uploaded to and reserved from the server:
// public bytes plus the metadata needed to validate and index it, without any
// private key material.
type PublicKeyPackage struct {
	Ref            KeyPackageRef `json:"ref"`
	Username       Username      `json:"username"`
	PublicBytes    []byte        `json:"public_bytes"`
	NotBefore      time.Time     `json:"not_before"`
	NotAfter       time.Time     `json:"not_after"`
	CredentialHash []byte        `json:"credential_hash"`
	Ciphersuite    Ciphersuite   `json:"ciphersuite"`
}

// PoolEntry is client-side metadata only; it carries no key material
// (spec.md §3 PoolEntry). For every entry whose Status is one of Created,
// Uploaded, Available, Reserved, a corresponding KeyPackage must exist in
// the CryptoStore.
type PoolEntry struct {
	KeyPackageRef        KeyPackageRef
	Status               PoolStatus
	CreatedAt            time.Time
	UploadedAt           *time.Time
	ReservedAt           *time.Time
	SpentAt              *time.Time
	NotAfter             time.Time
	ReservationID        *ReservationID
	ReservationExpiresAt *time.Time
	ReservedBy           *Username
	SpentGroupID         *GroupID
	SpentBy              *Username
	UploadFailures       int
}

// ReservedKeyPackage is what the server returns from a successful reserve call
// (spec.md §4.3 reserve).
type ReservedKeyPackage struct {
	KeyPackageRef KeyPackageRef
	PublicBytes   []byte
	ReservationID ReservationID
	ExpiresAt     time.Time
}

// ServerKeyPackageRow is the server-side mirror of an uploaded KeyPackage
// (spec.md §3 ServerKeyPackageRow).
type ServerKeyPackageRow struct {
	Username             Username
	KeyPackageRef        KeyPackageRef
	PublicBytes          []byte
	UploadedAt           time.Time
	Status               ServerKeyPackageStatus
	ReservationID        *ReservationID
	ReservationExpiresAt *time.Time
	ReservedBy           *Username
	SpentAt              *time.Time
	SpentBy              *Username
	SpentGroupID         *GroupID
	NotAfter             time.Time
	CredentialHash       []byte
	Ciphersuite          Ciphersuite
}

// KeyPackageStatusCounts is the aggregate returned by status() for health
// monitoring (spec.md §4.3 status).
type KeyPackageStatusCounts struct {
	Available int
	Reserved  int
	Spent     int
	Expired   int
}
