package mlsengine

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"mlschat/internal/cryptoutil"
	"mlschat/internal/domain"
)

// kpPayload is the signed portion of a published KeyPackage: everything a
// peer needs to add this member to a group, and nothing a peer should ever
// be able to forge undetected.
type kpPayload struct {
	Username    string             `json:"username"`
	SigPub      [32]byte           `json:"sig_pub"`
	InitPub     [32]byte           `json:"init_pub"`
	EncPub      [32]byte           `json:"enc_pub"`
	NotBefore   time.Time          `json:"not_before"`
	NotAfter    time.Time          `json:"not_after"`
	Ciphersuite domain.Ciphersuite `json:"ciphersuite"`
}

// kpWire is what GenerateKeyPackage hands back as domain.KeyPackage.PublicBytes
// and what UploadKeyPackages sends over the wire: the signed payload plus
// the signature over it.
type kpWire struct {
	Payload   kpPayload `json:"payload"`
	Signature []byte    `json:"signature"`
}

func (p kpPayload) signBytes() []byte {
	// Deterministic encoding over the fixed-shape payload; safe because
	// every field is fixed-size, a RFC3339Nano timestamp, or a JSON-escaped
	// string, so no field's content can be mistaken for a separator.
	b, _ := json.Marshal(p)
	return b
}

// GenerateKeyPackage mints a fresh KeyPackage for identity: a one-time
// X25519 init keypair, a second X25519 keypair for the member's
// tree-position encryption key, both bound into a payload signed
// with identity's long-term Ed25519 key. The private halves are sealed
// into the engine's own store under the computed Ref and never returned
// to the caller. The init key is held for the Welcome lookup by Ref only:
// this engine does not encrypt the Welcome under it.
func (e *fileEngine) GenerateKeyPackage(identity domain.Identity, lifetime time.Duration) (domain.KeyPackage, error) {
	initPriv, initPub, err := cryptoutil.GenerateX25519()
	if err != nil {
		return domain.KeyPackage{}, fmt.Errorf("mlsengine: generate init key: %w", err)
	}
	encPriv, encPub, err := cryptoutil.GenerateX25519()
	if err != nil {
		return domain.KeyPackage{}, fmt.Errorf("mlsengine: generate encryption key: %w", err)
	}

	now := time.Now()
	payload := kpPayload{
		Username:    identity.Username.String(),
		SigPub:      identity.SignaturePublic,
		InitPub:     initPub,
		EncPub:      encPub,
		NotBefore:   now,
		NotAfter:    now.Add(lifetime),
		Ciphersuite: domain.DefaultCiphersuite,
	}
	sig := cryptoutil.SignEd25519(identity.SignaturePrivate, payload.signBytes())
	wire := kpWire{Payload: payload, Signature: sig}
	publicBytes, err := json.Marshal(wire)
	if err != nil {
		return domain.KeyPackage{}, fmt.Errorf("mlsengine: marshal key package: %w", err)
	}

	refSum := sha256.Sum256(publicBytes)
	ref := refSum[:]
	credHash := sha256.Sum256(identity.SignaturePublic[:])

	rec := keyPackageRecord{
		Ref:                  ref,
		PublicBytes:          publicBytes,
		PrivateInitKey:       initPriv,
		PrivateEncryptionKey: encPriv,
		NotBefore:            payload.NotBefore,
		NotAfter:             payload.NotAfter,
		CredentialHash:       credHash[:],
		Ciphersuite:          domain.DefaultCiphersuite,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.KeyPackages[hex.EncodeToString(ref)] = rec
	if err := e.persistLocked(); err != nil {
		return domain.KeyPackage{}, err
	}

	return domain.KeyPackage{
		Ref:                  domain.KeyPackageRef(ref),
		PublicBytes:          publicBytes,
		NotBefore:            payload.NotBefore,
		NotAfter:             payload.NotAfter,
		CredentialHash:       credHash[:],
		Ciphersuite:          domain.DefaultCiphersuite,
	}, nil
}

// DeleteKeyPackage destroys the private half of a KeyPackage. Idempotent:
// deleting a ref that no longer exists is not an error, since the only
// callers are single-use consumption paths that may race with cleanup.
func (e *fileEngine) DeleteKeyPackage(ref domain.KeyPackageRef) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	key := hex.EncodeToString(ref)
	if _, ok := e.store.KeyPackages[key]; !ok {
		return nil
	}
	delete(e.store.KeyPackages, key)
	return e.persistLocked()
}

// HasKeyPackage reports whether the engine still holds private key
// material for ref.
func (e *fileEngine) HasKeyPackage(ref domain.KeyPackageRef) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.store.KeyPackages[hex.EncodeToString(ref)]
	return ok
}

// PublicKeyPackageBytes returns the wire bytes generated for ref, if the
// engine still holds it.
func (e *fileEngine) PublicKeyPackageBytes(ref domain.KeyPackageRef) ([]byte, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.store.KeyPackages[hex.EncodeToString(ref)]
	if !ok {
		return nil, false
	}
	return rec.PublicBytes, true
}

// CredentialHashFromPublicBytes decodes publicBytes as a kpWire payload and
// returns sha256 of the embedded signature public key, without verifying
// the signature itself: callers use this only to compare against a locally
// known identity, not to admit the package into a group (that validation
// belongs to AddMember).
func (e *fileEngine) CredentialHashFromPublicBytes(publicBytes []byte) ([]byte, error) {
	var wire kpWire
	if err := json.Unmarshal(publicBytes, &wire); err != nil {
		return nil, domain.KeyPackageInvalidError("credential_hash_from_public_bytes", fmt.Errorf("decode key package: %w", err))
	}
	sum := sha256.Sum256(wire.Payload.SigPub[:])
	return sum[:], nil
}
