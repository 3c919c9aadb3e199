package mlsengine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"mlschat/internal/domain"
)

// Engine is the MLS primitive's entire surface toward the rest of the
// client: KeyPackage issuance/consumption and group lifecycle operations.
// GenerateKeyPackage is the only place KeyPackage private keys are minted
// (LoadOrCreateIdentity mints the signature key); DeleteKeyPackage and
// FromWelcome, which consumes the matched package, are the only places they
// are destroyed. All act on the
// engine's own store, never touched directly by keypackagepool or
// groupsession, which is what keeps CryptoStore the exclusive owner of key
// material.
type Engine interface {
	// LoadOrCreateIdentity returns the store's long-term signature identity,
	// generating one on first use. created reports whether generation
	// occurred on this call, so UserIdentity can distinguish first-run from
	// resume without a second round trip.
	LoadOrCreateIdentity(username domain.Username) (id domain.Identity, created bool, err error)

	GenerateKeyPackage(identity domain.Identity, lifetime time.Duration) (domain.KeyPackage, error)
	DeleteKeyPackage(ref domain.KeyPackageRef) error
	HasKeyPackage(ref domain.KeyPackageRef) bool
	// PublicKeyPackageBytes returns the previously generated wire bytes for
	// ref, for upload retries that no longer have the original
	// domain.KeyPackage in hand.
	PublicKeyPackageBytes(ref domain.KeyPackageRef) ([]byte, bool)
	// CredentialHashFromPublicBytes decodes a published KeyPackage's wire
	// bytes far enough to recover the credential binding (the signature
	// public key), without needing any private state. Used by
	// SessionRouter.initialize to detect a mismatch between what the server
	// has published under this username and the local identity (spec.md
	// §4.6 credential check).
	CredentialHashFromPublicBytes(publicBytes []byte) ([]byte, error)

	CreateGroup(groupName string, identity domain.Identity) (*GroupState, error)
	LoadGroup(groupID domain.GroupID) (*GroupState, error)
	FromWelcome(welcome, ratchetTree []byte, identity domain.Identity) (*GroupState, domain.KeyPackageRef, error)

	Encrypt(g *GroupState, plaintext []byte) ([]byte, error)
	Decrypt(g *GroupState, ciphertext []byte) ([]byte, error)
	AddMember(g *GroupState, pkg domain.PublicKeyPackage) (commit, welcome, ratchetTree []byte, err error)
	MergePendingCommit(g *GroupState) error
	ProcessCommit(g *GroupState, commitBlob []byte) error
	Members(g *GroupState) []domain.Member

	Close() error
}

// fileStore is the plaintext payload sealed on disk: every KeyPackage this
// engine has issued and not yet deleted, plus every group it currently
// holds state for.
type fileStore struct {
	Identity    *identityRecord             `json:"identity,omitempty"`
	KeyPackages map[string]keyPackageRecord `json:"key_packages"`
	Groups      map[string]GroupState       `json:"groups"`
}

// fileEngine implements Engine over a single passphrase-sealed file. All
// mutations re-seal and rewrite the whole file, matching the coarse
// persistence style used for identity material elsewhere in this
// codebase: correctness and simplicity over incremental I/O, appropriate
// for a store that holds, at most, a few hundred records per user.
type fileEngine struct {
	mu         sync.Mutex
	path       string
	passphrase string
	store      fileStore
}

// Open loads (or initializes) the crypto store at path, sealed under
// passphrase.
func Open(path, passphrase string) (Engine, error) {
	e := &fileEngine{
		path:       path,
		passphrase: passphrase,
		store: fileStore{
			KeyPackages: make(map[string]keyPackageRecord),
			Groups:      make(map[string]GroupState),
		},
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("mlsengine: create store dir: %w", err)
		}
		return e, e.persistLocked()
	}
	if err != nil {
		return nil, fmt.Errorf("mlsengine: read store: %w", err)
	}
	pt, err := unseal(passphrase, raw)
	if err != nil {
		return nil, fmt.Errorf("mlsengine: unseal store: %w", err)
	}
	if err := json.Unmarshal(pt, &e.store); err != nil {
		return nil, fmt.Errorf("mlsengine: decode store: %w", err)
	}
	return e, nil
}

func (e *fileEngine) persistLocked() error {
	raw, err := json.Marshal(e.store)
	if err != nil {
		return fmt.Errorf("mlsengine: encode store: %w", err)
	}
	sealed, err := seal(e.passphrase, raw)
	if err != nil {
		return fmt.Errorf("mlsengine: seal store: %w", err)
	}
	tmp := e.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("mlsengine: write store: %w", err)
	}
	return os.Rename(tmp, e.path)
}

func (e *fileEngine) Close() error { return nil }
