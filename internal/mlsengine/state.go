package mlsengine

import (
	"time"

	"mlschat/internal/domain"
)

// memberRecord is the engine's own view of a group member: enough to
// reconstruct domain.Member and to verify a sender against a leaf index.
type memberRecord struct {
	LeafIndex  uint32            `json:"leaf_index"`
	Username   string            `json:"username"`
	Credential domain.Credential `json:"credential"`
	Active     bool              `json:"active"`
}

// pendingCommit is the not-yet-merged result of AddMember. The caller must
// MergePendingCommit before the next Encrypt, matching the merge-before-send
// ordering required of invite.
type pendingCommit struct {
	Epoch       uint64         `json:"epoch"`
	EpochSecret []byte         `json:"epoch_secret"`
	Members     []memberRecord `json:"members"`
}

// GroupState is the engine's live handle on one group's crypto state. It is
// never serialized to the application's MetadataStore; it lives only in the
// engine's own on-disk store, keyed by GroupID.
type GroupState struct {
	GroupID      domain.GroupID `json:"group_id"`
	GroupName    string         `json:"group_name"`
	Epoch        uint64         `json:"epoch"`
	EpochSecret  []byte         `json:"epoch_secret"`
	Members      []memberRecord `json:"members"`
	OwnLeafIndex uint32         `json:"own_leaf_index"`

	Pending *pendingCommit `json:"pending,omitempty"`
}

// members returns the engine's view of the active membership, oldest leaf
// first, converted to the domain type list_members consumes.
func (g *GroupState) members() []domain.Member {
	out := make([]domain.Member, 0, len(g.Members))
	for _, m := range g.Members {
		if !m.Active {
			continue
		}
		out = append(out, domain.Member{LeafIndex: m.LeafIndex, Credential: m.Credential})
	}
	return out
}

// welcomePayload is the serialized form handed to a joining member: enough
// to reconstruct GroupState at the joiner's own leaf. KeyPackageRef
// identifies exactly which outstanding KeyPackage this Welcome is
// addressed to — a real MLS Welcome carries this inside its encrypted
// GroupSecrets; FromWelcome must look up this exact ref rather than guess
// among whatever KeyPackages happen to still be outstanding. The payload,
// epoch secret included, is serialized as plain JSON: it is not encrypted
// under the target KeyPackage's init key.
type welcomePayload struct {
	GroupID       domain.GroupID      `json:"group_id"`
	GroupName     string              `json:"group_name"`
	Epoch         uint64              `json:"epoch"`
	EpochSecret   []byte              `json:"epoch_secret"`
	OwnLeafIndex  uint32              `json:"own_leaf_index"`
	KeyPackageRef domain.KeyPackageRef `json:"keypackage_ref"`
}

// ratchetTreePayload mirrors the public, non-secret membership list a real
// MLS ratchet tree would carry; split from welcomePayload the way a real
// Welcome separates the encrypted joiner secret from the public GroupInfo.
type ratchetTreePayload struct {
	Members []memberRecord `json:"members"`
}

// commitPayload is what ProcessCommit applies at every other member: the
// full post-add state, since this engine does not implement incremental
// tree-diff commits.
type commitPayload struct {
	Epoch       uint64         `json:"epoch"`
	EpochSecret []byte         `json:"epoch_secret"`
	Members     []memberRecord `json:"members"`
}

// identityRecord is the engine's private-key-bearing record for the
// long-term signature identity: one per crypto store, shared across every
// group the user joins.
type identityRecord struct {
	Username         string   `json:"username"`
	SignaturePublic  [32]byte `json:"signature_public"`
	SignaturePrivate [64]byte `json:"signature_private"`
	CredentialSig    []byte   `json:"credential_signature"`
}

// keyPackageRecord is the engine's private-key-bearing record for one
// issued KeyPackage, indexed by Ref. This, not GroupState, is the single
// place "dual storage of key material" would reappear if duplicated
// elsewhere; every other package must go through Engine to touch it.
type keyPackageRecord struct {
	Ref                  []byte        `json:"ref"`
	PublicBytes          []byte        `json:"public_bytes"`
	PrivateInitKey       [32]byte      `json:"private_init_key"`
	PrivateEncryptionKey [32]byte      `json:"private_encryption_key"`
	NotBefore            time.Time     `json:"not_before"`
	NotAfter             time.Time     `json:"not_after"`
	CredentialHash       []byte        `json:"credential_hash"`
	Ciphersuite          domain.Ciphersuite `json:"ciphersuite"`
}
