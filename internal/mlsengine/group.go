package mlsengine

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"mlschat/internal/cryptoutil"
	"mlschat/internal/domain"
)

func newGroupID() (domain.GroupID, error) {
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("mlsengine: generate group id: %w", err)
	}
	return domain.GroupID(id), nil
}

// CreateGroup starts a new single-member group with identity as its sole,
// founding leaf.
func (e *fileEngine) CreateGroup(groupName string, identity domain.Identity) (*GroupState, error) {
	gid, err := newGroupID()
	if err != nil {
		return nil, err
	}
	secret, err := randomEpochSecret()
	if err != nil {
		return nil, err
	}

	g := &GroupState{
		GroupID:     gid,
		GroupName:   groupName,
		Epoch:       0,
		EpochSecret: secret,
		Members: []memberRecord{{
			LeafIndex: 0,
			Username:  identity.Username.String(),
			Credential: domain.Credential{
				Username:        identity.Username,
				SignaturePublic: identity.SignaturePublic,
				Signature:       identity.Credential.Signature,
			},
			Active: true,
		}},
		OwnLeafIndex: 0,
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.store.Groups[hex.EncodeToString(gid)] = *g
	if err := e.persistLocked(); err != nil {
		return nil, err
	}
	return g, nil
}

// LoadGroup rehydrates a previously created or joined group from the
// engine's own store.
func (e *fileEngine) LoadGroup(groupID domain.GroupID) (*GroupState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	g, ok := e.store.Groups[hex.EncodeToString(groupID)]
	if !ok {
		return nil, fmt.Errorf("mlsengine: unknown group %s", groupID.String())
	}
	return &g, nil
}

func (e *fileEngine) saveGroupLocked(g *GroupState) error {
	e.store.Groups[hex.EncodeToString(g.GroupID)] = *g
	return e.persistLocked()
}

// FromWelcome admits identity into a group described by a Welcome and its
// accompanying ratchet-tree payload, consuming (and permanently deleting)
// the targeted KeyPackage's private init key in the same call.
func (e *fileEngine) FromWelcome(welcome, ratchetTree []byte, identity domain.Identity) (*GroupState, domain.KeyPackageRef, error) {
	var w welcomePayload
	if err := json.Unmarshal(welcome, &w); err != nil {
		return nil, nil, domain.WelcomeErr("from_welcome", fmt.Errorf("decode welcome: %w", err))
	}
	var rt ratchetTreePayload
	if err := json.Unmarshal(ratchetTree, &rt); err != nil {
		return nil, nil, domain.WelcomeErr("from_welcome", fmt.Errorf("decode ratchet tree: %w", err))
	}

	e.mu.Lock()
	matchedRef := hex.EncodeToString(w.KeyPackageRef)
	if matchedRef == "" {
		e.mu.Unlock()
		return nil, nil, domain.WelcomeErr("from_welcome", fmt.Errorf("welcome carries no key package ref"))
	}
	if _, ok := e.store.KeyPackages[matchedRef]; !ok {
		e.mu.Unlock()
		return nil, nil, domain.WelcomeErr("from_welcome", fmt.Errorf("private init key absent for key package ref %s", w.KeyPackageRef.String()))
	}
	refBytes := []byte(w.KeyPackageRef)
	delete(e.store.KeyPackages, matchedRef)

	g := &GroupState{
		GroupID:      w.GroupID,
		GroupName:    w.GroupName,
		Epoch:        w.Epoch,
		EpochSecret:  w.EpochSecret,
		Members:      rt.Members,
		OwnLeafIndex: w.OwnLeafIndex,
	}
	e.store.Groups[hex.EncodeToString(g.GroupID)] = *g
	if err := e.persistLocked(); err != nil {
		e.mu.Unlock()
		return nil, nil, domain.StorageError("from_welcome", err)
	}
	e.mu.Unlock()

	return g, domain.KeyPackageRef(refBytes), nil
}

// AddMember stages a new epoch that includes pkg's holder as a new leaf,
// returning serialized commit, welcome and ratchet-tree blobs. The staged
// epoch is not visible to Members, Encrypt or Decrypt until
// MergePendingCommit is called, preserving the merge-before-send ordering.
func (e *fileEngine) AddMember(g *GroupState, pkg domain.PublicKeyPackage) (commit, welcome, ratchetTree []byte, err error) {
	var wire kpWire
	if err := json.Unmarshal(pkg.PublicBytes, &wire); err != nil {
		return nil, nil, nil, domain.KeyPackageInvalidError("add_member", fmt.Errorf("decode key package: %w", err))
	}
	if !cryptoutil.VerifyEd25519(wire.Payload.SigPub, wire.Payload.signBytes(), wire.Signature) {
		return nil, nil, nil, domain.KeyPackageInvalidError("add_member", fmt.Errorf("key package signature invalid"))
	}

	newLeaf := uint32(len(g.Members))
	members := append(append([]memberRecord{}, g.Members...), memberRecord{
		LeafIndex: newLeaf,
		Username:  wire.Payload.Username,
		Credential: domain.Credential{
			Username:        domain.Username(wire.Payload.Username),
			SignaturePublic: wire.Payload.SigPub,
		},
		Active: true,
	})

	nextEpoch := g.Epoch + 1
	nextSecret, err := advanceEpochSecret(g.Epoch, g.EpochSecret)
	if err != nil {
		return nil, nil, nil, domain.MlsProtocolError("add_member", err)
	}

	g.Pending = &pendingCommit{Epoch: nextEpoch, EpochSecret: nextSecret, Members: members}

	commitBlob, err := json.Marshal(commitPayload{Epoch: nextEpoch, EpochSecret: nextSecret, Members: members})
	if err != nil {
		return nil, nil, nil, domain.MlsProtocolError("add_member", err)
	}
	welcomeBlob, err := json.Marshal(welcomePayload{
		GroupID: g.GroupID, GroupName: g.GroupName,
		Epoch: nextEpoch, EpochSecret: nextSecret, OwnLeafIndex: newLeaf,
		KeyPackageRef: pkg.Ref,
	})
	if err != nil {
		return nil, nil, nil, domain.MlsProtocolError("add_member", err)
	}
	ratchetTreeBlob, err := json.Marshal(ratchetTreePayload{Members: members})
	if err != nil {
		return nil, nil, nil, domain.MlsProtocolError("add_member", err)
	}

	return commitBlob, welcomeBlob, ratchetTreeBlob, nil
}

// MergePendingCommit applies the staged epoch from a prior AddMember.
func (e *fileEngine) MergePendingCommit(g *GroupState) error {
	if g.Pending == nil {
		return nil
	}
	g.Epoch = g.Pending.Epoch
	g.EpochSecret = g.Pending.EpochSecret
	g.Members = g.Pending.Members
	g.Pending = nil

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saveGroupLocked(g)
}

// ProcessCommit applies a commit produced by another member's AddMember,
// replacing this engine's full membership and epoch state (this engine
// does not implement incremental tree-diff commits).
func (e *fileEngine) ProcessCommit(g *GroupState, commitBlob []byte) error {
	var c commitPayload
	if err := json.Unmarshal(commitBlob, &c); err != nil {
		return domain.MlsProtocolError("process_commit", fmt.Errorf("decode commit: %w", err))
	}
	if c.Epoch <= g.Epoch {
		return domain.MlsProtocolError("process_commit", fmt.Errorf("stale commit: epoch %d <= current %d", c.Epoch, g.Epoch))
	}
	g.Epoch = c.Epoch
	g.EpochSecret = c.EpochSecret
	g.Members = c.Members
	g.Pending = nil

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.saveGroupLocked(g)
}

// Members returns the active membership of g in leaf order.
func (e *fileEngine) Members(g *GroupState) []domain.Member {
	return g.members()
}

// Encrypt seals plaintext under the current epoch's application key with a
// fresh random nonce prepended to the ciphertext.
func (e *fileEngine) Encrypt(g *GroupState, plaintext []byte) ([]byte, error) {
	key, err := applicationKey(g.Epoch, g.EpochSecret)
	if err != nil {
		return nil, domain.MlsProtocolError("encrypt", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, domain.MlsProtocolError("encrypt", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, domain.MlsProtocolError("encrypt", err)
	}
	ct := aead.Seal(nil, nonce, plaintext, nil)
	return append(nonce, ct...), nil
}

// Decrypt opens a ciphertext produced by Encrypt under g's current epoch.
func (e *fileEngine) Decrypt(g *GroupState, ciphertext []byte) ([]byte, error) {
	if len(ciphertext) < chacha20poly1305.NonceSize {
		return nil, domain.MlsProtocolError("decrypt", fmt.Errorf("ciphertext too short"))
	}
	key, err := applicationKey(g.Epoch, g.EpochSecret)
	if err != nil {
		return nil, domain.MlsProtocolError("decrypt", err)
	}
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, domain.MlsProtocolError("decrypt", err)
	}
	nonce, ct := ciphertext[:chacha20poly1305.NonceSize], ciphertext[chacha20poly1305.NonceSize:]
	pt, err := aead.Open(nil, nonce, ct, nil)
	if err != nil {
		return nil, domain.MlsProtocolError("decrypt", fmt.Errorf("open: %w", err))
	}
	return pt, nil
}
