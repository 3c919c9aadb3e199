// Package groupsession implements GroupSession: the per-group MLS state
// and operations. One Session exists per group the user has joined.
package groupsession

import (
	"context"
	"fmt"
	"log/slog"

	"mlschat/internal/domain"
	"mlschat/internal/mlsengine"
)

// Session is the concrete GroupSession (spec.md §4.4).
type Session struct {
	engine   mlsengine.Engine
	meta     domain.MetadataStore
	identity domain.Identity
	log      *slog.Logger

	state *mlsengine.GroupState
}

// GroupID returns the group this session represents.
func (s *Session) GroupID() domain.GroupID { return s.state.GroupID }

// GroupName returns the group's human-readable name.
func (s *Session) GroupName() string { return s.state.GroupName }

// FromWelcome admits identity into the group described by a WelcomeMessage
// envelope. On success it persists the group_id → group_name mapping in
// MetadataStore (spec.md §4.4 from_welcome).
func FromWelcome(ctx context.Context, engine mlsengine.Engine, meta domain.MetadataStore, identity domain.Identity, welcomeBlob, ratchetTreeBlob []byte, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	state, ref, err := engine.FromWelcome(welcomeBlob, ratchetTreeBlob, identity)
	if err != nil {
		return nil, err
	}
	log.Info("consumed key package via welcome", "ref", ref.String(), "group_id", state.GroupID.String())

	if err := meta.SaveGroupMetadata(ctx, domain.GroupMetadata{GroupID: state.GroupID, GroupName: state.GroupName}); err != nil {
		return nil, domain.StorageError("from_welcome", err)
	}
	return &Session{engine: engine, meta: meta, identity: identity, log: log, state: state}, nil
}

// CreateNew starts a fresh group with only identity as a member, and
// persists the group_id → group_name mapping (spec.md §4.4 create_new).
func CreateNew(ctx context.Context, engine mlsengine.Engine, meta domain.MetadataStore, identity domain.Identity, groupName string, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	state, err := engine.CreateGroup(groupName, identity)
	if err != nil {
		return nil, domain.MlsProtocolError("create_new", err)
	}
	if err := meta.SaveGroupMetadata(ctx, domain.GroupMetadata{GroupID: state.GroupID, GroupName: groupName}); err != nil {
		return nil, domain.StorageError("create_new", err)
	}
	return &Session{engine: engine, meta: meta, identity: identity, log: log, state: state}, nil
}

// LoadExisting resumes a session for an already-joined group from
// CryptoStore+MetadataStore (spec.md §4.4 load_existing).
func LoadExisting(ctx context.Context, engine mlsengine.Engine, meta domain.MetadataStore, identity domain.Identity, groupID domain.GroupID, log *slog.Logger) (*Session, error) {
	if log == nil {
		log = slog.Default()
	}
	if _, found, err := meta.LoadGroupMetadata(ctx, groupID); err != nil {
		return nil, domain.StorageError("load_existing", err)
	} else if !found {
		return nil, domain.UnknownGroupError("load_existing", fmt.Errorf("no metadata for group %s", groupID.String()))
	}
	state, err := engine.LoadGroup(groupID)
	if err != nil {
		return nil, domain.StorageError("load_existing", err)
	}
	return &Session{engine: engine, meta: meta, identity: identity, log: log, state: state}, nil
}

// SendText encrypts plaintext under the current epoch, returning a ready
// ApplicationMessage envelope (spec.md §4.4 send_text).
func (s *Session) SendText(plaintext []byte) (domain.Envelope, error) {
	ct, err := s.engine.Encrypt(s.state, plaintext)
	if err != nil {
		return domain.Envelope{}, err
	}
	return domain.Envelope{
		Kind:       domain.EnvelopeApplication,
		GroupID:    s.state.GroupID,
		Sender:     s.identity.Username,
		Ciphertext: ct,
	}, nil
}

// ListMembers derives the current membership from the live ratchet tree;
// this is the single source of truth, never a cached side-store
// (spec.md §4.4 list_members).
func (s *Session) ListMembers() []domain.Username {
	members := s.engine.Members(s.state)
	out := make([]domain.Username, 0, len(members))
	for _, m := range members {
		out = append(out, m.Credential.Username)
	}
	return out
}

// Invite reserves a KeyPackage for targetUsername, admits it into the
// group, merges the resulting epoch locally before anything is sent, and
// returns the Welcome and Commit envelopes ready for the router to deliver
// along with the spend call it must issue afterward (spec.md §4.4 invite).
//
// The merge-before-send ordering is mandatory: step 4 must complete before
// steps 5–6, or a cancellation between merge and send would leave local
// state corrupted relative to what was actually sent.
type InviteResult struct {
	Welcome       domain.Envelope
	Commit        domain.Envelope
	KeyPackageRef domain.KeyPackageRef
	ReservationID domain.ReservationID
}

func (s *Session) Invite(ctx context.Context, targetUsername domain.Username, transport domain.TransportClient) (InviteResult, error) {
	reserved, err := transport.ReserveKeyPackage(ctx, targetUsername, s.identity.Username, s.state.GroupID)
	if err != nil {
		return InviteResult{}, domain.PoolExhaustedError("invite", targetUsername.String())
	}

	pkg := domain.PublicKeyPackage{
		Ref:         reserved.KeyPackageRef,
		Username:    targetUsername,
		PublicBytes: reserved.PublicBytes,
	}

	commitBlob, welcomeBlob, treeBlob, err := s.engine.AddMember(s.state, pkg)
	if err != nil {
		return InviteResult{}, err
	}

	// Step 4: merge immediately, before any network send.
	if err := s.engine.MergePendingCommit(s.state); err != nil {
		return InviteResult{}, domain.MlsProtocolError("invite", err)
	}
	if err := s.meta.SaveGroupMetadata(ctx, domain.GroupMetadata{GroupID: s.state.GroupID, GroupName: s.state.GroupName}); err != nil {
		s.log.Warn("failed to refresh group metadata after merge", "group_id", s.state.GroupID.String(), "error", err)
	}

	welcomeEnv := domain.Envelope{
		Kind:            domain.EnvelopeWelcome,
		Recipient:       targetUsername,
		Inviter:         s.identity.Username,
		WelcomeBlob:     welcomeBlob,
		RatchetTreeBlob: treeBlob,
	}
	commitEnv := domain.Envelope{
		Kind:       domain.EnvelopeCommit,
		GroupID:    s.state.GroupID,
		Sender:     s.identity.Username,
		CommitBlob: commitBlob,
	}

	return InviteResult{
		Welcome:       welcomeEnv,
		Commit:        commitEnv,
		KeyPackageRef: reserved.KeyPackageRef,
		ReservationID: reserved.ReservationID,
	}, nil
}

// ProcessIncoming dispatches a received envelope (spec.md §4.4
// process_incoming). A nil return with ok=false means the envelope was
// consumed but produces no user-visible event (sender self-suppression,
// or a commit this member already merged locally).
func (s *Session) ProcessIncoming(env domain.Envelope) (sender domain.Username, plaintext []byte, ok bool, err error) {
	switch env.Kind {
	case domain.EnvelopeApplication:
		if env.Sender == s.identity.Username {
			// The sender already advanced its own ratchet at send time;
			// re-decrypting here would desynchronize state. Mandatory.
			return "", nil, false, nil
		}
		pt, err := s.engine.Decrypt(s.state, env.Ciphertext)
		if err != nil {
			return "", nil, false, domain.MlsProtocolError("process_incoming", err)
		}
		return env.Sender, pt, true, nil

	case domain.EnvelopeCommit:
		if env.Sender == s.identity.Username {
			// Already merged locally in Invite.
			return "", nil, false, nil
		}
		if err := s.engine.ProcessCommit(s.state, env.CommitBlob); err != nil {
			return "", nil, false, err
		}
		return "", nil, false, nil

	default:
		return "", nil, false, domain.MlsProtocolError("process_incoming", fmt.Errorf("unexpected envelope kind %q for an active session", env.Kind))
	}
}
