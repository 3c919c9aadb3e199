// Package sessionrouter implements SessionRouter: the per-connection hub
// that owns the transport, the identity, the pool, and the
// group_id → GroupSession map, dispatching incoming envelopes and thin
// delegations for outgoing commands.
package sessionrouter

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"mlschat/internal/domain"
	"mlschat/internal/groupsession"
	"mlschat/internal/mlsengine"
)

// JoinedEvent is delivered to the CLI collaborator whenever ProcessEnvelope
// admits the user into a new group via a Welcome.
type JoinedEvent struct {
	GroupID   domain.GroupID
	GroupName string
}

// MessageEvent is delivered whenever ProcessEnvelope decrypts an
// application message meant for display.
type MessageEvent struct {
	GroupID domain.GroupID
	Sender  domain.Username
	Text    string
}

// Router is the concrete SessionRouter (spec.md §4.5). A GroupSession is
// never shared across routers, and the router serializes calls per
// group_id: only one goroutine reaches into a given *groupsession.Session
// at a time, enforced by the per-group lock obtained alongside the map
// lookup.
type Router struct {
	engine    mlsengine.Engine
	meta      domain.MetadataStore
	transport domain.TransportClient
	pool      domain.PoolService
	log       *slog.Logger

	identity domain.Identity

	mu       sync.Mutex
	sessions map[string]*groupsession.Session
	locks    map[string]*sync.Mutex

	OnJoined  func(JoinedEvent)
	OnMessage func(MessageEvent)
}

// New returns a Router over its collaborators. identity is populated by
// Initialize.
func New(engine mlsengine.Engine, meta domain.MetadataStore, transport domain.TransportClient, pool domain.PoolService, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		engine:    engine,
		meta:      meta,
		transport: transport,
		pool:      pool,
		log:       log,
		sessions:  make(map[string]*groupsession.Session),
		locks:     make(map[string]*sync.Mutex),
	}
}

var _ domain.RouterService = (*Router)(nil)

func (r *Router) groupLock(groupID domain.GroupID) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := groupID.String()
	l, ok := r.locks[key]
	if !ok {
		l = &sync.Mutex{}
		r.locks[key] = l
	}
	return l
}

// Initialize records identity (loaded or created by the caller), ensures
// the pool is seeded, registers/verifies with the server, opens the
// transport (the server subscribes the stream to the user's inbox on
// connect), and resumes every group listed in the MetadataStore
// (spec.md §4.5 initialize, §4.6 registration).
func (r *Router) Initialize(ctx context.Context, identity domain.Identity) error {
	r.identity = identity

	if err := r.pool.Maintain(ctx, identity); err != nil {
		return domain.StorageError("initialize", err)
	}

	if err := r.registerWithServer(ctx, identity); err != nil {
		return err
	}

	if err := r.transport.Connect(ctx, identity.Username); err != nil {
		return domain.NetworkErr("initialize", err)
	}

	existing, err := r.meta.ListGroupMetadata(ctx)
	if err != nil {
		return domain.StorageError("initialize", err)
	}
	for _, gm := range existing {
		sess, err := groupsession.LoadExisting(ctx, r.engine, r.meta, r.identity, gm.GroupID, r.log)
		if err != nil {
			r.log.Warn("failed to resume group on initialize", "group_id", gm.GroupID.String(), "error", err)
			continue
		}
		r.mu.Lock()
		r.sessions[gm.GroupID.String()] = sess
		r.mu.Unlock()
		if err := r.transport.Subscribe(ctx, gm.GroupID); err != nil {
			r.log.Warn("failed to subscribe to resumed group", "group_id", gm.GroupID.String(), "error", err)
		}
	}

	return nil
}

// CreateGroup starts a fresh group containing only the local identity and
// registers the resulting session under the router so subsequent
// SendMessageTo/InviteTo calls can find it.
func (r *Router) CreateGroup(ctx context.Context, groupName string) (domain.GroupID, error) {
	sess, err := groupsession.CreateNew(ctx, r.engine, r.meta, r.identity, groupName, r.log)
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	r.sessions[sess.GroupID().String()] = sess
	r.mu.Unlock()
	if err := r.transport.Subscribe(ctx, sess.GroupID()); err != nil {
		r.log.Warn("failed to subscribe to newly created group", "group_id", sess.GroupID().String(), "error", err)
	}
	return sess.GroupID(), nil
}

// registerWithServer implements the start-of-session protocol of
// spec.md §4.6: fetch-then-register, with 404 meaning "new". A record the
// fetch finds is compared against the local identity, and a credential
// mismatch fails as an identity error (domain.KindIdentity); there is no
// separate identity-compromise kind. A 409 from the register call itself
// is not compared against anything and fails as a network error.
func (r *Router) registerWithServer(ctx context.Context, identity domain.Identity) error {
	published, found, err := r.transport.FetchUser(ctx, identity.Username)
	if err != nil {
		return domain.NetworkErr("initialize", fmt.Errorf("fetch user: %w", err))
	}
	if found {
		match, err := r.credentialsMatch(published, identity)
		if err != nil {
			return domain.IdentityError("initialize", fmt.Errorf("decode server-published key package: %w", err))
		}
		if !match {
			return domain.IdentityError("initialize", fmt.Errorf("server-published credential does not match local identity: possible identity compromise"))
		}
		// Already registered with a matching credential: step 3's upload
		// would only hit a 409 no-op, so it is skipped.
		return nil
	}

	firstPkg, hasPkg, err := r.firstAvailablePublicKeyPackage(ctx)
	if err != nil {
		return domain.StorageError("initialize", err)
	}
	if !hasPkg {
		return domain.StorageError("initialize", fmt.Errorf("no key package available to register with server"))
	}
	if err := r.transport.RegisterUser(ctx, identity.Username, firstPkg); err != nil {
		return domain.NetworkErr("initialize", err)
	}
	return nil
}

// credentialsMatch reports whether the credential embedded in a
// server-published KeyPackage's wire bytes matches the local identity,
// decoding just enough of the opaque format to recover that binding
// (spec.md §4.6 step 2).
func (r *Router) credentialsMatch(published domain.PublicKeyPackage, identity domain.Identity) (bool, error) {
	actual, err := r.engine.CredentialHashFromPublicBytes(published.PublicBytes)
	if err != nil {
		return false, err
	}
	expected := sha256.Sum256(identity.SignaturePublic.Slice())
	return bytes.Equal(actual, expected[:]), nil
}

func (r *Router) firstAvailablePublicKeyPackage(ctx context.Context) (domain.PublicKeyPackage, bool, error) {
	entries, err := r.meta.ListPoolEntriesByStatus(ctx, domain.PoolStatusAvailable)
	if err != nil {
		return domain.PublicKeyPackage{}, false, err
	}
	for _, e := range entries {
		if bytes, ok := r.engine.PublicKeyPackageBytes(e.KeyPackageRef); ok {
			return domain.PublicKeyPackage{
				Ref:         e.KeyPackageRef,
				Username:    r.identity.Username,
				PublicBytes: bytes,
				NotAfter:    e.NotAfter,
			}, true, nil
		}
	}
	return domain.PublicKeyPackage{}, false, nil
}

// ProcessEnvelope is the tagged dispatch of spec.md §4.5 process_envelope.
func (r *Router) ProcessEnvelope(ctx context.Context, env domain.Envelope) error {
	switch env.Kind {
	case domain.EnvelopeWelcome:
		sess, err := groupsession.FromWelcome(ctx, r.engine, r.meta, r.identity, env.WelcomeBlob, env.RatchetTreeBlob, r.log)
		if err != nil {
			r.log.Warn("dropping welcome envelope", "inviter", env.Inviter, "error", err)
			return nil
		}
		r.mu.Lock()
		r.sessions[sess.GroupID().String()] = sess
		r.mu.Unlock()
		if err := r.transport.Subscribe(ctx, sess.GroupID()); err != nil {
			r.log.Warn("failed to subscribe to newly joined group", "group_id", sess.GroupID().String(), "error", err)
		}
		if r.OnJoined != nil {
			r.OnJoined(JoinedEvent{GroupID: sess.GroupID(), GroupName: sess.GroupName()})
		}
		return nil

	case domain.EnvelopeApplication, domain.EnvelopeCommit:
		lock := r.groupLock(env.GroupID)
		lock.Lock()
		defer lock.Unlock()

		r.mu.Lock()
		sess, ok := r.sessions[env.GroupID.String()]
		r.mu.Unlock()
		if !ok {
			return domain.UnknownGroupError("process_envelope", fmt.Errorf("group %s", env.GroupID.String()))
		}

		sender, plaintext, ok, err := sess.ProcessIncoming(env)
		if err != nil {
			return err
		}
		if ok && r.OnMessage != nil {
			r.OnMessage(MessageEvent{GroupID: env.GroupID, Sender: sender, Text: string(plaintext)})
		}
		return nil

	default:
		return domain.MlsProtocolError("process_envelope", fmt.Errorf("unknown envelope kind %q", env.Kind))
	}
}

// SendMessageTo is a thin delegation to the named group's SendText plus
// the transport send.
func (r *Router) SendMessageTo(ctx context.Context, groupID domain.GroupID, text string) error {
	lock := r.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	sess, ok := r.sessions[groupID.String()]
	r.mu.Unlock()
	if !ok {
		return domain.UnknownGroupError("send_message_to", fmt.Errorf("group %s", groupID.String()))
	}
	env, err := sess.SendText([]byte(text))
	if err != nil {
		return err
	}
	return r.transport.SendEnvelope(ctx, env)
}

// InviteTo is a thin delegation to the named group's Invite, followed by
// delivery of the resulting Welcome and Commit envelopes and the spend
// confirmation.
func (r *Router) InviteTo(ctx context.Context, groupID domain.GroupID, username domain.Username) error {
	lock := r.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	sess, ok := r.sessions[groupID.String()]
	r.mu.Unlock()
	if !ok {
		return domain.UnknownGroupError("invite_to", fmt.Errorf("group %s", groupID.String()))
	}

	result, err := sess.Invite(ctx, username, r.transport)
	if err != nil {
		return err
	}

	if err := r.transport.SendEnvelope(ctx, result.Welcome); err != nil {
		return domain.NetworkErr("invite_to", err)
	}
	if err := r.transport.SendEnvelope(ctx, result.Commit); err != nil {
		return domain.NetworkErr("invite_to", err)
	}

	if err := r.transport.SpendKeyPackage(ctx, result.KeyPackageRef, result.ReservationID, groupID, r.identity.Username); err != nil {
		// Already on the wire; a double-spend or 404 here is logged, not fatal.
		r.log.Warn("spend confirmation failed after invite", "ref", result.KeyPackageRef.String(), "error", err)
	} else if err := r.pool.MarkSpent(ctx, result.KeyPackageRef); err != nil {
		r.log.Warn("failed to record local spend", "ref", result.KeyPackageRef.String(), "error", err)
	}

	return nil
}

// ListMembersOf is a thin delegation to the named group's ListMembers.
func (r *Router) ListMembersOf(groupID domain.GroupID) ([]domain.Username, error) {
	lock := r.groupLock(groupID)
	lock.Lock()
	defer lock.Unlock()

	r.mu.Lock()
	sess, ok := r.sessions[groupID.String()]
	r.mu.Unlock()
	if !ok {
		return nil, domain.UnknownGroupError("list_members_of", fmt.Errorf("group %s", groupID.String()))
	}
	return sess.ListMembers(), nil
}

// RefreshKeyPackages delegates to the pool's refresh_if_due. Failure is
// logged and never propagated as fatal to the caller.
func (r *Router) RefreshKeyPackages(ctx context.Context) error {
	if err := r.pool.RefreshIfDue(ctx, r.identity); err != nil {
		r.log.Warn("key package refresh failed", "error", err)
	}
	return nil
}

// NextEnvelope pulls the next envelope from the transport inbox; it may
// block until one is available.
func (r *Router) NextEnvelope(ctx context.Context) (domain.Envelope, error) {
	env, err := r.transport.NextEnvelope(ctx)
	if err != nil {
		return domain.Envelope{}, domain.NetworkErr("next_envelope", err)
	}
	return env, nil
}

// Deadline is a 30s RPC bound. No code applies it: a client RPC is bounded
// only by its ctx and by the timeout of the http.Client the transport uses.
const Deadline = 30 * time.Second
