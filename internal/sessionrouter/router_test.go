package sessionrouter_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mlschat/internal/domain"
	"mlschat/internal/keypackagepool"
	"mlschat/internal/mlsengine"
	"mlschat/internal/sessionrouter"
	"mlschat/internal/store"
)

// fakeKeyPackageRow tracks one uploaded key package inside fakeNetwork,
// enough to arbitrate reserve/spend the way internal/server/registry does.
type fakeKeyPackageRow struct {
	pub           domain.PublicKeyPackage
	reserved      bool
	reservationID string
	spent         bool
}

// fakeNetwork is an in-memory stand-in for the HTTP API and websocket
// stream of internal/transport + the server behind it: a shared directory,
// a shared key package pool per user, and a per-user inbox plus per-group
// subscriber set for envelope delivery, so two sessionrouter.Router
// instances can actually exchange Welcome/Commit/Application envelopes
// within a single test process.
type fakeNetwork struct {
	mu          sync.Mutex
	users       map[domain.Username]domain.PublicKeyPackage
	keypackages map[domain.Username][]*fakeKeyPackageRow
	groupSubs   map[string]map[domain.Username]bool
	inboxes     map[domain.Username]chan domain.Envelope
	nextResID   int
}

func newFakeNetwork() *fakeNetwork {
	return &fakeNetwork{
		users:       make(map[domain.Username]domain.PublicKeyPackage),
		keypackages: make(map[domain.Username][]*fakeKeyPackageRow),
		groupSubs:   make(map[string]map[domain.Username]bool),
		inboxes:     make(map[domain.Username]chan domain.Envelope),
	}
}

func (n *fakeNetwork) inboxFor(u domain.Username) chan domain.Envelope {
	n.mu.Lock()
	defer n.mu.Unlock()
	ch, ok := n.inboxes[u]
	if !ok {
		ch = make(chan domain.Envelope, 64)
		n.inboxes[u] = ch
	}
	return ch
}

// fakeClient is the per-identity domain.TransportClient handle into the
// shared fakeNetwork.
type fakeClient struct {
	net      *fakeNetwork
	username domain.Username
}

func (c *fakeClient) RegisterUser(ctx context.Context, username domain.Username, pkg domain.PublicKeyPackage) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	if _, exists := c.net.users[username]; exists {
		return fmt.Errorf("fakeNetwork: %s already registered", username.String())
	}
	c.net.users[username] = pkg
	return nil
}

func (c *fakeClient) FetchUser(ctx context.Context, username domain.Username) (domain.PublicKeyPackage, bool, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	pkg, ok := c.net.users[username]
	return pkg, ok, nil
}

func (c *fakeClient) UploadKeyPackages(ctx context.Context, username domain.Username, pkgs []domain.PublicKeyPackage) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	for _, p := range pkgs {
		c.net.keypackages[username] = append(c.net.keypackages[username], &fakeKeyPackageRow{pub: p})
	}
	return nil
}

func (c *fakeClient) ReserveKeyPackage(ctx context.Context, target, caller domain.Username, groupID domain.GroupID) (domain.ReservedKeyPackage, error) {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	for _, row := range c.net.keypackages[target] {
		if row.reserved || row.spent {
			continue
		}
		c.net.nextResID++
		row.reserved = true
		row.reservationID = fmt.Sprintf("res-%d", c.net.nextResID)
		return domain.ReservedKeyPackage{
			KeyPackageRef: row.pub.Ref,
			PublicBytes:   row.pub.PublicBytes,
			ReservationID: domain.ReservationID(row.reservationID),
			ExpiresAt:     time.Now().Add(time.Minute),
		}, nil
	}
	return domain.ReservedKeyPackage{}, domain.PoolExhaustedError("reserve_key_package", target.String())
}

func (c *fakeClient) SpendKeyPackage(ctx context.Context, ref domain.KeyPackageRef, reservationID domain.ReservationID, groupID domain.GroupID, caller domain.Username) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	for _, rows := range c.net.keypackages {
		for _, row := range rows {
			if row.pub.Ref.String() == ref.String() {
				if row.spent {
					return domain.DoubleSpendError("spend_key_package", fmt.Errorf("already spent"))
				}
				row.spent = true
				return nil
			}
		}
	}
	return domain.DoubleSpendError("spend_key_package", fmt.Errorf("unknown ref"))
}

func (c *fakeClient) KeyPackageStatus(ctx context.Context, username domain.Username) (domain.KeyPackageStatusCounts, error) {
	return domain.KeyPackageStatusCounts{}, nil
}

func (c *fakeClient) Connect(ctx context.Context, username domain.Username) error { return nil }

func (c *fakeClient) Subscribe(ctx context.Context, groupID domain.GroupID) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	key := groupID.String()
	if c.net.groupSubs[key] == nil {
		c.net.groupSubs[key] = make(map[domain.Username]bool)
	}
	c.net.groupSubs[key][c.username] = true
	return nil
}

func (c *fakeClient) Unsubscribe(ctx context.Context, groupID domain.GroupID) error {
	c.net.mu.Lock()
	defer c.net.mu.Unlock()
	delete(c.net.groupSubs[groupID.String()], c.username)
	return nil
}

// SendEnvelope mimics the server: a Welcome goes straight to the named
// recipient's inbox (spec.md §4.7/§6.2), an Application or Commit fans out
// to every subscriber of the group, including the sender itself (self
// suppression is ProcessIncoming's job, not the transport's).
func (c *fakeClient) SendEnvelope(ctx context.Context, env domain.Envelope) error {
	switch env.Kind {
	case domain.EnvelopeWelcome:
		c.net.inboxFor(env.Recipient) <- env
	case domain.EnvelopeApplication, domain.EnvelopeCommit:
		c.net.mu.Lock()
		subs := make([]domain.Username, 0, len(c.net.groupSubs[env.GroupID.String()]))
		for u := range c.net.groupSubs[env.GroupID.String()] {
			subs = append(subs, u)
		}
		c.net.mu.Unlock()
		for _, u := range subs {
			c.net.inboxFor(u) <- env
		}
	}
	return nil
}

func (c *fakeClient) NextEnvelope(ctx context.Context) (domain.Envelope, error) {
	select {
	case env := <-c.net.inboxFor(c.username):
		return env, nil
	case <-ctx.Done():
		return domain.Envelope{}, ctx.Err()
	}
}

func (c *fakeClient) Close() error { return nil }

var _ domain.TransportClient = (*fakeClient)(nil)

// testClient bundles one identity's full stack: its own crypto/metadata
// stores, pool, and router, wired over a shared fakeNetwork the same way
// internal/app.Wire wires the real collaborators.
type testClient struct {
	identity  domain.Identity
	router    *sessionrouter.Router
	transport *fakeClient
}

func newTestClient(t *testing.T, net *fakeNetwork, username domain.Username) *testClient {
	t.Helper()
	dir := t.TempDir()

	engine, err := mlsengine.Open(filepath.Join(dir, "crypto.db"), "pass")
	if err != nil {
		t.Fatalf("open engine: %v", err)
	}
	t.Cleanup(func() { engine.Close() })

	meta, err := store.OpenMetadataStore(filepath.Join(dir, "metadata.db"), store.DefaultMetadataOptions())
	if err != nil {
		t.Fatalf("open metadata store: %v", err)
	}
	t.Cleanup(func() { meta.Close() })

	trans := &fakeClient{net: net, username: username}
	cfg := keypackagepool.DefaultConfig()
	cfg.TargetSize = 4
	cfg.LowWatermark = 2
	pool := keypackagepool.New(engine, meta, trans, cfg, nil)
	router := sessionrouter.New(engine, meta, trans, pool, nil)

	id, _, err := engine.LoadOrCreateIdentity(username)
	if err != nil {
		t.Fatalf("identity: %v", err)
	}

	if err := router.Initialize(context.Background(), id); err != nil {
		t.Fatalf("initialize %s: %v", username.String(), err)
	}

	return &testClient{identity: id, router: router, transport: trans}
}

// drainOne waits (with a generous timeout) for one envelope to reach c's
// inbox and be processed by its router.
func (c *testClient) drainOne(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := c.router.NextEnvelope(ctx)
	if err != nil {
		t.Fatalf("next envelope for %s: %v", c.identity.Username.String(), err)
	}
	if err := c.router.ProcessEnvelope(context.Background(), env); err != nil {
		t.Fatalf("process envelope for %s: %v", c.identity.Username.String(), err)
	}
}

func TestInviteWelcomeSendReceive_EndToEnd(t *testing.T) {
	net := newFakeNetwork()
	alice := newTestClient(t, net, "alice")
	bob := newTestClient(t, net, "bob")

	groupID, err := alice.router.CreateGroup(context.Background(), "friends")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	var joined sessionrouter.JoinedEvent
	bob.router.OnJoined = func(ev sessionrouter.JoinedEvent) { joined = ev }

	if err := alice.router.InviteTo(context.Background(), groupID, "bob"); err != nil {
		t.Fatalf("invite bob: %v", err)
	}

	// Bob must receive exactly the Welcome envelope (routed by Recipient,
	// not by Inviter) and join the group.
	bob.drainOne(t)
	if joined.GroupID.String() != groupID.String() {
		t.Fatalf("bob joined group %s, want %s", joined.GroupID.String(), groupID.String())
	}

	members, err := alice.router.ListMembersOf(groupID)
	if err != nil {
		t.Fatalf("list members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members after invite, got %d", len(members))
	}

	var received sessionrouter.MessageEvent
	bob.router.OnMessage = func(ev sessionrouter.MessageEvent) { received = ev }

	if err := alice.router.SendMessageTo(context.Background(), groupID, "hello bob"); err != nil {
		t.Fatalf("send message: %v", err)
	}

	// Alice is also subscribed to her own group (CreateGroup subscribes
	// the creator), so her inbox first holds the echo of her own invite
	// Commit (her application message queues behind it). drainOne
	// processes that echo, which ProcessIncoming must consume without
	// error since she already merged the commit in Invite.
	alice.drainOne(t)
	bob.drainOne(t)

	if received.Sender != "alice" || received.Text != "hello bob" {
		t.Fatalf("bob received %+v, want sender=alice text=%q", received, "hello bob")
	}
}

func TestInvite_PoolExhaustedWhenTargetHasNoKeyPackages(t *testing.T) {
	net := newFakeNetwork()
	alice := newTestClient(t, net, "alice")

	// Register "bob" with the directory but never upload any key
	// packages for him, so alice's invite has nothing to reserve.
	net.mu.Lock()
	net.users["bob"] = domain.PublicKeyPackage{Username: "bob"}
	net.mu.Unlock()

	groupID, err := alice.router.CreateGroup(context.Background(), "friends")
	if err != nil {
		t.Fatalf("create group: %v", err)
	}

	err = alice.router.InviteTo(context.Background(), groupID, "bob")
	if !domain.IsKind(err, domain.KindPoolExhausted) {
		t.Fatalf("expected pool exhausted error, got %v", err)
	}
}

func TestSendMessageTo_UnknownGroupFails(t *testing.T) {
	net := newFakeNetwork()
	alice := newTestClient(t, net, "alice")

	err := alice.router.SendMessageTo(context.Background(), domain.GroupID("nonexistent"), "hi")
	if !domain.IsKind(err, domain.KindUnknownGroup) {
		t.Fatalf("expected unknown group error, got %v", err)
	}
}
