package broker_test

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mlschat/internal/domain"
	"mlschat/internal/server/broker"
)

type recordingSubscriber struct {
	mu  sync.Mutex
	got []domain.Envelope
}

func (r *recordingSubscriber) Deliver(env domain.Envelope) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.got = append(r.got, env)
	return nil
}

func (r *recordingSubscriber) envelopes() []domain.Envelope {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Envelope, len(r.got))
	copy(out, r.got)
	return out
}

func openTestBroker(t *testing.T) *broker.Broker {
	t.Helper()
	path := filepath.Join(t.TempDir(), "envelopes.db")
	b, err := broker.Open(path, broker.DefaultOptions())
	if err != nil {
		t.Fatalf("open broker: %v", err)
	}
	t.Cleanup(func() { b.Close() })
	return b
}

func TestPublishToGroup_DeliversToLiveSubscriber(t *testing.T) {
	b := openTestBroker(t)
	group := domain.GroupID("g1")
	sub := &recordingSubscriber{}

	if err := b.SubscribeGroup(context.Background(), group, 0, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	env := domain.Envelope{Kind: domain.EnvelopeApplication, GroupID: group, Sender: "alice", Ciphertext: []byte("hi")}
	if err := b.PublishToGroup(context.Background(), group, env, time.Now()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := sub.envelopes()
	if len(got) != 1 || string(got[0].Ciphertext) != "hi" {
		t.Fatalf("expected the live subscriber to receive the envelope, got %+v", got)
	}
}

func TestSubscribeGroup_ReplaysUnseenHistory(t *testing.T) {
	b := openTestBroker(t)
	group := domain.GroupID("g1")

	// Two envelopes are published before anyone subscribes: a newly
	// joined subscriber must still see both (spec.md §4.7's "replay any
	// unseen envelopes" so a broadcast racing a subscribe is never missed).
	for i := 0; i < 2; i++ {
		env := domain.Envelope{Kind: domain.EnvelopeApplication, GroupID: group, Sender: "alice", Ciphertext: []byte(fmt.Sprintf("msg-%d", i))}
		if err := b.PublishToGroup(context.Background(), group, env, time.Now()); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	sub := &recordingSubscriber{}
	if err := b.SubscribeGroup(context.Background(), group, 0, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	got := sub.envelopes()
	if len(got) != 2 {
		t.Fatalf("expected 2 replayed envelopes, got %d", len(got))
	}
	if string(got[0].Ciphertext) != "msg-0" || string(got[1].Ciphertext) != "msg-1" {
		t.Fatalf("replay out of order: %+v", got)
	}
}

func TestReplay_OnlyReturnsEnvelopesAfterGivenSeq(t *testing.T) {
	b := openTestBroker(t)
	group := domain.GroupID("g1")

	for i := 0; i < 3; i++ {
		env := domain.Envelope{Kind: domain.EnvelopeApplication, GroupID: group, Sender: "alice", Ciphertext: []byte(fmt.Sprintf("msg-%d", i))}
		if err := b.PublishToGroup(context.Background(), group, env, time.Now()); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	backlog, lastSeq, err := b.Replay(context.Background(), group, 1)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if len(backlog) != 2 {
		t.Fatalf("expected 2 envelopes after seq 1, got %d", len(backlog))
	}
	if lastSeq != 3 {
		t.Fatalf("expected last seq 3, got %d", lastSeq)
	}
}

func TestUnsubscribeGroup_StopsDelivery(t *testing.T) {
	b := openTestBroker(t)
	group := domain.GroupID("g1")
	sub := &recordingSubscriber{}

	if err := b.SubscribeGroup(context.Background(), group, 0, sub); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	b.UnsubscribeGroup(group, sub)

	env := domain.Envelope{Kind: domain.EnvelopeApplication, GroupID: group, Sender: "alice", Ciphertext: []byte("after-unsubscribe")}
	if err := b.PublishToGroup(context.Background(), group, env, time.Now()); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if got := sub.envelopes(); len(got) != 0 {
		t.Fatalf("expected no deliveries after unsubscribe, got %+v", got)
	}
}

func TestPublishToInbox_DeliversOnlyToThatUsersSubscribers(t *testing.T) {
	b := openTestBroker(t)
	aliceSub := &recordingSubscriber{}
	bobSub := &recordingSubscriber{}

	if err := b.SubscribeInbox(context.Background(), "alice", 0, aliceSub); err != nil {
		t.Fatalf("subscribe inbox: %v", err)
	}
	if err := b.SubscribeInbox(context.Background(), "bob", 0, bobSub); err != nil {
		t.Fatalf("subscribe inbox: %v", err)
	}

	env := domain.Envelope{Kind: domain.EnvelopeWelcome, Recipient: "alice", Inviter: "carol"}
	if err := b.PublishToInbox(context.Background(), "alice", env, time.Now()); err != nil {
		t.Fatalf("publish to inbox: %v", err)
	}

	if got := aliceSub.envelopes(); len(got) != 1 {
		t.Fatalf("expected alice's subscriber to receive 1 envelope, got %d", len(got))
	}
	if got := bobSub.envelopes(); len(got) != 0 {
		t.Fatalf("expected bob's subscriber to receive nothing, got %d", len(got))
	}
}

func TestSubscribeInbox_ReplaysWelcomeSentWhileOffline(t *testing.T) {
	b := openTestBroker(t)

	// Published before bob ever subscribes: a Welcome sent while the
	// recipient is offline must still be reachable once they reconnect
	// (spec.md §8: Bob restarts, subscribes to his inbox, and the broker
	// replays the stored Welcome).
	env := domain.Envelope{Kind: domain.EnvelopeWelcome, Recipient: "bob", Inviter: "alice", WelcomeBlob: []byte("welcome")}
	if err := b.PublishToInbox(context.Background(), "bob", env, time.Now()); err != nil {
		t.Fatalf("publish to inbox: %v", err)
	}

	sub := &recordingSubscriber{}
	if err := b.SubscribeInbox(context.Background(), "bob", 0, sub); err != nil {
		t.Fatalf("subscribe inbox: %v", err)
	}

	got := sub.envelopes()
	if len(got) != 1 {
		t.Fatalf("expected 1 replayed inbox envelope, got %d", len(got))
	}
	if got[0].Inviter != "alice" || string(got[0].WelcomeBlob) != "welcome" {
		t.Fatalf("replayed wrong envelope: %+v", got[0])
	}
}

func TestUnsubscribeAll_RemovesFromEveryGroupAndInbox(t *testing.T) {
	b := openTestBroker(t)
	sub := &recordingSubscriber{}
	if err := b.SubscribeInbox(context.Background(), "alice", 0, sub); err != nil {
		t.Fatalf("subscribe inbox: %v", err)
	}
	if err := b.SubscribeGroup(context.Background(), domain.GroupID("g1"), 0, sub); err != nil {
		t.Fatalf("subscribe group: %v", err)
	}

	b.UnsubscribeAll(sub)

	if err := b.PublishToInbox(context.Background(), "alice", domain.Envelope{Kind: domain.EnvelopeWelcome, Recipient: "alice"}, time.Now()); err != nil {
		t.Fatalf("publish to inbox: %v", err)
	}
	if err := b.PublishToGroup(context.Background(), domain.GroupID("g1"), domain.Envelope{Kind: domain.EnvelopeApplication, GroupID: "g1"}, time.Now()); err != nil {
		t.Fatalf("publish to group: %v", err)
	}

	if got := sub.envelopes(); len(got) != 0 {
		t.Fatalf("expected no deliveries after UnsubscribeAll, got %+v", got)
	}
}
