// Package broker implements the server-side EnvelopeBroker (spec.md §4.7):
// per-user inbox delivery plus per-group subscriber fan-out, with a
// persisted rolling log so a subscriber who joins just after a broadcast
// still receives it on replay.
package broker

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"mlschat/internal/domain"
)

// Options configures retention and the underlying SQLite connection.
type Options struct {
	JournalMode   string
	SyncMode      string
	RetentionSize int // envelopes kept per group before the oldest are pruned
}

// DefaultOptions keeps a rolling window of the last 500 envelopes per group,
// enough to cover a reconnect without unbounded growth.
func DefaultOptions() Options {
	return Options{JournalMode: "WAL", SyncMode: "NORMAL", RetentionSize: 500}
}

// Subscriber is anything the broker can push an envelope to: one entry per
// live websocket connection (internal/server/httpapi wraps *websocket.Conn
// to satisfy this).
type Subscriber interface {
	Deliver(env domain.Envelope) error
}

// Broker is the concrete EnvelopeBroker. Subscriber bookkeeping is
// in-memory (a live TCP connection can't survive a server restart anyway);
// envelope history persists to SQLite so replay survives restarts and
// allows a generous retention window without unbounded memory.
type Broker struct {
	db            *sql.DB
	retentionSize int

	mu          sync.Mutex
	groupSubs   map[string]map[Subscriber]struct{}
	inboxSubs   map[string]map[Subscriber]struct{}
}

// Open opens (creating if necessary) the envelope log database at path.
func Open(path string, opts Options) (*Broker, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=%s&_sync=%s&_foreign_keys=1&_timeout=5000", path, opts.JournalMode, opts.SyncMode)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("broker: open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("broker: ping db: %w", err)
	}
	b := &Broker{
		db:            db,
		retentionSize: opts.RetentionSize,
		groupSubs:     make(map[string]map[Subscriber]struct{}),
		inboxSubs:     make(map[string]map[Subscriber]struct{}),
	}
	if err := b.createSchema(); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *Broker) createSchema() error {
	const schema = `
CREATE TABLE IF NOT EXISTS envelopes (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	group_id BLOB,
	inbox_username TEXT,
	body BLOB NOT NULL,
	received_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_envelopes_group ON envelopes(group_id, seq);
CREATE INDEX IF NOT EXISTS idx_envelopes_inbox ON envelopes(inbox_username, seq);
`
	_, err := b.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("broker: create schema: %w", err)
	}
	return nil
}

func (b *Broker) Close() error { return b.db.Close() }

// wireEnvelope is the JSON-marshalable shape persisted in the envelopes
// table, mirroring the §6.2 frame fields.
type wireEnvelope struct {
	Kind            domain.EnvelopeKind `json:"type"`
	Recipient       domain.Username     `json:"recipient,omitempty"`
	Inviter         domain.Username     `json:"inviter,omitempty"`
	WelcomeBlob     []byte              `json:"welcome,omitempty"`
	RatchetTreeBlob []byte              `json:"ratchet_tree,omitempty"`
	GroupID         domain.GroupID      `json:"group_id,omitempty"`
	Sender          domain.Username     `json:"sender,omitempty"`
	Ciphertext      []byte              `json:"ciphertext,omitempty"`
	CommitBlob      []byte              `json:"commit,omitempty"`
}

func toWire(env domain.Envelope) wireEnvelope {
	return wireEnvelope{
		Kind: env.Kind, Recipient: env.Recipient, Inviter: env.Inviter, WelcomeBlob: env.WelcomeBlob,
		RatchetTreeBlob: env.RatchetTreeBlob, GroupID: env.GroupID, Sender: env.Sender,
		Ciphertext: env.Ciphertext, CommitBlob: env.CommitBlob,
	}
}

func fromWire(w wireEnvelope) domain.Envelope {
	return domain.Envelope{
		Kind: w.Kind, Recipient: w.Recipient, Inviter: w.Inviter, WelcomeBlob: w.WelcomeBlob,
		RatchetTreeBlob: w.RatchetTreeBlob, GroupID: w.GroupID, Sender: w.Sender,
		Ciphertext: w.Ciphertext, CommitBlob: w.CommitBlob,
	}
}

// PublishToInbox persists env and delivers it to every live subscriber of
// username's personal inbox (Welcome delivery, spec.md §4.6 initialize's
// "subscribe to the user's inbox").
func (b *Broker) PublishToInbox(ctx context.Context, username domain.Username, env domain.Envelope, now time.Time) error {
	if err := b.persist(ctx, nil, &username, env, now); err != nil {
		return err
	}
	b.mu.Lock()
	subs := cloneSubs(b.inboxSubs[username.String()])
	b.mu.Unlock()
	return deliverAll(subs, env)
}

// PublishToGroup persists env and delivers it to every live subscriber of
// group_id (Application/Commit broadcast, spec.md §4.4 invite step 6,
// send_text delivery).
func (b *Broker) PublishToGroup(ctx context.Context, groupID domain.GroupID, env domain.Envelope, now time.Time) error {
	if err := b.persist(ctx, &groupID, nil, env, now); err != nil {
		return err
	}
	b.mu.Lock()
	subs := cloneSubs(b.groupSubs[groupID.String()])
	b.mu.Unlock()
	if err := deliverAll(subs, env); err != nil {
		return err
	}
	_ = b.prune(ctx, groupID) // best-effort, see prune
	return nil
}

func (b *Broker) persist(ctx context.Context, groupID *domain.GroupID, inboxUsername *domain.Username, env domain.Envelope, now time.Time) error {
	body, err := json.Marshal(toWire(env))
	if err != nil {
		return domain.StorageError("publish", err)
	}
	var gid []byte
	if groupID != nil {
		gid = []byte(*groupID)
	}
	var inbox sql.NullString
	if inboxUsername != nil {
		inbox = sql.NullString{String: inboxUsername.String(), Valid: true}
	}
	_, err = b.db.ExecContext(ctx, `
		INSERT INTO envelopes(group_id, inbox_username, body, received_at)
		VALUES(?, ?, ?, ?)`, gid, inbox, body, now.Unix())
	if err != nil {
		return domain.StorageError("publish", err)
	}
	return nil
}

// prune trims a group's history back to the retention window. Best-effort:
// failure is not propagated to the publisher, since replay correctness
// degrades gracefully (a shorter window), not unsafely.
func (b *Broker) prune(ctx context.Context, groupID domain.GroupID) error {
	_, err := b.db.ExecContext(ctx, `
		DELETE FROM envelopes
		WHERE group_id = ? AND seq NOT IN (
			SELECT seq FROM envelopes WHERE group_id = ? ORDER BY seq DESC LIMIT ?
		)`, []byte(groupID), []byte(groupID), b.retentionSize)
	return err
}

// Replay returns every envelope for groupID with seq > afterSeq, in order,
// for delivery to a subscriber that just joined (spec.md §4.7: "on
// subscribe, the broker MUST replay any unseen envelopes").
func (b *Broker) Replay(ctx context.Context, groupID domain.GroupID, afterSeq int64) ([]domain.Envelope, int64, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT seq, body FROM envelopes
		WHERE group_id = ? AND seq > ?
		ORDER BY seq ASC`, []byte(groupID), afterSeq)
	if err != nil {
		return nil, afterSeq, domain.StorageError("replay", err)
	}
	defer rows.Close()

	var out []domain.Envelope
	lastSeq := afterSeq
	for rows.Next() {
		var seq int64
		var body []byte
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, afterSeq, domain.StorageError("replay", err)
		}
		var w wireEnvelope
		if err := json.Unmarshal(body, &w); err != nil {
			return nil, afterSeq, domain.StorageError("replay", err)
		}
		out = append(out, fromWire(w))
		lastSeq = seq
	}
	return out, lastSeq, rows.Err()
}

// ReplayInbox returns every envelope addressed to username's inbox with
// seq > afterSeq, in order — the inbox mirror of Replay, since a Welcome
// sent while the recipient is offline must still be reachable once they
// reconnect (spec.md §8 scenario: Bob restarts, subscribes to his inbox,
// and the broker replays the stored Welcome).
func (b *Broker) ReplayInbox(ctx context.Context, username domain.Username, afterSeq int64) ([]domain.Envelope, int64, error) {
	rows, err := b.db.QueryContext(ctx, `
		SELECT seq, body FROM envelopes
		WHERE inbox_username = ? AND seq > ?
		ORDER BY seq ASC`, username.String(), afterSeq)
	if err != nil {
		return nil, afterSeq, domain.StorageError("replay_inbox", err)
	}
	defer rows.Close()

	var out []domain.Envelope
	lastSeq := afterSeq
	for rows.Next() {
		var seq int64
		var body []byte
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, afterSeq, domain.StorageError("replay_inbox", err)
		}
		var w wireEnvelope
		if err := json.Unmarshal(body, &w); err != nil {
			return nil, afterSeq, domain.StorageError("replay_inbox", err)
		}
		out = append(out, fromWire(w))
		lastSeq = seq
	}
	return out, lastSeq, rows.Err()
}

// SubscribeGroup registers sub to receive future PublishToGroup deliveries
// for groupID, then replays any history newer than afterSeq so the
// subscriber cannot miss a broadcast that raced its subscribe call
// (spec.md §4.7).
func (b *Broker) SubscribeGroup(ctx context.Context, groupID domain.GroupID, afterSeq int64, sub Subscriber) error {
	backlog, _, err := b.Replay(ctx, groupID, afterSeq)
	if err != nil {
		return err
	}

	b.mu.Lock()
	key := groupID.String()
	if b.groupSubs[key] == nil {
		b.groupSubs[key] = make(map[Subscriber]struct{})
	}
	b.groupSubs[key][sub] = struct{}{}
	b.mu.Unlock()

	for _, env := range backlog {
		if err := sub.Deliver(env); err != nil {
			return err
		}
	}
	return nil
}

// UnsubscribeGroup removes sub from groupID's subscriber set.
func (b *Broker) UnsubscribeGroup(groupID domain.GroupID, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.groupSubs[groupID.String()], sub)
}

// SubscribeInbox registers sub for username's personal inbox, used for
// Welcome delivery on connect, then replays any inbox envelopes newer than
// afterSeq so a Welcome sent while the recipient was offline is not
// permanently stranded (mirrors SubscribeGroup's replay-before-register
// ordering).
func (b *Broker) SubscribeInbox(ctx context.Context, username domain.Username, afterSeq int64, sub Subscriber) error {
	backlog, _, err := b.ReplayInbox(ctx, username, afterSeq)
	if err != nil {
		return err
	}

	b.mu.Lock()
	key := username.String()
	if b.inboxSubs[key] == nil {
		b.inboxSubs[key] = make(map[Subscriber]struct{})
	}
	b.inboxSubs[key][sub] = struct{}{}
	b.mu.Unlock()

	for _, env := range backlog {
		if err := sub.Deliver(env); err != nil {
			return err
		}
	}
	return nil
}

// UnsubscribeInbox removes sub from username's personal inbox subscriber set.
func (b *Broker) UnsubscribeInbox(username domain.Username, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.inboxSubs[username.String()], sub)
}

// UnsubscribeAll removes sub from every group and inbox it was registered
// against, called once when a connection closes.
func (b *Broker) UnsubscribeAll(sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, set := range b.groupSubs {
		delete(set, sub)
	}
	for _, set := range b.inboxSubs {
		delete(set, sub)
	}
}

func cloneSubs(set map[Subscriber]struct{}) []Subscriber {
	out := make([]Subscriber, 0, len(set))
	for s := range set {
		out = append(out, s)
	}
	return out
}

func deliverAll(subs []Subscriber, env domain.Envelope) error {
	var firstErr error
	for _, s := range subs {
		if err := s.Deliver(env); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
