package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mlschat/internal/domain"
)

// wireFrame is the §6.2 JSON frame shape exchanged over the envelope
// stream. Type discriminates subscribe/unsubscribe control frames from the
// three envelope kinds; Envelope carries the payload for the latter.
type wireFrame struct {
	Type     string         `json:"type"`
	GroupID  []byte         `json:"group_id,omitempty"`
	Envelope *wireEnvelope  `json:"envelope,omitempty"`
}

type wireEnvelope struct {
	Kind            domain.EnvelopeKind `json:"kind"`
	Recipient       string              `json:"recipient,omitempty"`
	Inviter         string              `json:"inviter,omitempty"`
	WelcomeBlob     []byte              `json:"welcome_blob,omitempty"`
	RatchetTreeBlob []byte              `json:"ratchet_tree_blob,omitempty"`
	GroupID         []byte              `json:"group_id,omitempty"`
	Sender          string              `json:"sender,omitempty"`
	Ciphertext      []byte              `json:"ciphertext,omitempty"`
	CommitBlob      []byte              `json:"commit_blob,omitempty"`
}

func toWireEnvelope(env domain.Envelope) *wireEnvelope {
	return &wireEnvelope{
		Kind:            env.Kind,
		Recipient:       env.Recipient.String(),
		Inviter:         env.Inviter.String(),
		WelcomeBlob:     env.WelcomeBlob,
		RatchetTreeBlob: env.RatchetTreeBlob,
		GroupID:         []byte(env.GroupID),
		Sender:          env.Sender.String(),
		Ciphertext:      env.Ciphertext,
		CommitBlob:      env.CommitBlob,
	}
}

func fromWireEnvelope(w *wireEnvelope) domain.Envelope {
	return domain.Envelope{
		Kind:            w.Kind,
		Recipient:       domain.Username(w.Recipient),
		Inviter:         domain.Username(w.Inviter),
		WelcomeBlob:     w.WelcomeBlob,
		RatchetTreeBlob: w.RatchetTreeBlob,
		GroupID:         domain.GroupID(w.GroupID),
		Sender:          domain.Username(w.Sender),
		Ciphertext:      w.Ciphertext,
		CommitBlob:      w.CommitBlob,
	}
}

// wsStream owns the single websocket connection for a session: writes from
// any goroutine are serialized by mu (gorilla/websocket connections are not
// safe for concurrent writers), and a buffered inbox channel is fed by a
// dedicated read loop goroutine.
type wsStream struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	inbox  chan domain.Envelope
	errc   chan error
	closed chan struct{}
}

const inboxBuffer = 256

// Connect dials the stream endpoint and announces the session's identity,
// then starts the background read loop (spec.md §6.2 connect).
func (c *Client) Connect(ctx context.Context, username domain.Username) error {
	wsURL, err := toWebsocketURL(c.base, username)
	if err != nil {
		return domain.NetworkErr("connect", err)
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return domain.NetworkErr("connect", fmt.Errorf("dial %s: %w", wsURL, err))
	}
	if resp != nil {
		resp.Body.Close()
	}

	stream := &wsStream{
		conn:   conn,
		inbox:  make(chan domain.Envelope, inboxBuffer),
		errc:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	c.ws = stream
	go stream.readLoop()
	return nil
}

func toWebsocketURL(base string, username domain.Username) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base scheme %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/stream"
	q := u.Query()
	q.Set("username", username.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (s *wsStream) readLoop() {
	defer close(s.closed)
	for {
		var frame wireFrame
		if err := s.conn.ReadJSON(&frame); err != nil {
			select {
			case s.errc <- err:
			default:
			}
			return
		}
		if frame.Envelope == nil {
			continue
		}
		s.inbox <- fromWireEnvelope(frame.Envelope)
	}
}

func (s *wsStream) writeFrame(frame wireFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.WriteJSON(frame)
}

// Subscribe asks the server to start forwarding envelopes for groupID,
// replaying any envelopes the client missed while offline.
func (c *Client) Subscribe(ctx context.Context, groupID domain.GroupID) error {
	if c.ws == nil {
		return domain.NetworkErr("subscribe", fmt.Errorf("not connected"))
	}
	if err := c.ws.writeFrame(wireFrame{Type: "subscribe", GroupID: []byte(groupID)}); err != nil {
		return domain.NetworkErr("subscribe", err)
	}
	return nil
}

// Unsubscribe asks the server to stop forwarding envelopes for groupID.
func (c *Client) Unsubscribe(ctx context.Context, groupID domain.GroupID) error {
	if c.ws == nil {
		return domain.NetworkErr("unsubscribe", fmt.Errorf("not connected"))
	}
	if err := c.ws.writeFrame(wireFrame{Type: "unsubscribe", GroupID: []byte(groupID)}); err != nil {
		return domain.NetworkErr("unsubscribe", err)
	}
	return nil
}

// SendEnvelope pushes env to the server over the already-open stream.
func (c *Client) SendEnvelope(ctx context.Context, env domain.Envelope) error {
	if c.ws == nil {
		return domain.NetworkErr("send_envelope", fmt.Errorf("not connected"))
	}
	if err := c.ws.writeFrame(wireFrame{Type: string(env.Kind), Envelope: toWireEnvelope(env)}); err != nil {
		return domain.NetworkErr("send_envelope", err)
	}
	return nil
}

// NextEnvelope blocks until an envelope arrives, ctx is cancelled, or the
// stream fails.
func (c *Client) NextEnvelope(ctx context.Context) (domain.Envelope, error) {
	if c.ws == nil {
		return domain.Envelope{}, domain.NetworkErr("next_envelope", fmt.Errorf("not connected"))
	}
	select {
	case env := <-c.ws.inbox:
		return env, nil
	case err := <-c.ws.errc:
		return domain.Envelope{}, domain.NetworkErr("next_envelope", err)
	case <-ctx.Done():
		return domain.Envelope{}, ctx.Err()
	}
}

// Close tears down the websocket connection, if any.
func (c *Client) Close() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.conn.Close()
}
