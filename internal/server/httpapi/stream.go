package httpapi

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mlschat/internal/domain"
	"mlschat/internal/server/broker"
)

// wireFrame mirrors the client's transport.wireFrame shape (§6.2): Type
// discriminates subscribe/unsubscribe control frames from the three
// envelope kinds, Envelope carries the payload for the latter.
type wireFrame struct {
	Type     string        `json:"type"`
	GroupID  []byte        `json:"group_id,omitempty"`
	Envelope *wireEnvelope `json:"envelope,omitempty"`
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
		Kind: env.Kind, Recipient: env.Recipient.String(), Inviter: env.Inviter.String(), WelcomeBlob: env.WelcomeBlob,
		RatchetTreeBlob: env.RatchetTreeBlob, GroupID: []byte(env.GroupID), Sender: env.Sender.String(),
		Ciphertext: env.Ciphertext, CommitBlob: env.CommitBlob,
	}
}

func fromWireEnvelope(w *wireEnvelope) domain.Envelope {
	return domain.Envelope{
		Kind: w.Kind, Recipient: domain.Username(w.Recipient), Inviter: domain.Username(w.Inviter), WelcomeBlob: w.WelcomeBlob,
		RatchetTreeBlob: w.RatchetTreeBlob, GroupID: domain.GroupID(w.GroupID), Sender: domain.Username(w.Sender),
		Ciphertext: w.Ciphertext, CommitBlob: w.CommitBlob,
	}
}

// connSubscriber adapts a single *websocket.Conn into a broker.Subscriber,
// serializing writes (gorilla/websocket connections are not safe for
// concurrent writers) the same way internal/transport's wsStream does on
// the client side.
type connSubscriber struct {
	conn *websocket.Conn
	mu   *sync.Mutex
}

func (c *connSubscriber) Deliver(env domain.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteJSON(wireFrame{Type: string(env.Kind), Envelope: toWireEnvelope(env)})
}

// handleStream implements the §6.2 bidirectional envelope stream: GET
// /stream?username=..., upgraded to a websocket, subscribed to the user's
// personal inbox for Welcome delivery, and driven by subscribe/unsubscribe/
// envelope frames from the client for everything else.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	username := domain.Username(r.URL.Query().Get("username"))
	if username == "" {
		writeErr(w, http.StatusBadRequest, "username required")
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err, "reqid", requestIDFromCtx(r.Context()))
		return
	}
	defer conn.Close()

	sub := &connSubscriber{conn: conn, mu: &sync.Mutex{}}
	if err := s.broker.SubscribeInbox(r.Context(), username, 0, sub); err != nil {
		s.log.Warn("inbox subscribe failed", "user", username.String(), "error", err)
	}
	defer s.broker.UnsubscribeAll(sub)

	for {
		var frame wireFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Warn("stream read failed", "user", username.String(), "error", err)
			}
			return
		}

		switch frame.Type {
		case "subscribe":
			groupID := domain.GroupID(frame.GroupID)
			if err := s.broker.SubscribeGroup(r.Context(), groupID, 0, sub); err != nil {
				s.log.Warn("subscribe failed", "group_id", groupID.String(), "error", err)
			}

		case "unsubscribe":
			s.broker.UnsubscribeGroup(domain.GroupID(frame.GroupID), sub)

		case string(domain.EnvelopeWelcome):
			if frame.Envelope == nil {
				continue
			}
			env := fromWireEnvelope(frame.Envelope)
			if env.Recipient == "" {
				s.log.Warn("welcome envelope missing recipient", "inviter", env.Inviter.String())
				continue
			}
			if err := s.broker.PublishToInbox(r.Context(), env.Recipient, env, time.Now()); err != nil {
				s.log.Warn("publish welcome failed", "error", err)
			}

		case string(domain.EnvelopeApplication), string(domain.EnvelopeCommit):
			if frame.Envelope == nil {
				continue
			}
			env := fromWireEnvelope(frame.Envelope)
			if err := s.broker.PublishToGroup(r.Context(), env.GroupID, env, time.Now()); err != nil {
				s.log.Warn("publish failed", "group_id", env.GroupID.String(), "error", err)
			}

		default:
			s.log.Warn("unknown frame type", "type", frame.Type, "user", username.String())
		}
	}
}

var _ broker.Subscriber = (*connSubscriber)(nil)
