package http

import (
	"encoding/json"
	"net/http"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"
	"quiz-engine/internal/logger"

	"github.com/gorilla/websocket"
)

type WSHandler struct {
	engine   *app.Engine
	hub      *Hub
	log      *logger.Logger
	upgrader websocket.Upgrader
}

func NewWSHandler(engine *app.Engine, hub *Hub, log *logger.Logger) *WSHandler {
	return &WSHandler{
		engine: engine,
		hub:    hub,
		log:    logger.OrNop(log).With("component", "ws"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type answerPayload struct {
	Token  string `json:"token"`
	Option int    `json:"option"`
}

type errorPayload struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

type joinedPayload struct {
	Conversation domain.Conversation `json:"conversation"`
	Participant  domain.Participant  `json:"participant"`
	Leaderboard  domain.Leaderboard  `json:"leaderboard"`
}

// ServeWS upgrades a participant into a conversation channel. The client
// receives dispatched questions and leaderboard updates and answers with
// {"type":"answer","payload":{"token":...,"option":...}}.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	conversationID := q.Get("conversationId")
	participantID := q.Get("participantId")
	if conversationID == "" || participantID == "" {
		http.Error(w, "missing conversationId or participantId", http.StatusBadRequest)
		return
	}
	ctx := r.Context()
	conversation, err := h.engine.Conversation(ctx, conversationID)
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}
	participant, err := h.engine.RegisterParticipant(ctx, domain.Participant{
		ID:        participantID,
		Handle:    q.Get("handle"),
		GivenName: q.Get("name"),
	})
	if err != nil {
		http.Error(w, err.Error(), statusFor(err))
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	updates, cancel := h.hub.Subscribe(conversationID)
	defer cancel()

	send := make(chan Message, 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})
	updatesDone := make(chan struct{})

	// single writer: gorilla connections do not allow concurrent writes
	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				h.log.Debug("ws write error", "error", err)
				return
			}
		}
	}()

	go func() {
		defer close(updatesDone)
		for {
			select {
			case update, ok := <-updates:
				if !ok {
					return
				}
				select {
				case send <- update:
				case <-closeSignals:
					return
				}
			case <-closeSignals:
				return
			}
		}
	}()

	scope := domain.ConversationScope(conversationID)
	if !conversation.IsGroup() {
		scope = domain.GlobalScope()
	}
	lb, err := h.engine.Leaderboard().TopN(ctx, scope, 10)
	if err != nil {
		h.log.Warn("initial leaderboard failed", "conversation_id", conversationID, "error", err)
	}
	send <- Message{Type: "joined", Payload: joinedPayload{Conversation: conversation, Participant: participant, Leaderboard: lb}}

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		switch inbound.Type {
		case "answer":
			var payload answerPayload
			if err := json.Unmarshal(inbound.Payload, &payload); err != nil {
				send <- errorMessage("invalid answer payload", http.StatusBadRequest)
				continue
			}
			out, err := submitWithRetry(ctx, h.engine, domain.AnswerSubmission{
				Token:       payload.Token,
				Chosen:      payload.Option,
				Participant: domain.Participant{ID: participantID},
			})
			if err != nil {
				send <- errorMessage(err.Error(), statusFor(err))
				continue
			}
			send <- Message{Type: "answerResult", Payload: out}
			if lb, err := h.engine.Leaderboard().TopN(ctx, scope, 10); err == nil {
				h.hub.Publish(conversationID, Message{Type: "leaderboard", Payload: lb})
			}
		default:
			send <- errorMessage("unsupported message type", http.StatusBadRequest)
		}
	}

	close(closeSignals)
	<-updatesDone
	close(send)
	<-writerDone
}

func errorMessage(msg string, code int) Message {
	return Message{Type: "error", Payload: errorPayload{Message: msg, Code: code}}
}
