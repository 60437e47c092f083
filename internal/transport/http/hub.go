package http

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"quiz-engine/internal/domain"

	"github.com/google/uuid"
)

// ErrNoSubscribers is returned by Deliver when no client listens on the conversation.
var ErrNoSubscribers = errors.New("no subscribers for conversation")

// Message is one event pushed to websocket subscribers.
type Message struct {
	Type    string      `json:"type"`
	Payload interface{} `json:"payload"`
}

// questionPayload is what clients see of a dispatched question; the correct
// option stays on the server.
type questionPayload struct {
	Token          string   `json:"token"`
	ConversationID string   `json:"conversationId"`
	QuestionID     string   `json:"questionId"`
	Body           string   `json:"body"`
	Options        []string `json:"options"`
	Subject        string   `json:"subject,omitempty"`
}

// Hub fans events out to the websocket clients of each conversation. It is
// the deliverer used by the scheduler and a notifier for engine events.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Message]struct{}
	newToken    func() string
}

func NewHub() *Hub {
	return &Hub{
		subscribers: make(map[string]map[chan Message]struct{}),
		newToken:    uuid.NewString,
	}
}

// Subscribe registers a listener for conversationID. The caller must invoke
// the returned cancel function to avoid leaks.
func (h *Hub) Subscribe(conversationID string) (<-chan Message, func()) {
	ch := make(chan Message, 8)

	h.mu.Lock()
	subs, ok := h.subscribers[conversationID]
	if !ok {
		subs = make(map[chan Message]struct{})
		h.subscribers[conversationID] = subs
	}
	subs[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		subs := h.subscribers[conversationID]
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(h.subscribers, conversationID)
		}
	}
	return ch, cancel
}

// Publish sends msg to every subscriber of conversationID. A slow client
// loses its oldest pending message rather than blocking the sender.
func (h *Hub) Publish(conversationID string, msg Message) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.subscribers[conversationID]
	for ch := range subs {
		select {
		case ch <- msg:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- msg
		}
	}
	return len(subs)
}

// Broadcast sends msg to every subscriber of every conversation.
func (h *Hub) Broadcast(msg Message) {
	h.mu.RLock()
	ids := make([]string, 0, len(h.subscribers))
	for id := range h.subscribers {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.Publish(id, msg)
	}
}

// Deliver presents a scheduled question and returns the token clients answer with.
func (h *Hub) Deliver(_ context.Context, conversationID string, q domain.Question) (string, error) {
	token := h.newToken()
	if h.Publish(conversationID, questionMessage(token, conversationID, q)) == 0 {
		return "", fmt.Errorf("conversation %s: %w", conversationID, ErrNoSubscribers)
	}
	return token, nil
}

func (h *Hub) PoolExhausted(_ context.Context, conversationID string) {
	h.Publish(conversationID, Message{Type: "poolExhausted", Payload: map[string]string{"conversationId": conversationID}})
}

func (h *Hub) MilestoneStreak(_ context.Context, participantID, conversationID string, streak int64) {
	msg := Message{Type: "streak", Payload: map[string]interface{}{"participantId": participantID, "streak": streak}}
	if conversationID == "" {
		h.Broadcast(msg)
		return
	}
	h.Publish(conversationID, msg)
}

func (h *Hub) NightlyLeaderboard(_ context.Context, lb domain.Leaderboard) {
	msg := Message{Type: "leaderboard", Payload: lb}
	if lb.Scope.Global() {
		h.Broadcast(msg)
		return
	}
	h.Publish(lb.Scope.ConversationID, msg)
}

func questionMessage(token, conversationID string, q domain.Question) Message {
	return Message{Type: "question", Payload: questionPayload{
		Token:          token,
		ConversationID: conversationID,
		QuestionID:     q.ID,
		Body:           q.Body,
		Options:        q.Options,
		Subject:        q.Subject,
	}}
}
