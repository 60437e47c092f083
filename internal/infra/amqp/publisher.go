package amqp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"quiz-engine/internal/domain"
	"quiz-engine/internal/logger"

	"github.com/google/uuid"
	"github.com/streadway/amqp"
)

// Routing keys published on the topic exchange.
const (
	KeyPoolExhausted      = "quiz.pool_exhausted"
	KeyStreakMilestone    = "quiz.streak_milestone"
	KeyNightlyLeaderboard = "quiz.nightly_leaderboard"
	KeyQuestion           = "quiz.question"
)

// Channel is the part of *amqp.Channel the publisher needs.
type Channel interface {
	Publish(exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// Event is the envelope written to the exchange.
type Event struct {
	Type       string      `json:"type"`
	OccurredAt time.Time   `json:"occurredAt"`
	Payload    interface{} `json:"payload"`
}

// Publisher forwards engine events to a RabbitMQ topic exchange so chat
// front-ends can render them. Notifier events are best effort: failures are
// logged and never surface to the answer or dispatch path.
type Publisher struct {
	conn     *amqp.Connection
	channel  Channel
	exchange string
	log      *logger.Logger
	clock    func() time.Time
	newToken func() string
}

// Dial connects and declares a durable topic exchange.
func Dial(url, exchange string, log *logger.Logger) (*Publisher, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := ch.ExchangeDeclare(exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	p := NewPublisher(ch, exchange, log)
	p.conn = conn
	return p, nil
}

func NewPublisher(ch Channel, exchange string, log *logger.Logger) *Publisher {
	return &Publisher{
		channel:  ch,
		exchange: exchange,
		log:      logger.OrNop(log).With("component", "amqp_publisher"),
		clock:    time.Now,
		newToken: uuid.NewString,
	}
}

// QuestionMessage is the payload of a delivered question. The correct option
// stays with the engine.
type QuestionMessage struct {
	Token          string   `json:"token"`
	ConversationID string   `json:"conversationId"`
	QuestionID     string   `json:"questionId"`
	Body           string   `json:"body"`
	Options        []string `json:"options"`
	Subject        string   `json:"subject,omitempty"`
}

// Deliver hands a scheduled question to the chat front-ends. Unlike the
// notifier events a broker failure is returned, so the engine commits nothing.
func (p *Publisher) Deliver(_ context.Context, conversationID string, q domain.Question) (string, error) {
	token := p.newToken()
	err := p.send(KeyQuestion, QuestionMessage{
		Token:          token,
		ConversationID: conversationID,
		QuestionID:     q.ID,
		Body:           q.Body,
		Options:        q.Options,
		Subject:        q.Subject,
	})
	if err != nil {
		return "", err
	}
	return token, nil
}

func (p *Publisher) PoolExhausted(_ context.Context, conversationID string) {
	p.publish(KeyPoolExhausted, map[string]string{"conversationId": conversationID})
}

func (p *Publisher) MilestoneStreak(_ context.Context, participantID, conversationID string, streak int64) {
	p.publish(KeyStreakMilestone, map[string]interface{}{
		"participantId":  participantID,
		"conversationId": conversationID,
		"streak":         streak,
	})
}

func (p *Publisher) NightlyLeaderboard(_ context.Context, lb domain.Leaderboard) {
	p.publish(KeyNightlyLeaderboard, lb)
}

func (p *Publisher) publish(key string, payload interface{}) {
	if err := p.send(key, payload); err != nil {
		p.log.Warn("publish event failed", "type", key, "error", err)
		return
	}
	p.log.Debug("event published", "type", key)
}

func (p *Publisher) send(key string, payload interface{}) error {
	body, err := json.Marshal(Event{Type: key, OccurredAt: p.clock().UTC(), Payload: payload})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	err = p.channel.Publish(p.exchange, key, false, false, amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    p.clock(),
		Body:         body,
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", key, err)
	}
	return nil
}

func (p *Publisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}
