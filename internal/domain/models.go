package domain

import (
	"fmt"
	"strings"
	"time"
)

// OptionCount is the fixed number of answer options every question carries.
const OptionCount = 4

// Question models an MCQ question with exactly one correct option.
type Question struct {
	ID                 string   `json:"id"`
	Body               string   `json:"body"`
	Options            []string `json:"options"`
	CorrectOptionIndex int      `json:"correctOptionIndex"`
	Explanation        string   `json:"explanation,omitempty"`
	Subject            string   `json:"subject,omitempty"`
}

// Validate checks the shape of an imported question.
func (q Question) Validate() error {
	if strings.TrimSpace(q.Body) == "" {
		return fmt.Errorf("%w: empty body", ErrInvalidQuestion)
	}
	if len(q.Options) != OptionCount {
		return fmt.Errorf("%w: expected %d options, got %d", ErrInvalidQuestion, OptionCount, len(q.Options))
	}
	for i, opt := range q.Options {
		if strings.TrimSpace(opt) == "" {
			return fmt.Errorf("%w: option %d is empty", ErrInvalidQuestion, i)
		}
	}
	if !ValidOption(q.CorrectOptionIndex) {
		return fmt.Errorf("%w: correct option index %d out of range", ErrInvalidQuestion, q.CorrectOptionIndex)
	}
	return nil
}

// ValidOption reports whether idx addresses one of the question options.
func ValidOption(idx int) bool {
	return idx >= 0 && idx < OptionCount
}

// ConversationKind distinguishes direct chats from groups.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Conversation is a destination questions are dispatched to.
type Conversation struct {
	ID           string           `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Title        string           `json:"title"`
	RegisteredAt time.Time        `json:"registeredAt"`
}

func (c Conversation) IsGroup() bool {
	return c.Kind == ConversationGroup
}

// Participant is an individual answering questions.
type Participant struct {
	ID           string    `json:"id"`
	Handle       string    `json:"handle,omitempty"`
	GivenName    string    `json:"givenName,omitempty"`
	RegisteredAt time.Time `json:"registeredAt"`
}

// DisplayName prefers the handle, then the given name.
func (p Participant) DisplayName() string {
	return DisplayName(p.ID, p.Handle, p.GivenName)
}

// DisplayName resolves a printable name for participants whose profile may be partial.
func DisplayName(id, handle, givenName string) string {
	if h := strings.TrimPrefix(strings.TrimSpace(handle), "@"); h != "" {
		return "@" + h
	}
	if n := strings.TrimSpace(givenName); n != "" {
		return n
	}
	return "Participant " + id
}

// QuestionExposure records that a question was shown to a conversation.
type QuestionExposure struct {
	ConversationID string    `json:"conversationId"`
	QuestionID     string    `json:"questionId"`
	ExposedAt      time.Time `json:"exposedAt"`
}

// PollSession correlates one dispatched question instance with its answer.
type PollSession struct {
	Token              string     `json:"token"`
	ConversationID     string     `json:"conversationId"`
	QuestionID         string     `json:"questionId"`
	CorrectOptionIndex int        `json:"correctOptionIndex"`
	Subject            string     `json:"subject,omitempty"`
	CreatedAt          time.Time  `json:"createdAt"`
	ConsumedAt         *time.Time `json:"consumedAt,omitempty"`
}

func (s PollSession) Consumed() bool {
	return s.ConsumedAt != nil
}

// ConsumeResult is what a successful consumption reveals to the caller.
type ConsumeResult struct {
	Correct        bool   `json:"correct"`
	ConversationID string `json:"conversationId"`
	QuestionID     string `json:"questionId"`
	Subject        string `json:"subject,omitempty"`
	CorrectOption  int    `json:"correctOptionIndex"`
}

// SubjectStats is the per-category counter nested inside ParticipantStats.
type SubjectStats struct {
	Attempted int64 `json:"attempted"`
	Correct   int64 `json:"correct"`
	Incorrect int64 `json:"incorrect"`
}

// ParticipantStats is the global scoreboard row of a participant.
type ParticipantStats struct {
	ParticipantID  string                  `json:"participantId"`
	Attempted      int64                   `json:"attempted"`
	Correct        int64                   `json:"correct"`
	Incorrect      int64                   `json:"incorrect"`
	Score          int64                   `json:"score"`
	CurrentStreak  int64                   `json:"currentStreak"`
	BestStreak     int64                   `json:"bestStreak"`
	LastActivityAt time.Time               `json:"lastActivityAt"`
	Subjects       map[string]SubjectStats `json:"subjects,omitempty"`
}

// Accuracy is the share of correct answers in percent.
func (s ParticipantStats) Accuracy() float64 {
	if s.Attempted == 0 {
		return 0
	}
	return float64(s.Correct) * 100 / float64(s.Attempted)
}

// ConversationParticipantStats is the per-conversation scoreboard row.
type ConversationParticipantStats struct {
	ConversationID string `json:"conversationId"`
	ParticipantID  string `json:"participantId"`
	Attempted      int64  `json:"attempted"`
	Correct        int64  `json:"correct"`
	Incorrect      int64  `json:"incorrect"`
	Score          int64  `json:"score"`
}

// AutoDistributionConfig drives periodic dispatch. An empty ConversationID is the global record.
type AutoDistributionConfig struct {
	ConversationID string        `json:"conversationId,omitempty"`
	Enabled        bool          `json:"enabled"`
	Interval       time.Duration `json:"interval"`
	LastDispatchAt time.Time     `json:"lastDispatchAt,omitempty"`
}

// Global reports whether this is the global record.
func (c AutoDistributionConfig) Global() bool {
	return c.ConversationID == ""
}

// DueAt reports whether a dispatch may happen at now.
func (c AutoDistributionConfig) DueAt(now time.Time) bool {
	if !c.Enabled {
		return false
	}
	return c.LastDispatchAt.IsZero() || now.Sub(c.LastDispatchAt) >= c.Interval
}

// DefaultAutoInterval mirrors the historical 30 minute auto-quiz cadence.
const DefaultAutoInterval = 30 * time.Minute

// SchedulerMode selects whether auto-distribution records are global or per conversation.
type SchedulerMode string

const (
	SchedulerGlobal       SchedulerMode = "global"
	SchedulerConversation SchedulerMode = "conversation"
)

// ParseSchedulerMode accepts "global" or "conversation"; empty means global.
func ParseSchedulerMode(raw string) (SchedulerMode, error) {
	switch SchedulerMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", SchedulerGlobal:
		return SchedulerGlobal, nil
	case SchedulerConversation:
		return SchedulerConversation, nil
	}
	return "", fmt.Errorf("unknown scheduler mode %q", raw)
}

// ExhaustionPolicy selects how the question pool avoids repeats.
type ExhaustionPolicy string

const (
	// PolicyExposure keeps questions and tracks exposures per conversation.
	PolicyExposure ExhaustionPolicy = "exposure"
	// PolicyShrink deletes a question from the pool once it was dispatched.
	PolicyShrink ExhaustionPolicy = "shrink"
)

// ParsePolicy accepts "exposure" or "shrink"; empty means exposure.
func ParsePolicy(raw string) (ExhaustionPolicy, error) {
	switch ExhaustionPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", PolicyExposure:
		return PolicyExposure, nil
	case PolicyShrink:
		return PolicyShrink, nil
	}
	return "", fmt.Errorf("unknown exhaustion policy %q", raw)
}

// Scope selects global or per-conversation leaderboards.
type Scope struct {
	ConversationID string `json:"conversationId,omitempty"`
}

func GlobalScope() Scope { return Scope{} }

func ConversationScope(id string) Scope { return Scope{ConversationID: id} }

func (s Scope) Global() bool { return s.ConversationID == "" }

func (s Scope) String() string {
	if s.Global() {
		return "global"
	}
	return "conversation:" + s.ConversationID
}

// LeaderboardEntry is a snapshot-friendly view of a ranked participant.
type LeaderboardEntry struct {
	Rank          int    `json:"rank"`
	ParticipantID string `json:"participantId"`
	DisplayName   string `json:"displayName"`
	Attempted     int64  `json:"attempted"`
	Correct       int64  `json:"correct"`
	Score         int64  `json:"score"`
}

// Leaderboard captures the ordered scoreboard of a scope.
type Leaderboard struct {
	Scope     Scope              `json:"scope"`
	Entries   []LeaderboardEntry `json:"entries"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Dispatch is handed to the delivery layer to present a question.
type Dispatch struct {
	Token          string    `json:"sessionToken"`
	ConversationID string    `json:"conversationId"`
	Question       Question  `json:"question"`
	DispatchedAt   time.Time `json:"dispatchedAt"`
}

// DispatchCommit is the all-or-nothing write that follows a successful selection.
type DispatchCommit struct {
	Session PollSession
	Policy  ExhaustionPolicy
	// Schedule is set for scheduler-driven dispatches; the commit advances
	// LastDispatchAt only while the conversation is still due.
	Schedule *ScheduleFence
}

// ScheduleFence guards LastDispatchAt against overlapping scheduler runs.
type ScheduleFence struct {
	Mode     SchedulerMode
	At       time.Time
	Interval time.Duration
}

// AnswerSubmission is an answer event arriving from the delivery layer.
type AnswerSubmission struct {
	Token       string      `json:"sessionToken"`
	Chosen      int         `json:"chosenOptionIndex"`
	Participant Participant `json:"participant"`
}

// AnswerCommand is the atomic consume-and-score unit handed to the store.
type AnswerCommand struct {
	Token       string
	Chosen      int
	Participant Participant
	Rules       ScoringRules
	At          time.Time
}

// ScoreCommand applies an already-judged answer without a poll session.
type ScoreCommand struct {
	ParticipantID  string
	ConversationID string
	Subject        string
	Correct        bool
	Rules          ScoringRules
	At             time.Time
}

// ScoreUpdate is the committed state after one answer.
type ScoreUpdate struct {
	Stats             ParticipantStats              `json:"stats"`
	ConversationStats *ConversationParticipantStats `json:"conversationStats,omitempty"`
}

// AnswerOutcome summarizes a scored answer.
type AnswerOutcome struct {
	Token              string                        `json:"sessionToken"`
	ConversationID     string                        `json:"conversationId"`
	QuestionID         string                        `json:"questionId"`
	ParticipantID      string                        `json:"participantId"`
	Chosen             int                           `json:"chosenOptionIndex"`
	CorrectOptionIndex int                           `json:"correctOptionIndex"`
	Correct            bool                          `json:"correct"`
	Explanation        string                        `json:"explanation,omitempty"`
	Stats              ParticipantStats              `json:"stats"`
	ConversationStats  *ConversationParticipantStats `json:"conversationStats,omitempty"`
}

// PoolStatus describes what is left for a conversation.
type PoolStatus struct {
	Total     int `json:"total"`
	Exposed   int `json:"exposed"`
	Remaining int `json:"remaining"`
}

// Totals are engine-wide counters.
type Totals struct {
	Participants       int `json:"participants"`
	Conversations      int `json:"conversations"`
	Groups             int `json:"groups"`
	Questions          int `json:"questions"`
	ActiveParticipants int `json:"activeParticipants"`
}
