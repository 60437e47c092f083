package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"quiz-engine/internal/app"
	"quiz-engine/internal/domain"
	"quiz-engine/internal/logger"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
)

// APIHandler serves the JSON REST surface of the engine.
type APIHandler struct {
	engine *app.Engine
	hub    *Hub
	log    *logger.Logger
}

func NewAPIHandler(engine *app.Engine, hub *Hub, log *logger.Logger) *APIHandler {
	return &APIHandler{engine: engine, hub: hub, log: logger.OrNop(log).With("component", "api")}
}

type questionRequest struct {
	ID                 string   `json:"id"`
	Body               string   `json:"body"`
	Options            []string `json:"options"`
	CorrectOptionIndex int      `json:"correctOptionIndex"`
	Explanation        string   `json:"explanation"`
	Subject            string   `json:"subject"`
}

type conversationRequest struct {
	Kind  domain.ConversationKind `json:"kind"`
	Title string                  `json:"title"`
}

type participantRequest struct {
	Handle    string `json:"handle"`
	GivenName string `json:"givenName"`
}

type answerRequest struct {
	ParticipantID string `json:"participantId"`
	Handle        string `json:"handle"`
	GivenName     string `json:"givenName"`
	Option        *int   `json:"option"`
}

type autoDistributionRequest struct {
	Enabled         bool `json:"enabled"`
	IntervalMinutes int  `json:"intervalMinutes"`
}

type autoDistributionResponse struct {
	ConversationID  string     `json:"conversationId,omitempty"`
	Enabled         bool       `json:"enabled"`
	IntervalMinutes int        `json:"intervalMinutes"`
	LastDispatchAt  *time.Time `json:"lastDispatchAt,omitempty"`
}

type rankResponse struct {
	ParticipantID string `json:"participantId"`
	Scope         string `json:"scope"`
	Rank          int    `json:"rank"`
}

func (h *APIHandler) AddQuestion(w http.ResponseWriter, r *http.Request) {
	var req questionRequest
	if !decode(w, r, &req) {
		return
	}
	q, err := h.engine.AddQuestion(r.Context(), domain.Question{
		ID:                 req.ID,
		Body:               req.Body,
		Options:            req.Options,
		CorrectOptionIndex: req.CorrectOptionIndex,
		Explanation:        req.Explanation,
		Subject:            req.Subject,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, q)
}

func (h *APIHandler) RegisterConversation(w http.ResponseWriter, r *http.Request) {
	var req conversationRequest
	if !decode(w, r, &req) {
		return
	}
	c, err := h.engine.RegisterConversation(r.Context(), domain.Conversation{
		ID:    chi.URLParam(r, "id"),
		Kind:  req.Kind,
		Title: req.Title,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *APIHandler) RegisterParticipant(w http.ResponseWriter, r *http.Request) {
	var req participantRequest
	if !decode(w, r, &req) {
		return
	}
	p, err := h.engine.RegisterParticipant(r.Context(), domain.Participant{
		ID:        chi.URLParam(r, "id"),
		Handle:    req.Handle,
		GivenName: req.GivenName,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *APIHandler) PoolStatus(w http.ResponseWriter, r *http.Request) {
	status, err := h.engine.PoolStatus(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Dispatch sends a question to the conversation now and pushes it to the
// conversation's websocket clients.
func (h *APIHandler) Dispatch(w http.ResponseWriter, r *http.Request) {
	d, err := h.engine.DispatchQuestion(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.hub.Publish(d.ConversationID, questionMessage(d.Token, d.ConversationID, d.Question))
	writeJSON(w, http.StatusCreated, questionMessage(d.Token, d.ConversationID, d.Question).Payload)
}

func (h *APIHandler) SubmitAnswer(w http.ResponseWriter, r *http.Request) {
	var req answerRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Option == nil {
		http.Error(w, "missing option", http.StatusBadRequest)
		return
	}
	out, err := submitWithRetry(r.Context(), h.engine, domain.AnswerSubmission{
		Token:  chi.URLParam(r, "token"),
		Chosen: *req.Option,
		Participant: domain.Participant{
			ID:        req.ParticipantID,
			Handle:    req.Handle,
			GivenName: req.GivenName,
		},
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *APIHandler) GlobalLeaderboard(w http.ResponseWriter, r *http.Request) {
	h.leaderboard(w, r, domain.GlobalScope())
}

func (h *APIHandler) ConversationLeaderboard(w http.ResponseWriter, r *http.Request) {
	h.leaderboard(w, r, domain.ConversationScope(chi.URLParam(r, "id")))
}

func (h *APIHandler) leaderboard(w http.ResponseWriter, r *http.Request, scope domain.Scope) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		http.Error(w, "invalid limit", http.StatusBadRequest)
		return
	}
	lb, err := h.engine.Leaderboard().TopN(r.Context(), scope, limit)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, lb)
}

func (h *APIHandler) ParticipantStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.engine.Scorer().ParticipantStats(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// Rank answers in the global scope, or in ?conversationId= when given.
func (h *APIHandler) Rank(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	scope := domain.ConversationScope(r.URL.Query().Get("conversationId"))
	rank, err := h.engine.Leaderboard().RankOf(r.Context(), scope, id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rankResponse{ParticipantID: id, Scope: scope.String(), Rank: rank})
}

func (h *APIHandler) Totals(w http.ResponseWriter, r *http.Request) {
	t, err := h.engine.Totals(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (h *APIHandler) GetGlobalAutoDistribution(w http.ResponseWriter, r *http.Request) {
	h.getAutoDistribution(w, r, "")
}

func (h *APIHandler) GetAutoDistribution(w http.ResponseWriter, r *http.Request) {
	h.getAutoDistribution(w, r, chi.URLParam(r, "id"))
}

func (h *APIHandler) SetGlobalAutoDistribution(w http.ResponseWriter, r *http.Request) {
	h.setAutoDistribution(w, r, "")
}

func (h *APIHandler) SetAutoDistribution(w http.ResponseWriter, r *http.Request) {
	h.setAutoDistribution(w, r, chi.URLParam(r, "id"))
}

func (h *APIHandler) getAutoDistribution(w http.ResponseWriter, r *http.Request, conversationID string) {
	cfg, err := h.engine.AutoDistribution(r.Context(), conversationID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAutoDistributionResponse(cfg))
}

func (h *APIHandler) setAutoDistribution(w http.ResponseWriter, r *http.Request, conversationID string) {
	var req autoDistributionRequest
	if !decode(w, r, &req) {
		return
	}
	if req.IntervalMinutes < 0 {
		http.Error(w, "intervalMinutes must not be negative", http.StatusBadRequest)
		return
	}
	err := h.engine.SetAutoDistribution(r.Context(), domain.AutoDistributionConfig{
		ConversationID: conversationID,
		Enabled:        req.Enabled,
		Interval:       time.Duration(req.IntervalMinutes) * time.Minute,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.getAutoDistribution(w, r, conversationID)
}

func toAutoDistributionResponse(cfg domain.AutoDistributionConfig) autoDistributionResponse {
	out := autoDistributionResponse{
		ConversationID:  cfg.ConversationID,
		Enabled:         cfg.Enabled,
		IntervalMinutes: int(cfg.Interval / time.Minute),
	}
	if !cfg.LastDispatchAt.IsZero() {
		last := cfg.LastDispatchAt
		out.LastDispatchAt = &last
	}
	return out
}

// submitWithRetry retries transient storage failures only. The answer is
// atomic in the store, so a failed attempt left the session untouched.
func submitWithRetry(ctx context.Context, engine *app.Engine, sub domain.AnswerSubmission) (domain.AnswerOutcome, error) {
	op := func() (domain.AnswerOutcome, error) {
		out, err := engine.SubmitAnswer(ctx, sub)
		if err != nil && !errors.Is(err, domain.ErrStorageUnavailable) {
			return out, backoff.Permanent(err)
		}
		return out, err
	}
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 50 * time.Millisecond
	policy.MaxElapsedTime = 2 * time.Second
	return backoff.RetryWithData(op, backoff.WithContext(backoff.WithMaxRetries(policy, 3), ctx))
}

func (h *APIHandler) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.log.Warn("request failed", "status", status, "error", err)
	}
	http.Error(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, domain.ErrNotRanked):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrAlreadyConsumed),
		errors.Is(err, domain.ErrDuplicateSession),
		errors.Is(err, domain.ErrExhausted),
		errors.Is(err, domain.ErrLeaseHeld),
		errors.Is(err, domain.ErrNotDue),
		errors.Is(err, domain.ErrQuestionRetired):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidQuestion),
		errors.Is(err, domain.ErrInvalidOption),
		errors.Is(err, domain.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func decode(w http.ResponseWriter, r *http.Request, dst interface{}) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func queryInt(r *http.Request, key string) (int, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	return strconv.Atoi(raw)
}
