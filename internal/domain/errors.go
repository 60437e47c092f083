package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned for unknown sessions, participants, conversations or questions.
	ErrNotFound = errors.New("not found")
	// ErrAlreadyConsumed is returned when a poll session was already answered.
	ErrAlreadyConsumed = errors.New("poll session already consumed")
	// ErrDuplicateSession indicates a caller reused a session token.
	ErrDuplicateSession = errors.New("duplicate poll session token")
	// ErrExhausted means no unseen question remains for the conversation.
	ErrExhausted = errors.New("question pool exhausted")
	// ErrStorageUnavailable wraps transient persistence failures.
	ErrStorageUnavailable = errors.New("storage unavailable")
	// ErrNotRanked is returned for participants without recorded attempts.
	ErrNotRanked = errors.New("participant not ranked")
	// ErrInvalidQuestion indicates malformed question content.
	ErrInvalidQuestion = errors.New("invalid question")
	// ErrInvalidOption indicates a chosen option outside the question range.
	ErrInvalidOption = errors.New("invalid option")
	// ErrInvalidArgument covers missing identifiers and malformed requests.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrNotDue is returned when a scheduled dispatch lost the race to another run.
	ErrNotDue = errors.New("conversation not due for dispatch")
	// ErrLeaseHeld is returned when another dispatcher holds the conversation lease.
	ErrLeaseHeld = errors.New("dispatch lease held")
	// ErrQuestionRetired is returned when a shrinking pool lost the picked
	// question to another conversation before the dispatch committed.
	ErrQuestionRetired = errors.New("question already retired from the pool")
)

// Unavailable tags err as a transient storage failure of op.
func Unavailable(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorageUnavailable) {
		return err
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStorageUnavailable, err)
}
