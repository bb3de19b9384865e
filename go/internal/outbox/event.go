// Package outbox implements the durable event ledger: rows written atomically
// with business mutations, later relayed onto the broker by the capture path.
package outbox

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var (
	ErrInvalidStatus     = errors.New("invalid outbox status")
	ErrInvalidTransition = errors.New("invalid outbox status transition")
)

// Status is an outbox event lifecycle state.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusProcessed Status = "PROCESSED"
	StatusFailed    Status = "FAILED"
)

// IsValid reports whether the status is part of the ledger lifecycle.
func (s Status) IsValid() bool {
	switch s {
	case StatusPending, StatusProcessed, StatusFailed:
		return true
	default:
		return false
	}
}

// CanTransitionTo reports whether a transition from s to next is allowed.
// PROCESSED is terminal. FAILED may only return to PENDING; the retry bound
// is enforced by the repository, not by the state machine.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessed || next == StatusFailed
	case StatusFailed:
		return next == StatusPending
	default:
		return false
	}
}

// ValidateTransition validates a raw status transition.
func ValidateTransition(from, to Status) error {
	if !from.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, from)
	}

	if !to.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, to)
	}

	if !from.CanTransitionTo(to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}

	return nil
}

func (s Status) String() string {
	return string(s)
}

// Event is one ledger row. The id doubles as the consumer idempotency key.
// The three trace columns are either all set (fixed-width lowercase hex) or
// all empty; TraceState may ride along only when they are set.
type Event struct {
	ID            uuid.UUID
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
	TraceID       string
	SpanID        string
	TraceFlags    string
	TraceState    string
	Context       map[string]string
	CreatedAt     time.Time
	CreatedBy     string
	TenantID      string
	Status        Status
	RetryCount    int
	ErrorMessage  string
	ProcessedAt   *time.Time
}

// HasTrace reports whether a trace context was captured at write time.
func (e *Event) HasTrace() bool {
	return e.TraceID != "" && e.SpanID != "" && e.TraceFlags != ""
}

// StatusCounts is a snapshot of ledger totals, reported by the reaper.
type StatusCounts struct {
	Pending   int64
	Processed int64
	Failed    int64
}
