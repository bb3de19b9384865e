package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/reqctx"
)

var (
	ErrAggregateIDRequired   = errors.New("aggregate id is required")
	ErrAggregateTypeRequired = errors.New("aggregate type is required")
	ErrEventTypeRequired     = errors.New("event type is required")
	ErrPayloadNotJSON        = errors.New("payload must be valid JSON")
)

// Inserter is what the recorder needs from the ledger repository.
type Inserter interface {
	InsertTx(ctx context.Context, tx *sql.Tx, event *Event) error
}

// Recorder writes ledger rows inside the caller's business transaction.
// It performs no network I/O; a failure here must abort the enclosing
// transaction, which is what keeps the mutation and its event atomic.
type Recorder struct {
	store Inserter
}

// NewRecorder creates a Recorder backed by the given ledger store.
func NewRecorder(store Inserter) *Recorder {
	return &Recorder{store: store}
}

// RecordParams describes one event to record.
type RecordParams struct {
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       json.RawMessage
}

// Record persists exactly one ledger row on the supplied transaction.
// The ambient trace context is captured when a valid one is active; otherwise
// the trace columns stay empty and the event is recorded anyway. Actor and
// tenant identity come from request-scoped lookups and are stamped both as
// discrete columns and into the extensible context map.
func (r *Recorder) Record(ctx context.Context, tx *sql.Tx, params RecordParams) (*Event, error) {
	if params.AggregateID == "" {
		return nil, ErrAggregateIDRequired
	}

	if params.AggregateType == "" {
		return nil, ErrAggregateTypeRequired
	}

	if params.EventType == "" {
		return nil, ErrEventTypeRequired
	}

	if !json.Valid(params.Payload) {
		return nil, ErrPayloadNotJSON
	}

	event := &Event{
		ID:            uuid.New(),
		AggregateID:   params.AggregateID,
		AggregateType: params.AggregateType,
		EventType:     params.EventType,
		Payload:       params.Payload,
		Context:       make(map[string]string),
		CreatedAt:     time.Now().UTC(),
		Status:        StatusPending,
	}

	captureTrace(ctx, event)
	captureIdentity(ctx, event)

	if err := r.store.InsertTx(ctx, tx, event); err != nil {
		return nil, fmt.Errorf("insert outbox event: %w", err)
	}

	return event, nil
}

func captureTrace(ctx context.Context, event *Event) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}

	event.TraceID = sc.TraceID().String()
	event.SpanID = sc.SpanID().String()
	event.TraceFlags = fmt.Sprintf("%02x", byte(sc.TraceFlags()))
	event.TraceState = sc.TraceState().String()
}

func captureIdentity(ctx context.Context, event *Event) {
	event.CreatedBy = reqctx.Actor(ctx)
	event.TenantID = reqctx.Tenant(ctx)

	if event.CreatedBy != "" {
		event.Context["userId"] = event.CreatedBy
	}

	if event.TenantID != "" {
		event.Context["tenantId"] = event.TenantID
	}

	if requestID := reqctx.RequestID(ctx); requestID != "" {
		event.Context["requestId"] = requestID
	}
}
