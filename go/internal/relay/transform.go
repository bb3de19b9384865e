// Package relay is the change-capture side of the pipeline: it turns
// committed ledger rows into broker messages carrying the producer's trace
// context in W3C header form.
package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/outbox"
	"github.com/shuhaimiao/otel-shortener-demo-sub001/go/internal/tracing"
)

// Wire header names. Traceparent/Tracestate follow the W3C trace context
// format; the rest mirror business correlation fields out of the ledger row.
const (
	HeaderTraceparent   = "Traceparent"
	HeaderTracestate    = "Tracestate"
	HeaderEventID       = "Event-ID"
	HeaderEventType     = "Event-Type"
	HeaderAggregateID   = "Aggregate-ID"
	HeaderAggregateType = "Aggregate-Type"
	HeaderTenantID      = "Tenant-ID"
	HeaderActorID       = "Actor-ID"
	HeaderRequestID     = "Request-ID"
)

var ErrNilEvent = errors.New("outbox event is required")

// Envelope is the wire message body. Correlation fields are duplicated from
// the headers so consumers of older producers can still recover them.
type Envelope struct {
	EventID       uuid.UUID       `json:"eventId"`
	EventType     string          `json:"eventType"`
	AggregateID   string          `json:"aggregateId"`
	AggregateType string          `json:"aggregateType"`
	TenantID      string          `json:"tenantId,omitempty"`
	ActorID       string          `json:"actorId,omitempty"`
	RequestID     string          `json:"requestId,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Payload       json.RawMessage `json:"payload"`
}

// Message is one routed broker message. MsgID feeds broker-side duplicate
// suppression so a redelivered row cannot publish twice within the window.
type Message struct {
	Subject string
	Header  nats.Header
	Data    []byte
	MsgID   string
}

// Transform maps one committed ledger row to its broker message. It is pure
// per row: no retries, no state, safe to invoke repeatedly for the same row.
// Rows with unusable trace columns are still routed, just without the
// traceparent header.
func Transform(event *outbox.Event, subjectPrefix string) (*Message, error) {
	if event == nil {
		return nil, ErrNilEvent
	}

	header := nats.Header{}
	header.Set(HeaderEventID, event.ID.String())
	header.Set(HeaderEventType, event.EventType)
	header.Set(HeaderAggregateID, event.AggregateID)
	header.Set(HeaderAggregateType, event.AggregateType)

	if traceparent, ok := tracing.SynthesizeTraceparent(event.TraceID, event.SpanID, event.TraceFlags); ok {
		header.Set(HeaderTraceparent, traceparent)

		if event.TraceState != "" {
			header.Set(HeaderTracestate, event.TraceState)
		}
	}

	envelope := Envelope{
		EventID:       event.ID,
		EventType:     event.EventType,
		AggregateID:   event.AggregateID,
		AggregateType: event.AggregateType,
		TenantID:      event.TenantID,
		ActorID:       event.CreatedBy,
		RequestID:     event.Context["requestId"],
		Timestamp:     event.CreatedAt,
		Payload:       event.Payload,
	}

	if envelope.TenantID != "" {
		header.Set(HeaderTenantID, envelope.TenantID)
	}

	if envelope.ActorID != "" {
		header.Set(HeaderActorID, envelope.ActorID)
	}

	if envelope.RequestID != "" {
		header.Set(HeaderRequestID, envelope.RequestID)
	}

	data, err := json.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}

	return &Message{
		Subject: Subject(subjectPrefix, event.AggregateType, event.AggregateID),
		Header:  header,
		Data:    data,
		MsgID:   event.ID.String(),
	}, nil
}

// Subject routes by aggregate id: all events of one aggregate share a subject
// and therefore keep their relative order through the stream.
func Subject(prefix, aggregateType, aggregateID string) string {
	return fmt.Sprintf("%s.%s.%s", prefix, subjectToken(aggregateType), subjectToken(aggregateID))
}

func subjectToken(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))

	var b strings.Builder

	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}

	return b.String()
}
