// Package link is the business domain whose mutations feed the event
// pipeline: short links that get created, clicked, and expired.
package link

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// AggregateType identifies link rows in the event ledger.
const AggregateType = "link"

// Event type discriminators for the ledger.
const (
	EventLinkCreated = "LINK_CREATED"
	EventLinkClicked = "LINK_CLICKED"
	EventLinkExpired = "LINK_EXPIRED"
)

// Link is one short link.
type Link struct {
	ID         uuid.UUID
	ShortCode  string
	TargetURL  string
	TenantID   string
	CreatedBy  string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	ClickCount int64
	Expired    bool
}

// CreatedPayload is the LINK_CREATED event body.
type CreatedPayload struct {
	ShortCode string     `json:"shortCode"`
	TargetURL string     `json:"targetUrl"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

// ClickedPayload is the LINK_CLICKED event body.
type ClickedPayload struct {
	ShortCode string    `json:"shortCode"`
	ClickedAt time.Time `json:"clickedAt"`
}

// ExpiredPayload is the LINK_EXPIRED event body.
type ExpiredPayload struct {
	ShortCode string    `json:"shortCode"`
	ExpiredAt time.Time `json:"expiredAt"`
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		// Payload types above contain nothing unmarshalable.
		panic(err)
	}

	return data
}
