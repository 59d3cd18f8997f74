package db

import (
	"time"

	"github.com/google/uuid"
)

// Message is the queue's unit of work: one outbound message owned by a
// tenant, delivered to a single recipient through the tenant's channel.
type Message struct {
	ID        uuid.UUID `json:"id"`
	TenantID  uuid.UUID `json:"tenant_id"`
	Recipient string    `json:"recipient"`
	Body      string    `json:"body"`

	// Priority 1-10, lower dispatches first. Convention: 1-3 critical,
	// 4-6 normal, 7-10 campaign/bulk.
	Priority int    `json:"priority"`
	Kind     string `json:"kind"`

	// Campaign attribution. Populated only when Kind == KindCampaign.
	CampaignID     *uuid.UUID `json:"campaign_id,omitempty"`
	SenderIdentity *string    `json:"sender_identity,omitempty"`

	// Per-message quota configuration, all optional.
	MaxPerRecipientPerDay *int `json:"max_per_recipient_per_day,omitempty"`
	MaxPerTenantPerDay    *int `json:"max_per_tenant_per_day,omitempty"`
	IntervalSeconds       int  `json:"interval_seconds"`
	MaxRetries            int  `json:"max_retries"`

	Status       string     `json:"status"`
	Attempts     int        `json:"attempts"`
	ErrorMessage *string    `json:"error_message,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	ClaimedBy    *uuid.UUID `json:"claimed_by,omitempty"`
	ClaimedAt    *time.Time `json:"claimed_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Status constants. Transitions are monotonic:
// pending -> sending -> {sent, failed}; pending -> cancelled.
const (
	StatusPending   = "pending"
	StatusSending   = "sending"
	StatusSent      = "sent"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Kind constants
const (
	KindTransactional = "transactional"
	KindNotification  = "notification"
	KindCampaign      = "campaign"
)

// Campaign is the aggregate a bulk message is attributed to. Only the
// sent counter is touched here; everything else belongs to the campaigns
// module.
type Campaign struct {
	ID        uuid.UUID `json:"id"`
	SentCount int64     `json:"sent_count"`
}
