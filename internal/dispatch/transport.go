package dispatch

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storelinehq/courier/internal/db"
)

// Transport is the external channel that delivers a message to a recipient.
// Implementations: SNS (SMS), tenant HTTP gateway, log (development).
type Transport interface {
	Send(ctx context.Context, p Payload) error
}

// Payload is what crosses the wire to the transport. Campaign attribution is
// a separate block that only the campaign branch of buildPayload ever
// populates, so a non-campaign message can never carry a reserved sender
// identity no matter what its row holds.
type Payload struct {
	Recipient string               `json:"recipient"`
	Body      string               `json:"body"`
	TenantID  uuid.UUID            `json:"tenant_id"`
	Kind      string               `json:"message_type"`
	Campaign  *CampaignAttribution `json:"campaign,omitempty"`
}

// CampaignAttribution carries the reserved sender identity and campaign id
// for campaign traffic.
type CampaignAttribution struct {
	CampaignID     uuid.UUID `json:"campaign_id"`
	SenderIdentity string    `json:"sender_identity"`
}

// buildPayload maps a claimed row to a transport payload. The campaign block
// is attached only for campaign messages that actually carry a campaign id;
// stale identity fields on other kinds are dropped here.
func buildPayload(msg *db.Message) Payload {
	p := Payload{
		Recipient: msg.Recipient,
		Body:      msg.Body,
		TenantID:  msg.TenantID,
		Kind:      msg.Kind,
	}

	if msg.Kind == db.KindCampaign && msg.CampaignID != nil {
		attr := &CampaignAttribution{CampaignID: *msg.CampaignID}
		if msg.SenderIdentity != nil {
			attr.SenderIdentity = *msg.SenderIdentity
		}
		p.Campaign = attr
	}

	return p
}

// LogTransport logs payloads instead of delivering them (development mode).
type LogTransport struct {
	logger *zap.Logger
}

func NewLogTransport(logger *zap.Logger) *LogTransport {
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Send(ctx context.Context, p Payload) error {
	fields := []zap.Field{
		zap.String("recipient", p.Recipient),
		zap.String("tenant_id", p.TenantID.String()),
		zap.String("kind", p.Kind),
	}
	if p.Campaign != nil {
		fields = append(fields,
			zap.String("campaign_id", p.Campaign.CampaignID.String()),
			zap.String("sender_identity", p.Campaign.SenderIdentity),
		)
	}
	t.logger.Info("message delivered (development mode)", fields...)
	return nil
}
