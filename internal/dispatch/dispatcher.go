package dispatch

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storelinehq/courier/internal/db"
	"github.com/storelinehq/courier/internal/metrics"
)

// Store is the queue storage the dispatcher runs against.
type Store interface {
	ClaimPending(ctx context.Context, runID uuid.UUID, limit int, lease time.Duration) ([]*db.Message, error)
	CountSentForRecipient(ctx context.Context, tenantID uuid.UUID, recipient string, since time.Time) (int, error)
	CountSentForTenant(ctx context.Context, tenantID uuid.UUID, since time.Time) (int, error)
	MarkSending(ctx context.Context, id uuid.UUID) error
	MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error
	MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error
	MarkCancelled(ctx context.Context, id uuid.UUID, reason string) error
	ReleaseClaim(ctx context.Context, id uuid.UUID) error
	IncrementCampaignSent(ctx context.Context, campaignID uuid.UUID) error
}

// Summary is the aggregate result of one tick. Counters are locals of the
// run, returned by value; nothing here persists across ticks.
type Summary struct {
	Processed int           `json:"processed"`
	Failed    int           `json:"failed"`
	Skipped   int           `json:"skipped"`
	Total     int           `json:"total"`
	Duration  time.Duration `json:"duration"`
}

// Config holds dispatcher settings.
type Config struct {
	// BatchSize is the claim limit per tick.
	BatchSize int

	// ClaimLease is how long a claim marker excludes a row from other
	// runs. A crashed run's rows become eligible again after the lease.
	ClaimLease time.Duration

	// SendTimeout bounds a single transport call so a hung channel cannot
	// block the rest of the batch.
	SendTimeout time.Duration

	// DayOffset shifts the quota day boundary from UTC. Retail tenants
	// historically ran on UTC-3.
	DayOffset time.Duration

	// TenantDayOffsets overrides DayOffset for individual tenants.
	TenantDayOffsets map[uuid.UUID]time.Duration
}

// Dispatcher drains the outbound queue: claims a batch, enforces quotas,
// invokes the transport and records outcomes, pacing sends in between.
type Dispatcher struct {
	store     Store
	transport Transport
	config    Config
	logger    *zap.Logger

	// Overridable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates a dispatcher with defaults filled in.
func New(store Store, transport Transport, cfg Config, logger *zap.Logger) *Dispatcher {
	if cfg.BatchSize == 0 {
		cfg.BatchSize = 50
	}
	if cfg.ClaimLease == 0 {
		cfg.ClaimLease = 5 * time.Minute
	}
	if cfg.SendTimeout == 0 {
		cfg.SendTimeout = 30 * time.Second
	}
	if cfg.DayOffset == 0 {
		cfg.DayOffset = -3 * time.Hour
	}

	return &Dispatcher{
		store:     store,
		transport: transport,
		config:    cfg,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepCtx,
	}
}

type outcome int

const (
	outcomeProcessed outcome = iota
	outcomeFailed
	outcomeSkipped
)

// RunTick performs one pass through the queue. A claim or quota-read failure
// aborts the tick with an error (nothing dispatched is lost, the claim lease
// re-arms untouched rows); a transport failure only marks its own message.
func (d *Dispatcher) RunTick(ctx context.Context) (Summary, error) {
	start := d.now()
	runID := uuid.New()

	messages, err := d.store.ClaimPending(ctx, runID, d.config.BatchSize, d.config.ClaimLease)
	if err != nil {
		return Summary{}, fmt.Errorf("claim batch: %w", err)
	}

	summary := Summary{Total: len(messages)}
	if len(messages) == 0 {
		summary.Duration = d.now().Sub(start)
		return summary, nil
	}

	d.logger.Info("tick claimed batch",
		zap.String("run_id", runID.String()),
		zap.Int("claimed", len(messages)),
	)

	for i, msg := range messages {
		result, err := d.processMessage(ctx, msg)
		if err != nil {
			summary.Duration = d.now().Sub(start)
			return summary, fmt.Errorf("process message %s: %w", msg.ID, err)
		}

		switch result {
		case outcomeProcessed:
			summary.Processed++
			metrics.RecordMessageProcessed("sent", msg.Kind)
		case outcomeFailed:
			summary.Failed++
			metrics.RecordMessageProcessed("failed", msg.Kind)
		case outcomeSkipped:
			summary.Skipped++
			metrics.RecordMessageProcessed("skipped", msg.Kind)
		}

		// Intra-batch pacing: only after a successful send, and never
		// after the last item.
		if result == outcomeProcessed && msg.IntervalSeconds > 0 && i < len(messages)-1 {
			pause := time.Duration(msg.IntervalSeconds) * time.Second
			if err := d.sleep(ctx, pause); err != nil {
				d.logger.Info("tick interrupted during pacing delay",
					zap.String("run_id", runID.String()),
					zap.Int("remaining", len(messages)-i-1),
				)
				summary.Duration = d.now().Sub(start)
				return summary, err
			}
		}
	}

	summary.Duration = d.now().Sub(start)
	metrics.RecordTick(summary.Duration)

	d.logger.Info("tick complete",
		zap.String("run_id", runID.String()),
		zap.Int("processed", summary.Processed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped),
		zap.Int("total", summary.Total),
		zap.Duration("duration", summary.Duration),
	)

	return summary, nil
}

// processMessage runs one claimed message through quota check, dispatch and
// outcome recording. A returned error is a store-level problem that aborts
// the tick; transport failures are absorbed into the failed outcome.
func (d *Dispatcher) processMessage(ctx context.Context, msg *db.Message) (outcome, error) {
	allowed, result, err := d.checkQuotas(ctx, msg)
	if err != nil {
		return outcomeSkipped, err
	}
	if !allowed {
		return result, nil
	}

	if err := d.store.MarkSending(ctx, msg.ID); err != nil {
		return outcomeSkipped, fmt.Errorf("mark sending: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.config.SendTimeout)
	sendErr := d.transport.Send(sendCtx, buildPayload(msg))
	cancel()

	if sendErr != nil {
		d.logger.Error("transport send failed",
			zap.Error(sendErr),
			zap.String("message_id", msg.ID.String()),
			zap.String("tenant_id", msg.TenantID.String()),
			zap.Int("attempt", msg.Attempts+1),
		)
		if err := d.store.MarkFailed(ctx, msg.ID, sendErr.Error()); err != nil {
			d.logger.Error("failed to record send failure",
				zap.Error(err),
				zap.String("message_id", msg.ID.String()),
			)
		}
		return outcomeFailed, nil
	}

	sentAt := d.now()
	if err := d.store.MarkSent(ctx, msg.ID, sentAt); err != nil {
		// The message went out; a recording failure must not resurrect it
		// as failed. Log and move on.
		d.logger.Error("failed to record sent status",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
	}

	if msg.CampaignID != nil {
		if err := d.store.IncrementCampaignSent(ctx, *msg.CampaignID); err != nil {
			metrics.RecordCampaignIncrementFailure()
			d.logger.Error("failed to increment campaign sent count",
				zap.Error(err),
				zap.String("message_id", msg.ID.String()),
				zap.String("campaign_id", msg.CampaignID.String()),
			)
		}
	}

	d.logger.Info("message sent",
		zap.String("message_id", msg.ID.String()),
		zap.String("tenant_id", msg.TenantID.String()),
		zap.String("kind", msg.Kind),
	)

	return outcomeProcessed, nil
}

// checkQuotas enforces the daily caps. A recipient cap hit cancels the
// message outright: more sends today cannot change a per-day limit already
// reached. A tenant cap hit only defers it, since other traffic draining or
// a later slot may still let it through.
func (d *Dispatcher) checkQuotas(ctx context.Context, msg *db.Message) (bool, outcome, error) {
	if msg.MaxPerRecipientPerDay != nil {
		since := d.dayStart(msg.TenantID)
		count, err := d.store.CountSentForRecipient(ctx, msg.TenantID, msg.Recipient, since)
		if err != nil {
			return false, outcomeSkipped, fmt.Errorf("count sent for recipient: %w", err)
		}
		if count >= *msg.MaxPerRecipientPerDay {
			reason := fmt.Sprintf("recipient daily cap reached (%d/%d since %s)",
				count, *msg.MaxPerRecipientPerDay, since.Format(time.RFC3339))
			if err := d.store.MarkCancelled(ctx, msg.ID, reason); err != nil {
				d.logger.Error("failed to cancel capped message",
					zap.Error(err),
					zap.String("message_id", msg.ID.String()),
				)
			}
			metrics.RecordQuotaSkip("recipient")
			d.logger.Info("message cancelled by recipient cap",
				zap.String("message_id", msg.ID.String()),
				zap.String("tenant_id", msg.TenantID.String()),
				zap.Int("cap", *msg.MaxPerRecipientPerDay),
			)
			return false, outcomeSkipped, nil
		}
		return true, 0, nil
	}

	if msg.MaxPerTenantPerDay != nil {
		since := d.dayStart(msg.TenantID)
		count, err := d.store.CountSentForTenant(ctx, msg.TenantID, since)
		if err != nil {
			return false, outcomeSkipped, fmt.Errorf("count sent for tenant: %w", err)
		}
		if count >= *msg.MaxPerTenantPerDay {
			// Deferred, not cancelled: release the claim so a later tick
			// can retry once the shared cap has room again.
			if err := d.store.ReleaseClaim(ctx, msg.ID); err != nil {
				d.logger.Error("failed to release claim on deferred message",
					zap.Error(err),
					zap.String("message_id", msg.ID.String()),
				)
			}
			metrics.RecordQuotaSkip("tenant")
			d.logger.Info("message deferred by tenant cap",
				zap.String("message_id", msg.ID.String()),
				zap.String("tenant_id", msg.TenantID.String()),
				zap.Int("cap", *msg.MaxPerTenantPerDay),
			)
			return false, outcomeSkipped, nil
		}
	}

	return true, 0, nil
}

// dayStart returns the start of the tenant's current local day.
func (d *Dispatcher) dayStart(tenantID uuid.UUID) time.Time {
	offset := d.config.DayOffset
	if o, ok := d.config.TenantDayOffsets[tenantID]; ok {
		offset = o
	}

	loc := time.FixedZone("tenant-day", int(offset/time.Second))
	now := d.now().In(loc)
	year, month, day := now.Date()

	return time.Date(year, month, day, 0, 0, 0, 0, loc)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
