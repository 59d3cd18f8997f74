package db

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// MaxErrorLength bounds the error text stored on a failed message.
const MaxErrorLength = 500

const messageColumns = `
	id, tenant_id, recipient, body, priority, kind,
	campaign_id, sender_identity,
	max_per_recipient_per_day, max_per_tenant_per_day, interval_seconds, max_retries,
	status, attempts, error_message, sent_at, claimed_by, claimed_at, created_at`

// Repository handles database operations for the outbound message queue
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new message repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{
		db:     db,
		logger: logger,
	}
}

// CreateMessage inserts a new pending message into the queue
func (r *Repository) CreateMessage(ctx context.Context, msg *Message) error {
	query := `
		INSERT INTO messages (
			id, tenant_id, recipient, body, priority, kind,
			campaign_id, sender_identity,
			max_per_recipient_per_day, max_per_tenant_per_day,
			interval_seconds, max_retries, status, attempts
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14
		)
		RETURNING created_at
	`

	err := r.db.Pool().QueryRow(
		ctx,
		query,
		msg.ID,
		msg.TenantID,
		msg.Recipient,
		msg.Body,
		msg.Priority,
		msg.Kind,
		msg.CampaignID,
		msg.SenderIdentity,
		msg.MaxPerRecipientPerDay,
		msg.MaxPerTenantPerDay,
		msg.IntervalSeconds,
		msg.MaxRetries,
		msg.Status,
		msg.Attempts,
	).Scan(&msg.CreatedAt)

	if err != nil {
		r.logger.Error("failed to create message",
			zap.Error(err),
			zap.String("message_id", msg.ID.String()),
		)
		return fmt.Errorf("insert message: %w", err)
	}

	r.logger.Info("message enqueued",
		zap.String("message_id", msg.ID.String()),
		zap.String("tenant_id", msg.TenantID.String()),
		zap.String("kind", msg.Kind),
		zap.Int("priority", msg.Priority),
	)

	return nil
}

// GetMessage retrieves a message by ID
func (r *Repository) GetMessage(ctx context.Context, id uuid.UUID) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = $1`

	msg, err := scanMessage(r.db.Pool().QueryRow(ctx, query, id))
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("message not found: %s", id)
	}
	if err != nil {
		r.logger.Error("failed to get message",
			zap.Error(err),
			zap.String("message_id", id.String()),
		)
		return nil, fmt.Errorf("query message: %w", err)
	}

	return msg, nil
}

// ListMessagesByTenant retrieves messages for a tenant with pagination
func (r *Repository) ListMessagesByTenant(
	ctx context.Context,
	tenantID uuid.UUID,
	limit int,
	offset int,
) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE tenant_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3
	`

	rows, err := r.db.Pool().Query(ctx, query, tenantID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	return messages, nil
}

// ClaimPending atomically reserves up to limit pending messages for the run
// identified by runID, ordered by priority then arrival. The claim is a
// single statement: a locking subselect (FOR UPDATE SKIP LOCKED) feeding an
// UPDATE of the claim marker, so concurrent runs can never reserve the same
// row. Rows whose claim lease has expired are eligible again, which re-arms
// work orphaned by a crashed run.
func (r *Repository) ClaimPending(
	ctx context.Context,
	runID uuid.UUID,
	limit int,
	lease time.Duration,
) ([]*Message, error) {
	query := `
		UPDATE messages
		SET claimed_by = $1, claimed_at = NOW()
		WHERE id IN (
			SELECT id FROM messages
			WHERE status = 'pending'
			  AND (claimed_at IS NULL OR claimed_at < NOW() - $2::interval)
			ORDER BY priority ASC, created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + messageColumns

	rows, err := r.db.Pool().Query(ctx, query, runID, lease.String(), limit)
	if err != nil {
		r.logger.Error("failed to claim pending messages",
			zap.Error(err),
			zap.String("run_id", runID.String()),
		)
		return nil, fmt.Errorf("claim pending messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan claimed message: %w", err)
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimed rows: %w", err)
	}

	// Claimed rows come back in arbitrary UPDATE order; restore the
	// priority-then-FIFO order the subselect chose them in.
	sortClaimed(messages)

	return messages, nil
}

// CountSentForRecipient counts a recipient's sent messages for a tenant
// since the given timestamp. Backs the per-recipient daily cap.
func (r *Repository) CountSentForRecipient(
	ctx context.Context,
	tenantID uuid.UUID,
	recipient string,
	since time.Time,
) (int, error) {
	query := `
		SELECT COUNT(*) FROM messages
		WHERE tenant_id = $1 AND recipient = $2 AND status = 'sent' AND sent_at >= $3
	`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, tenantID, recipient, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count sent for recipient: %w", err)
	}

	return count, nil
}

// CountSentForTenant counts a tenant's sent messages since the given
// timestamp. Backs the per-tenant daily cap.
func (r *Repository) CountSentForTenant(
	ctx context.Context,
	tenantID uuid.UUID,
	since time.Time,
) (int, error) {
	query := `
		SELECT COUNT(*) FROM messages
		WHERE tenant_id = $1 AND status = 'sent' AND sent_at >= $2
	`

	var count int
	if err := r.db.Pool().QueryRow(ctx, query, tenantID, since).Scan(&count); err != nil {
		return 0, fmt.Errorf("count sent for tenant: %w", err)
	}

	return count, nil
}

// MarkSending transitions a pending message to sending
func (r *Repository) MarkSending(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE messages SET status = 'sending' WHERE id = $1 AND status = 'pending'`

	result, err := r.db.Pool().Exec(ctx, query, id)
	if err != nil {
		return fmt.Errorf("mark sending: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("message not pending: %s", id)
	}

	return nil
}

// MarkSent transitions a sending message to sent and stamps sent_at
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID, sentAt time.Time) error {
	query := `
		UPDATE messages
		SET status = 'sent', sent_at = $1, error_message = NULL
		WHERE id = $2 AND status = 'sending'
	`

	result, err := r.db.Pool().Exec(ctx, query, sentAt, id)
	if err != nil {
		r.logger.Error("failed to mark message sent",
			zap.Error(err),
			zap.String("message_id", id.String()),
		)
		return fmt.Errorf("mark sent: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("message not sending: %s", id)
	}

	return nil
}

// MarkFailed transitions a sending message to failed, increments attempts
// by exactly one and stores the truncated error text.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, errMsg string) error {
	query := `
		UPDATE messages
		SET status = 'failed', attempts = attempts + 1, error_message = $1
		WHERE id = $2 AND status = 'sending'
	`

	result, err := r.db.Pool().Exec(ctx, query, TruncateError(errMsg), id)
	if err != nil {
		r.logger.Error("failed to mark message failed",
			zap.Error(err),
			zap.String("message_id", id.String()),
		)
		return fmt.Errorf("mark failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("message not sending: %s", id)
	}

	return nil
}

// MarkCancelled transitions a pending message to cancelled with a
// human-readable reason. Used when a permanent per-recipient cap is hit.
func (r *Repository) MarkCancelled(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE messages
		SET status = 'cancelled', error_message = $1
		WHERE id = $2 AND status = 'pending'
	`

	result, err := r.db.Pool().Exec(ctx, query, TruncateError(reason), id)
	if err != nil {
		return fmt.Errorf("mark cancelled: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("message not pending: %s", id)
	}

	return nil
}

// ReleaseClaim clears the claim marker on a still-pending message so a later
// run can pick it up. Used when a tenant-wide cap defers the message.
func (r *Repository) ReleaseClaim(ctx context.Context, id uuid.UUID) error {
	query := `UPDATE messages SET claimed_by = NULL, claimed_at = NULL WHERE id = $1`

	if _, err := r.db.Pool().Exec(ctx, query, id); err != nil {
		return fmt.Errorf("release claim: %w", err)
	}

	return nil
}

// IncrementCampaignSent atomically bumps a campaign's sent counter. The
// increment happens store-side; no read-modify-write in the application.
func (r *Repository) IncrementCampaignSent(ctx context.Context, campaignID uuid.UUID) error {
	query := `UPDATE campaigns SET sent_count = sent_count + 1 WHERE id = $1`

	result, err := r.db.Pool().Exec(ctx, query, campaignID)
	if err != nil {
		return fmt.Errorf("increment campaign sent count: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("campaign not found: %s", campaignID)
	}

	return nil
}

// TruncateError bounds error text before it is stored on a row.
func TruncateError(msg string) string {
	if len(msg) > MaxErrorLength {
		return msg[:MaxErrorLength]
	}
	return msg
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	err := row.Scan(
		&msg.ID,
		&msg.TenantID,
		&msg.Recipient,
		&msg.Body,
		&msg.Priority,
		&msg.Kind,
		&msg.CampaignID,
		&msg.SenderIdentity,
		&msg.MaxPerRecipientPerDay,
		&msg.MaxPerTenantPerDay,
		&msg.IntervalSeconds,
		&msg.MaxRetries,
		&msg.Status,
		&msg.Attempts,
		&msg.ErrorMessage,
		&msg.SentAt,
		&msg.ClaimedBy,
		&msg.ClaimedAt,
		&msg.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func sortClaimed(messages []*Message) {
	sort.Slice(messages, func(i, j int) bool {
		if messages[i].Priority != messages[j].Priority {
			return messages[i].Priority < messages[j].Priority
		}
		return messages[i].CreatedAt.Before(messages[j].CreatedAt)
	})
}
