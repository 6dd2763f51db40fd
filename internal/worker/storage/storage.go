package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/dispatch-worker/internal/worker/domain"
	"github.com/jmoiron/sqlx"
	"github.com/jmoiron/sqlx/types"
)

// channelObjects names the per-channel stored procedures and message table
type channelObjects struct {
	suffix string
	table  string
}

var channels = map[domain.ChannelType]channelObjects{
	domain.ChannelEmail: {suffix: "email", table: "email_messages"},
	domain.ChannelSMS:   {suffix: "sms", table: "sms_messages"},
}

func objectsFor(ch domain.ChannelType) (channelObjects, error) {
	obj, ok := channels[ch]
	if !ok {
		return channelObjects{}, fmt.Errorf("%w: %s", domain.ErrUnknownChannel, ch)
	}
	return obj, nil
}

// Storage is the job queue client. Queue semantics live in stored procedures;
// every call here is a single atomic statement.
type Storage struct {
	db     *sqlx.DB
	logger *slog.Logger
}

// NewStorage creates a new Storage instance
func NewStorage(db *sqlx.DB, logger *slog.Logger) *Storage {
	return &Storage{
		db:     db,
		logger: logger,
	}
}

// ClaimNextJob claims the next job for workerID. Returns nil when no job is available.
func (s *Storage) ClaimNextJob(ctx context.Context, workerID string) (*domain.Job, error) {
	query := `
		SELECT job_id, campaign_id, channel_type, rate, credential_name
		FROM get_next_job($1)
	`

	var job domain.Job
	var channelType string
	var credentialName sql.NullString

	err := s.db.QueryRowContext(ctx, query, workerID).Scan(
		&job.JobID,
		&job.CampaignID,
		&channelType,
		&job.Rate,
		&credentialName,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim next job: %w", err)
	}

	job.ChannelType = domain.ParseChannelType(channelType)
	if credentialName.Valid && credentialName.String != "" {
		job.CredentialName = &credentialName.String
	}

	s.logger.Info("Job claimed",
		slog.Int64("job_id", job.JobID),
		slog.Int64("campaign_id", job.CampaignID),
		slog.String("channel", job.ChannelType.String()),
		slog.String("worker_id", workerID),
	)

	return &job, nil
}

// EnqueueMessages materializes the sendable rows for a job
func (s *Storage) EnqueueMessages(ctx context.Context, ch domain.ChannelType, jobID int64) error {
	obj, err := objectsFor(ch)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`SELECT enqueue_messages_%s($1)`, obj.suffix)
	if _, err := s.db.ExecContext(ctx, query, jobID); err != nil {
		return fmt.Errorf("failed to enqueue messages: %w", err)
	}

	return nil
}

// ReconcileCampaignStats recomputes the campaign counters after enqueue excluded invalid rows
func (s *Storage) ReconcileCampaignStats(ctx context.Context, ch domain.ChannelType, campaignID int64) error {
	obj, err := objectsFor(ch)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`SELECT reconcile_campaign_stats_%s($1)`, obj.suffix)
	if _, err := s.db.ExecContext(ctx, query, campaignID); err != nil {
		return fmt.Errorf("failed to reconcile campaign stats: %w", err)
	}

	return nil
}

type messageRow struct {
	ID         int64          `db:"id"`
	CampaignID int64          `db:"campaign_id"`
	Recipient  string         `db:"recipient"`
	Subject    sql.NullString `db:"subject"`
	Body       string         `db:"body"`
	Params     types.JSONText `db:"params"`
}

// GetMessagesToSend fetches up to rate pending rows for a job
func (s *Storage) GetMessagesToSend(ctx context.Context, ch domain.ChannelType, jobID int64, rate int) ([]domain.Message, error) {
	obj, err := objectsFor(ch)
	if err != nil {
		return nil, err
	}

	query := fmt.Sprintf(`
		SELECT id, campaign_id, recipient, subject, body, params
		FROM get_messages_to_send_%s($1, $2)
	`, obj.suffix)

	var rows []messageRow
	if err := s.db.SelectContext(ctx, &rows, query, jobID, rate); err != nil {
		return nil, fmt.Errorf("failed to get messages to send: %w", err)
	}

	messages := make([]domain.Message, 0, len(rows))
	for _, row := range rows {
		params := map[string]string{}
		if len(row.Params) > 0 {
			if err := json.Unmarshal(row.Params, &params); err != nil {
				return nil, fmt.Errorf("failed to decode params for message %d: %w", row.ID, err)
			}
		}
		messages = append(messages, domain.Message{
			ID:         row.ID,
			CampaignID: row.CampaignID,
			Recipient:  row.Recipient,
			Subject:    row.Subject.String,
			Body:       row.Body,
			Params:     params,
		})
	}

	return messages, nil
}

// UpdateMessageStatus records the outcome of one send attempt
func (s *Storage) UpdateMessageStatus(ctx context.Context, ch domain.ChannelType, outcome domain.Outcome) error {
	obj, err := objectsFor(ch)
	if err != nil {
		return err
	}

	query := fmt.Sprintf(`
		UPDATE %s
		SET status = $1,
		    provider_message_id = NULLIF($2, ''),
		    error = NULLIF($3, ''),
		    updated_at = NOW()
		WHERE id = $4
	`, obj.table)

	_, err = s.db.ExecContext(ctx, query,
		outcome.Status,
		outcome.ProviderMessageID,
		domain.TruncateErrorText(outcome.ErrorText),
		outcome.MessageID,
	)
	if err != nil {
		return fmt.Errorf("failed to update message status: %w", err)
	}

	return nil
}

// FinalizeNextJob runs post-send bookkeeping for the next completed job.
// Returns ok=false when nothing was finalized.
func (s *Storage) FinalizeNextJob(ctx context.Context, ch domain.ChannelType) (int64, bool, error) {
	obj, err := objectsFor(ch)
	if err != nil {
		return 0, false, err
	}

	query := fmt.Sprintf(`SELECT log_next_job_%s()`, obj.suffix)

	var campaignID sql.NullInt64
	if err := s.db.QueryRowContext(ctx, query).Scan(&campaignID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, fmt.Errorf("failed to finalize next job: %w", err)
	}

	if !campaignID.Valid {
		return 0, false, nil
	}

	return campaignID.Int64, true, nil
}

// ListPersistedWorkerIDs returns every worker identity the queue knows about
func (s *Storage) ListPersistedWorkerIDs(ctx context.Context) ([]string, error) {
	var ids []string
	if err := s.db.SelectContext(ctx, &ids, `SELECT id FROM workers`); err != nil {
		return nil, fmt.Errorf("failed to list workers: %w", err)
	}
	return ids, nil
}

// InsertWorkerIfAbsent registers a brand-new worker identity
func (s *Storage) InsertWorkerIfAbsent(ctx context.Context, workerID string) error {
	query := `INSERT INTO workers (id) VALUES ($1) ON CONFLICT DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, workerID); err != nil {
		return fmt.Errorf("failed to insert worker: %w", err)
	}
	return nil
}

// ReassignWorker rewrites a dead worker's identity to newID. Jobs reference
// workers(id) with ON UPDATE CASCADE, so ownership moves with the row.
// Returns the number of rows affected; at most one caller observes 1.
func (s *Storage) ReassignWorker(ctx context.Context, newID, deadID string) (int64, error) {
	result, err := s.db.ExecContext(ctx, `UPDATE workers SET id = $1 WHERE id = $2`, newID, deadID)
	if err != nil {
		return 0, fmt.Errorf("failed to reassign worker: %w", err)
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rowsAffected == 0 {
		s.logger.Warn("Worker reassignment - no rows affected (already adopted)",
			slog.String("dead_worker_id", deadID),
			slog.String("worker_id", newID),
		)
	}

	return rowsAffected, nil
}

// ResumeWorker resets inherited jobs left mid-status so they can be picked up again
func (s *Storage) ResumeWorker(ctx context.Context, workerID string) error {
	if _, err := s.db.ExecContext(ctx, `SELECT resume_worker($1)`, workerID); err != nil {
		return fmt.Errorf("failed to resume worker: %w", err)
	}
	return nil
}
