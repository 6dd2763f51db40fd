package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cuongbtq/dispatch-worker/internal/channel"
	"github.com/cuongbtq/dispatch-worker/internal/enrichment"
	"github.com/cuongbtq/dispatch-worker/internal/worker/domain"
)

// processNext claims one job and runs it to completion. It reports false
// when no job was available.
func (w *Worker) processNext(ctx context.Context) (bool, error) {
	job, err := w.queue.ClaimNextJob(ctx, w.wc.ID)
	if err != nil {
		return false, fmt.Errorf("failed to claim job: %w", err)
	}
	if job == nil {
		return false, nil
	}

	w.setCurrentJob(job)
	defer w.setCurrentJob(nil)

	logger := w.logger.With(
		slog.Int64("job_id", job.JobID),
		slog.Int64("campaign_id", job.CampaignID),
		slog.String("channel", job.ChannelType.String()),
	)

	logger.Info("Processing job",
		slog.Int("rate", job.Rate),
	)

	if err := w.processJob(ctx, job, logger); err != nil {
		return true, fmt.Errorf("job %d: %w", job.JobID, err)
	}

	w.jobsProcessed.Add(1)
	logger.Info("Job sending completed")

	return true, nil
}

// processJob drives enqueue, then fetch-send-wait cycles until the job's
// sendable set is exhausted. The provider client bound for the job is always
// released before returning.
func (w *Worker) processJob(ctx context.Context, job *domain.Job, logger *slog.Logger) error {
	svc, err := w.channels.Get(job.ChannelType)
	if err != nil {
		return err
	}

	if err := svc.SetSendingService(ctx, job.Credential()); err != nil {
		if !errors.Is(err, domain.ErrMissingCredential) && !errors.Is(err, domain.ErrCredentialNotFound) {
			return fmt.Errorf("failed to bind sending service: %w", err)
		}
		// every message of the job will be recorded as ERROR
		logger.Error("No usable credential for job",
			slog.String("credential", job.Credential()),
			slog.String("error", err.Error()),
		)
	}
	defer svc.DestroySendingService()

	if err := svc.EnqueueMessages(ctx, job.JobID, job.CampaignID); err != nil {
		return fmt.Errorf("failed to enqueue messages: %w", err)
	}

	return w.drain(ctx, svc, job, logger)
}

func (w *Worker) drain(ctx context.Context, svc channel.Service, job *domain.Job, logger *slog.Logger) error {
	rate := job.Rate
	if rate <= 0 {
		rate = 1
	}

	for {
		batch, err := svc.GetMessages(ctx, job.JobID, rate)
		if err != nil {
			return fmt.Errorf("failed to fetch messages: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		start := w.now()

		send, err := w.enrich(ctx, svc.Type(), batch, logger)
		if err != nil {
			return err
		}

		if err := w.sendBatch(ctx, svc, send); err != nil {
			return err
		}

		wait := w.policy.BatchWindow - w.now().Sub(start)
		logger.Debug("Batch sent",
			slog.Int("batch_size", len(batch)),
			slog.Duration("wait", max(wait, 0)),
		)

		if wait > 0 {
			if err := w.policy.Sleep(ctx, wait); err != nil {
				return err
			}
		}
	}
}

// enrich applies the enricher to batch and returns the messages to send.
// When enrichment fails under the skip policy the batch is recorded as
// failed and nothing is returned.
func (w *Worker) enrich(ctx context.Context, ch domain.ChannelType, batch []domain.Message, logger *slog.Logger) ([]domain.Message, error) {
	if w.enricher == nil {
		return batch, nil
	}

	err := w.enricher.Apply(ctx, ch, batch)
	if err == nil {
		return batch, nil
	}

	logger.Warn("Enrichment failed",
		slog.Int("batch_size", len(batch)),
		slog.String("policy", w.onEnrichFailure),
		slog.String("error", err.Error()),
	)

	if w.onEnrichFailure != enrichment.OnFailureSkip {
		return batch, nil
	}

	text := domain.TruncateErrorText("enrichment unavailable: " + err.Error())
	for _, msg := range batch {
		outcome := domain.Outcome{MessageID: msg.ID, Status: domain.MessageStatusError, ErrorText: text}
		if err := w.queue.UpdateMessageStatus(ctx, ch, outcome); err != nil {
			return nil, domain.NewStatusWriteError(msg.ID, err)
		}
	}
	w.messagesProcessed.Add(int64(len(batch)))

	return nil, nil
}
