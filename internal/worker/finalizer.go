package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// finalizeAll finalizes at most one completed job per registered channel.
// A failure on one channel does not prevent the others from being finalized.
func (w *Worker) finalizeAll(ctx context.Context) error {
	var errs []error

	for _, ch := range w.channels.Types() {
		campaignID, ok, err := w.queue.FinalizeNextJob(ctx, ch)
		if err != nil {
			errs = append(errs, fmt.Errorf("failed to finalize %s job: %w", ch, err))
			continue
		}
		if !ok {
			continue
		}

		w.jobsFinalized.Add(1)
		w.logger.Info("Job finalized",
			slog.Int64("campaign_id", campaignID),
			slog.String("channel", ch.String()),
		)

		if w.publisher == nil {
			continue
		}
		if err := w.publisher.CampaignFinalized(ctx, ch, campaignID); err != nil {
			w.logger.Warn("Failed to publish finalized event",
				slog.Int64("campaign_id", campaignID),
				slog.String("error", err.Error()),
			)
		}
	}

	return errors.Join(errs...)
}
