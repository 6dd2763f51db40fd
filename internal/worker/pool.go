package worker

import (
	"context"

	"github.com/cuongbtq/dispatch-worker/internal/channel"
	"github.com/cuongbtq/dispatch-worker/internal/worker/domain"
	"golang.org/x/sync/errgroup"
)

// sendBatch sends every message of batch concurrently and waits for all of
// them. Sends are not cancelled when a sibling fails; the first status write
// failure is returned once the whole batch has finished.
func (w *Worker) sendBatch(ctx context.Context, svc channel.Service, batch []domain.Message) error {
	var g errgroup.Group

	for _, msg := range batch {
		g.Go(func() error {
			defer w.messagesProcessed.Add(1)
			return svc.SendMessage(ctx, msg)
		})
	}

	return g.Wait()
}
