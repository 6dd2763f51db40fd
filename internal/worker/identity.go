package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"slices"
	"sort"

	"github.com/cuongbtq/dispatch-worker/internal/worker/domain"
)

// acquireIdentity takes ownership of a worker row, either by adopting a dead
// worker's row or by inserting a fresh one. It returns the owned identity and
// the identity that was adopted, empty when none was.
//
// Adoption needs a liveness source. Without one every persisted worker may be
// alive, so the candidate only keeps or inserts its own row. With one, the
// resolver first settles so a worker killed just before this process started
// is no longer reported as running.
//
// The candidate is announced before the persisted and running sets are read,
// and persisted workers are read before running ones, so a peer that has
// already inserted its row is always seen as running.
func (w *Worker) acquireIdentity(ctx context.Context) (string, string, error) {
	if w.liveness != nil {
		if err := w.liveness.Settle(ctx); err != nil {
			return "", "", fmt.Errorf("failed to settle worker liveness: %w", err)
		}
	}

	for attempt := 1; ; attempt++ {
		candidate, err := w.resolver.CandidateIdentity(ctx)
		if err != nil {
			return "", "", fmt.Errorf("failed to resolve candidate identity: %w", err)
		}

		if w.presence != nil {
			if err := w.presence.Announce(ctx, candidate); err != nil {
				return "", "", fmt.Errorf("failed to announce worker: %w", err)
			}
		}

		persisted, err := w.queue.ListPersistedWorkerIDs(ctx)
		if err != nil {
			return "", "", fmt.Errorf("failed to list persisted workers: %w", err)
		}

		if slices.Contains(persisted, candidate) {
			w.logger.Info("Worker row already owned",
				slog.String("worker_id", candidate),
			)
			return candidate, "", nil
		}

		var dead []string
		if w.liveness != nil {
			running, err := w.resolver.RunningIdentities(ctx)
			if err != nil {
				return "", "", fmt.Errorf("failed to list running workers: %w", err)
			}
			dead = deadWorkers(persisted, running)
		}
		if len(dead) == 0 {
			if err := w.queue.InsertWorkerIfAbsent(ctx, candidate); err != nil {
				return "", "", fmt.Errorf("failed to register worker: %w", err)
			}

			w.logger.Info("Registered new worker",
				slog.String("worker_id", candidate),
			)
			return candidate, "", nil
		}

		target := dead[rand.IntN(len(dead))]
		err = w.adopt(ctx, candidate, target)
		if err == nil {
			w.logger.Info("Adopted dead worker",
				slog.String("worker_id", candidate),
				slog.String("dead_worker_id", target),
				slog.Int("dead_workers", len(dead)),
			)
			return candidate, target, nil
		}
		if !errors.Is(err, domain.ErrAdoptionLost) {
			return "", "", err
		}

		backoff := w.policy.Jitter(w.policy.AdoptionBackoffMin, w.policy.AdoptionBackoffMax)
		w.logger.Info("Lost adoption race, retrying",
			slog.String("worker_id", candidate),
			slog.String("dead_worker_id", target),
			slog.Int("attempt", attempt),
			slog.Duration("retry_after", backoff),
		)

		if err := w.policy.Sleep(ctx, backoff); err != nil {
			return "", "", err
		}
	}
}

// adopt rewrites deadID to newID. It fails with ErrAdoptionLost when the
// conditional update matched no row.
func (w *Worker) adopt(ctx context.Context, newID, deadID string) error {
	affected, err := w.queue.ReassignWorker(ctx, newID, deadID)
	if err != nil {
		return fmt.Errorf("failed to adopt worker %s: %w", deadID, err)
	}
	if affected != 1 {
		return fmt.Errorf("%w: %s", domain.ErrAdoptionLost, deadID)
	}
	return nil
}

// deadWorkers returns persisted identities absent from running, sorted
func deadWorkers(persisted, running []string) []string {
	alive := make(map[string]struct{}, len(running))
	for _, id := range running {
		alive[id] = struct{}{}
	}

	var dead []string
	for _, id := range persisted {
		if _, ok := alive[id]; !ok {
			dead = append(dead, id)
		}
	}
	sort.Strings(dead)
	return dead
}
