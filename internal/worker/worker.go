package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cuongbtq/dispatch-worker/internal/channel"
	"github.com/cuongbtq/dispatch-worker/internal/cluster"
	"github.com/cuongbtq/dispatch-worker/internal/worker/domain"
)

// Queue is the part of the job queue the loop drives directly. Channel
// specific enqueue and fetch go through channel.Service.
type Queue interface {
	ClaimNextJob(ctx context.Context, workerID string) (*domain.Job, error)
	UpdateMessageStatus(ctx context.Context, ch domain.ChannelType, outcome domain.Outcome) error
	FinalizeNextJob(ctx context.Context, ch domain.ChannelType) (int64, bool, error)
	ListPersistedWorkerIDs(ctx context.Context) ([]string, error)
	InsertWorkerIfAbsent(ctx context.Context, workerID string) error
	ReassignWorker(ctx context.Context, newID, deadID string) (int64, error)
	ResumeWorker(ctx context.Context, workerID string) error
}

// Enricher adds routing metadata to a batch before it is sent
type Enricher interface {
	Apply(ctx context.Context, ch domain.ChannelType, batch []domain.Message) error
	State() string
}

// Publisher announces finalized campaigns
type Publisher interface {
	CampaignFinalized(ctx context.Context, ch domain.ChannelType, campaignID int64) error
}

// Config holds worker dependencies and settings
type Config struct {
	Logger          *slog.Logger
	Queue           Queue
	Channels        *channel.Registry
	Resolver        cluster.Resolver
	Presence        cluster.Presence
	Enricher        Enricher
	OnEnrichFailure string
	Publisher       Publisher
	Role            string
	Index           int
	Policy          Policy
}

// WorkerContext is the per-process state carried across loop iterations
type WorkerContext struct {
	ID       string
	Index    int
	Role     string
	failures int
}

// Worker runs one sender or logger loop
type Worker struct {
	logger          *slog.Logger
	queue           Queue
	channels        *channel.Registry
	resolver        cluster.Resolver
	presence        cluster.Presence
	liveness        cluster.Liveness
	enricher        Enricher
	onEnrichFailure string
	publisher       Publisher
	policy          Policy
	now             func() time.Time

	wc WorkerContext

	mu         sync.RWMutex
	ready      bool
	currentJob *domain.Job
	startedAt  time.Time

	jobsProcessed     atomic.Int64
	messagesProcessed atomic.Int64
	jobsFinalized     atomic.Int64
	failures          atomic.Int64
}

// Snapshot is a point-in-time view of the worker for the status server
type Snapshot struct {
	WorkerID            string    `json:"worker_id"`
	Role                string    `json:"role"`
	Index               int       `json:"index"`
	Ready               bool      `json:"ready"`
	CurrentJobID        *int64    `json:"current_job_id,omitempty"`
	CurrentChannel      string    `json:"current_channel,omitempty"`
	JobsProcessed       int64     `json:"jobs_processed"`
	MessagesProcessed   int64     `json:"messages_processed"`
	JobsFinalized       int64     `json:"jobs_finalized"`
	ConsecutiveFailures int64     `json:"consecutive_failures"`
	EnrichmentBreaker   string    `json:"enrichment_breaker,omitempty"`
	StartedAt           time.Time `json:"started_at"`
}

// New creates a new worker instance
func New(cfg *Config) *Worker {
	role := cfg.Role
	if role == "" {
		role = domain.RoleSender
	}

	presence := cfg.Presence
	if presence == nil {
		if p, ok := cfg.Resolver.(cluster.Presence); ok {
			presence = p
		}
	}

	liveness, _ := cfg.Resolver.(cluster.Liveness)

	return &Worker{
		logger:          cfg.Logger.With(slog.String("role", role)),
		queue:           cfg.Queue,
		channels:        cfg.Channels,
		resolver:        cfg.Resolver,
		presence:        presence,
		liveness:        liveness,
		enricher:        cfg.Enricher,
		onEnrichFailure: cfg.OnEnrichFailure,
		publisher:       cfg.Publisher,
		policy:          cfg.Policy.withDefaults(),
		now:             time.Now,
		wc: WorkerContext{
			Index: cfg.Index,
			Role:  role,
		},
	}
}

// Run resolves the worker identity and then loops until ctx is cancelled.
// It returns an error only when startup fails or the loop keeps failing.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	w.startedAt = w.now()
	w.mu.Unlock()

	id, _, err := w.acquireIdentity(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		return fmt.Errorf("failed to acquire worker identity: %w", err)
	}

	w.mu.Lock()
	w.wc.ID = id
	w.ready = true
	w.mu.Unlock()

	w.logger = w.logger.With(slog.String("worker_id", id))

	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if w.presence != nil {
		go w.presence.KeepAlive(loopCtx, id)
	}

	if w.wc.Role == domain.RoleSender {
		if err := w.queue.ResumeWorker(ctx, id); err != nil {
			return fmt.Errorf("failed to resume worker: %w", err)
		}
	}

	w.logger.Info("Worker loop started",
		slog.Int("index", w.wc.Index),
		slog.Duration("poll_interval", w.policy.PollInterval),
	)

	for {
		err := w.iterate(loopCtx)
		if ctx.Err() != nil {
			w.logger.Info("Worker loop stopped - context canceled")
			return nil
		}

		if err != nil {
			if w.recordFailure(err) {
				return fmt.Errorf("%w: %v", domain.ErrTooManyFailures, err)
			}
		} else {
			w.wc.failures = 0
			w.failures.Store(0)
		}

		if err := w.policy.Sleep(loopCtx, w.policy.PollInterval); err != nil {
			w.logger.Info("Worker loop stopped - context canceled")
			return nil
		}
	}
}

func (w *Worker) iterate(ctx context.Context) error {
	if w.wc.Role == domain.RoleLogger {
		return w.finalizeAll(ctx)
	}
	_, err := w.processNext(ctx)
	return err
}

// recordFailure logs a failed iteration and reports whether the loop should give up
func (w *Worker) recordFailure(err error) bool {
	if errors.Is(err, domain.ErrUnknownChannel) {
		w.logger.Error("Job abandoned", slog.String("error", err.Error()))
		return false
	}

	w.wc.failures++
	w.failures.Store(int64(w.wc.failures))

	w.logger.Error("Worker iteration failed",
		slog.Int("consecutive_failures", w.wc.failures),
		slog.String("error", err.Error()),
	)

	limit := w.policy.MaxConsecutiveFailures
	return limit > 0 && w.wc.failures >= limit
}

// Snapshot returns the current worker state
func (w *Worker) Snapshot() Snapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	s := Snapshot{
		WorkerID:            w.wc.ID,
		Role:                w.wc.Role,
		Index:               w.wc.Index,
		Ready:               w.ready,
		JobsProcessed:       w.jobsProcessed.Load(),
		MessagesProcessed:   w.messagesProcessed.Load(),
		JobsFinalized:       w.jobsFinalized.Load(),
		ConsecutiveFailures: w.failures.Load(),
		StartedAt:           w.startedAt,
	}
	if w.currentJob != nil {
		id := w.currentJob.JobID
		s.CurrentJobID = &id
		s.CurrentChannel = w.currentJob.ChannelType.String()
	}
	if w.enricher != nil {
		s.EnrichmentBreaker = w.enricher.State()
	}
	return s
}

func (w *Worker) setCurrentJob(job *domain.Job) {
	w.mu.Lock()
	w.currentJob = job
	w.mu.Unlock()
}
