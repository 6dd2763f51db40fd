package cluster

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultPresenceKey is the sorted set holding worker heartbeats, scored by unix milliseconds
const DefaultPresenceKey = "dispatch:workers:alive"

// RedisConfig configures the Redis presence registry
type RedisConfig struct {
	Key               string
	IdentityBase      string
	Index             int
	HeartbeatInterval time.Duration
	TTL               time.Duration
}

// Registry resolves running workers from heartbeats stored in Redis
type Registry struct {
	rdb      *redis.Client
	key      string
	identity string
	interval time.Duration
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
	started  time.Time
}

// NewRegistry creates a Redis backed resolver. The candidate identity is fixed
// for the lifetime of the process.
func NewRegistry(rdb *redis.Client, cfg RedisConfig, logger *slog.Logger) *Registry {
	key := cfg.Key
	if key == "" {
		key = DefaultPresenceKey
	}
	return &Registry{
		rdb:      rdb,
		key:      key,
		identity: runtimeIdentity(cfg.IdentityBase, cfg.Index),
		interval: cfg.HeartbeatInterval,
		ttl:      cfg.TTL,
		logger:   logger,
		now:      time.Now,
		started:  time.Now(),
	}
}

func (r *Registry) CandidateIdentity(ctx context.Context) (string, error) {
	return r.identity, nil
}

// RunningIdentities drops expired heartbeats and returns the rest
func (r *Registry) RunningIdentities(ctx context.Context) ([]string, error) {
	cutoff := r.now().Add(-r.ttl).UnixMilli()

	if err := r.rdb.ZRemRangeByScore(ctx, r.key, "-inf", "("+strconv.FormatInt(cutoff, 10)).Err(); err != nil {
		return nil, err
	}

	ids, err := r.rdb.ZRangeByScore(ctx, r.key, &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// Settle waits until one TTL has passed since the registry was created, so the
// last heartbeat of a worker killed before then has expired. Scores have
// millisecond resolution, hence the extra millisecond.
func (r *Registry) Settle(ctx context.Context) error {
	wait := r.ttl + time.Millisecond - r.now().Sub(r.started)
	if wait <= 0 {
		return nil
	}

	r.logger.Info("Waiting for stale heartbeats to expire",
		slog.Duration("wait", wait),
	)

	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Announce records a heartbeat for identity
func (r *Registry) Announce(ctx context.Context, identity string) error {
	return r.rdb.ZAdd(ctx, r.key, redis.Z{
		Score:  float64(r.now().UnixMilli()),
		Member: identity,
	}).Err()
}

// KeepAlive heartbeats identity until ctx is done, then withdraws it
func (r *Registry) KeepAlive(ctx context.Context, identity string) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.withdraw(identity)
			return
		case <-ticker.C:
			if err := r.Announce(ctx, identity); err != nil && ctx.Err() == nil {
				r.logger.Warn("Heartbeat failed",
					slog.String("worker_id", identity),
					slog.Any("error", err),
				)
			}
		}
	}
}

func (r *Registry) withdraw(identity string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.rdb.ZRem(ctx, r.key, identity).Err(); err != nil {
		r.logger.Warn("Failed to withdraw heartbeat",
			slog.String("worker_id", identity),
			slog.Any("error", err),
		)
	}
}
