package cluster

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, cfg RedisConfig) (*Registry, *miniredis.Miniredis, *time.Time) {
	t.Helper()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := NewRegistry(rdb, cfg, logger)

	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return now }
	reg.started = now
	return reg, mr, &now
}

func TestStatic(t *testing.T) {
	s := NewStatic("local-worker", 3)
	ctx := context.Background()

	id, err := s.CandidateIdentity(ctx)
	require.NoError(t, err)
	assert.Equal(t, "local-worker-3", id)

	running, err := s.RunningIdentities(ctx)
	require.NoError(t, err)
	assert.Empty(t, running)

	assert.NoError(t, s.Announce(ctx, id))

	_, ok := any(s).(Liveness)
	assert.False(t, ok, "static resolver must not report liveness")
}

func TestRegistry_CandidateIdentity(t *testing.T) {
	reg, _, _ := newTestRegistry(t, RedisConfig{IdentityBase: "node-a", Index: 2, TTL: time.Minute})

	id, err := reg.CandidateIdentity(context.Background())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "node-a-2-"), id)

	again, err := reg.CandidateIdentity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, id, again)

	other, _, _ := newTestRegistry(t, RedisConfig{IdentityBase: "node-a", Index: 2, TTL: time.Minute})
	otherID, _ := other.CandidateIdentity(context.Background())
	assert.NotEqual(t, id, otherID)
}

func TestRegistry_RunningIdentities(t *testing.T) {
	reg, mr, now := newTestRegistry(t, RedisConfig{TTL: 30 * time.Second})
	ctx := context.Background()

	require.NoError(t, reg.Announce(ctx, "old"))

	*now = now.Add(20 * time.Second)
	require.NoError(t, reg.Announce(ctx, "fresh"))

	running, err := reg.RunningIdentities(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"old", "fresh"}, running)

	*now = now.Add(15 * time.Second)
	running, err = reg.RunningIdentities(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, running)

	members, err := mr.ZMembers(DefaultPresenceKey)
	require.NoError(t, err)
	assert.Equal(t, []string{"fresh"}, members)
}

func TestRegistry_KeepAlive(t *testing.T) {
	reg, mr, _ := newTestRegistry(t, RedisConfig{Key: "test:alive", HeartbeatInterval: 10 * time.Millisecond, TTL: time.Minute})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		reg.KeepAlive(ctx, "w-1")
		close(done)
	}()

	require.Eventually(t, func() bool {
		members, err := mr.ZMembers("test:alive")
		return err == nil && len(members) == 1 && members[0] == "w-1"
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done

	members, _ := mr.ZMembers("test:alive")
	assert.Empty(t, members)
}

func TestRegistry_Settle(t *testing.T) {
	reg, _, now := newTestRegistry(t, RedisConfig{TTL: time.Minute})
	var _ Liveness = reg

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, reg.Settle(ctx), context.Canceled)

	*now = now.Add(time.Minute + time.Millisecond)
	assert.NoError(t, reg.Settle(ctx))
}

func TestRegistry_SettleExpiresEarlierHeartbeats(t *testing.T) {
	reg, _, _ := newTestRegistry(t, RedisConfig{TTL: 50 * time.Millisecond})
	reg.now = time.Now
	ctx := context.Background()

	require.NoError(t, reg.Announce(ctx, "killed"))
	reg.started = time.Now()

	begin := time.Now()
	require.NoError(t, reg.Settle(ctx))
	assert.GreaterOrEqual(t, time.Since(begin), 50*time.Millisecond)

	running, err := reg.RunningIdentities(ctx)
	require.NoError(t, err)
	assert.NotContains(t, running, "killed")
}
