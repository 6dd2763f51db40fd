// Package cluster tells a worker which identity to claim and which worker
// identities are currently alive.
package cluster

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/google/uuid"
)

// Cluster modes
const (
	ModeStatic = "static"
	ModeRedis  = "redis"
)

// Resolver reports this process's candidate identity and the identities of
// every worker the cluster considers running.
type Resolver interface {
	CandidateIdentity(ctx context.Context) (string, error)
	RunningIdentities(ctx context.Context) ([]string, error)
}

// Presence publishes liveness for an owned identity. Resolvers with no
// liveness source implement it as a no-op.
type Presence interface {
	Announce(ctx context.Context, identity string) error
	KeepAlive(ctx context.Context, identity string)
}

// Liveness is implemented by resolvers backed by a liveness source. Only those
// resolvers can tell a dead worker from a live one, so only they allow
// adoption. Settle blocks until a worker that died before this process
// started can no longer be reported as running.
type Liveness interface {
	Settle(ctx context.Context) error
}

// Static is the resolver used outside a cluster: the identity is derived from
// a configured fallback and no worker is ever reported as running. It has no
// liveness source, so workers using it never adopt each other's rows.
type Static struct {
	fallback string
	index    int
}

// NewStatic creates a static resolver
func NewStatic(fallback string, index int) *Static {
	return &Static{fallback: fallback, index: index}
}

func (s *Static) CandidateIdentity(ctx context.Context) (string, error) {
	return fmt.Sprintf("%s-%d", s.fallback, s.index), nil
}

func (s *Static) RunningIdentities(ctx context.Context) ([]string, error) {
	return []string{}, nil
}

func (s *Static) Announce(ctx context.Context, identity string) error {
	return nil
}

func (s *Static) KeepAlive(ctx context.Context, identity string) {}

// runtimeIdentity builds a per-process identity: host name, worker index and
// a random suffix so a restarted process never reuses its predecessor's key.
func runtimeIdentity(base string, index int) string {
	if base == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "worker"
		}
		base = host
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%s-%d-%s", base, index, suffix)
}
