// Package status exposes worker liveness and progress over HTTP
package status

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/cuongbtq/dispatch-worker/internal/worker"
	"github.com/gin-gonic/gin"
)

// Source provides the worker snapshot
type Source interface {
	Snapshot() worker.Snapshot
}

// HealthChecker is a dependency checked by /health
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Dependencies holds everything the status handlers read from
type Dependencies struct {
	Logger  *slog.Logger
	Service string
	Worker  Source
	Checks  map[string]HealthChecker
}

// SetupRouter configures the status routes
func SetupRouter(deps *Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))

	r.GET("/health", func(c *gin.Context) {
		checks := gin.H{}
		healthy := true

		for name, hc := range deps.Checks {
			if err := hc.HealthCheck(c.Request.Context()); err != nil {
				checks[name] = err.Error()
				healthy = false
				continue
			}
			checks[name] = "ok"
		}

		code, state := http.StatusOK, "healthy"
		if !healthy {
			code, state = http.StatusServiceUnavailable, "unhealthy"
		}

		c.JSON(code, gin.H{
			"status":  state,
			"service": deps.Service,
			"checks":  checks,
		})
	})

	r.GET("/status", func(c *gin.Context) {
		snap := deps.Worker.Snapshot()
		if !snap.Ready {
			c.JSON(http.StatusServiceUnavailable, snap)
			return
		}
		c.JSON(http.StatusOK, snap)
	})

	return r
}

// Server serves the status routes until its context is cancelled
type Server struct {
	srv    *http.Server
	logger *slog.Logger
}

// NewServer creates a status server listening on port
func NewServer(port int, deps *Dependencies) *Server {
	gin.SetMode(gin.ReleaseMode)

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           SetupRouter(deps),
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: deps.Logger,
	}
}

// Start listens until ctx is done, then shuts down
func (s *Server) Start(ctx context.Context) error {
	errChan := make(chan error, 1)
	go func() {
		s.logger.Info("Status server listening", slog.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
		close(errChan)
	}()

	select {
	case err := <-errChan:
		if err != nil {
			return fmt.Errorf("status server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("status server shutdown failed: %w", err)
	}
	s.logger.Info("Status server stopped")
	return nil
}
