// Package health runs periodic self-checks with auto-recovery and reports the
// results at GET /health.
package health

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/propserve/propserve/internal/infra/metrics"
	"github.com/propserve/propserve/internal/infra/taskstore"
)

// DefaultInterval is how often checks run when no interval is configured.
const DefaultInterval = 60 * time.Second

// Check defines a single health check with optional recovery action.
type Check struct {
	Name      string
	CheckFn   func(ctx context.Context) error
	RecoverFn func(ctx context.Context) error
}

// Status represents the result of a health check.
type Status struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Error     string    `json:"error,omitempty"`
	Recovered bool      `json:"recovered,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Pinger is anything that can confirm it is reachable, such as the state db.
type Pinger interface {
	Ping() error
}

// Checker runs periodic health checks with auto-recovery.
type Checker struct {
	mu       sync.RWMutex
	checks   []Check
	statuses []Status
	interval time.Duration
	log      zerolog.Logger
}

// NewChecker creates a checker over the state db and both storage roots.
// tool, when non-nil, is added as the "tool" check; it should confirm the
// configured runtime can actually start a run.
func NewChecker(db Pinger, layout taskstore.Layout, tool func(ctx context.Context) error, interval time.Duration, logger zerolog.Logger) *Checker {
	if interval <= 0 {
		interval = DefaultInterval
	}
	c := &Checker{
		interval: interval,
		log:      logger.With().Str("component", "health").Logger(),
		checks: []Check{
			{
				Name: "sqlite",
				CheckFn: func(ctx context.Context) error {
					return db.Ping()
				},
			},
			rootCheck("inbound_root", layout.InboundRoot),
			rootCheck("serve_root", layout.ServeRoot),
		},
	}
	if tool != nil {
		c.checks = append(c.checks, Check{Name: "tool", CheckFn: tool})
	}
	return c
}

// Add appends a check. It must be called before Run.
func (c *Checker) Add(check Check) {
	c.checks = append(c.checks, check)
}

// Run starts the health check loop. Call in a goroutine.
func (c *Checker) Run(ctx context.Context) {
	c.RunOnce(ctx)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.RunOnce(ctx)
		}
	}
}

// RunOnce runs every check once and stores the results.
func (c *Checker) RunOnce(ctx context.Context) {
	statuses := make([]Status, len(c.checks))
	for i, check := range c.checks {
		statuses[i] = c.run(ctx, check)
	}

	c.mu.Lock()
	c.statuses = statuses
	c.mu.Unlock()
}

func (c *Checker) run(ctx context.Context, check Check) Status {
	s := Status{Name: check.Name, CheckedAt: time.Now()}
	err := check.CheckFn(ctx)
	if err != nil && check.RecoverFn != nil {
		metrics.HealthRecoveries.WithLabelValues(check.Name).Inc()
		if rerr := check.RecoverFn(ctx); rerr != nil {
			c.log.Warn().Err(rerr).Str("check", check.Name).Msg("recovery failed")
		} else if err = check.CheckFn(ctx); err == nil {
			s.Recovered = true
			c.log.Info().Str("check", check.Name).Msg("recovered")
		}
	}

	if err != nil {
		s.Error = err.Error()
		metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(0)
		c.log.Warn().Err(err).Str("check", check.Name).Msg("health check failed")
		return s
	}
	s.Healthy = true
	metrics.HealthCheckStatus.WithLabelValues(check.Name).Set(1)
	return s
}

// Statuses returns the latest health check results.
func (c *Checker) Statuses() []Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	result := make([]Status, len(c.statuses))
	copy(result, c.statuses)
	return result
}

// IsHealthy returns true if all checks pass.
func (c *Checker) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for _, s := range c.statuses {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// ─── Check Implementations ──────────────────────────────────────────────────

func rootCheck(name, dir string) Check {
	return Check{
		Name: name,
		CheckFn: func(ctx context.Context) error {
			return checkWritable(dir)
		},
		RecoverFn: func(ctx context.Context) error {
			return os.MkdirAll(dir, 0o755)
		},
	}
}

// checkWritable confirms dir exists, is a directory and accepts new files.
func checkWritable(dir string) error {
	info, err := os.Stat(dir)
	if err != nil {
		return fmt.Errorf("check %s: %w", dir, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s is not a directory", dir)
	}
	f, err := os.CreateTemp(dir, ".health-*")
	if err != nil {
		return fmt.Errorf("%s is not writable: %w", dir, err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(filepath.Clean(name))
}
