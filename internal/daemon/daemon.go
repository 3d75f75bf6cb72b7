package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/propserve/propserve/internal/api"
	"github.com/propserve/propserve/internal/app/dispatch"
	"github.com/propserve/propserve/internal/app/execution"
	"github.com/propserve/propserve/internal/app/status"
	"github.com/propserve/propserve/internal/health"
	"github.com/propserve/propserve/internal/infra/engine"
	"github.com/propserve/propserve/internal/infra/metrics"
	"github.com/propserve/propserve/internal/infra/scheduler"
	"github.com/propserve/propserve/internal/infra/sqlite"
	"github.com/propserve/propserve/internal/infra/taskstore"
)

// Daemon is the propserve server. It wires together all services.
type Daemon struct {
	Config     Config
	Log        zerolog.Logger
	DB         *sqlite.DB
	Store      *taskstore.Store
	Resolver   *status.Resolver
	Queue      *scheduler.Queue
	Dispatcher *dispatch.Dispatcher
	Wrapper    *execution.Wrapper
	Runner     engine.Runner
	Health     *health.Checker
	Server     *api.Server
	InstanceID string

	closers []io.Closer
}

// NewWithConfig creates a Daemon with the given configuration. version is
// reported by the greeting endpoint.
func NewWithConfig(cfg Config, logger zerolog.Logger, version string) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	d := &Daemon{Config: cfg, Log: logger}

	layout, err := cfg.Layout()
	if err != nil {
		return nil, err
	}
	d.Store, err = taskstore.New(layout)
	if err != nil {
		return nil, fmt.Errorf("open task store: %w", err)
	}

	d.DB, err = sqlite.Open(cfg.Storage.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	d.closers = append(d.closers, d.DB)
	if d.InstanceID, err = ensureInstance(d.DB, version); err != nil {
		d.Close()
		return nil, fmt.Errorf("record instance: %w", err)
	}

	toolCheck, err := d.openRunner()
	if err != nil {
		d.Close()
		return nil, err
	}

	tmpl, err := engine.LoadConfigTemplate(cfg.Tool.ConfigTemplate)
	if err != nil {
		d.Close()
		return nil, err
	}
	workRoot := cfg.Storage.WorkRoot
	if workRoot != "" {
		if workRoot, err = filepath.Abs(workRoot); err != nil {
			d.Close()
			return nil, err
		}
	}
	d.Wrapper, err = execution.NewWrapper(d.Store, d.Runner, d.DB, execution.Config{
		WorkRoot:   workRoot,
		ConfigName: cfg.Tool.ConfigName,
		Template:   tmpl,
		EnvVar:     cfg.Tool.EnvVar,
		HomeDir:    cfg.Tool.HomeDir,
		ResultName: layout.ResultName,
		Outputs:    cfg.Tool.Outputs,
		Timeout:    cfg.ToolTimeout(),
	}, logger)
	if err != nil {
		d.Close()
		return nil, err
	}

	d.Queue = scheduler.NewQueue(scheduler.Config{
		Concurrency: int64(cfg.Workers.Concurrency),
		QueueDepth:  cfg.Workers.QueueDepth,
	}, d.DB, logger)

	d.Resolver = status.NewResolver(d.Store, logger)
	d.Resolver.SetEstimator(sqlite.Estimator{DB: d.DB, Name: sqlite.DefaultTrackingName})
	d.Dispatcher = dispatch.NewDispatcher(d.Store, d.Resolver, d.Queue, logger)

	d.Health = health.NewChecker(d.DB, layout, toolCheck, cfg.HealthInterval(), logger)

	maxUpload, err := cfg.MaxUploadBytes()
	if err != nil {
		d.Close()
		return nil, err
	}
	d.Server = api.NewServer(d.Resolver, d.Dispatcher, d.Store, api.Options{
		Version:        ParseVersion(version),
		CORSOrigins:    cfg.API.CORSOrigins,
		MaxUploadBytes: maxUpload,
		ResultName:     layout.ResultName,
	}, logger)
	d.Server.SetHealth(d.Health)
	d.Server.SetJobs(d.Queue)
	d.Server.SetRuns(d.DB)
	if cfg.Telemetry.Prometheus {
		d.Server.EnableMetrics()
	}
	if cfg.API.EnableClear {
		d.Server.EnableClear()
	}

	return d, nil
}

// openRunner picks the tool runtime and returns the matching health check.
func (d *Daemon) openRunner() (func(context.Context) error, error) {
	tool := d.Config.Tool
	switch tool.Runtime {
	case RuntimeDocker:
		r, err := engine.NewDockerRunner(tool.DockerImage, tool.Path)
		if err != nil {
			return nil, err
		}
		d.Runner = r
		d.closers = append(d.closers, r)
		return r.Ping, nil
	default:
		r, err := engine.NewSubprocessRunner(tool.Path, tool.HomeDir)
		if err != nil {
			return nil, err
		}
		d.Runner = r
		return func(context.Context) error {
			_, err := engine.FindTool(r.Path(), tool.HomeDir)
			return err
		}, nil
	}
}

// Serve runs the worker queue, health checks and HTTP server until ctx is
// cancelled or the process receives SIGINT/SIGTERM.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	addr := fmt.Sprintf("%s:%d", d.Config.API.Host, d.Config.API.Port)
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           d.Server.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return d.Queue.Run(gctx, d.Wrapper.Execute)
	})

	g.Go(func() error {
		d.Health.Run(gctx)
		return nil
	})

	g.Go(func() error {
		d.sampleQueue(gctx)
		return nil
	})

	g.Go(func() error {
		d.Log.Info().Str("instance", d.InstanceID).Str("addr", "http://"+addr).Str("runner", d.Runner.Name()).
			Str("inbound", d.Store.Layout().InboundRoot).Str("serve", d.Store.Layout().ServeRoot).
			Msg("propserve serving")
		if d.Config.Telemetry.Prometheus {
			d.Log.Info().Str("url", "http://"+addr+"/metrics").Msg("metrics enabled")
		}
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("api server failed: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		d.Log.Info().Msg("shutting down")
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// sampleQueue mirrors the queue depth into the metrics gauge.
func (d *Daemon) sampleQueue(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			metrics.QueueDepth.Set(float64(d.Queue.Stats().QueueDepth))
		}
	}
}

// ensureInstance returns the stable instance id kept in node_info, creating
// it on first start, and records the running version.
func ensureInstance(db *sqlite.DB, version string) (string, error) {
	id, err := db.GetNodeInfo("instance_id")
	if err != nil {
		return "", err
	}
	if id == "" {
		id = uuid.NewString()
		if err := db.SetNodeInfo("instance_id", id); err != nil {
			return "", err
		}
	}
	if err := db.SetNodeInfo("version", version); err != nil {
		return "", err
	}
	return id, nil
}

// Close shuts down all daemon resources.
func (d *Daemon) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		_ = d.closers[i].Close()
	}
	d.closers = nil
}

// ParseVersion turns "1.2.3" (with or without a leading v or a suffix such
// as "-dev") into the greeting's version triple. Missing parts are zero.
func ParseVersion(s string) [3]int {
	var v [3]int
	s = strings.TrimPrefix(s, "v")
	if i := strings.IndexAny(s, "-+ "); i >= 0 {
		s = s[:i]
	}
	for i, part := range strings.SplitN(s, ".", 3) {
		n, err := strconv.Atoi(part)
		if err != nil {
			break
		}
		v[i] = n
	}
	return v
}
