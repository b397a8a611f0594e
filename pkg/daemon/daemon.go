// Package daemon runs scheduled backups of every discovered repository and
// serves the Prometheus metrics endpoint.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/Oxen-AI/oxen-archive/pkg/backup"
	"github.com/Oxen-AI/oxen-archive/pkg/logging"
	"github.com/Oxen-AI/oxen-archive/pkg/metrics"
)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Runner is the part of backup.Manager the daemon drives.
type Runner interface {
	Backup(ctx context.Context, repos []string) (*backup.Run, error)
	Cleanup(ctx context.Context) ([]string, error)
}

// Daemon handles the scheduling and execution of backups
type Daemon struct {
	schedule    cron.Schedule
	spec        string
	runner      Runner
	cron        *cron.Cron
	metricsAddr string
	server      *http.Server
	listener    net.Listener
	log         *zap.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Daemon.
type Option func(*Daemon)

// WithMetrics serves /metrics on addr while the daemon runs.
func WithMetrics(addr string) Option {
	return func(d *Daemon) { d.metricsAddr = addr }
}

// New creates a new daemon running backups on schedule.
func New(schedule string, runner Runner, opts ...Option) (*Daemon, error) {
	sched, err := parser.Parse(schedule)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule %q: %w", schedule, err)
	}
	d := &Daemon{
		schedule: sched,
		spec:     schedule,
		runner:   runner,
		log:      logging.Named("daemon"),
	}
	for _, opt := range opts {
		opt(d)
	}
	logger := cronLogger{d.log.Sugar()}
	d.cron = cron.New(
		cron.WithParser(parser),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return d, nil
}

// RunOnce backs up every discovered repository and then removes old runs.
// Cleanup is skipped when the backup fails.
func (d *Daemon) RunOnce(ctx context.Context) error {
	d.log.Info("starting scheduled backup")
	run, err := d.runner.Backup(ctx, nil)
	if err != nil {
		return fmt.Errorf("scheduled backup failed: %w", err)
	}
	d.log.Info("scheduled backup complete",
		zap.String("run", run.ID), zap.Int("repositories", len(run.Verified)))

	deleted, err := d.runner.Cleanup(ctx)
	if err != nil {
		return fmt.Errorf("failed to clean up old backups: %w", err)
	}
	if len(deleted) > 0 {
		d.log.Info("cleaned up old backups", zap.Strings("runs", deleted))
	}
	return nil
}

// Start schedules backups and starts the metrics listener. Jobs run under
// ctx and are canceled by Stop.
func (d *Daemon) Start(ctx context.Context) error {
	d.ctx, d.cancel = context.WithCancel(ctx)

	if d.metricsAddr != "" {
		ln, err := net.Listen("tcp", d.metricsAddr)
		if err != nil {
			d.cancel()
			return fmt.Errorf("failed to listen for metrics: %w", err)
		}
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		d.listener = ln
		d.server = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				d.log.Error("metrics server stopped", zap.Error(err))
			}
		}()
		d.log.Info("serving metrics", zap.String("addr", ln.Addr().String()))
	}

	d.cron.Schedule(d.schedule, cron.FuncJob(func() {
		if err := d.RunOnce(d.ctx); err != nil {
			d.log.Error("scheduled run failed", zap.Error(err))
		}
	}))
	d.cron.Start()
	d.log.Info("daemon started", zap.String("schedule", d.spec))
	return nil
}

// MetricsAddr returns the address the metrics listener is bound to, or ""
// when metrics are disabled.
func (d *Daemon) MetricsAddr() string {
	if d.listener == nil {
		return ""
	}
	return d.listener.Addr().String()
}

// Stop gracefully shuts down the daemon, waiting for a running job.
func (d *Daemon) Stop() {
	d.log.Info("stopping daemon")
	if d.cancel != nil {
		d.cancel()
	}
	<-d.cron.Stop().Done()
	if d.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.server.Shutdown(ctx); err != nil {
			d.log.Warn("metrics server shutdown", zap.Error(err))
		}
	}
	d.wg.Wait()
	d.log.Info("daemon stopped")
}

// Run starts the daemon and blocks until ctx is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	d.Stop()
	return nil
}

// ParseCronSchedule validates a cron schedule expression
func ParseCronSchedule(schedule string) error {
	_, err := parser.Parse(schedule)
	return err
}

// cronLogger routes cron's own messages through zap.
type cronLogger struct {
	s *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.s.Errorw(msg, append(keysAndValues, "error", err)...)
}
