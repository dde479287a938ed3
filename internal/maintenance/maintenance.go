// Package maintenance runs the scheduled housekeeping jobs: durable-state
// flushes, result retention, and metrics export.
package maintenance

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/vigil-edr/vigil/internal/clock"
	"github.com/vigil-edr/vigil/internal/command"
	"github.com/vigil-edr/vigil/internal/ioc"
	"github.com/vigil-edr/vigil/internal/metrics"
	"github.com/vigil-edr/vigil/internal/registry"
	"github.com/vigil-edr/vigil/internal/storage"
)

// Options selects which jobs run and how.
type Options struct {
	FlushSchedule   string        // cron expression for the flush job
	ResultRetention time.Duration // drop results older than this; 0 disables
	MetricsTextfile string        // exposition file path; empty disables
}

// Scheduler owns the cron runner and its jobs.
type Scheduler struct {
	cron    *cron.Cron
	store   *storage.Store
	results *command.Results
	reg     *registry.Registry
	queue   *command.Queue
	iocs    *ioc.Store
	clk     clock.Clock
	log     *slog.Logger
	opts    Options
}

// New builds the scheduler; Start registers and launches the jobs.
func New(store *storage.Store, results *command.Results, reg *registry.Registry,
	queue *command.Queue, iocs *ioc.Store, clk clock.Clock, log *slog.Logger, opts Options) *Scheduler {
	return &Scheduler{
		cron:    cron.New(),
		store:   store,
		results: results,
		reg:     reg,
		queue:   queue,
		iocs:    iocs,
		clk:     clk,
		log:     log.With("component", "maintenance"),
		opts:    opts,
	}
}

// Start registers the jobs and launches the cron runner.
func (s *Scheduler) Start() error {
	if _, err := s.cron.AddFunc(s.opts.FlushSchedule, s.Flush); err != nil {
		return err
	}
	if s.opts.ResultRetention > 0 {
		if _, err := s.cron.AddFunc("@hourly", s.PruneResults); err != nil {
			return err
		}
	}
	s.cron.Start()
	s.log.Info("maintenance scheduler started",
		"flush_schedule", s.opts.FlushSchedule,
		"result_retention", s.opts.ResultRetention)
	return nil
}

// Stop halts the runner and waits for a job in flight to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Flush writes all durable state to disk, refreshes the fleet gauges, and
// exports the metrics textfile when configured.
func (s *Scheduler) Flush() {
	if err := s.store.ForceSaveAll(); err != nil {
		s.log.Error("scheduled flush failed", "error", err)
	}

	online := 0
	agents := s.reg.All()
	for _, a := range agents {
		if a.Status == registry.StatusOnline {
			online++
		}
	}
	metrics.AgentsRegistered.Set(float64(len(agents)))
	metrics.CommandsQueued.Set(float64(s.queue.TotalPending()))
	metrics.IOCVersion.Set(float64(s.iocs.Version()))
	metrics.IOCIndicators.Set(float64(s.iocs.Count()))

	if s.opts.MetricsTextfile != "" {
		if err := metrics.WriteTextfile(s.opts.MetricsTextfile); err != nil {
			s.log.Error("metrics textfile write failed", "path", s.opts.MetricsTextfile, "error", err)
		}
	}
	s.log.Debug("flush complete", "agents", len(agents), "online", online)
}

// PruneResults drops command results past the retention window.
func (s *Scheduler) PruneResults() {
	cutoff := s.clk.Now().Add(-s.opts.ResultRetention).Unix()
	removed, err := s.results.Prune(cutoff)
	if err != nil {
		s.log.Error("result prune failed", "error", err)
		return
	}
	if removed > 0 {
		s.log.Info("pruned old command results", "removed", removed)
	}
}
