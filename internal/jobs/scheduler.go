// Package jobs runs the wallet's background work on a cron schedule:
// ledger reconciliation and the sweep of stale pending orders.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"points_wallet/internal/wallet"
)

type Reconciler interface {
	CheckAll(ctx context.Context) (*wallet.ReconciliationReport, error)
}

type Sweeper interface {
	SweepPending(ctx context.Context) (*wallet.SweepReport, error)
}

type Config struct {
	ReconcileSpec string
	SweepSpec     string
	// RunTimeout bounds a single run of either job.
	RunTimeout time.Duration
}

type Scheduler struct {
	cron       *cron.Cron
	reconciler Reconciler
	sweeper    Sweeper
	cfg        Config
	log        *zap.Logger
}

func NewScheduler(reconciler Reconciler, sweeper Sweeper, cfg Config, log *zap.Logger) *Scheduler {
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := cron.New(
		cron.WithLocation(time.UTC),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &Scheduler{
		cron:       c,
		reconciler: reconciler,
		sweeper:    sweeper,
		cfg:        cfg,
		log:        log,
	}
}

// Start registers the jobs and starts the cron loop. ctx is the parent of
// every run.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.cfg.ReconcileSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.ReconcileSpec, func() { s.RunReconcile(ctx) }); err != nil {
			return fmt.Errorf("schedule reconciliation %q: %w", s.cfg.ReconcileSpec, err)
		}
	}
	if s.cfg.SweepSpec != "" {
		if _, err := s.cron.AddFunc(s.cfg.SweepSpec, func() { s.RunSweep(ctx) }); err != nil {
			return fmt.Errorf("schedule sweep %q: %w", s.cfg.SweepSpec, err)
		}
	}

	s.cron.Start()
	s.log.Info("scheduler started",
		zap.String("reconcile", s.cfg.ReconcileSpec),
		zap.String("sweep", s.cfg.SweepSpec))
	return nil
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.log.Info("scheduler stopped")
}

func (s *Scheduler) RunReconcile(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.RunTimeout)
	defer cancel()

	report, err := s.reconciler.CheckAll(ctx)
	if err != nil {
		s.log.Error("scheduled reconciliation failed", zap.Error(err))
		return
	}
	if len(report.Mismatches) > 0 {
		s.log.Error("scheduled reconciliation found mismatches",
			zap.String("run_id", report.RunID),
			zap.Int("mismatches", len(report.Mismatches)))
	}
}

func (s *Scheduler) RunSweep(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.RunTimeout)
	defer cancel()

	if _, err := s.sweeper.SweepPending(ctx); err != nil {
		s.log.Error("scheduled sweep failed", zap.Error(err))
	}
}
