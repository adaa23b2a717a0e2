package wallet

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// Alerter receives integrity alarms for operators.
type Alerter interface {
	Alarm(ctx context.Context, alarm *IntegrityAlarm)
}

// AlarmLog logs alarms and keeps the most recent ones for the admin API.
type AlarmLog struct {
	mu     sync.Mutex
	alarms []IntegrityAlarm
	max    int
	log    *zap.Logger
}

func NewAlarmLog(log *zap.Logger, max int) *AlarmLog {
	if max <= 0 {
		max = 500
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AlarmLog{max: max, log: log}
}

func (a *AlarmLog) Alarm(_ context.Context, alarm *IntegrityAlarm) {
	a.log.Error("ledger integrity alarm",
		zap.String("alarm_id", alarm.ID),
		zap.String("user_id", alarm.UserID),
		zap.Int64("stored_balance", alarm.Stored),
		zap.Int64("completed_sum", alarm.Computed))

	a.mu.Lock()
	defer a.mu.Unlock()
	a.alarms = append(a.alarms, *alarm)
	if len(a.alarms) > a.max {
		a.alarms = a.alarms[len(a.alarms)-a.max:]
	}
}

// List returns alarms newest first.
func (a *AlarmLog) List() []IntegrityAlarm {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]IntegrityAlarm, len(a.alarms))
	for i, al := range a.alarms {
		out[len(a.alarms)-1-i] = al
	}
	return out
}

type ReconciliationReport struct {
	RunID      string           `json:"runId"`
	StartedAt  time.Time        `json:"startedAt"`
	FinishedAt time.Time        `json:"finishedAt"`
	Checked    int              `json:"checked"`
	Mismatches []IntegrityAlarm `json:"mismatches"`
}

// Reconciler checks that every stored balance equals the sum of the user's
// completed transactions. A mismatch suspends the account and alerts; the
// balance itself is left as found.
type Reconciler struct {
	repo    Repository
	alerter Alerter
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time

	entropyMu sync.Mutex
	entropy   *ulid.MonotonicEntropy
}

func NewReconciler(repo Repository, alerter Alerter, log *zap.Logger, m *Metrics) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reconciler{
		repo:    repo,
		alerter: alerter,
		log:     log,
		metrics: m,
		now:     time.Now,
		entropy: ulid.Monotonic(rand.Reader, 0),
	}
}

func (r *Reconciler) newID(t time.Time) string {
	r.entropyMu.Lock()
	defer r.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), r.entropy).String()
}

// CheckUser returns an *IntegrityAlarm error when the account does not add up.
func (r *Reconciler) CheckUser(ctx context.Context, userID string) error {
	const op = "wallet.Reconciler.CheckUser"

	snap, err := r.repo.Snapshot(ctx, userID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	r.metrics.checked()
	if snap.Balance == snap.CompletedSum {
		return nil
	}

	now := r.now()
	alarm := &IntegrityAlarm{
		ID:         r.newID(now),
		UserID:     userID,
		Stored:     snap.Balance,
		Computed:   snap.CompletedSum,
		DetectedAt: now,
	}
	r.metrics.alarm()

	if !snap.Suspended {
		reason := fmt.Sprintf("integrity alarm %s", alarm.ID)
		if err := r.repo.SetSuspended(ctx, userID, true, reason); err != nil {
			r.log.Error("failed to suspend account after integrity alarm",
				zap.String("user_id", userID),
				zap.String("alarm_id", alarm.ID),
				zap.Error(err))
		}
	}
	if r.alerter != nil {
		r.alerter.Alarm(ctx, alarm)
	}
	return alarm
}

// CheckAll pages through every account. Per-account storage errors are
// logged and the run continues.
func (r *Reconciler) CheckAll(ctx context.Context) (*ReconciliationReport, error) {
	const op = "wallet.Reconciler.CheckAll"
	const pageSize = 200

	start := r.now()
	report := &ReconciliationReport{
		RunID:      r.newID(start),
		StartedAt:  start,
		Mismatches: []IntegrityAlarm{},
	}

	after := ""
	for {
		page, err := r.repo.ListBalances(ctx, after, pageSize)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		for _, bal := range page {
			if err := ctx.Err(); err != nil {
				return nil, fmt.Errorf("%s: %w", op, err)
			}
			report.Checked++
			err := r.CheckUser(ctx, bal.UserID)
			var alarm *IntegrityAlarm
			switch {
			case err == nil:
			case errors.As(err, &alarm):
				report.Mismatches = append(report.Mismatches, *alarm)
			default:
				r.log.Warn("reconciliation check failed",
					zap.String("user_id", bal.UserID),
					zap.Error(err))
			}
		}
		if len(page) < pageSize {
			break
		}
		after = page[len(page)-1].UserID
	}

	report.FinishedAt = r.now()
	r.log.Info("reconciliation finished",
		zap.String("run_id", report.RunID),
		zap.Int("checked", report.Checked),
		zap.Int("mismatches", len(report.Mismatches)),
		zap.Duration("took", report.FinishedAt.Sub(start)))
	return report, nil
}

// Resume lifts a suspension after an operator has dealt with the alarm.
func (r *Reconciler) Resume(ctx context.Context, userID string) error {
	const op = "wallet.Reconciler.Resume"

	if err := r.repo.SetSuspended(ctx, userID, false, ""); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	r.log.Warn("account resumed by operator", zap.String("user_id", userID))
	return nil
}
