package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"points_wallet/internal/provider"
)

type SettlerConfig struct {
	ProviderTimeout time.Duration
	// SweepAge is how old a pending recharge must be before the sweep asks
	// the provider about it.
	SweepAge time.Duration
	// PendingExpiry fails recharges the provider never finalised.
	PendingExpiry time.Duration
	SweepBatch    int
}

// Settler moves pending recharges to a terminal state. Concurrent captures
// of one order are expected; the ledger CAS decides which one credits.
type Settler struct {
	repo     Repository
	provider provider.Provider
	hub      *NotificationHub
	cfg      SettlerConfig
	log      *zap.Logger
	metrics  *Metrics
	now      func() time.Time
}

func NewSettler(repo Repository, p provider.Provider, hub *NotificationHub, cfg SettlerConfig, log *zap.Logger, m *Metrics) *Settler {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	if cfg.SweepAge <= 0 {
		cfg.SweepAge = 30 * time.Minute
	}
	if cfg.PendingExpiry <= 0 {
		cfg.PendingExpiry = 72 * time.Hour
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 100
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Settler{
		repo:     repo,
		provider: p,
		hub:      hub,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

// Capture settles the order the user approved at the provider. Replays report
// already_completed with the original amount.
func (s *Settler) Capture(ctx context.Context, orderRef, userID string) (*CaptureResult, error) {
	const op = "wallet.Settler.Capture"

	txn, err := s.repo.GetByProviderReference(ctx, orderRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.log.Warn("capture for unknown order",
				zap.String("order_ref", orderRef),
				zap.String("user_id", userID))
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if txn.UserID != userID || txn.Type != TypeRecharge {
		s.log.Warn("capture for order owned by another user",
			zap.String("order_ref", orderRef),
			zap.String("user_id", userID))
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}

	result, err := s.captureTxn(ctx, txn)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

func (s *Settler) captureTxn(ctx context.Context, txn *WalletTransaction) (*CaptureResult, error) {
	switch txn.Status {
	case StatusCompleted:
		return s.alreadyCompleted(ctx, txn)
	case StatusFailed:
		s.metrics.captured(string(CaptureFailed))
		return &CaptureResult{Status: CaptureFailed, Amount: txn.Amount, TransactionID: txn.ID}, nil
	}

	bal, err := s.repo.GetBalance(ctx, txn.UserID)
	if err != nil {
		return nil, err
	}
	if bal.Suspended {
		return nil, ErrAccountSuspended
	}

	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	start := time.Now()
	capture, err := s.provider.CaptureOrder(pctx, txn.ProviderReference)
	cancel()
	if err != nil {
		s.metrics.providerCall("capture", "error", time.Since(start).Seconds())
		s.log.Warn("provider capture failed",
			zap.String("order_ref", txn.ProviderReference),
			zap.String("transaction_id", txn.ID),
			zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	s.metrics.providerCall("capture", "ok", time.Since(start).Seconds())

	return s.settle(ctx, txn, capture.Status, string(capture.Status))
}

// settle applies a provider status to a pending transaction. The ledger work
// runs detached from ctx: once money moved at the provider it must be recorded.
func (s *Settler) settle(ctx context.Context, txn *WalletTransaction, status provider.Status, reason string) (*CaptureResult, error) {
	ctx = context.WithoutCancel(ctx)

	switch {
	case status == provider.StatusCompleted:
		return s.credit(ctx, txn)
	case status.Failed():
		return s.fail(ctx, txn, reason)
	default:
		return nil, ErrCapturePending
	}
}

func (s *Settler) credit(ctx context.Context, txn *WalletTransaction) (*CaptureResult, error) {
	entry, err := s.repo.Credit(ctx, txn.UserID, txn.Amount, txn.ID)
	switch {
	case err == nil:
		s.metrics.captured(string(CaptureCompleted))
		s.metrics.applied(txn.Type)
		s.hub.Notify(BalanceUpdate{
			UserID:        txn.UserID,
			Balance:       entry.BalanceAfter,
			Delta:         entry.Amount,
			TransactionID: txn.ID,
			Type:          txn.Type,
			At:            entry.AppliedAt,
		})
		s.log.Info("recharge credited",
			zap.String("user_id", txn.UserID),
			zap.String("order_ref", txn.ProviderReference),
			zap.String("transaction_id", txn.ID),
			zap.Int64("points", txn.Amount),
			zap.Int64("balance", entry.BalanceAfter))
		return &CaptureResult{
			Status:        CaptureCompleted,
			Amount:        txn.Amount,
			TransactionID: txn.ID,
			Balance:       entry.BalanceAfter,
		}, nil
	case errors.Is(err, ErrAlreadyApplied):
		return s.alreadyCompleted(ctx, txn)
	case errors.Is(err, ErrTransactionFailed):
		s.metrics.captured(string(CaptureFailed))
		return &CaptureResult{Status: CaptureFailed, Amount: txn.Amount, TransactionID: txn.ID}, nil
	default:
		s.log.Error("credit after provider capture failed",
			zap.String("user_id", txn.UserID),
			zap.String("order_ref", txn.ProviderReference),
			zap.String("transaction_id", txn.ID),
			zap.Error(err))
		return nil, err
	}
}

func (s *Settler) fail(ctx context.Context, txn *WalletTransaction, reason string) (*CaptureResult, error) {
	err := s.repo.MarkFailed(ctx, txn.ID, reason)
	if err == nil {
		s.metrics.captured(string(CaptureFailed))
		s.log.Info("recharge failed",
			zap.String("user_id", txn.UserID),
			zap.String("order_ref", txn.ProviderReference),
			zap.String("reason", reason))
		return &CaptureResult{Status: CaptureFailed, Amount: txn.Amount, TransactionID: txn.ID}, nil
	}
	if !errors.Is(err, ErrNotPending) {
		return nil, err
	}

	// lost the race; report what the winner recorded
	cur, gerr := s.repo.GetByID(ctx, txn.ID)
	if gerr != nil {
		return nil, gerr
	}
	if cur.Status == StatusCompleted {
		return s.alreadyCompleted(ctx, cur)
	}
	return &CaptureResult{Status: CaptureFailed, Amount: cur.Amount, TransactionID: cur.ID}, nil
}

func (s *Settler) alreadyCompleted(ctx context.Context, txn *WalletTransaction) (*CaptureResult, error) {
	s.metrics.captured(string(CaptureAlreadyCompleted))
	bal, err := s.repo.GetBalance(ctx, txn.UserID)
	if err != nil {
		return nil, err
	}
	return &CaptureResult{
		Status:        CaptureAlreadyCompleted,
		Amount:        txn.Amount,
		TransactionID: txn.ID,
		Balance:       bal.Balance,
	}, nil
}

type Outcome string

const (
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
)

// ApplyOutcome records a terminal result the provider reported out of band,
// without capturing again.
func (s *Settler) ApplyOutcome(ctx context.Context, orderRef string, outcome Outcome, reason string) (*CaptureResult, error) {
	const op = "wallet.Settler.ApplyOutcome"

	txn, err := s.repo.GetByProviderReference(ctx, orderRef)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			s.log.Warn("provider outcome for unknown order",
				zap.String("order_ref", orderRef),
				zap.String("outcome", string(outcome)))
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	var result *CaptureResult
	switch {
	case txn.Status == StatusCompleted:
		result, err = s.alreadyCompleted(ctx, txn)
	case txn.Status == StatusFailed:
		result = &CaptureResult{Status: CaptureFailed, Amount: txn.Amount, TransactionID: txn.ID}
	case outcome == OutcomeCompleted:
		result, err = s.settle(ctx, txn, provider.StatusCompleted, "")
	case outcome == OutcomeFailed:
		if reason == "" {
			reason = string(OutcomeFailed)
		}
		result, err = s.settle(ctx, txn, provider.StatusFailed, reason)
	default:
		return nil, fmt.Errorf("%s: %w: unknown outcome %q", op, ErrInvalidRequest, outcome)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// CaptureApproved captures an order the provider reports as approved,
// on behalf of its owner.
func (s *Settler) CaptureApproved(ctx context.Context, orderRef string) (*CaptureResult, error) {
	const op = "wallet.Settler.CaptureApproved"

	txn, err := s.repo.GetByProviderReference(ctx, orderRef)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return s.Capture(ctx, orderRef, txn.UserID)
}

type SweepReport struct {
	Scanned   int `json:"scanned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// SweepPending resolves recharges left pending because the payer or caller
// walked away. The provider is asked first; only orders it cannot finalise
// and that are older than PendingExpiry are expired.
func (s *Settler) SweepPending(ctx context.Context) (*SweepReport, error) {
	const op = "wallet.Settler.SweepPending"

	now := s.now()
	txns, err := s.repo.ListStalePending(ctx, TypeRecharge, now.Add(-s.cfg.SweepAge), s.cfg.SweepBatch)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	report := &SweepReport{Scanned: len(txns)}
	expireBefore := now.Add(-s.cfg.PendingExpiry)

	for i := range txns {
		if err := ctx.Err(); err != nil {
			return report, fmt.Errorf("%s: %w", op, err)
		}
		txn := &txns[i]
		res, err := s.sweepOne(ctx, txn, expireBefore)
		switch {
		case err == nil && res == "expired":
			report.Expired++
		case err == nil && res == "failed":
			report.Failed++
		case err == nil:
			report.Completed++
		case errors.Is(err, ErrCapturePending):
			report.Pending++
			res = "pending"
		default:
			report.Errors++
			res = "error"
			s.log.Warn("sweep could not resolve order",
				zap.String("order_ref", txn.ProviderReference),
				zap.String("transaction_id", txn.ID),
				zap.Error(err))
		}
		s.metrics.swept(res)
	}

	if report.Scanned > 0 {
		s.log.Info("pending sweep finished",
			zap.Int("scanned", report.Scanned),
			zap.Int("completed", report.Completed),
			zap.Int("failed", report.Failed),
			zap.Int("expired", report.Expired),
			zap.Int("pending", report.Pending),
			zap.Int("errors", report.Errors))
	}
	return report, nil
}

func (s *Settler) sweepOne(ctx context.Context, txn *WalletTransaction, expireBefore time.Time) (string, error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	order, err := s.provider.GetOrder(pctx, txn.ProviderReference)
	cancel()
	if err != nil {
		if errors.Is(err, provider.ErrOrderNotFound) && txn.CreatedAt.Before(expireBefore) {
			return s.expire(ctx, txn)
		}
		return "", fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}

	var result *CaptureResult
	switch {
	case order.Status == provider.StatusApproved:
		result, err = s.captureTxn(ctx, txn)
	case order.Status.Terminal():
		result, err = s.settle(ctx, txn, order.Status, string(order.Status))
	case txn.CreatedAt.Before(expireBefore):
		return s.expire(ctx, txn)
	default:
		return "", ErrCapturePending
	}
	if err != nil {
		return "", err
	}
	if result.Status == CaptureFailed {
		return "failed", nil
	}
	return "completed", nil
}

func (s *Settler) expire(ctx context.Context, txn *WalletTransaction) (string, error) {
	result, err := s.fail(ctx, txn, "expired")
	if err != nil {
		return "", err
	}
	if result.Status == CaptureFailed {
		return "expired", nil
	}
	return "completed", nil
}
