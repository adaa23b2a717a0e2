package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Service covers the ledger paths that need no payment provider: spending
// points, operator adjustments and read access.
type Service struct {
	repo    Repository
	hub     *NotificationHub
	log     *zap.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewService(repo Repository, hub *NotificationHub, log *zap.Logger, m *Metrics) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		repo:    repo,
		hub:     hub,
		log:     log,
		metrics: m,
		now:     time.Now,
	}
}

func (s *Service) GetBalance(ctx context.Context, userID string) (*UserBalance, error) {
	const op = "wallet.Service.GetBalance"

	bal, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return bal, nil
}

// ListTransactions returns history newest first. limit is clamped to
// [1, MaxPageSize] with DefaultPageSize for zero.
func (s *Service) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]WalletTransaction, int, int, error) {
	const op = "wallet.Service.ListTransactions"

	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	txns, err := s.repo.ListTransactions(ctx, userID, limit, offset)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("%s: %w", op, err)
	}
	if txns == nil {
		txns = []WalletTransaction{}
	}
	return txns, limit, offset, nil
}

// Spend debits points for an in-app purchase. Reference is the caller's
// idempotency key; a repeated reference returns the first result.
func (s *Service) Spend(ctx context.Context, req SpendRequest) (*LedgerResult, error) {
	const op = "wallet.Service.Spend"

	if req.Points <= 0 {
		return nil, fmt.Errorf("%s: %w: points must be positive", op, ErrInvalidAmount)
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Reference) == "" {
		return nil, fmt.Errorf("%s: %w: user id and reference are required", op, ErrInvalidRequest)
	}

	res, err := s.applyLedger(ctx, &WalletTransaction{
		UserID:            req.UserID,
		Amount:            -req.Points,
		Type:              TypePayment,
		PaymentMethod:     "points",
		ProviderReference: "spend:" + req.Reference,
		Description:       req.Description,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return res, nil
}

// Adjust books an operator correction. Positive points credit, negative debit.
func (s *Service) Adjust(ctx context.Context, req AdjustRequest) (*LedgerResult, error) {
	const op = "wallet.Service.Adjust"

	if req.Points == 0 {
		return nil, fmt.Errorf("%s: %w: points must be non-zero", op, ErrInvalidAmount)
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.Reason) == "" {
		return nil, fmt.Errorf("%s: %w: user id and reason are required", op, ErrInvalidRequest)
	}
	ref := req.Reference
	if ref == "" {
		ref = uuid.NewString()
	}

	res, err := s.applyLedger(ctx, &WalletTransaction{
		UserID:            req.UserID,
		Amount:            req.Points,
		Type:              TypeAdjustment,
		PaymentMethod:     "operator",
		ProviderReference: "adjust:" + ref,
		Description:       req.Reason,
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	s.log.Warn("balance adjusted by operator",
		zap.String("user_id", req.UserID),
		zap.Int64("points", req.Points),
		zap.String("reason", req.Reason),
		zap.String("transaction_id", res.TransactionID))
	return res, nil
}

// applyLedger records txn as pending under its reference, or picks up the
// row an earlier call left, and then applies it.
func (s *Service) applyLedger(ctx context.Context, txn *WalletTransaction) (*LedgerResult, error) {
	existing, err := s.repo.GetByProviderReference(ctx, txn.ProviderReference)
	switch {
	case err == nil:
		if existing.UserID != txn.UserID || existing.Type != txn.Type {
			return nil, fmt.Errorf("%w: reference already used", ErrInvalidRequest)
		}
		if existing.Amount != txn.Amount {
			return nil, fmt.Errorf("%w: reference already used for %d points", ErrInvalidRequest, existing.Amount)
		}
		txn = existing
	case errors.Is(err, ErrNotFound):
		txn.ID = uuid.NewString()
		txn.CreatedAt = s.now()
		if err := s.repo.CreatePending(ctx, txn); err != nil {
			if !errors.Is(err, ErrDuplicateReference) {
				return nil, err
			}
			// a concurrent call with the same reference won the insert
			return s.applyLedger(ctx, &WalletTransaction{
				UserID:            txn.UserID,
				Amount:            txn.Amount,
				Type:              txn.Type,
				PaymentMethod:     txn.PaymentMethod,
				ProviderReference: txn.ProviderReference,
				Description:       txn.Description,
			})
		}
	default:
		return nil, err
	}

	switch txn.Status {
	case StatusCompleted:
		return s.replayed(ctx, txn)
	case StatusFailed:
		return s.failedResult(txn)
	}

	var entry *LedgerEntry
	if txn.Amount > 0 {
		entry, err = s.repo.Credit(ctx, txn.UserID, txn.Amount, txn.ID)
	} else {
		entry, err = s.repo.Debit(ctx, txn.UserID, -txn.Amount, txn.ID)
	}
	switch {
	case err == nil:
	case errors.Is(err, ErrAlreadyApplied):
		return s.replayed(ctx, txn)
	case errors.Is(err, ErrInsufficientBalance):
		s.markFailed(ctx, txn, "insufficient_balance")
		return nil, err
	case errors.Is(err, ErrAccountSuspended):
		s.markFailed(ctx, txn, "account_suspended")
		return nil, err
	default:
		return nil, err
	}

	s.metrics.applied(txn.Type)
	s.hub.Notify(BalanceUpdate{
		UserID:        txn.UserID,
		Balance:       entry.BalanceAfter,
		Delta:         entry.Amount,
		TransactionID: txn.ID,
		Type:          txn.Type,
		At:            entry.AppliedAt,
	})
	return &LedgerResult{
		TransactionID: txn.ID,
		Status:        StatusCompleted,
		Amount:        txn.Amount,
		Balance:       entry.BalanceAfter,
	}, nil
}

func (s *Service) markFailed(ctx context.Context, txn *WalletTransaction, reason string) {
	if err := s.repo.MarkFailed(context.WithoutCancel(ctx), txn.ID, reason); err != nil && !errors.Is(err, ErrNotPending) {
		s.log.Error("failed to mark transaction failed",
			zap.String("transaction_id", txn.ID),
			zap.String("reason", reason),
			zap.Error(err))
	}
}

func (s *Service) replayed(ctx context.Context, txn *WalletTransaction) (*LedgerResult, error) {
	bal, err := s.repo.GetBalance(ctx, txn.UserID)
	if err != nil {
		return nil, err
	}
	return &LedgerResult{
		TransactionID: txn.ID,
		Status:        StatusCompleted,
		Amount:        txn.Amount,
		Balance:       bal.Balance,
		Replayed:      true,
	}, nil
}

// failedResult replays a failed debit with the error it first produced.
func (s *Service) failedResult(txn *WalletTransaction) (*LedgerResult, error) {
	switch txn.FailureReason {
	case "insufficient_balance":
		return nil, fmt.Errorf("%w: transaction %s", ErrInsufficientBalance, txn.ID)
	case "account_suspended":
		return nil, fmt.Errorf("%w: transaction %s", ErrAccountSuspended, txn.ID)
	}
	return &LedgerResult{
		TransactionID: txn.ID,
		Status:        StatusFailed,
		Amount:        txn.Amount,
		Replayed:      true,
	}, nil
}
