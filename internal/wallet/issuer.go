package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"points_wallet/internal/idempotency"
	"points_wallet/internal/provider"
)

type IssuerConfig struct {
	// IdempotencyWindow bounds how far back a replayed key finds its order.
	IdempotencyWindow time.Duration
	ProviderTimeout   time.Duration
}

// Issuer opens recharge orders with the payment provider and records them
// as pending transactions. It never touches a balance.
type Issuer struct {
	repo     Repository
	provider provider.Provider
	locker   idempotency.Locker
	rates    *RateTable
	cfg      IssuerConfig
	log      *zap.Logger
	metrics  *Metrics
	now      func() time.Time
}

func NewIssuer(repo Repository, p provider.Provider, locker idempotency.Locker, rates *RateTable, cfg IssuerConfig, log *zap.Logger, m *Metrics) *Issuer {
	if cfg.IdempotencyWindow <= 0 {
		cfg.IdempotencyWindow = 24 * time.Hour
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 10 * time.Second
	}
	if rates == nil {
		rates = DefaultRates()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Issuer{
		repo:     repo,
		provider: p,
		locker:   locker,
		rates:    rates,
		cfg:      cfg,
		log:      log,
		metrics:  m,
		now:      time.Now,
	}
}

func (i *Issuer) IssueOrder(ctx context.Context, req IssueOrderRequest) (*IssueOrderResult, error) {
	const op = "wallet.Issuer.IssueOrder"

	if strings.TrimSpace(req.UserID) == "" {
		return nil, fmt.Errorf("%s: %w: missing user id", op, ErrInvalidRequest)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	points, rateVersion, err := i.rates.Points(req.Amount, currency)
	if err != nil {
		i.metrics.orderIssued("rejected")
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if req.IdempotencyKey != "" {
		if i.locker != nil {
			release, ok, err := i.locker.Acquire(ctx, req.UserID+":"+req.IdempotencyKey, i.cfg.ProviderTimeout+30*time.Second)
			if err != nil {
				return nil, fmt.Errorf("%s: claim idempotency key: %w", op, err)
			}
			if !ok {
				return nil, fmt.Errorf("%s: %w", op, ErrRequestInProgress)
			}
			defer release()
		}

		existing, err := i.repo.FindByIdempotencyKey(ctx, req.UserID, req.IdempotencyKey, i.now().Add(-i.cfg.IdempotencyWindow))
		switch {
		case err == nil:
			if !existing.CurrencyAmount.Equal(req.Amount) || existing.Currency != currency {
				i.metrics.orderIssued("rejected")
				return nil, fmt.Errorf("%s: %w: idempotency key already used for %s %s",
					op, ErrInvalidRequest, existing.CurrencyAmount.StringFixed(2), existing.Currency)
			}
			i.metrics.orderIssued("replayed")
			return &IssueOrderResult{
				OrderRef:      existing.ProviderReference,
				ApprovalURL:   existing.ApprovalURL,
				TransactionID: existing.ID,
				Points:        existing.Amount,
				Status:        existing.Status,
				Replayed:      true,
			}, nil
		case !errors.Is(err, ErrNotFound):
			return nil, fmt.Errorf("%s: %w", op, err)
		}
	}

	txnID := uuid.NewString()

	pctx, cancel := context.WithTimeout(ctx, i.cfg.ProviderTimeout)
	start := time.Now()
	order, err := i.provider.CreateOrder(pctx, provider.CreateOrderRequest{
		Amount:      req.Amount,
		Currency:    currency,
		Description: req.Description,
		ReferenceID: txnID,
	})
	cancel()
	if err != nil {
		i.metrics.providerCall("create", "error", time.Since(start).Seconds())
		i.metrics.orderIssued("provider_unavailable")
		i.log.Warn("create order failed",
			zap.String("user_id", req.UserID),
			zap.String("provider", i.provider.Name()),
			zap.Error(err))
		return nil, fmt.Errorf("%s: %w: %v", op, ErrProviderUnavailable, err)
	}
	i.metrics.providerCall("create", "ok", time.Since(start).Seconds())

	txn := &WalletTransaction{
		ID:                txnID,
		UserID:            req.UserID,
		Amount:            points,
		Type:              TypeRecharge,
		PaymentMethod:     i.provider.Name(),
		ProviderReference: order.ID,
		CurrencyAmount:    req.Amount,
		Currency:          currency,
		RateVersion:       rateVersion,
		Description:       req.Description,
		IdempotencyKey:    req.IdempotencyKey,
		ApprovalURL:       order.ApprovalURL,
		CreatedAt:         i.now(),
	}

	// The provider order exists now; record it even if the caller has gone.
	if err := i.repo.CreatePending(context.WithoutCancel(ctx), txn); err != nil {
		i.log.Error("order created at provider but not recorded",
			zap.String("user_id", req.UserID),
			zap.String("order_ref", order.ID),
			zap.String("transaction_id", txnID),
			zap.Error(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	i.metrics.orderIssued("created")
	i.log.Info("order issued",
		zap.String("user_id", req.UserID),
		zap.String("order_ref", order.ID),
		zap.String("transaction_id", txnID),
		zap.Int64("points", points),
		zap.String("rate_version", rateVersion))

	return &IssueOrderResult{
		OrderRef:      order.ID,
		ApprovalURL:   order.ApprovalURL,
		TransactionID: txnID,
		Points:        points,
		Status:        StatusPending,
	}, nil
}
