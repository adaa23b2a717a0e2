package wallet

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"points_wallet/internal/provider"
	"points_wallet/internal/provider/fake"
)

type cancelAfterCreate struct {
	*fake.Provider
	cancel context.CancelFunc
}

func (c *cancelAfterCreate) CreateOrder(ctx context.Context, req provider.CreateOrderRequest) (*provider.Order, error) {
	o, err := c.Provider.CreateOrder(ctx, req)
	c.cancel()
	return o, err
}

func newTestSettler(repo Repository, p provider.Provider, hub *NotificationHub) *Settler {
	return NewSettler(repo, p, hub, SettlerConfig{
		ProviderTimeout: 200 * time.Millisecond,
		SweepAge:        30 * time.Minute,
		PendingExpiry:   72 * time.Hour,
	}, nil, nil)
}

func issue(t *testing.T, issuer *Issuer, userID string, amount int64) *IssueOrderResult {
	t.Helper()
	res, err := issuer.IssueOrder(context.Background(), IssueOrderRequest{
		UserID:   userID,
		Amount:   decimal.NewFromInt(amount),
		Currency: "USD",
	})
	require.NoError(t, err)
	return res
}

func TestSettler_CaptureCreditsOnce(t *testing.T) {
	for _, rc := range repoCases() {
		t.Run(rc.name, func(t *testing.T) {
			clock := newTestClock()
			repo := rc.new(t, clock)
			p := fake.New()
			issuer := newTestIssuer(repo, p, clock)
			settler := newTestSettler(repo, p, nil)
			ctx := context.Background()

			order := issue(t, issuer, "user-1", 10)

			first, err := settler.Capture(ctx, order.OrderRef, "user-1")
			require.NoError(t, err)
			assert.Equal(t, CaptureCompleted, first.Status)
			assert.Equal(t, int64(1000), first.Amount)
			assert.Equal(t, int64(1000), first.Balance)

			for i := 0; i < 3; i++ {
				again, err := settler.Capture(ctx, order.OrderRef, "user-1")
				require.NoError(t, err)
				assert.Equal(t, CaptureAlreadyCompleted, again.Status)
				assert.Equal(t, int64(1000), again.Amount)
				assert.Equal(t, int64(1000), again.Balance)
			}

			assert.Equal(t, 1, p.CaptureCalls(), "replays do not reach the provider")
			requireReconciled(t, repo, "user-1")
		})
	}
}

func TestSettler_ConcurrentCaptureCreditsOnce(t *testing.T) {
	for _, rc := range repoCases() {
		t.Run(rc.name, func(t *testing.T) {
			clock := newTestClock()
			repo := rc.new(t, clock)
			p := fake.New()
			issuer := newTestIssuer(repo, p, clock)
			settler := newTestSettler(repo, p, nil)

			order := issue(t, issuer, "user-1", 10)

			const callers = 10
			var wg sync.WaitGroup
			var mu sync.Mutex
			statuses := map[CaptureStatus]int{}
			for i := 0; i < callers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := settler.Capture(context.Background(), order.OrderRef, "user-1")
					if !assert.NoError(t, err) {
						return
					}
					mu.Lock()
					statuses[res.Status]++
					mu.Unlock()
				}()
			}
			wg.Wait()

			assert.Equal(t, 1, statuses[CaptureCompleted])
			assert.Equal(t, callers-1, statuses[CaptureAlreadyCompleted])

			bal, err := repo.GetBalance(context.Background(), "user-1")
			require.NoError(t, err)
			assert.Equal(t, int64(1000), bal.Balance)
			requireReconciled(t, repo, "user-1")
		})
	}
}

func TestSettler_ConcurrentDistinctOrdersReconcile(t *testing.T) {
	for _, rc := range repoCases() {
		t.Run(rc.name, func(t *testing.T) {
			clock := newTestClock()
			repo := rc.new(t, clock)
			p := fake.New()
			issuer := newTestIssuer(repo, p, clock)
			settler := newTestSettler(repo, p, nil)

			var refs []string
			for i := 1; i <= 8; i++ {
				refs = append(refs, issue(t, issuer, "user-1", int64(i)).OrderRef)
			}

			var wg sync.WaitGroup
			for _, ref := range refs {
				for j := 0; j < 3; j++ {
					wg.Add(1)
					go func(ref string) {
						defer wg.Done()
						_, err := settler.Capture(context.Background(), ref, "user-1")
						assert.NoError(t, err)
					}(ref)
				}
			}
			wg.Wait()

			bal, err := repo.GetBalance(context.Background(), "user-1")
			require.NoError(t, err)
			assert.Equal(t, int64(3600), bal.Balance) // (1+...+8) * 100
			requireReconciled(t, repo, "user-1")
		})
	}
}

func TestSettler_DeclinedOrderIsIsolated(t *testing.T) {
	for _, rc := range repoCases() {
		t.Run(rc.name, func(t *testing.T) {
			clock := newTestClock()
			repo := rc.new(t, clock)
			p := fake.New()
			issuer := newTestIssuer(repo, p, clock)
			settler := newTestSettler(repo, p, nil)
			ctx := context.Background()

			good := issue(t, issuer, "user-1", 5)
			bad := issue(t, issuer, "user-1", 7)
			p.SetCaptureOutcome(bad.OrderRef, provider.StatusDeclined)

			res, err := settler.Capture(ctx, bad.OrderRef, "user-1")
			require.NoError(t, err)
			assert.Equal(t, CaptureFailed, res.Status)

			res, err = settler.Capture(ctx, good.OrderRef, "user-1")
			require.NoError(t, err)
			assert.Equal(t, CaptureCompleted, res.Status)

			// a failed order stays failed and costs no provider call
			calls := p.CaptureCalls()
			res, err = settler.Capture(ctx, bad.OrderRef, "user-1")
			require.NoError(t, err)
			assert.Equal(t, CaptureFailed, res.Status)
			assert.Equal(t, calls, p.CaptureCalls())

			bal, _ := repo.GetBalance(ctx, "user-1")
			assert.Equal(t, int64(500), bal.Balance)
			requireReconciled(t, repo, "user-1")
		})
	}
}

func TestSettler_CaptureErrors(t *testing.T) {
	clock := newTestClock()
	repo := NewMemoryRepository()
	p := fake.New()
	issuer := newTestIssuer(repo, p, clock)
	settler := newTestSettler(repo, p, nil)
	ctx := context.Background()

	order := issue(t, issuer, "user-1", 10)

	t.Run("unknown order", func(t *testing.T) {
		_, err := settler.Capture(ctx, "NOPE", "user-1")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("other user", func(t *testing.T) {
		_, err := settler.Capture(ctx, order.OrderRef, "user-2")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("provider down keeps order pending", func(t *testing.T) {
		p.CaptureErr = errors.New("503 from upstream")
		defer func() { p.CaptureErr = nil }()

		_, err := settler.Capture(ctx, order.OrderRef, "user-1")
		assert.ErrorIs(t, err, ErrProviderUnavailable)

		txn, err := repo.GetByProviderReference(ctx, order.OrderRef)
		require.NoError(t, err)
		assert.Equal(t, StatusPending, txn.Status)
	})

	t.Run("not yet final", func(t *testing.T) {
		p.SetCaptureOutcome(order.OrderRef, provider.StatusPending)
		_, err := settler.Capture(ctx, order.OrderRef, "user-1")
		assert.ErrorIs(t, err, ErrCapturePending)
	})

	t.Run("completes after retry", func(t *testing.T) {
		p.SetCaptureOutcome(order.OrderRef, provider.StatusCompleted)
		res, err := settler.Capture(ctx, order.OrderRef, "user-1")
		require.NoError(t, err)
		assert.Equal(t, CaptureCompleted, res.Status)
	})
}

func TestSettler_SuspendedAccount(t *testing.T) {
	clock := newTestClock()
	repo := NewMemoryRepository()
	p := fake.New()
	issuer := newTestIssuer(repo, p, clock)
	settler := newTestSettler(repo, p, nil)
	ctx := context.Background()

	order := issue(t, issuer, "user-1", 10)
	require.NoError(t, repo.SetSuspended(ctx, "user-1", true, "alarm"))

	_, err := settler.Capture(ctx, order.OrderRef, "user-1")
	assert.ErrorIs(t, err, ErrAccountSuspended)
	assert.Zero(t, p.CaptureCalls())
}

func TestSettler_NotifiesSubscribers(t *testing.T) {
	clock := newTestClock()
	repo := NewMemoryRepository()
	p := fake.New()
	hub := NewNotificationHub()
	issuer := newTestIssuer(repo, p, clock)
	settler := newTestSettler(repo, p, hub)

	updates, cancel := hub.Subscribe("user-1")
	defer cancel()

	order := issue(t, issuer, "user-1", 2)
	_, err := settler.Capture(context.Background(), order.OrderRef, "user-1")
	require.NoError(t, err)

	select {
	case u := <-updates:
		assert.Equal(t, int64(200), u.Balance)
		assert.Equal(t, int64(200), u.Delta)
		assert.Equal(t, TypeRecharge, u.Type)
	case <-time.After(time.Second):
		t.Fatal("no balance update delivered")
	}
}

func TestSettler_ApplyOutcome(t *testing.T) {
	clock := newTestClock()
	repo := NewMemoryRepository()
	p := fake.New()
	issuer := newTestIssuer(repo, p, clock)
	settler := newTestSettler(repo, p, nil)
	ctx := context.Background()

	paid := issue(t, issuer, "user-1", 4)
	voided := issue(t, issuer, "user-1", 6)

	res, err := settler.ApplyOutcome(ctx, paid.OrderRef, OutcomeCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, CaptureCompleted, res.Status)

	res, err = settler.ApplyOutcome(ctx, paid.OrderRef, OutcomeCompleted, "")
	require.NoError(t, err)
	assert.Equal(t, CaptureAlreadyCompleted, res.Status)

	// a late failure report cannot undo a completed credit
	res, err = settler.ApplyOutcome(ctx, paid.OrderRef, OutcomeFailed, "DENIED")
	require.NoError(t, err)
	assert.Equal(t, CaptureAlreadyCompleted, res.Status)

	res, err = settler.ApplyOutcome(ctx, voided.OrderRef, OutcomeFailed, "VOIDED")
	require.NoError(t, err)
	assert.Equal(t, CaptureFailed, res.Status)

	_, err = settler.ApplyOutcome(ctx, "missing", OutcomeCompleted, "")
	assert.ErrorIs(t, err, ErrNotFound)

	assert.Zero(t, p.CaptureCalls())
	bal, _ := repo.GetBalance(ctx, "user-1")
	assert.Equal(t, int64(400), bal.Balance)
}

func TestSettler_SweepPending(t *testing.T) {
	clock := newTestClock()
	repo := NewMemoryRepository()
	repo.now = clock.Now
	p := fake.New()
	issuer := newTestIssuer(repo, p, clock)
	settler := newTestSettler(repo, p, nil)
	settler.now = clock.Now
	ctx := context.Background()

	approved := issue(t, issuer, "user-1", 1)
	completed := issue(t, issuer, "user-1", 2)
	voided := issue(t, issuer, "user-1", 3)
	abandoned := issue(t, issuer, "user-1", 4)

	p.SetStatus(approved.OrderRef, provider.StatusApproved)
	p.SetStatus(completed.OrderRef, provider.StatusCompleted)
	p.SetStatus(voided.OrderRef, provider.StatusVoided)

	// too young to be swept
	report, err := settler.SweepPending(ctx)
	require.NoError(t, err)
	assert.Zero(t, report.Scanned)

	clock.Advance(time.Hour)
	report, err = settler.SweepPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Pending)

	bal, _ := repo.GetBalance(ctx, "user-1")
	assert.Equal(t, int64(300), bal.Balance)

	clock.Advance(72 * time.Hour)
	report, err = settler.SweepPending(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Expired)

	txn, err := repo.GetByProviderReference(ctx, abandoned.OrderRef)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, txn.Status)
	assert.Equal(t, "expired", txn.FailureReason)
	requireReconciled(t, repo, "user-1")
}
