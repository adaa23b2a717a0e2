package wallet

import (
	"context"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRepository_CreditAppliesOnce(t *testing.T) {
	for _, rc := range repoCases() {
		t.Run(rc.name, func(t *testing.T) {
			repo := rc.new(t, newTestClock())
			ctx := context.Background()

			txn := pendingRecharge("user-1", "ORDER-1", 1000)
			require.NoError(t, repo.CreatePending(ctx, txn))

			entry, err := repo.Credit(ctx, "user-1", 1000, txn.ID)
			require.NoError(t, err)
			assert.Equal(t, int64(1000), entry.BalanceAfter)

			replay, err := repo.Credit(ctx, "user-1", 1000, txn.ID)
			require.ErrorIs(t, err, ErrAlreadyApplied)
			require.NotNil(t, replay)
			assert.Equal(t, int64(1000), replay.BalanceAfter)

			bal, err := repo.GetBalance(ctx, "user-1")
			require.NoError(t, err)
			assert.Equal(t, int64(1000), bal.Balance)

			stored, err := repo.GetByID(ctx, txn.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusCompleted, stored.Status)
			require.NotNil(t, stored.CompletedAt)
			requireReconciled(t, repo, "user-1")
		})
	}
}

func TestRepository_CreditRejectsMismatch(t *testing.T) {
	for _, rc := range repoCases() {
		t.Run(rc.name, func(t *testing.T) {
			repo := rc.new(t, newTestClock())
			ctx := context.Background()

			txn := pendingRecharge("user-1", "ORDER-1", 1000)
			require.NoError(t, repo.CreatePending(ctx, txn))

			_, err := repo.Credit(ctx, "user-1", 999, txn.ID)
			assert.ErrorIs(t, err, ErrAmountMismatch)

			_, err = repo.Credit(ctx, "user-2", 1000, txn.ID)
			assert.ErrorIs(t, err, ErrNotFound)

			_, err = repo.Credit(ctx, "user-1", 1000, uuid.NewString())
			assert.ErrorIs(t, err, ErrNotFound)

			bal, err := repo.GetBalance(ctx, "user-1")
			require.NoError(t, err)
			assert.Zero(t, bal.Balance)
		})
	}
}

func TestRepository_RejectsWrongDirection(t *testing.T) {
	for _, rc := range repoCases() {
		t.Run(rc.name, func(t *testing.T) {
			repo := rc.new(t, newTestClock())
			ctx := context.Background()

			recharge := pendingRecharge("user-1", "ORDER-NEVER-CAPTURED", 1000)
			require.NoError(t, repo.CreatePending(ctx, recharge))

			_, err := repo.Debit(ctx, "user-1", -1000, recharge.ID)
			assert.ErrorIs(t, err, ErrInvalidAmount)
			_, err = repo.Debit(ctx, "user-1", 1000, recharge.ID)
			assert.ErrorIs(t, err, ErrAmountMismatch)
			_, err = repo.Credit(ctx, "user-1", 0, recharge.ID)
			assert.ErrorIs(t, err, ErrInvalidAmount)

			fund(t, repo, "user-1", 500)
			spend := &WalletTransaction{
				ID:                uuid.NewString(),
				UserID:            "user-1",
				Amount:            -200,
				Type:              TypePayment,
				PaymentMethod:     "points",
				ProviderReference: "spend:direction",
			}
			require.NoError(t, repo.CreatePending(ctx, spend))

			_, err = repo.Credit(ctx, "user-1", -200, spend.ID)
			assert.ErrorIs(t, err, ErrInvalidAmount)
			_, err = repo.Credit(ctx, "user-1", 200, spend.ID)
			assert.ErrorIs(t, err, ErrAmountMismatch)

			for _, id := range []string{recharge.ID, spend.ID} {
				stored, err := repo.GetByID(ctx, id)
				require.NoError(t, err)
				assert.Equal(t, StatusPending, stored.Status)
			}
			bal, err := repo.GetBalance(ctx, "user-1")
			require.NoError(t, err)
			assert.Equal(t, int64(500), bal.Balance)
			requireReconciled(t, repo, "user-1")
		})
	}
}

func TestRepository_DebitNeverGoesNegative(t *testing.T) {
	for _, rc := range repoCases() {
		t.Run(rc.name, func(t *testing.T) {
			repo := rc.new(t, newTestClock())
			ctx := context.Background()
			fund(t, repo, "user-1", 500)

			spend := &WalletTransaction{
				ID:                uuid.NewString(),
				UserID:            "user-1",
				Amount:            -501,
				Type:              TypePayment,
				PaymentMethod:     "points",
				ProviderReference: "spend:too-much",
			}
			require.NoError(t, repo.CreatePending(ctx, spend))

			_, err := repo.Debit(ctx, "user-1", 501, spend.ID)
			require.ErrorIs(t, err, ErrInsufficientBalance)
			var ibe *InsufficientBalanceError
			require.ErrorAs(t, err, &ibe)
			assert.Equal(t, int64(500), ibe.Available)

			stored, err := repo.GetByID(ctx, spend.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusPending, stored.Status, "a rejected debit leaves no side effect")

			bal, _ := repo.GetBalance(ctx, "user-1")
			assert.Equal(t, int64(500), bal.Balance)

			exact := &WalletTransaction{
				ID:                uuid.NewString(),
				UserID:            "user-1",
				Amount:            -500,
				Type:              TypePayment,
				PaymentMethod:     "points",
				ProviderReference: "spend:exact",
			}
			require.NoError(t, repo.CreatePending(ctx, exact))
			entry, err := repo.Debit(ctx, "user-1", 500, exact.ID)
			require.NoError(t, err)
			assert.Zero(t, entry.BalanceAfter)
			requireReconciled(t, repo, "user-1")
		})
	}
}

func TestRepository_ConcurrentDebits(t *testing.T) {
	for _, rc := range repoCases() {
		t.Run(rc.name, func(t *testing.T) {
			repo := rc.new(t, newTestClock())
			ctx := context.Background()
			fund(t, repo, "user-1", 1000)

			const workers = 20
			ids := make([]string, workers)
			for i := range ids {
				txn := &WalletTransaction{
					ID:                uuid.NewString(),
					UserID:            "user-1",
					Amount:            -100,
					Type:              TypePayment,
					PaymentMethod:     "points",
					ProviderReference: "spend:" + uuid.NewString(),
				}
				require.NoError(t, repo.CreatePending(ctx, txn))
				ids[i] = txn.ID
			}

			var mu sync.Mutex
			applied, rejected := 0, 0
			var wg sync.WaitGroup
			for _, id := range ids {
				wg.Add(1)
				go func(id string) {
					defer wg.Done()
					_, err := repo.Debit(ctx, "user-1", 100, id)
					mu.Lock()
					defer mu.Unlock()
					if err == nil {
						applied++
					} else if assert.ErrorIs(t, err, ErrInsufficientBalance) {
						rejected++
					}
				}(id)
			}
			wg.Wait()

			assert.Equal(t, 10, applied)
			assert.Equal(t, 10, rejected)
			bal, _ := repo.GetBalance(ctx, "user-1")
			assert.Zero(t, bal.Balance)
			requireReconciled(t, repo, "user-1")
		})
	}
}

func TestRepository_DuplicateProviderReference(t *testing.T) {
	for _, rc := range repoCases() {
		t.Run(rc.name, func(t *testing.T) {
			repo := rc.new(t, newTestClock())
			ctx := context.Background()

			require.NoError(t, repo.CreatePending(ctx, pendingRecharge("user-1", "ORDER-1", 100)))
			err := repo.CreatePending(ctx, pendingRecharge("user-1", "ORDER-1", 100))
			assert.ErrorIs(t, err, ErrDuplicateReference)
		})
	}
}

func TestRepository_MarkFailedIsTerminal(t *testing.T) {
	for _, rc := range repoCases() {
		t.Run(rc.name, func(t *testing.T) {
			repo := rc.new(t, newTestClock())
			ctx := context.Background()

			txn := pendingRecharge("user-1", "ORDER-1", 100)
			require.NoError(t, repo.CreatePending(ctx, txn))
			require.NoError(t, repo.MarkFailed(ctx, txn.ID, "DECLINED"))

			assert.ErrorIs(t, repo.MarkFailed(ctx, txn.ID, "again"), ErrNotPending)
			_, err := repo.Credit(ctx, "user-1", 100, txn.ID)
			assert.ErrorIs(t, err, ErrTransactionFailed)

			stored, err := repo.GetByID(ctx, txn.ID)
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, stored.Status)
			assert.Equal(t, "DECLINED", stored.FailureReason)

			bal, _ := repo.GetBalance(ctx, "user-1")
			assert.Zero(t, bal.Balance)
		})
	}
}

func TestRepository_SuspendedAccountRejectsMutations(t *testing.T) {
	for _, rc := range repoCases() {
		t.Run(rc.name, func(t *testing.T) {
			repo := rc.new(t, newTestClock())
			ctx := context.Background()
			fund(t, repo, "user-1", 100)

			require.NoError(t, repo.SetSuspended(ctx, "user-1", true, "test"))

			txn := pendingRecharge("user-1", "ORDER-2", 100)
			require.NoError(t, repo.CreatePending(ctx, txn))
			_, err := repo.Credit(ctx, "user-1", 100, txn.ID)
			assert.ErrorIs(t, err, ErrAccountSuspended)

			bal, _ := repo.GetBalance(ctx, "user-1")
			assert.True(t, bal.Suspended)
			assert.Equal(t, int64(100), bal.Balance)

			require.NoError(t, repo.SetSuspended(ctx, "user-1", false, ""))
			_, err = repo.Credit(ctx, "user-1", 100, txn.ID)
			assert.NoError(t, err)
		})
	}
}

func TestRepository_ListTransactionsNewestFirst(t *testing.T) {
	for _, rc := range repoCases() {
		t.Run(rc.name, func(t *testing.T) {
			clock := newTestClock()
			repo := rc.new(t, clock)
			ctx := context.Background()

			var refs []string
			for i := 0; i < 5; i++ {
				txn := pendingRecharge("user-1", uuid.NewString(), int64(100*(i+1)))
				require.NoError(t, repo.CreatePending(ctx, txn))
				refs = append(refs, txn.ProviderReference)
			}
			require.NoError(t, repo.CreatePending(ctx, pendingRecharge("user-2", uuid.NewString(), 1)))

			page, err := repo.ListTransactions(ctx, "user-1", 2, 0)
			require.NoError(t, err)
			require.Len(t, page, 2)
			assert.Equal(t, refs[4], page[0].ProviderReference)
			assert.Equal(t, refs[3], page[1].ProviderReference)

			page, err = repo.ListTransactions(ctx, "user-1", 10, 4)
			require.NoError(t, err)
			require.Len(t, page, 1)
			assert.Equal(t, refs[0], page[0].ProviderReference)
		})
	}
}

func TestRepository_StoresCurrencyDetail(t *testing.T) {
	for _, rc := range repoCases() {
		t.Run(rc.name, func(t *testing.T) {
			repo := rc.new(t, newTestClock())
			ctx := context.Background()

			txn := pendingRecharge("user-1", "ORDER-1", 1234)
			require.NoError(t, repo.CreatePending(ctx, txn))

			stored, err := repo.GetByProviderReference(ctx, "ORDER-1")
			require.NoError(t, err)
			assert.True(t, stored.CurrencyAmount.Equal(txn.CurrencyAmount))
			assert.Equal(t, "USD", stored.Currency)
			assert.Equal(t, "v1", stored.RateVersion)
			assert.Equal(t, StatusPending, stored.Status)
		})
	}
}

func TestGormRepository_CompletedReferenceIsUnique(t *testing.T) {
	db := newSQLiteDB(t)
	ctx := context.Background()
	repo := NewGormRepository(db)

	txn := pendingRecharge("user-1", "ORDER-1", 100)
	require.NoError(t, repo.CreatePending(ctx, txn))
	_, err := repo.Credit(ctx, "user-1", 100, txn.ID)
	require.NoError(t, err)

	// bypass the repository to prove the storage constraint holds on its own
	dup := pendingRecharge("user-1", "ORDER-1", 100)
	dup.Status = StatusCompleted
	err = db.Exec(
		"INSERT INTO wallet_transactions (id, user_id, amount, type, status, payment_method, provider_reference, currency_amount, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)",
		dup.ID, dup.UserID, dup.Amount, dup.Type, StatusCompleted, dup.PaymentMethod, dup.ProviderReference, "1.00", txn.CreatedAt,
	).Error
	require.Error(t, err)
	assert.True(t, isUniqueViolation(err))
}
