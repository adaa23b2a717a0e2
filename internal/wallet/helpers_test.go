package wallet

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

// Now advances by one second on every call so rows get distinct timestamps.
func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// every connection to :memory: is a separate database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, Migrate(db))
	return db
}

// newSQLiteFileDB opens a file-backed database behind several connections so
// ledger transactions really interleave. Writers take the lock at BEGIN and
// wait on each other through the busy timeout.
func newSQLiteFileDB(t *testing.T) *gorm.DB {
	t.Helper()

	dsn := "file:" + filepath.Join(t.TempDir(), "wallet.db") + "?_busy_timeout=5000&_journal_mode=WAL&_txlock=immediate"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(4)
	t.Cleanup(func() { _ = sqlDB.Close() })

	require.NoError(t, Migrate(db))
	return db
}

func gormCase(name string, open func(t *testing.T) *gorm.DB) repoCase {
	return repoCase{
		name: name,
		new: func(t *testing.T, clock *testClock) testRepo {
			db := open(t)
			r := NewGormRepository(db)
			r.now = clock.Now
			return testRepo{
				Repository: r,
				corrupt: func(userID string, balance int64) {
					require.NoError(t, db.Exec("UPDATE user_balances SET balance = ? WHERE user_id = ?", balance, userID).Error)
				},
			}
		},
	}
}

type testRepo struct {
	Repository
	// corrupt overwrites a stored balance outside the ledger.
	corrupt func(userID string, balance int64)
}

type repoCase struct {
	name string
	new  func(t *testing.T, clock *testClock) testRepo
}

func repoCases() []repoCase {
	return []repoCase{
		{
			name: "memory",
			new: func(t *testing.T, clock *testClock) testRepo {
				r := NewMemoryRepository()
				r.now = clock.Now
				return testRepo{
					Repository: r,
					corrupt: func(userID string, balance int64) {
						r.mu.Lock()
						defer r.mu.Unlock()
						r.balanceLocked(userID).Balance = balance
					},
				}
			},
		},
		gormCase("sqlite", newSQLiteDB),
		gormCase("sqlite-file", newSQLiteFileDB),
	}
}

func pendingRecharge(userID, ref string, points int64) *WalletTransaction {
	return &WalletTransaction{
		ID:                uuid.NewString(),
		UserID:            userID,
		Amount:            points,
		Type:              TypeRecharge,
		PaymentMethod:     "fake",
		ProviderReference: ref,
		CurrencyAmount:    decimal.NewFromInt(points).Div(decimal.NewFromInt(100)),
		Currency:          "USD",
		RateVersion:       "v1",
	}
}

// fund gives userID a completed recharge of points.
func fund(t *testing.T, repo Repository, userID string, points int64) {
	t.Helper()
	ctx := context.Background()
	txn := pendingRecharge(userID, "fund-"+uuid.NewString(), points)
	require.NoError(t, repo.CreatePending(ctx, txn))
	_, err := repo.Credit(ctx, userID, points, txn.ID)
	require.NoError(t, err)
}

func requireReconciled(t *testing.T, repo Repository, userID string) {
	t.Helper()
	snap, err := repo.Snapshot(context.Background(), userID)
	require.NoError(t, err)
	require.Equal(t, snap.CompletedSum, snap.Balance, "balance must equal sum of completed transactions")
}
