package wallet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repository is the ledger store. Credit and Debit are the only operations
// that change a stored balance.
type Repository interface {
	CreatePending(ctx context.Context, txn *WalletTransaction) error
	GetByID(ctx context.Context, id string) (*WalletTransaction, error)
	GetByProviderReference(ctx context.Context, ref string) (*WalletTransaction, error)
	// FindByIdempotencyKey returns the newest recharge opened under key since
	// the given time, in whatever state it is now.
	FindByIdempotencyKey(ctx context.Context, userID, key string, since time.Time) (*WalletTransaction, error)
	MarkFailed(ctx context.Context, txnID, reason string) error

	Credit(ctx context.Context, userID string, amount int64, txnID string) (*LedgerEntry, error)
	Debit(ctx context.Context, userID string, amount int64, txnID string) (*LedgerEntry, error)

	GetBalance(ctx context.Context, userID string) (*UserBalance, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]WalletTransaction, error)
	Snapshot(ctx context.Context, userID string) (*LedgerSnapshot, error)
	ListBalances(ctx context.Context, afterUserID string, limit int) ([]UserBalance, error)
	ListStalePending(ctx context.Context, txnType TransactionType, createdBefore time.Time, limit int) ([]WalletTransaction, error)
	SetSuspended(ctx context.Context, userID string, suspended bool, reason string) error
}

type GormRepository struct {
	db  *gorm.DB
	now func() time.Time
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db, now: time.Now}
}

// Migrate creates the ledger tables and the provider reference indexes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(&UserBalance{}, &WalletTransaction{}); err != nil {
		return fmt.Errorf("automigrate: %w", err)
	}
	stmts := []string{
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_wallet_tx_provider_ref ON wallet_transactions (provider_reference) WHERE provider_reference <> ''`,
		`CREATE UNIQUE INDEX IF NOT EXISTS ux_wallet_tx_completed_provider_ref ON wallet_transactions (provider_reference) WHERE status = 'completed'`,
	}
	for _, s := range stmts {
		if err := db.Exec(s).Error; err != nil {
			return fmt.Errorf("create index: %w", err)
		}
	}
	return nil
}

func (r *GormRepository) CreatePending(ctx context.Context, txn *WalletTransaction) error {
	const op = "wallet.GormRepository.CreatePending"

	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = r.now()
	}
	txn.Status = StatusPending
	txn.CompletedAt = nil
	txn.BalanceAfter = nil

	if err := r.db.WithContext(ctx).Create(txn).Error; err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s: %w", op, ErrDuplicateReference)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (r *GormRepository) GetByID(ctx context.Context, id string) (*WalletTransaction, error) {
	return r.first(ctx, "wallet.GormRepository.GetByID", "id = ?", id)
}

func (r *GormRepository) GetByProviderReference(ctx context.Context, ref string) (*WalletTransaction, error) {
	return r.first(ctx, "wallet.GormRepository.GetByProviderReference", "provider_reference = ?", ref)
}

func (r *GormRepository) FindByIdempotencyKey(ctx context.Context, userID, key string, since time.Time) (*WalletTransaction, error) {
	const op = "wallet.GormRepository.FindByIdempotencyKey"

	var txn WalletTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND idempotency_key = ? AND type = ? AND created_at >= ?",
			userID, key, TypeRecharge, since).
		Order("created_at DESC").
		First(&txn).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &txn, nil
}

func (r *GormRepository) first(ctx context.Context, op, query string, arg any) (*WalletTransaction, error) {
	var txn WalletTransaction
	if err := r.db.WithContext(ctx).Where(query, arg).First(&txn).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &txn, nil
}

// MarkFailed moves a pending transaction to failed. ErrNotPending means
// another writer already moved it out of pending.
func (r *GormRepository) MarkFailed(ctx context.Context, txnID, reason string) error {
	const op = "wallet.GormRepository.MarkFailed"

	now := r.now()
	result := r.db.WithContext(ctx).
		Model(&WalletTransaction{}).
		Where("id = ? AND status = ?", txnID, StatusPending).
		Updates(map[string]interface{}{
			"status":         StatusFailed,
			"failure_reason": reason,
			"completed_at":   now,
		})
	if result.Error != nil {
		return fmt.Errorf("%s: %w", op, result.Error)
	}
	if result.RowsAffected == 0 {
		if _, err := r.GetByID(ctx, txnID); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: %w", op, ErrNotPending)
	}
	return nil
}

// Credit and Debit take a positive amount; the direction comes from the
// method, and must agree with the sign recorded on the transaction.
func (r *GormRepository) Credit(ctx context.Context, userID string, amount int64, txnID string) (*LedgerEntry, error) {
	const op = "wallet.GormRepository.Credit"
	if amount <= 0 {
		return nil, fmt.Errorf("%s: %w: credit amount must be positive", op, ErrInvalidAmount)
	}
	return r.apply(ctx, op, userID, amount, txnID)
}

func (r *GormRepository) Debit(ctx context.Context, userID string, amount int64, txnID string) (*LedgerEntry, error) {
	const op = "wallet.GormRepository.Debit"
	if amount <= 0 {
		return nil, fmt.Errorf("%s: %w: debit amount must be positive", op, ErrInvalidAmount)
	}
	return r.apply(ctx, op, userID, -amount, txnID)
}

// apply completes txnID and moves the balance by delta in one DB transaction.
// The pending->completed update is the compare-and-set that makes replays safe.
func (r *GormRepository) apply(ctx context.Context, op, userID string, delta int64, txnID string) (*LedgerEntry, error) {
	var entry *LedgerEntry
	err := r.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		var txn WalletTransaction
		if err := dbtx.Where("id = ?", txnID).First(&txn).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if txn.UserID != userID {
			return ErrNotFound
		}
		if txn.Amount != delta {
			return ErrAmountMismatch
		}
		switch txn.Status {
		case StatusCompleted:
			return ErrAlreadyApplied
		case StatusFailed:
			return ErrTransactionFailed
		}

		now := r.now()
		if err := dbtx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&UserBalance{UserID: userID, UpdatedAt: now}).Error; err != nil {
			return fmt.Errorf("ensure balance row: %w", err)
		}

		var bal UserBalance
		if err := dbtx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			First(&bal).Error; err != nil {
			return fmt.Errorf("lock balance: %w", err)
		}
		if bal.Suspended {
			return ErrAccountSuspended
		}

		cas := dbtx.Model(&WalletTransaction{}).
			Where("id = ? AND status = ?", txnID, StatusPending).
			Updates(map[string]interface{}{
				"status":        StatusCompleted,
				"completed_at":  now,
				"balance_after": bal.Balance + delta,
			})
		if cas.Error != nil {
			if isUniqueViolation(cas.Error) {
				return ErrAlreadyApplied
			}
			return cas.Error
		}
		if cas.RowsAffected == 0 {
			return ErrAlreadyApplied
		}

		upd := dbtx.Model(&UserBalance{}).Where("user_id = ?", userID)
		if delta < 0 {
			upd = upd.Where("balance >= ?", -delta)
		}
		res := upd.Updates(map[string]interface{}{
			"balance":    gorm.Expr("balance + ?", delta),
			"updated_at": now,
		})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return &InsufficientBalanceError{UserID: userID, Available: bal.Balance, Requested: -delta}
		}

		entry = &LedgerEntry{
			TransactionID: txnID,
			UserID:        userID,
			Amount:        delta,
			BalanceAfter:  bal.Balance + delta,
			AppliedAt:     now,
		}
		return nil
	})
	if err == nil {
		return entry, nil
	}

	if errors.Is(err, ErrAlreadyApplied) {
		txn, gerr := r.GetByID(ctx, txnID)
		if gerr != nil {
			return nil, fmt.Errorf("%s: %w", op, gerr)
		}
		if txn.Status == StatusFailed {
			return nil, fmt.Errorf("%s: %w", op, ErrTransactionFailed)
		}
		return entryFromTransaction(txn), fmt.Errorf("%s: %w", op, ErrAlreadyApplied)
	}
	return nil, fmt.Errorf("%s: %w", op, err)
}

// GetBalance returns a zero balance for users with no ledger activity.
func (r *GormRepository) GetBalance(ctx context.Context, userID string) (*UserBalance, error) {
	const op = "wallet.GormRepository.GetBalance"

	var bal UserBalance
	err := r.db.WithContext(ctx).Where("user_id = ?", userID).First(&bal).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &UserBalance{UserID: userID}, nil
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &bal, nil
}

func (r *GormRepository) ListTransactions(ctx context.Context, userID string, limit, offset int) ([]WalletTransaction, error) {
	const op = "wallet.GormRepository.ListTransactions"

	var txns []WalletTransaction
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Order("id DESC").
		Limit(limit).
		Offset(offset).
		Find(&txns).Error
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return txns, nil
}

func sumCompleted(db *gorm.DB, userID string) (int64, error) {
	var sum int64
	err := db.Model(&WalletTransaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("user_id = ? AND status = ?", userID, StatusCompleted).
		Scan(&sum).Error
	return sum, err
}

// Snapshot locks the balance row before summing so a concurrent credit is
// either fully visible or not at all.
func (r *GormRepository) Snapshot(ctx context.Context, userID string) (*LedgerSnapshot, error) {
	const op = "wallet.GormRepository.Snapshot"

	snap := &LedgerSnapshot{UserID: userID}
	err := r.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		var bal UserBalance
		err := dbtx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("user_id = ?", userID).
			First(&bal).Error
		if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}
		snap.Balance = bal.Balance
		snap.Suspended = bal.Suspended

		sum, err := sumCompleted(dbtx, userID)
		if err != nil {
			return err
		}
		snap.CompletedSum = sum
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return snap, nil
}

func (r *GormRepository) ListBalances(ctx context.Context, afterUserID string, limit int) ([]UserBalance, error) {
	const op = "wallet.GormRepository.ListBalances"

	var out []UserBalance
	err := r.db.WithContext(ctx).
		Where("user_id > ?", afterUserID).
		Order("user_id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (r *GormRepository) ListStalePending(ctx context.Context, txnType TransactionType, createdBefore time.Time, limit int) ([]WalletTransaction, error) {
	const op = "wallet.GormRepository.ListStalePending"

	var out []WalletTransaction
	err := r.db.WithContext(ctx).
		Where("type = ? AND status = ? AND created_at < ?", txnType, StatusPending, createdBefore).
		Order("created_at ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return out, nil
}

func (r *GormRepository) SetSuspended(ctx context.Context, userID string, suspended bool, reason string) error {
	const op = "wallet.GormRepository.SetSuspended"

	if !suspended {
		reason = ""
	}
	err := r.db.WithContext(ctx).Transaction(func(dbtx *gorm.DB) error {
		if err := dbtx.Clauses(clause.OnConflict{DoNothing: true}).
			Create(&UserBalance{UserID: userID, UpdatedAt: r.now()}).Error; err != nil {
			return err
		}
		return dbtx.Model(&UserBalance{}).
			Where("user_id = ?", userID).
			Updates(map[string]interface{}{
				"suspended":        suspended,
				"suspended_reason": reason,
				"updated_at":       r.now(),
			}).Error
	})
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}
