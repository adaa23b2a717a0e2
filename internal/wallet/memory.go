package wallet

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryRepository keeps the ledger in process. A single mutex stands in for
// the database transaction, so it is meant for tests and local runs.
type MemoryRepository struct {
	mu       sync.Mutex
	txns     map[string]*WalletTransaction
	byRef    map[string]string
	balances map[string]*UserBalance
	now      func() time.Time
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		txns:     make(map[string]*WalletTransaction),
		byRef:    make(map[string]string),
		balances: make(map[string]*UserBalance),
		now:      time.Now,
	}
}

func (r *MemoryRepository) CreatePending(_ context.Context, txn *WalletTransaction) error {
	const op = "wallet.MemoryRepository.CreatePending"

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.txns[txn.ID]; ok {
		return fmt.Errorf("%s: %w", op, ErrDuplicateReference)
	}
	if txn.ProviderReference != "" {
		if _, ok := r.byRef[txn.ProviderReference]; ok {
			return fmt.Errorf("%s: %w", op, ErrDuplicateReference)
		}
	}
	if txn.CreatedAt.IsZero() {
		txn.CreatedAt = r.now()
	}
	txn.Status = StatusPending
	txn.CompletedAt = nil
	txn.BalanceAfter = nil

	stored := *txn
	r.txns[txn.ID] = &stored
	if txn.ProviderReference != "" {
		r.byRef[txn.ProviderReference] = txn.ID
	}
	return nil
}

func (r *MemoryRepository) GetByID(_ context.Context, id string) (*WalletTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.txns[id]
	if !ok {
		return nil, fmt.Errorf("wallet.MemoryRepository.GetByID: %w", ErrNotFound)
	}
	cp := *t
	return &cp, nil
}

func (r *MemoryRepository) GetByProviderReference(_ context.Context, ref string) (*WalletTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byRef[ref]
	if !ok {
		return nil, fmt.Errorf("wallet.MemoryRepository.GetByProviderReference: %w", ErrNotFound)
	}
	cp := *r.txns[id]
	return &cp, nil
}

func (r *MemoryRepository) FindByIdempotencyKey(_ context.Context, userID, key string, since time.Time) (*WalletTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var found *WalletTransaction
	for _, t := range r.txns {
		if t.UserID != userID || t.IdempotencyKey != key || t.Type != TypeRecharge {
			continue
		}
		if t.CreatedAt.Before(since) {
			continue
		}
		if found == nil || t.CreatedAt.After(found.CreatedAt) {
			found = t
		}
	}
	if found == nil {
		return nil, fmt.Errorf("wallet.MemoryRepository.FindByIdempotencyKey: %w", ErrNotFound)
	}
	cp := *found
	return &cp, nil
}

func (r *MemoryRepository) MarkFailed(_ context.Context, txnID, reason string) error {
	const op = "wallet.MemoryRepository.MarkFailed"

	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.txns[txnID]
	if !ok {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if t.Status != StatusPending {
		return fmt.Errorf("%s: %w", op, ErrNotPending)
	}
	now := r.now()
	t.Status = StatusFailed
	t.FailureReason = reason
	t.CompletedAt = &now
	return nil
}

func (r *MemoryRepository) Credit(_ context.Context, userID string, amount int64, txnID string) (*LedgerEntry, error) {
	const op = "wallet.MemoryRepository.Credit"
	if amount <= 0 {
		return nil, fmt.Errorf("%s: %w: credit amount must be positive", op, ErrInvalidAmount)
	}
	return r.apply(op, userID, amount, txnID)
}

func (r *MemoryRepository) Debit(_ context.Context, userID string, amount int64, txnID string) (*LedgerEntry, error) {
	const op = "wallet.MemoryRepository.Debit"
	if amount <= 0 {
		return nil, fmt.Errorf("%s: %w: debit amount must be positive", op, ErrInvalidAmount)
	}
	return r.apply(op, userID, -amount, txnID)
}

func (r *MemoryRepository) apply(op, userID string, delta int64, txnID string) (*LedgerEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.txns[txnID]
	if !ok || t.UserID != userID {
		return nil, fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	if t.Amount != delta {
		return nil, fmt.Errorf("%s: %w", op, ErrAmountMismatch)
	}
	switch t.Status {
	case StatusCompleted:
		return entryFromTransaction(t), fmt.Errorf("%s: %w", op, ErrAlreadyApplied)
	case StatusFailed:
		return nil, fmt.Errorf("%s: %w", op, ErrTransactionFailed)
	}

	bal := r.balanceLocked(userID)
	if bal.Suspended {
		return nil, fmt.Errorf("%s: %w", op, ErrAccountSuspended)
	}
	if bal.Balance+delta < 0 {
		return nil, fmt.Errorf("%s: %w", op, &InsufficientBalanceError{UserID: userID, Available: bal.Balance, Requested: -delta})
	}

	now := r.now()
	bal.Balance += delta
	bal.UpdatedAt = now
	after := bal.Balance
	t.Status = StatusCompleted
	t.CompletedAt = &now
	t.BalanceAfter = &after

	return entryFromTransaction(t), nil
}

func (r *MemoryRepository) balanceLocked(userID string) *UserBalance {
	bal, ok := r.balances[userID]
	if !ok {
		bal = &UserBalance{UserID: userID, UpdatedAt: r.now()}
		r.balances[userID] = bal
	}
	return bal
}

func (r *MemoryRepository) GetBalance(_ context.Context, userID string) (*UserBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	bal, ok := r.balances[userID]
	if !ok {
		return &UserBalance{UserID: userID}, nil
	}
	cp := *bal
	return &cp, nil
}

func (r *MemoryRepository) ListTransactions(_ context.Context, userID string, limit, offset int) ([]WalletTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var all []WalletTransaction
	for _, t := range r.txns {
		if t.UserID == userID {
			all = append(all, *t)
		}
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return []WalletTransaction{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (r *MemoryRepository) sumLocked(userID string) int64 {
	var sum int64
	for _, t := range r.txns {
		if t.UserID == userID && t.Status == StatusCompleted {
			sum += t.Amount
		}
	}
	return sum
}

func (r *MemoryRepository) Snapshot(_ context.Context, userID string) (*LedgerSnapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := &LedgerSnapshot{UserID: userID, CompletedSum: r.sumLocked(userID)}
	if bal, ok := r.balances[userID]; ok {
		snap.Balance = bal.Balance
		snap.Suspended = bal.Suspended
	}
	return snap, nil
}

func (r *MemoryRepository) ListBalances(_ context.Context, afterUserID string, limit int) ([]UserBalance, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []UserBalance
	for id, bal := range r.balances {
		if id > afterUserID {
			out = append(out, *bal)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) ListStalePending(_ context.Context, txnType TransactionType, createdBefore time.Time, limit int) ([]WalletTransaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []WalletTransaction
	for _, t := range r.txns {
		if t.Type == txnType && t.Status == StatusPending && t.CreatedAt.Before(createdBefore) {
			out = append(out, *t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) SetSuspended(_ context.Context, userID string, suspended bool, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	bal := r.balanceLocked(userID)
	bal.Suspended = suspended
	if suspended {
		bal.SuspendedReason = reason
	} else {
		bal.SuspendedReason = ""
	}
	bal.UpdatedAt = r.now()
	return nil
}
