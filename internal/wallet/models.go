package wallet

import (
	"time"

	"github.com/shopspring/decimal"
)

type TransactionType string

const (
	TypeRecharge   TransactionType = "recharge"
	TypePayment    TransactionType = "payment"
	TypeAdjustment TransactionType = "adjustment"
)

type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// UserBalance is the stored point balance. Only Credit and Debit change it.
type UserBalance struct {
	UserID          string    `gorm:"column:user_id;primaryKey;type:varchar(64)" json:"userId"`
	Balance         int64     `gorm:"column:balance;not null;default:0;check:balance >= 0" json:"balance"`
	Suspended       bool      `gorm:"column:suspended;not null;default:false" json:"suspended"`
	SuspendedReason string    `gorm:"column:suspended_reason;type:varchar(255)" json:"suspendedReason,omitempty"`
	UpdatedAt       time.Time `gorm:"column:updated_at;not null" json:"updatedAt"`
}

func (UserBalance) TableName() string {
	return "user_balances"
}

type WalletTransaction struct {
	ID                string            `gorm:"column:id;primaryKey;type:varchar(36)" json:"id"`
	UserID            string            `gorm:"column:user_id;type:varchar(64);not null;index:idx_wallet_tx_user_created,priority:1;index:idx_wallet_tx_user_idem,priority:1" json:"userId"`
	Amount            int64             `gorm:"column:amount;not null" json:"amount"` // points, negative for debits
	Type              TransactionType   `gorm:"column:type;type:varchar(20);not null" json:"type"`
	Status            TransactionStatus `gorm:"column:status;type:varchar(20);not null;index" json:"status"`
	PaymentMethod     string            `gorm:"column:payment_method;type:varchar(40);not null" json:"paymentMethod"`
	ProviderReference string            `gorm:"column:provider_reference;type:varchar(255);not null" json:"providerReference"`
	CurrencyAmount    decimal.Decimal   `gorm:"column:currency_amount;type:numeric(20,2);not null;default:0" json:"currencyAmount"`
	Currency          string            `gorm:"column:currency;type:varchar(3)" json:"currency,omitempty"`
	RateVersion       string            `gorm:"column:rate_version;type:varchar(16)" json:"rateVersion,omitempty"`
	Description       string            `gorm:"column:description;type:varchar(255)" json:"description,omitempty"`
	IdempotencyKey    string            `gorm:"column:idempotency_key;type:varchar(255);index:idx_wallet_tx_user_idem,priority:2" json:"-"`
	ApprovalURL       string            `gorm:"column:approval_url;type:text" json:"approvalUrl,omitempty"`
	FailureReason     string            `gorm:"column:failure_reason;type:varchar(255)" json:"failureReason,omitempty"`
	BalanceAfter      *int64            `gorm:"column:balance_after" json:"balanceAfter,omitempty"`
	CreatedAt         time.Time         `gorm:"column:created_at;not null;index:idx_wallet_tx_user_created,priority:2,sort:desc" json:"createdAt"`
	CompletedAt       *time.Time        `gorm:"column:completed_at" json:"completedAt,omitempty"`
}

func (WalletTransaction) TableName() string {
	return "wallet_transactions"
}

// LedgerEntry is what Credit and Debit report for an applied transaction.
type LedgerEntry struct {
	TransactionID string    `json:"transactionId"`
	UserID        string    `json:"userId"`
	Amount        int64     `json:"amount"`
	BalanceAfter  int64     `json:"balanceAfter"`
	AppliedAt     time.Time `json:"appliedAt"`
}

func entryFromTransaction(t *WalletTransaction) *LedgerEntry {
	e := &LedgerEntry{
		TransactionID: t.ID,
		UserID:        t.UserID,
		Amount:        t.Amount,
	}
	if t.BalanceAfter != nil {
		e.BalanceAfter = *t.BalanceAfter
	}
	if t.CompletedAt != nil {
		e.AppliedAt = *t.CompletedAt
	}
	return e
}

// LedgerSnapshot is a consistent read of one account for reconciliation.
type LedgerSnapshot struct {
	UserID       string
	Balance      int64
	CompletedSum int64
	Suspended    bool
}

type IssueOrderRequest struct {
	UserID         string
	Amount         decimal.Decimal
	Currency       string
	Description    string
	IdempotencyKey string
}

type IssueOrderResult struct {
	OrderRef      string `json:"orderRef"`
	ApprovalURL   string `json:"approvalURL"`
	TransactionID string `json:"transactionId"`
	Points        int64  `json:"points"`
	// Status is the order's current state, which a replay may find settled.
	Status        TransactionStatus `json:"status"`
	Replayed      bool              `json:"replayed"`
}

type CaptureStatus string

const (
	CaptureCompleted        CaptureStatus = "completed"
	CaptureAlreadyCompleted CaptureStatus = "already_completed"
	CaptureFailed           CaptureStatus = "failed"
)

type CaptureResult struct {
	Status        CaptureStatus `json:"status"`
	Amount        int64         `json:"amount"`
	TransactionID string        `json:"transactionId"`
	Balance       int64         `json:"balance"`
}

type SpendRequest struct {
	UserID      string
	Points      int64
	Reference   string
	Description string
}

type AdjustRequest struct {
	UserID    string
	Points    int64 // signed
	Reason    string
	Reference string
}

type LedgerResult struct {
	TransactionID string            `json:"transactionId"`
	Status        TransactionStatus `json:"status"`
	Amount        int64             `json:"amount"`
	Balance       int64             `json:"balance"`
	Replayed      bool              `json:"replayed"`
}
