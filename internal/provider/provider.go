package provider

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
)

// Status is the provider-side order state.
type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusApproved  Status = "APPROVED"
	StatusPending   Status = "PENDING"
	StatusCompleted Status = "COMPLETED"
	StatusDeclined  Status = "DECLINED"
	StatusVoided    Status = "VOIDED"
	StatusExpired   Status = "EXPIRED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether no further state change can happen for the order.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusDeclined, StatusVoided, StatusExpired, StatusFailed:
		return true
	}
	return false
}

// Failed reports whether the order ended without moving money.
func (s Status) Failed() bool {
	return s.Terminal() && s != StatusCompleted
}

var ErrOrderNotFound = errors.New("provider: order not found")

// Provider is an external checkout provider such as PayPal.
type Provider interface {
	Name() string
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)
	CaptureOrder(ctx context.Context, orderID string) (*Capture, error)
	GetOrder(ctx context.Context, orderID string) (*Order, error)
}

type CreateOrderRequest struct {
	Amount      decimal.Decimal
	Currency    string
	Description string
	// ReferenceID is forwarded as the provider's request id, so a retried
	// create does not open a second order.
	ReferenceID string
}

type Order struct {
	ID          string
	Status      Status
	ApprovalURL string
	Amount      decimal.Decimal
	Currency    string
}

type Capture struct {
	OrderID   string
	CaptureID string
	Status    Status
}
