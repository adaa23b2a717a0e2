// Package fake is an in-process provider for tests and local development.
package fake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"points_wallet/internal/provider"
)

type Provider struct {
	mu     sync.Mutex
	orders map[string]*provider.Order

	// CreateErr and CaptureErr are returned by the next calls when set.
	CreateErr  error
	CaptureErr error
	// Delay is applied before every call and honours ctx cancellation.
	Delay time.Duration
	// CaptureStatus is the outcome of capturing an order not scripted with
	// SetCaptureOutcome. Defaults to COMPLETED.
	CaptureStatus provider.Status

	outcomes map[string]provider.Status

	createCalls  int
	captureCalls int
}

func New() *Provider {
	return &Provider{
		orders:        make(map[string]*provider.Order),
		outcomes:      make(map[string]provider.Status),
		CaptureStatus: provider.StatusCompleted,
	}
}

func (p *Provider) Name() string {
	return "fake"
}

func (p *Provider) wait(ctx context.Context) error {
	if p.Delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(p.Delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Provider) CreateOrder(ctx context.Context, req provider.CreateOrderRequest) (*provider.Order, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.createCalls++
	if p.CreateErr != nil {
		return nil, p.CreateErr
	}

	id := "FAKE-" + uuid.NewString()
	o := &provider.Order{
		ID:          id,
		Status:      provider.StatusCreated,
		ApprovalURL: fmt.Sprintf("https://checkout.fake.local/approve/%s", id),
		Amount:      req.Amount,
		Currency:    req.Currency,
	}
	p.orders[id] = o
	cp := *o
	return &cp, nil
}

// CaptureOrder is idempotent: capturing a completed order reports COMPLETED
// again, as PayPal does for ORDER_ALREADY_CAPTURED.
func (p *Provider) CaptureOrder(ctx context.Context, orderID string) (*provider.Capture, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.captureCalls++
	if p.CaptureErr != nil {
		return nil, p.CaptureErr
	}

	o, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("capture %s: %w", orderID, provider.ErrOrderNotFound)
	}
	if !o.Status.Terminal() {
		status, ok := p.outcomes[orderID]
		if !ok {
			status = p.CaptureStatus
		}
		o.Status = status
	}
	return &provider.Capture{
		OrderID:   orderID,
		CaptureID: "CAP-" + orderID,
		Status:    o.Status,
	}, nil
}

func (p *Provider) GetOrder(ctx context.Context, orderID string) (*provider.Order, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	o, ok := p.orders[orderID]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", orderID, provider.ErrOrderNotFound)
	}
	cp := *o
	return &cp, nil
}

// SetCaptureOutcome scripts the status a later capture of orderID yields.
func (p *Provider) SetCaptureOutcome(orderID string, status provider.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.outcomes[orderID] = status
}

// SetStatus moves an order as if the payer or provider acted on it.
func (p *Provider) SetStatus(orderID string, status provider.Status) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if o, ok := p.orders[orderID]; ok {
		o.Status = status
	}
}

func (p *Provider) CreateCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.createCalls
}

func (p *Provider) CaptureCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.captureCalls
}
