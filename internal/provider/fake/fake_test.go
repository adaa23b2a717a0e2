package fake

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"points_wallet/internal/provider"
)

func TestCaptureIsIdempotent(t *testing.T) {
	p := New()
	ctx := context.Background()

	o, err := p.CreateOrder(ctx, provider.CreateOrderRequest{Amount: decimal.NewFromInt(5), Currency: "USD"})
	require.NoError(t, err)
	assert.Equal(t, provider.StatusCreated, o.Status)
	assert.Contains(t, o.ApprovalURL, o.ID)

	p.SetCaptureOutcome(o.ID, provider.StatusDeclined)
	first, err := p.CaptureOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusDeclined, first.Status)

	p.SetCaptureOutcome(o.ID, provider.StatusCompleted)
	second, err := p.CaptureOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusDeclined, second.Status, "terminal orders keep their status")
	assert.Equal(t, 2, p.CaptureCalls())
}

func TestUnknownOrder(t *testing.T) {
	p := New()

	_, err := p.CaptureOrder(context.Background(), "nope")
	assert.ErrorIs(t, err, provider.ErrOrderNotFound)
	_, err = p.GetOrder(context.Background(), "nope")
	assert.ErrorIs(t, err, provider.ErrOrderNotFound)
}

func TestDelayHonoursContext(t *testing.T) {
	p := New()
	p.Delay = time.Second

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := p.CreateOrder(ctx, provider.CreateOrderRequest{Amount: decimal.NewFromInt(1), Currency: "USD"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, p.CreateCalls())
}

func TestSetStatus(t *testing.T) {
	p := New()
	ctx := context.Background()
	o, err := p.CreateOrder(ctx, provider.CreateOrderRequest{Amount: decimal.NewFromInt(1), Currency: "USD"})
	require.NoError(t, err)

	p.SetStatus(o.ID, provider.StatusApproved)
	got, err := p.GetOrder(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, provider.StatusApproved, got.Status)
}
