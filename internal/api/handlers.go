package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"points_wallet/internal/wallet"
	"points_wallet/internal/webhook"
)

type OrderIssuer interface {
	IssueOrder(ctx context.Context, req wallet.IssueOrderRequest) (*wallet.IssueOrderResult, error)
}

type Settlement interface {
	Capture(ctx context.Context, orderRef, userID string) (*wallet.CaptureResult, error)
	CaptureApproved(ctx context.Context, orderRef string) (*wallet.CaptureResult, error)
	ApplyOutcome(ctx context.Context, orderRef string, outcome wallet.Outcome, reason string) (*wallet.CaptureResult, error)
}

type Ledger interface {
	GetBalance(ctx context.Context, userID string) (*wallet.UserBalance, error)
	ListTransactions(ctx context.Context, userID string, limit, offset int) ([]wallet.WalletTransaction, int, int, error)
	Spend(ctx context.Context, req wallet.SpendRequest) (*wallet.LedgerResult, error)
	Adjust(ctx context.Context, req wallet.AdjustRequest) (*wallet.LedgerResult, error)
}

type Reconciliation interface {
	CheckAll(ctx context.Context) (*wallet.ReconciliationReport, error)
	Resume(ctx context.Context, userID string) error
}

type AlarmLister interface {
	List() []wallet.IntegrityAlarm
}

type BalanceStream interface {
	Subscribe(userID string) (<-chan wallet.BalanceUpdate, func())
}

type Deps struct {
	Issuer     OrderIssuer
	Settler    Settlement
	Ledger     Ledger
	Reconciler Reconciliation
	Alarms     AlarmLister
	Stream     BalanceStream
	// Verifier is nil when webhooks are not configured.
	Verifier *webhook.Verifier
	Log      *zap.Logger
}

type Handler struct {
	Deps
}

func NewHandler(d Deps) *Handler {
	if d.Log == nil {
		d.Log = zap.NewNop()
	}
	return &Handler{Deps: d}
}

const maxWebhookBody = 64 << 10

type createOrderRequest struct {
	UserID      string `json:"userId" binding:"required,max=64"`
	Amount      any    `json:"amount"`
	Currency    string `json:"currency" binding:"required,len=3"`
	Description string `json:"description" binding:"max=255"`
}

// parseAmount accepts a JSON number or a numeric string.
func parseAmount(v any) (decimal.Decimal, error) {
	switch a := v.(type) {
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(a))
		if err != nil {
			return decimal.Zero, wallet.ErrInvalidAmount
		}
		return d, nil
	case float64:
		return decimal.NewFromFloat(a), nil
	default:
		return decimal.Zero, wallet.ErrInvalidAmount
	}
}

func (h *Handler) CreateOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, err)
		return
	}
	if !authorize(c, req.UserID) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	key := c.GetHeader("Idempotency-Key")
	if len(key) > 255 {
		writeError(c, h.Log, wallet.ErrInvalidRequest)
		return
	}

	res, err := h.Issuer.IssueOrder(c.Request.Context(), wallet.IssueOrderRequest{
		UserID:         req.UserID,
		Amount:         amount,
		Currency:       req.Currency,
		Description:    req.Description,
		IdempotencyKey: key,
	})
	if err != nil {
		writeError(c, h.Log, err)
		return
	}

	status := http.StatusCreated
	if res.Replayed {
		status = http.StatusOK
	}
	c.JSON(status, res)
}

type captureRequest struct {
	UserID string `json:"userId" binding:"required"`
}

func (h *Handler) CaptureOrder(c *gin.Context) {
	var req captureRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, err)
		return
	}
	if !authorize(c, req.UserID) {
		return
	}

	res, err := h.Settler.Capture(c.Request.Context(), c.Param("orderRef"), req.UserID)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) GetBalance(c *gin.Context) {
	userID := c.Param("userId")
	if !authorize(c, userID) {
		return
	}

	bal, err := h.Ledger.GetBalance(c.Request.Context(), userID)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, bal)
}

func (h *Handler) ListTransactions(c *gin.Context) {
	userID := c.Param("userId")
	if !authorize(c, userID) {
		return
	}

	limit, err1 := queryInt(c, "limit")
	offset, err2 := queryInt(c, "offset")
	if err1 != nil || err2 != nil {
		writeError(c, h.Log, wallet.ErrInvalidRequest)
		return
	}

	items, limit, offset, err := h.Ledger.ListTransactions(c.Request.Context(), userID, limit, offset)
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"items":  items,
		"limit":  limit,
		"offset": offset,
	})
}

func queryInt(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

type spendRequest struct {
	UserID      string `json:"userId" binding:"required,max=64"`
	Points      int64  `json:"points" binding:"required,gt=0"`
	Reference   string `json:"reference" binding:"required,max=200"`
	Description string `json:"description" binding:"max=255"`
}

func (h *Handler) Spend(c *gin.Context) {
	var req spendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, err)
		return
	}
	if !authorize(c, req.UserID) {
		return
	}

	res, err := h.Ledger.Spend(c.Request.Context(), wallet.SpendRequest{
		UserID:      req.UserID,
		Points:      req.Points,
		Reference:   req.Reference,
		Description: req.Description,
	})
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) ProviderWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: "unreadable body", Code: "invalid_request"})
		return
	}

	ev, err := h.Verifier.Verify(body)
	if err != nil {
		if errors.Is(err, webhook.ErrBadSignature) {
			h.Log.Warn("webhook signature rejected", zap.String("client_ip", c.ClientIP()), zap.Error(err))
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "invalid signature", Code: "unauthorized"})
			return
		}
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: err.Error(), Code: "invalid_request"})
		return
	}

	log := h.Log.With(
		zap.String("event_id", ev.ID),
		zap.String("event_type", ev.EventType),
		zap.String("order_ref", ev.Resource.OrderID))

	ctx := c.Request.Context()
	var res *wallet.CaptureResult
	switch ev.Action() {
	case webhook.ActionCapture:
		res, err = h.Settler.CaptureApproved(ctx, ev.Resource.OrderID)
	case webhook.ActionComplete:
		res, err = h.Settler.ApplyOutcome(ctx, ev.Resource.OrderID, wallet.OutcomeCompleted, "")
	case webhook.ActionFail:
		res, err = h.Settler.ApplyOutcome(ctx, ev.Resource.OrderID, wallet.OutcomeFailed, ev.EventType)
	default:
		log.Debug("webhook event ignored")
		c.JSON(http.StatusOK, gin.H{"status": "ignored"})
		return
	}
	if err != nil {
		writeError(c, log, err)
		return
	}

	log.Info("webhook applied", zap.String("result", string(res.Status)))
	c.JSON(http.StatusOK, res)
}

type adjustmentRequest struct {
	UserID    string `json:"userId" binding:"required,max=64"`
	Points    int64  `json:"points" binding:"required,ne=0"`
	Reason    string `json:"reason" binding:"required,max=255"`
	Reference string `json:"reference" binding:"max=200"`
}

func (h *Handler) CreateAdjustment(c *gin.Context) {
	var req adjustmentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeValidationError(c, err)
		return
	}

	res, err := h.Ledger.Adjust(c.Request.Context(), wallet.AdjustRequest{
		UserID:    req.UserID,
		Points:    req.Points,
		Reason:    req.Reason,
		Reference: req.Reference,
	})
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) RunReconciliation(c *gin.Context) {
	report, err := h.Reconciler.CheckAll(c.Request.Context())
	if err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *Handler) ListAlarms(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"items": h.Alarms.List()})
}

func (h *Handler) ResumeAccount(c *gin.Context) {
	userID := c.Param("userId")
	if err := h.Reconciler.Resume(c.Request.Context(), userID); err != nil {
		writeError(c, h.Log, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "suspended": false})
}
