package api

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"points_wallet/internal/wallet"
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errorTable = []struct {
	err    error
	status int
	code   string
}{
	{wallet.ErrInvalidAmount, http.StatusBadRequest, "invalid_amount"},
	{wallet.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
	{wallet.ErrNotFound, http.StatusNotFound, "not_found"},
	{wallet.ErrInsufficientBalance, http.StatusPaymentRequired, "insufficient_balance"},
	{wallet.ErrIntegrityAlarm, http.StatusLocked, "integrity_alarm"},
	{wallet.ErrAccountSuspended, http.StatusLocked, "account_suspended"},
	{wallet.ErrCapturePending, http.StatusAccepted, "capture_pending"},
	{wallet.ErrRequestInProgress, http.StatusConflict, "request_in_progress"},
	{wallet.ErrProviderUnavailable, http.StatusServiceUnavailable, "provider_unavailable"},
}

const retryAfterSeconds = "5"

// writeError maps a wallet error to its HTTP status. Internal detail is
// logged, not returned.
func writeError(c *gin.Context, log *zap.Logger, err error) {
	for _, e := range errorTable {
		if !errors.Is(err, e.err) {
			continue
		}
		if wallet.IsRetryable(err) {
			c.Header("Retry-After", retryAfterSeconds)
		}
		msg := publicMessage(err, e.err)
		switch {
		case e.status == http.StatusNotFound:
			log.Warn("lookup miss", zap.String("path", c.FullPath()), zap.Error(err))
		case e.status >= http.StatusInternalServerError:
			log.Error("dependency failure", zap.String("path", c.FullPath()), zap.Error(err))
			msg = e.err.Error()
		}
		c.AbortWithStatusJSON(e.status, errorBody{Error: msg, Code: e.code})
		return
	}

	log.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	c.AbortWithStatusJSON(http.StatusInternalServerError, errorBody{Error: "internal error", Code: "internal"})
}

// publicMessage keeps the sentinel text and whatever detail follows it,
// dropping the internal op prefix.
func publicMessage(err, sentinel error) string {
	var ibe *wallet.InsufficientBalanceError
	if errors.As(err, &ibe) {
		return fmt.Sprintf("%s: available %d, requested %d", wallet.ErrInsufficientBalance, ibe.Available, ibe.Requested)
	}
	msg := err.Error()
	if i := strings.Index(msg, sentinel.Error()); i >= 0 {
		return msg[i:]
	}
	return sentinel.Error()
}

func writeValidationError(c *gin.Context, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: "malformed request body", Code: "invalid_request"})
		return
	}

	var msgs []string
	for _, fe := range verrs {
		switch fe.ActualTag() {
		case "required":
			msgs = append(msgs, fmt.Sprintf("field %s is required", fe.Field()))
		case "len":
			msgs = append(msgs, fmt.Sprintf("field %s must be %s characters", fe.Field(), fe.Param()))
		case "max":
			msgs = append(msgs, fmt.Sprintf("field %s must be at most %s", fe.Field(), fe.Param()))
		case "gt", "ne":
			msgs = append(msgs, fmt.Sprintf("field %s must be %s %s", fe.Field(), fe.ActualTag(), fe.Param()))
		default:
			msgs = append(msgs, fmt.Sprintf("field %s is invalid", fe.Field()))
		}
	}
	c.AbortWithStatusJSON(http.StatusBadRequest, errorBody{Error: strings.Join(msgs, ", "), Code: "validation_failed"})
}
