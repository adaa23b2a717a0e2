// Package paypal talks to the PayPal Orders v2 REST API.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"points_wallet/internal/provider"
)

const (
	SandboxURL = "https://api-m.sandbox.paypal.com"
	LiveURL    = "https://api-m.paypal.com"
)

type Config struct {
	ClientID     string
	ClientSecret string
	Environment  string // sandbox or live
	BaseURL      string // overrides Environment when set
	ReturnURL    string
	CancelURL    string
	BrandName    string
}

type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	log        *zap.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func New(cfg Config, log *zap.Logger) *Client {
	baseURL := SandboxURL
	if cfg.Environment == "live" || cfg.Environment == "production" {
		baseURL = LiveURL
	}
	if cfg.BaseURL != "" {
		baseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		cfg:        cfg,
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log,
	}
}

func (c *Client) Name() string {
	return "paypal"
}

type amount struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

type purchaseUnit struct {
	ReferenceID string  `json:"reference_id,omitempty"`
	Description string  `json:"description,omitempty"`
	Amount      *amount `json:"amount,omitempty"`
	Payments    *struct {
		Captures []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"captures"`
	} `json:"payments,omitempty"`
}

type link struct {
	Href string `json:"href"`
	Rel  string `json:"rel"`
}

type orderResponse struct {
	ID            string         `json:"id"`
	Status        string         `json:"status"`
	PurchaseUnits []purchaseUnit `json:"purchase_units"`
	Links         []link         `json:"links"`
}

type apiError struct {
	StatusCode int    `json:"-"`
	Name       string `json:"name"`
	Message    string `json:"message"`
	Details    []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("paypal: %d %s: %s", e.StatusCode, e.Name, e.Message)
}

func (e *apiError) hasIssue(issue string) bool {
	for _, d := range e.Details {
		if d.Issue == issue {
			return true
		}
	}
	return false
}

func (c *Client) CreateOrder(ctx context.Context, req provider.CreateOrderRequest) (*provider.Order, error) {
	body := map[string]interface{}{
		"intent": "CAPTURE",
		"purchase_units": []purchaseUnit{{
			ReferenceID: req.ReferenceID,
			Description: req.Description,
			Amount: &amount{
				CurrencyCode: strings.ToUpper(req.Currency),
				Value:        req.Amount.StringFixed(2),
			},
		}},
	}
	if c.cfg.ReturnURL != "" || c.cfg.CancelURL != "" {
		body["application_context"] = map[string]string{
			"return_url":  c.cfg.ReturnURL,
			"cancel_url":  c.cfg.CancelURL,
			"brand_name":  c.cfg.BrandName,
			"user_action": "PAY_NOW",
		}
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", req.ReferenceID, body, &resp); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}
	return toOrder(&resp), nil
}

func (c *Client) CaptureOrder(ctx context.Context, orderID string) (*provider.Capture, error) {
	var resp orderResponse
	path := "/v2/checkout/orders/" + url.PathEscape(orderID) + "/capture"
	err := c.do(ctx, http.MethodPost, path, "capture-"+orderID, struct{}{}, &resp)
	if err != nil {
		var apiErr *apiError
		ok := errors.As(err, &apiErr)
		switch {
		case ok && apiErr.hasIssue("ORDER_ALREADY_CAPTURED"):
			return &provider.Capture{OrderID: orderID, Status: provider.StatusCompleted}, nil
		case ok && (apiErr.hasIssue("INSTRUMENT_DECLINED") || apiErr.hasIssue("TRANSACTION_REFUSED")):
			return &provider.Capture{OrderID: orderID, Status: provider.StatusDeclined}, nil
		case ok && apiErr.hasIssue("ORDER_NOT_APPROVED"):
			return &provider.Capture{OrderID: orderID, Status: provider.StatusPending}, nil
		case ok && apiErr.StatusCode == http.StatusNotFound:
			return nil, fmt.Errorf("capture order %s: %w", orderID, provider.ErrOrderNotFound)
		}
		return nil, fmt.Errorf("capture order %s: %w", orderID, err)
	}

	capture := &provider.Capture{OrderID: resp.ID, Status: mapStatus(resp.Status)}
	for _, pu := range resp.PurchaseUnits {
		if pu.Payments == nil || len(pu.Payments.Captures) == 0 {
			continue
		}
		cp := pu.Payments.Captures[0]
		capture.CaptureID = cp.ID
		// The order can be COMPLETED while the capture itself is held for review.
		if s := mapStatus(cp.Status); s != provider.StatusCompleted {
			capture.Status = s
		}
		break
	}
	return capture, nil
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*provider.Order, error) {
	var resp orderResponse
	err := c.do(ctx, http.MethodGet, "/v2/checkout/orders/"+url.PathEscape(orderID), "", nil, &resp)
	if err != nil {
		var apiErr *apiError
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("get order %s: %w", orderID, provider.ErrOrderNotFound)
		}
		return nil, fmt.Errorf("get order %s: %w", orderID, err)
	}
	return toOrder(&resp), nil
}

func toOrder(resp *orderResponse) *provider.Order {
	o := &provider.Order{ID: resp.ID, Status: mapStatus(resp.Status)}
	for _, l := range resp.Links {
		if l.Rel == "approve" || l.Rel == "payer-action" {
			o.ApprovalURL = l.Href
			break
		}
	}
	if len(resp.PurchaseUnits) > 0 && resp.PurchaseUnits[0].Amount != nil {
		a := resp.PurchaseUnits[0].Amount
		o.Currency = a.CurrencyCode
		if v, err := decimal.NewFromString(a.Value); err == nil {
			o.Amount = v
		}
	}
	return o
}

func mapStatus(s string) provider.Status {
	switch strings.ToUpper(s) {
	case "CREATED", "SAVED", "PAYER_ACTION_REQUIRED":
		return provider.StatusCreated
	case "APPROVED":
		return provider.StatusApproved
	case "COMPLETED":
		return provider.StatusCompleted
	case "VOIDED":
		return provider.StatusVoided
	case "DECLINED", "DENIED":
		return provider.StatusDeclined
	case "FAILED":
		return provider.StatusFailed
	default:
		return provider.StatusPending
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("token request: status %d: %s", resp.StatusCode, string(raw))
	}

	var tok tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", fmt.Errorf("decode token: %w", err)
	}

	// refresh a minute early
	ttl := time.Duration(tok.ExpiresIn)*time.Second - time.Minute
	if ttl < 0 {
		ttl = 0
	}
	c.token = tok.AccessToken
	c.tokenExpiry = time.Now().Add(ttl)
	return c.token, nil
}

func (c *Client) do(ctx context.Context, method, path, requestID string, in, out interface{}) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if requestID != "" {
		req.Header.Set("PayPal-Request-Id", requestID)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.log.Debug("paypal call",
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", resp.StatusCode),
		zap.Duration("took", time.Since(start)))

	if resp.StatusCode == http.StatusUnauthorized {
		c.mu.Lock()
		c.token = ""
		c.mu.Unlock()
	}

	if resp.StatusCode >= 300 {
		apiErr := &apiError{StatusCode: resp.StatusCode}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if err := json.Unmarshal(raw, apiErr); err != nil {
			apiErr.Message = string(raw)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
