// Package gateway implements the payment gateway HTTP client. Both
// operations fail soft: any transport error, non-2xx response or gateway
// decline is logged and surfaces to the engine as an absent account or a
// zero charge result, never as an error.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/billingworks/renewd/pkg/billing"
	"github.com/billingworks/renewd/pkg/observability"
)

// Batch charges carry no end-user address.
const batchClientIP = "127.0.0.1"

// Config holds the gateway credentials and endpoint.
type Config struct {
	BaseURL    string
	MerchantID string
	APIKey     string
	ProjectID  string
	Currency   string
	Timeout    time.Duration
}

// Client talks to the payment gateway over HTTP with Basic auth.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *observability.Logger
	metrics    *observability.Metrics
}

// NewClient creates a gateway client.
func NewClient(cfg Config, log *observability.Logger, metrics *observability.Metrics) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Currency == "" {
		cfg.Currency = "USD"
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        log,
		metrics:    metrics,
	}
}

type paymentAccountResponse struct {
	ID            string `json:"id"`
	PaymentMethod string `json:"payment_method"`
}

type chargeResponse struct {
	TransactionID string `json:"transaction_id"`
	Status        string `json:"status"`
	Message       string `json:"message"`
	Errors        []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

// SavedPaymentMethod looks up the user's saved payment account. It returns
// false on any error or when the gateway reports no accounts.
func (c *Client) SavedPaymentMethod(ctx context.Context, email, cardAccountID string) (billing.PaymentAccount, bool) {
	url := fmt.Sprintf("%s/projects/%s/users/%s/payment_accounts",
		strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.ProjectID, userRef(email, cardAccountID))

	body, err := c.do(ctx, "lookup", http.MethodGet, url, nil)
	if err != nil {
		c.log.WithError(err).Warn("payment account lookup failed")
		return billing.PaymentAccount{}, false
	}

	var accounts []paymentAccountResponse
	if err := json.Unmarshal(body, &accounts); err != nil {
		c.log.WithError(err).Warn("payment account response not decodable")
		return billing.PaymentAccount{}, false
	}
	if len(accounts) == 0 {
		return billing.PaymentAccount{}, false
	}

	return billing.PaymentAccount{
		ID:    accounts[0].ID,
		Label: accounts[0].PaymentMethod,
	}, true
}

// Charge attempts to charge a saved account. A zero result means failure;
// success is identified solely by a non-empty TransactionID.
func (c *Client) Charge(ctx context.Context, req billing.ChargeRequest) billing.ChargeResult {
	url := fmt.Sprintf("%s/projects/%s/users/%s/payments/card/%s",
		strings.TrimRight(c.cfg.BaseURL, "/"), c.cfg.ProjectID,
		userRef(req.Email, req.CardAccountID), req.SavedAccountID)

	payload := map[string]interface{}{
		"purchase": map[string]interface{}{
			"description": req.Description,
			"checkout": map[string]interface{}{
				"currency": c.cfg.Currency,
				"amount":   req.Amount,
			},
		},
		"settings": map[string]interface{}{
			"currency": c.cfg.Currency,
			"save":     true,
		},
		"user": map[string]interface{}{
			"ip":   batchClientIP,
			"name": req.Email,
		},
	}

	body, err := c.do(ctx, "charge", http.MethodPost, url, payload)
	if err != nil {
		c.log.WithError(err).Warn("charge request failed")
		return billing.ChargeResult{}
	}

	var resp chargeResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.log.WithError(err).Warn("charge response not decodable")
		return billing.ChargeResult{}
	}
	if resp.TransactionID == "" {
		c.log.WithField("decline", declineMessage(resp)).Warn("charge declined")
		return billing.ChargeResult{}
	}

	return billing.ChargeResult{
		TransactionID: resp.TransactionID,
		Status:        resp.Status,
	}
}

// do executes one gateway request and returns the response body for 2xx
// responses. Non-2xx responses are errors carrying any decline message the
// gateway put in the body.
func (c *Client) do(ctx context.Context, operation, method, url string, payload interface{}) ([]byte, error) {
	start := time.Now()

	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.SetBasicAuth(c.cfg.MerchantID, c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.observe(operation, "error", start)
		return nil, fmt.Errorf("gateway request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.observe(operation, "error", start)
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.observe(operation, "declined", start)
		var decoded chargeResponse
		if json.Unmarshal(body, &decoded) == nil {
			if msg := declineMessage(decoded); msg != "" {
				return nil, fmt.Errorf("gateway status %d: %s", resp.StatusCode, msg)
			}
		}
		return nil, fmt.Errorf("gateway status %d", resp.StatusCode)
	}

	c.observe(operation, "success", start)
	return body, nil
}

func (c *Client) observe(operation, result string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.GatewayRequestsTotal.WithLabelValues(operation, result).Inc()
	c.metrics.GatewayRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func declineMessage(resp chargeResponse) string {
	if resp.Message != "" {
		return resp.Message
	}
	if len(resp.Errors) > 0 {
		return resp.Errors[0].Message
	}
	return ""
}

// userRef builds the gateway's user path segment: the local part of the
// email followed by the card's account id.
func userRef(email, cardAccountID string) string {
	local := email
	if i := strings.Index(email, "@"); i >= 0 {
		local = email[:i]
	}
	return local + cardAccountID
}
