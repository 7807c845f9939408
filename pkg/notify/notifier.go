// Package notify delivers payment-failure notifications to the platform's
// messaging endpoint. Delivery is best effort: errors are returned for the
// caller to log, never retried, and never block billing state transitions.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/billingworks/renewd/pkg/billing"
)

const deadlineFormat = "2006-01-02"

// Client posts payment-failure notices over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a notification client.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type payFailRequest struct {
	ID      int64  `json:"id"`
	Codes   string `json:"codes"`
	EndDate string `json:"enddate"`
}

// NotifyPaymentFailure posts the failure notice carrying the deletion
// deadline the user has left to fix payment.
func (c *Client) NotifyPaymentFailure(ctx context.Context, notice billing.FailureNotice) error {
	payload := payFailRequest{
		ID:      notice.UserID,
		Codes:   notice.LicenseGroupRef,
		EndDate: notice.Deadline.Format(deadlineFormat),
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode notice: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/user/payfailSender", bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("send notice: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("notice rejected with status %d", resp.StatusCode)
	}
	return nil
}
