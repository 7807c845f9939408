package gateway

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/billingworks/renewd/pkg/billing"
	"github.com/billingworks/renewd/pkg/observability"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	client := NewClient(Config{
		BaseURL:    srv.URL,
		MerchantID: "merchant-1",
		APIKey:     "key-1",
		ProjectID:  "proj-9",
		Currency:   "USD",
		Timeout:    2 * time.Second,
	}, observability.NewLogger(observability.ErrorLevel, io.Discard), nil)
	return client, srv
}

func TestSavedPaymentMethod(t *testing.T) {
	t.Run("returns the first account", func(t *testing.T) {
		var gotPath, gotUser, gotPass string
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotUser, gotPass, _ = r.BasicAuth()
			w.Header().Set("Content-Type", "application/json")
			io.WriteString(w, `[{"id":"acct-5","payment_method":"visa ****1111"},{"id":"acct-6"}]`)
		})

		account, ok := client.SavedPaymentMethod(context.Background(), "jane@example.com", "card-77")
		require.True(t, ok)
		assert.Equal(t, "acct-5", account.ID)
		assert.Equal(t, "visa ****1111", account.Label)

		assert.Equal(t, "/projects/proj-9/users/janecard-77/payment_accounts", gotPath)
		assert.Equal(t, "merchant-1", gotUser)
		assert.Equal(t, "key-1", gotPass)
	})

	t.Run("no accounts means not found", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `[]`)
		})

		_, ok := client.SavedPaymentMethod(context.Background(), "jane@example.com", "card-77")
		assert.False(t, ok)
	})

	t.Run("non-2xx fails soft", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadGateway)
		})

		_, ok := client.SavedPaymentMethod(context.Background(), "jane@example.com", "card-77")
		assert.False(t, ok)
	})

	t.Run("transport error fails soft", func(t *testing.T) {
		client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
		srv.Close()

		_, ok := client.SavedPaymentMethod(context.Background(), "jane@example.com", "card-77")
		assert.False(t, ok)
	})
}

func TestCharge(t *testing.T) {
	chargeReq := billing.ChargeRequest{
		Email:          "jane@example.com",
		CardAccountID:  "card-77",
		SavedAccountID: "acct-5",
		Amount:         9900,
		Description:    "subscription renewal",
	}

	t.Run("success carries the transaction id", func(t *testing.T) {
		var gotPath string
		var gotBody map[string]interface{}
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
			io.WriteString(w, `{"transaction_id":"tx-9","status":"settled"}`)
		})

		result := client.Charge(context.Background(), chargeReq)
		assert.Equal(t, "tx-9", result.TransactionID)
		assert.Equal(t, "settled", result.Status)

		assert.Equal(t, "/projects/proj-9/users/janecard-77/payments/card/acct-5", gotPath)

		purchase := gotBody["purchase"].(map[string]interface{})
		assert.Equal(t, "subscription renewal", purchase["description"])
		checkout := purchase["checkout"].(map[string]interface{})
		assert.Equal(t, "USD", checkout["currency"])
		assert.Equal(t, float64(9900), checkout["amount"])

		user := gotBody["user"].(map[string]interface{})
		assert.Equal(t, "127.0.0.1", user["ip"])
		assert.Equal(t, "jane@example.com", user["name"])
	})

	t.Run("2xx without a transaction id is a decline", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			io.WriteString(w, `{"status":"declined","message":"insufficient funds"}`)
		})

		result := client.Charge(context.Background(), chargeReq)
		assert.Empty(t, result.TransactionID)
	})

	t.Run("non-2xx is a zero result", func(t *testing.T) {
		client, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusPaymentRequired)
			io.WriteString(w, `{"errors":[{"message":"card expired"}]}`)
		})

		result := client.Charge(context.Background(), chargeReq)
		assert.Equal(t, billing.ChargeResult{}, result)
	})

	t.Run("transport error is a zero result", func(t *testing.T) {
		client, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
		srv.Close()

		result := client.Charge(context.Background(), chargeReq)
		assert.Equal(t, billing.ChargeResult{}, result)
	})
}

func TestUserRef(t *testing.T) {
	assert.Equal(t, "janecard-77", userRef("jane@example.com", "card-77"))
	assert.Equal(t, "nodomaincard-1", userRef("nodomain", "card-1"))
}
