package payment

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"storefront/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGateway(t *testing.T, mutate func(*Config)) *Gateway {
	t.Helper()
	cfg := Config{
		MerchantID:  "10000100",
		MerchantKey: "46f0cd694581a",
		Secret:      "jt7NOE43FZPn",
		ProcessURL:  "https://pay.example.test/eng/process",
		ReturnURL:   "https://shop.example.test/payments/return",
		CancelURL:   "https://shop.example.test/payments/return",
		NotifyURL:   "https://shop.example.test/payments/notify",
		Timeout:     time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	g, err := NewGateway(cfg)
	require.NoError(t, err)
	return g
}

func signedNotification(g *Gateway, orderNumber, status, amount string) url.Values {
	v := url.Values{}
	v.Set(FieldMerchantID, "10000100")
	v.Set(FieldTransactionID, "1089250")
	v.Set(FieldOrderNumber, orderNumber)
	v.Set(FieldPaymentStatus, status)
	v.Set(FieldAmountGross, amount)
	v.Set(FieldItemName, "Order SF-20261019-0A1B2C3D")
	v.Set(FieldSignature, g.Sign(v))
	return v
}

func TestNewGateway_Validation(t *testing.T) {
	_, err := NewGateway(Config{Secret: "s", Scheme: "sha1"})
	assert.Error(t, err)

	_, err = NewGateway(Config{Scheme: SchemeMD5})
	assert.Error(t, err)
}

func TestVerifyNotification(t *testing.T) {
	for _, scheme := range []string{SchemeHMACSHA256, SchemeMD5} {
		t.Run(scheme, func(t *testing.T) {
			g := newTestGateway(t, func(c *Config) { c.Scheme = scheme })

			n, err := g.VerifyNotification(signedNotification(g, "SF-1", "complete", "52.30"))
			require.NoError(t, err)
			assert.Equal(t, "SF-1", n.OrderNumber)
			assert.Equal(t, models.ReportedComplete, n.Status)
			assert.Equal(t, "52.30", n.Amount)
			assert.Equal(t, "1089250", n.TransactionID)
		})
	}
}

func TestVerifyNotification_Tampered(t *testing.T) {
	g := newTestGateway(t, nil)

	v := signedNotification(g, "SF-1", "COMPLETE", "52.30")
	v.Set(FieldAmountGross, "0.01")
	n, err := g.VerifyNotification(v)
	assert.ErrorIs(t, err, ErrInvalidSignature)
	// fields are still returned for auditing
	assert.Equal(t, "SF-1", n.OrderNumber)

	v = signedNotification(g, "SF-1", "COMPLETE", "52.30")
	v.Del(FieldSignature)
	_, err = g.VerifyNotification(v)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	other := newTestGateway(t, func(c *Config) { c.Secret = "another-secret" })
	_, err = g.VerifyNotification(signedNotification(other, "SF-1", "COMPLETE", "52.30"))
	assert.ErrorIs(t, err, ErrInvalidSignature)
}

func TestVerifyNotification_MerchantAndShape(t *testing.T) {
	g := newTestGateway(t, nil)

	v := signedNotification(g, "SF-1", "COMPLETE", "52.30")
	v.Set(FieldMerchantID, "999")
	v.Set(FieldSignature, g.Sign(v))
	_, err := g.VerifyNotification(v)
	assert.ErrorIs(t, err, ErrMerchantMismatch)

	v = signedNotification(g, "", "COMPLETE", "52.30")
	_, err = g.VerifyNotification(v)
	assert.ErrorIs(t, err, ErrMalformedNotification)
}

func TestBuildPaymentRequest(t *testing.T) {
	g := newTestGateway(t, nil)
	order := &models.Order{OrderNumber: "SF-20261019-0A1B2C3D", TotalAmount: 20000}

	req := g.BuildPaymentRequest(order, "Order SF-20261019-0A1B2C3D")
	assert.Equal(t, "https://pay.example.test/eng/process", req.ProcessURL)
	assert.Equal(t, "200.00", req.Fields[FieldAmount])
	assert.Equal(t, "SF-20261019-0A1B2C3D", req.Fields[FieldOrderNumber])
	assert.Contains(t, req.Fields[FieldReturnURL], "m_payment_id=SF-20261019-0A1B2C3D")
	assert.NotEmpty(t, req.Fields[FieldSignature])

	assert.True(t, g.verify(req.values()))

	// amounts are whatever the server computed, never client input
	tampered := req.values()
	tampered.Set(FieldAmount, "1.00")
	assert.False(t, g.verify(tampered))
}

func TestInitiatePayment(t *testing.T) {
	t.Run("disabled", func(t *testing.T) {
		g := newTestGateway(t, nil)
		ref, err := g.InitiatePayment(context.Background(), PaymentRequest{})
		require.NoError(t, err)
		assert.Empty(t, ref)
	})

	t.Run("ok", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.NoError(t, r.ParseForm())
			assert.Equal(t, "SF-1", r.PostForm.Get(FieldOrderNumber))
			w.Write([]byte("uuid-123\n"))
		}))
		defer srv.Close()

		g := newTestGateway(t, func(c *Config) { c.InitiateURL = srv.URL })
		req := g.BuildPaymentRequest(&models.Order{OrderNumber: "SF-1", TotalAmount: 100}, "Order SF-1")
		ref, err := g.InitiatePayment(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, "uuid-123", ref)
	})

	t.Run("timeout", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
		}))
		defer srv.Close()

		g := newTestGateway(t, func(c *Config) {
			c.InitiateURL = srv.URL
			c.Timeout = 50 * time.Millisecond
		})
		_, err := g.InitiatePayment(context.Background(), PaymentRequest{Fields: map[string]string{FieldOrderNumber: "SF-1"}})
		assert.True(t, errors.Is(err, ErrGatewayUnavailable), "got %v", err)
	})

	t.Run("breaker opens", func(t *testing.T) {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusBadGateway)
		}))
		defer srv.Close()

		g := newTestGateway(t, func(c *Config) { c.InitiateURL = srv.URL })
		for i := 0; i < 8; i++ {
			_, err := g.InitiatePayment(context.Background(), PaymentRequest{})
			assert.ErrorIs(t, err, ErrGatewayUnavailable)
		}
		assert.Equal(t, int32(5), calls.Load())
	})
}
