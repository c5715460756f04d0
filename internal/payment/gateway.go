// Package payment talks to the hosted payment processor: it builds the signed redirect a customer
// is sent to, verifies the signed callbacks the processor sends back, and optionally registers a
// payment server-to-server.
package payment

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"storefront/internal/models"
	"storefront/internal/pricing"
	"storefront/internal/util"

	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

var (
	ErrInvalidSignature      = errors.New("invalid payment signature")
	ErrMerchantMismatch      = errors.New("merchant id mismatch")
	ErrMalformedNotification = errors.New("malformed payment notification")
	ErrGatewayUnavailable    = errors.New("payment gateway unavailable")
)

// Signature schemes
const (
	SchemeHMACSHA256 = "hmac-sha256"
	SchemeMD5        = "md5"
)

// Field names used on the wire.
const (
	FieldMerchantID    = "merchant_id"
	FieldMerchantKey   = "merchant_key"
	FieldReturnURL     = "return_url"
	FieldCancelURL     = "cancel_url"
	FieldNotifyURL     = "notify_url"
	FieldOrderNumber   = "m_payment_id"
	FieldAmount        = "amount"
	FieldItemName      = "item_name"
	FieldTransactionID = "pf_payment_id"
	FieldPaymentStatus = "payment_status"
	FieldAmountGross   = "amount_gross"
	FieldSignature     = "signature"
)

// Config holds merchant credentials and endpoints.
type Config struct {
	MerchantID  string
	MerchantKey string
	Secret      string
	Scheme      string
	ProcessURL  string
	InitiateURL string
	ReturnURL   string
	CancelURL   string
	NotifyURL   string
	Timeout     time.Duration
}

// Gateway signs outbound requests and verifies inbound callbacks.
type Gateway struct {
	cfg     Config
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[string]
	logger  *zap.Logger
}

// NewGateway creates a gateway adapter
func NewGateway(cfg Config) (*Gateway, error) {
	switch cfg.Scheme {
	case "":
		cfg.Scheme = SchemeHMACSHA256
	case SchemeHMACSHA256, SchemeMD5:
	default:
		return nil, fmt.Errorf("unknown signature scheme %q", cfg.Scheme)
	}
	if cfg.Secret == "" {
		return nil, fmt.Errorf("payment secret is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	logger := util.GetLogger()
	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:        "payment-gateway",
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Gateway{
		cfg:     cfg,
		client:  &http.Client{},
		breaker: breaker,
		logger:  logger,
	}, nil
}

// canonical serializes the non-empty fields sorted by key, excluding the signature itself.
func canonical(values url.Values) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		if k == FieldSignature || values.Get(k) == "" {
			continue
		}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+url.QueryEscape(strings.TrimSpace(values.Get(k))))
	}
	return strings.Join(parts, "&")
}

// Sign returns the hex signature of values under the configured scheme.
func (g *Gateway) Sign(values url.Values) string {
	payload := canonical(values)
	if g.cfg.Scheme == SchemeMD5 {
		sum := md5.Sum([]byte(payload + "&passphrase=" + url.QueryEscape(g.cfg.Secret)))
		return hex.EncodeToString(sum[:])
	}
	h := hmac.New(sha256.New, []byte(g.cfg.Secret))
	h.Write([]byte(payload))
	return hex.EncodeToString(h.Sum(nil))
}

// verify compares signatures in constant time.
func (g *Gateway) verify(values url.Values) bool {
	got := strings.ToLower(values.Get(FieldSignature))
	if got == "" {
		return false
	}
	return hmac.Equal([]byte(g.Sign(values)), []byte(got))
}

// PaymentRequest is what the customer's browser posts to the processor.
type PaymentRequest struct {
	ProcessURL string            `json:"process_url"`
	Fields     map[string]string `json:"fields"`
}

func (r PaymentRequest) values() url.Values {
	v := url.Values{}
	for k, val := range r.Fields {
		v.Set(k, val)
	}
	return v
}

// BuildPaymentRequest builds the signed redirect for order.
func (g *Gateway) BuildPaymentRequest(order *models.Order, itemName string) PaymentRequest {
	values := url.Values{}
	values.Set(FieldMerchantID, g.cfg.MerchantID)
	values.Set(FieldMerchantKey, g.cfg.MerchantKey)
	values.Set(FieldReturnURL, withOrder(g.cfg.ReturnURL, order.OrderNumber))
	values.Set(FieldCancelURL, withOrder(g.cfg.CancelURL, order.OrderNumber))
	values.Set(FieldNotifyURL, g.cfg.NotifyURL)
	values.Set(FieldOrderNumber, order.OrderNumber)
	values.Set(FieldAmount, pricing.FormatAmount(order.TotalAmount))
	values.Set(FieldItemName, itemName)
	values.Set(FieldSignature, g.Sign(values))

	fields := make(map[string]string, len(values))
	for k := range values {
		fields[k] = values.Get(k)
	}
	return PaymentRequest{ProcessURL: g.cfg.ProcessURL, Fields: fields}
}

func withOrder(base, orderNumber string) string {
	if base == "" {
		return ""
	}
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set(FieldOrderNumber, orderNumber)
	u.RawQuery = q.Encode()
	return u.String()
}

// Notification is a processor report extracted from callback fields.
type Notification struct {
	TransactionID string
	OrderNumber   string
	Status        string
	Amount        string
	MerchantID    string
	Raw           string
}

// ParseFields extracts a notification without checking its signature.
func ParseFields(values url.Values) *Notification {
	amount := values.Get(FieldAmountGross)
	if amount == "" {
		amount = values.Get(FieldAmount)
	}
	return &Notification{
		TransactionID: strings.TrimSpace(values.Get(FieldTransactionID)),
		OrderNumber:   strings.TrimSpace(values.Get(FieldOrderNumber)),
		Status:        strings.ToUpper(strings.TrimSpace(values.Get(FieldPaymentStatus))),
		Amount:        strings.TrimSpace(amount),
		MerchantID:    values.Get(FieldMerchantID),
		Raw:           values.Encode(),
	}
}

// VerifyNotification checks signature and merchant and returns the parsed report. The parsed
// fields are returned alongside any error so the caller can audit what was received.
func (g *Gateway) VerifyNotification(values url.Values) (*Notification, error) {
	n := ParseFields(values)
	if !g.verify(values) {
		return n, ErrInvalidSignature
	}
	if n.MerchantID != g.cfg.MerchantID {
		return n, fmt.Errorf("%w: got %q", ErrMerchantMismatch, n.MerchantID)
	}
	if n.OrderNumber == "" || n.Status == "" || n.TransactionID == "" {
		return n, ErrMalformedNotification
	}
	return n, nil
}

// InitiatePayment registers the payment with the processor and returns its reference. It is a
// no-op when no initiate URL is configured. Timeouts and an open breaker yield
// ErrGatewayUnavailable.
func (g *Gateway) InitiatePayment(ctx context.Context, req PaymentRequest) (string, error) {
	if g.cfg.InitiateURL == "" {
		return "", nil
	}

	ctx, span := util.StartSpan(ctx, "Gateway.InitiatePayment")
	defer span.End()

	start := time.Now()
	defer func() {
		util.PaymentInitiateLatency.Observe(time.Since(start).Seconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	ref, err := g.breaker.Execute(func() (string, error) {
		return g.post(ctx, req.values())
	})
	if err != nil {
		result := "error"
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			result = "breaker_open"
		} else if errors.Is(err, context.DeadlineExceeded) {
			result = "timeout"
		}
		util.GatewayRequestsTotal.WithLabelValues(result).Inc()
		g.logger.Warn("Payment registration failed",
			zap.String("order_number", req.Fields[FieldOrderNumber]),
			zap.String("result", result),
			zap.Error(err))
		return "", fmt.Errorf("%w: %v", ErrGatewayUnavailable, err)
	}

	util.GatewayRequestsTotal.WithLabelValues("ok").Inc()
	return ref, nil
}

func (g *Gateway) post(ctx context.Context, values url.Values) (string, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.cfg.InitiateURL, strings.NewReader(values.Encode()))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := g.client.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if err != nil {
		return "", err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("processor returned status %d", resp.StatusCode)
	}
	return strings.TrimSpace(string(body)), nil
}
