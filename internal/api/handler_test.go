package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"

	"storefront/internal/models"
	"storefront/internal/payment"
	"storefront/internal/pricing"
	"storefront/internal/service"
	"storefront/internal/store"
	"storefront/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret   = "test-jwt-secret"
	testMerchant = "10000100"
)

func TestMain(m *testing.M) {
	_ = util.InitLogger(util.LoggerConfig{Env: "test"})
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

type downPinger struct{}

func (downPinger) Ping(ctx context.Context) error { return errors.New("connection refused") }

type testServer struct {
	router  *gin.Engine
	st      *store.MemoryStore
	gateway *payment.Gateway
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st := store.NewMemoryStore()

	engine, err := pricing.NewEngine(5000, 50000, "0.15")
	require.NoError(t, err)
	gw, err := payment.NewGateway(payment.Config{
		MerchantID:  testMerchant,
		MerchantKey: "46f0cd694581a",
		Secret:      "jt7NOE43FZPn",
		ProcessURL:  "https://pay.example.test/eng/process",
		ReturnURL:   "http://shop.test/payments/return",
		NotifyURL:   "http://shop.test/payments/notify",
	})
	require.NoError(t, err)

	guard := service.NewInventoryGuard(nil)
	orders := service.NewOrderService(st, engine, guard, nil, 0)
	h := NewHandler(
		service.NewCartService(st, guard, engine),
		orders,
		service.NewPaymentService(orders, gw),
		service.NewReconciler(orders, gw, 3, time.Millisecond),
		st,
		Options{JWTSecret: testSecret},
	)

	router := gin.New()
	h.SetupRoutes(router)
	return &testServer{router: router, st: st, gateway: gw}
}

func token(t *testing.T, sub, role string) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": sub, "exp": time.Now().Add(time.Hour).Unix()}
	if role != "" {
		claims["role"] = role
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testSecret))
	require.NoError(t, err)
	return signed
}

type call struct {
	method  string
	path    string
	body    interface{}
	form    url.Values
	headers map[string]string
	cookies []*http.Cookie
}

func (s *testServer) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	var (
		req *http.Request
		err error
	)
	switch {
	case c.form != nil:
		req, err = http.NewRequest(c.method, c.path, strings.NewReader(c.form.Encode()))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	case c.body != nil:
		raw, merr := json.Marshal(c.body)
		require.NoError(t, merr)
		req, err = http.NewRequest(c.method, c.path, bytes.NewReader(raw))
		require.NoError(t, err)
		req.Header.Set("Content-Type", "application/json")
	default:
		req, err = http.NewRequest(c.method, c.path, nil)
		require.NoError(t, err)
	}
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	for _, ck := range c.cookies {
		req.AddCookie(ck)
	}

	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func bearer(tok string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + tok}
}

func (s *testServer) checkout(t *testing.T, auth map[string]string, productID int64, qty int) string {
	t.Helper()
	w := s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", headers: auth,
		body: gin.H{"product_id": productID, "quantity": qty}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	headers := map[string]string{"Idempotency-Key": "attempt-1"}
	for k, v := range auth {
		headers[k] = v
	}
	w = s.do(t, call{method: http.MethodPost, path: "/api/v1/checkout", headers: headers,
		body: gin.H{"shipping_address_ref": "addr-1", "payment_method": "card"}})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	order := decode(t, w)["order"].(map[string]interface{})
	return order["order_number"].(string)
}

func (s *testServer) signed(orderNumber, txID, status, amount string) url.Values {
	v := url.Values{}
	v.Set(payment.FieldMerchantID, testMerchant)
	v.Set(payment.FieldTransactionID, txID)
	v.Set(payment.FieldOrderNumber, orderNumber)
	v.Set(payment.FieldPaymentStatus, status)
	v.Set(payment.FieldAmountGross, amount)
	v.Set(payment.FieldSignature, s.gateway.Sign(v))
	return v
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, call{method: http.MethodGet, path: "/health"})
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, call{method: http.MethodGet, path: "/ready"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ready", decode(t, w)["status"])
}

func TestReadiness_StoreDown(t *testing.T) {
	h := NewHandler(nil, nil, nil, nil, downPinger{}, Options{})
	router := gin.New()
	h.SetupRoutes(router)

	w := httptest.NewRecorder()
	req, _ := http.NewRequest(http.MethodGet, "/ready", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestCart_SessionCookie(t *testing.T) {
	s := newTestServer(t)
	pid := s.st.SeedProduct("SKU-1", "Kettle", 10000, 10)

	w := s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items",
		body: gin.H{"product_id": pid, "quantity": 2}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	cookies := w.Result().Cookies()
	require.Len(t, cookies, 1)
	assert.Equal(t, sessionCookie, cookies[0].Name)
	assert.True(t, cookies[0].HttpOnly)

	// same session sees its cart, a new visitor does not
	w = s.do(t, call{method: http.MethodGet, path: "/api/v1/cart", cookies: cookies})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 2, decode(t, w)["item_count"])

	w = s.do(t, call{method: http.MethodGet, path: "/api/v1/cart"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.EqualValues(t, 0, decode(t, w)["item_count"])
}

func TestCart_Errors(t *testing.T) {
	s := newTestServer(t)
	auth := bearer(token(t, "42", ""))
	pid := s.st.SeedProduct("SKU-1", "Kettle", 10000, 10)

	w := s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", headers: auth,
		body: gin.H{"product_id": 999, "quantity": 1}})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", headers: auth,
		body: gin.H{"product_id": pid, "quantity": -1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, call{method: http.MethodPatch, path: "/api/v1/cart/items/abc", headers: auth,
		body: gin.H{"quantity": 1}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, call{method: http.MethodDelete, path: "/api/v1/cart/items/12345", headers: auth})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, call{method: http.MethodGet, path: "/api/v1/cart", headers: bearer("not-a-token")})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCheckout_CreatesOrderAndPaymentRequest(t *testing.T) {
	s := newTestServer(t)
	auth := bearer(token(t, "42", ""))
	pid := s.st.SeedProduct("SKU-1", "Kettle", 10000, 10)

	s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", headers: auth,
		body: gin.H{"product_id": pid, "quantity": 2}})

	headers := map[string]string{"Idempotency-Key": "attempt-1"}
	for k, v := range auth {
		headers[k] = v
	}
	body := gin.H{"shipping_address_ref": "addr-1", "payment_method": "card"}

	w := s.do(t, call{method: http.MethodPost, path: "/api/v1/checkout", headers: headers, body: body})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	first := decode(t, w)
	order := first["order"].(map[string]interface{})
	assert.Equal(t, models.OrderStatusPendingPayment, order["status"])
	assert.EqualValues(t, 28000, order["total_amount"])
	assert.Equal(t, "user:42", order["owner_ref"])

	fields := first["payment"].(map[string]interface{})["fields"].(map[string]interface{})
	assert.Equal(t, "280.00", fields[payment.FieldAmount])
	assert.Equal(t, order["order_number"], fields[payment.FieldOrderNumber])
	assert.NotEmpty(t, fields[payment.FieldSignature])
	assert.Equal(t, 8, s.st.Available(pid))

	// a retried request replays the same order
	w = s.do(t, call{method: http.MethodPost, path: "/api/v1/checkout", headers: headers, body: body})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	replay := decode(t, w)
	assert.Equal(t, true, replay["replayed"])
	assert.Equal(t, order["order_number"], replay["order"].(map[string]interface{})["order_number"])
	assert.Equal(t, 8, s.st.Available(pid))
}

func TestCheckout_Rejections(t *testing.T) {
	s := newTestServer(t)
	auth := bearer(token(t, "42", ""))
	pid := s.st.SeedProduct("SKU-1", "Kettle", 10000, 1)

	w := s.do(t, call{method: http.MethodPost, path: "/api/v1/checkout", headers: auth,
		body: gin.H{"payment_method": "card"}})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, call{method: http.MethodPost, path: "/api/v1/checkout", headers: auth,
		body: gin.H{"shipping_address_ref": "addr-1", "payment_method": "card"}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", headers: auth,
		body: gin.H{"product_id": pid, "quantity": 1}})
	w = s.do(t, call{method: http.MethodPost, path: "/api/v1/checkout", headers: auth,
		body: gin.H{"shipping_address_ref": "addr-1", "payment_method": "card", "coupon_code": "NOPE"}})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestCheckout_InsufficientStockBody(t *testing.T) {
	s := newTestServer(t)
	alice := bearer(token(t, "alice", ""))
	bob := bearer(token(t, "bob", ""))
	pid := s.st.SeedProduct("SKU-1", "Kettle", 10000, 1)

	for _, auth := range []map[string]string{alice, bob} {
		w := s.do(t, call{method: http.MethodPost, path: "/api/v1/cart/items", headers: auth,
			body: gin.H{"product_id": pid, "quantity": 1}})
		require.Equal(t, http.StatusOK, w.Code)
	}

	w := s.do(t, call{method: http.MethodPost, path: "/api/v1/checkout", headers: alice,
		body: gin.H{"shipping_address_ref": "addr-1", "payment_method": "card"}})
	require.Equal(t, http.StatusCreated, w.Code)

	w = s.do(t, call{method: http.MethodPost, path: "/api/v1/checkout", headers: bob,
		body: gin.H{"shipping_address_ref": "addr-2", "payment_method": "card"}})
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode(t, w)
	assert.EqualValues(t, pid, body["product_id"])
	assert.EqualValues(t, 0, body["available"])
	assert.EqualValues(t, 1, body["requested"])
}

func TestPaymentNotify(t *testing.T) {
	s := newTestServer(t)
	auth := bearer(token(t, "42", ""))
	pid := s.st.SeedProduct("SKU-1", "Kettle", 10000, 10)
	number := s.checkout(t, auth, pid, 2)

	form := s.signed(number, "1089250", "COMPLETE", "280.00")
	for i := 0; i < 2; i++ {
		w := s.do(t, call{method: http.MethodPost, path: "/payments/notify", form: form})
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "OK", w.Body.String())
		assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
	}

	w := s.do(t, call{method: http.MethodGet, path: "/api/v1/orders/" + number, headers: auth})
	require.Equal(t, http.StatusOK, w.Code)
	order := decode(t, w)["order"].(map[string]interface{})
	assert.Equal(t, models.OrderStatusProcessing, order["status"])
	assert.Equal(t, models.PaymentStatusPaid, order["payment_status"])
}

func TestPaymentNotify_Forged(t *testing.T) {
	s := newTestServer(t)
	auth := bearer(token(t, "42", ""))
	pid := s.st.SeedProduct("SKU-1", "Kettle", 10000, 10)
	number := s.checkout(t, auth, pid, 2)

	form := s.signed(number, "1089250", "COMPLETE", "280.00")
	form.Set(payment.FieldAmountGross, "1.00")

	w := s.do(t, call{method: http.MethodPost, path: "/payments/notify", form: form})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, call{method: http.MethodGet, path: "/api/v1/orders/" + number, headers: auth})
	order := decode(t, w)["order"].(map[string]interface{})
	assert.Equal(t, models.PaymentStatusUnpaid, order["payment_status"])
}

func TestPaymentNotify_UnknownOrderIsAcknowledged(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, call{method: http.MethodPost, path: "/payments/notify",
		form: s.signed("SF-20240101-DEADBEEF", "1", "COMPLETE", "10.00")})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "OK", w.Body.String())
}

func TestPaymentReturn(t *testing.T) {
	s := newTestServer(t)
	auth := bearer(token(t, "42", ""))
	pid := s.st.SeedProduct("SKU-1", "Kettle", 10000, 10)
	number := s.checkout(t, auth, pid, 2)

	// unsigned success claim can only mark the order pending
	w := s.do(t, call{method: http.MethodGet,
		path: "/payments/return?m_payment_id=" + number + "&payment_status=COMPLETE"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, w.Body.String(), number)
	assert.Contains(t, w.Body.String(), "Payment processing")
	assert.Contains(t, w.Body.String(), "280.00")

	w = s.do(t, call{method: http.MethodGet, path: "/api/v1/orders/" + number, headers: auth})
	order := decode(t, w)["order"].(map[string]interface{})
	assert.Equal(t, models.PaymentStatusPending, order["payment_status"])

	signed := s.signed(number, "1089250", "COMPLETE", "280.00")
	w = s.do(t, call{method: http.MethodGet, path: "/payments/return?" + signed.Encode()})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "Thank you for your order")

	w = s.do(t, call{method: http.MethodGet, path: "/payments/return"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, call{method: http.MethodGet, path: "/payments/return?m_payment_id=SF-20240101-DEADBEEF"})
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestOrders_OwnerScoped(t *testing.T) {
	s := newTestServer(t)
	alice := bearer(token(t, "alice", ""))
	pid := s.st.SeedProduct("SKU-1", "Kettle", 10000, 10)
	number := s.checkout(t, alice, pid, 2)

	w := s.do(t, call{method: http.MethodGet, path: "/api/v1/orders/" + number,
		headers: bearer(token(t, "mallory", ""))})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + number + "/cancel",
		headers: bearer(token(t, "mallory", ""))})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + number + "/cancel", headers: alice})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	order := decode(t, w)["order"].(map[string]interface{})
	assert.Equal(t, models.OrderStatusCancelled, order["status"])
	assert.Equal(t, 10, s.st.Available(pid))

	w = s.do(t, call{method: http.MethodPost, path: "/api/v1/orders/" + number + "/cancel", headers: alice})
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestAdmin_Auth(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, call{method: http.MethodGet, path: "/admin/orders"})
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, call{method: http.MethodGet, path: "/admin/orders", headers: bearer(token(t, "42", ""))})
	assert.Equal(t, http.StatusForbidden, w.Code)

	forged, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x", "role": "admin"}).
		SignedString([]byte("other-secret"))
	require.NoError(t, err)
	w = s.do(t, call{method: http.MethodGet, path: "/admin/orders", headers: bearer(forged)})
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdmin_ListAndTransition(t *testing.T) {
	s := newTestServer(t)
	auth := bearer(token(t, "42", ""))
	admin := bearer(token(t, "ops", "admin"))
	pid := s.st.SeedProduct("SKU-1", "Kettle", 10000, 10)
	number := s.checkout(t, auth, pid, 2)

	w := s.do(t, call{method: http.MethodGet, path: "/admin/orders?status=pending_payment", headers: admin})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, decode(t, w)["orders"], 1)

	w = s.do(t, call{method: http.MethodGet, path: "/admin/orders?limit=x", headers: admin})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// shipping an unpaid order is not allowed
	w = s.do(t, call{method: http.MethodPatch, path: "/admin/orders/" + number + "/status", headers: admin,
		body: gin.H{"status": models.OrderStatusShipped}})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, models.OrderStatusPendingPayment, decode(t, w)["from"])

	w = s.do(t, call{method: http.MethodPost, path: "/payments/notify",
		form: s.signed(number, "1089250", "COMPLETE", "280.00")})
	require.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, call{method: http.MethodPatch, path: "/admin/orders/" + number + "/status", headers: admin,
		body: gin.H{"status": models.OrderStatusShipped}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.OrderStatusShipped, decode(t, w)["order"].(map[string]interface{})["status"])

	w = s.do(t, call{method: http.MethodGet, path: "/admin/orders/" + number, headers: admin})
	require.Equal(t, http.StatusOK, w.Code)
	detail := decode(t, w)
	changes := detail["changes"].([]interface{})
	require.NotEmpty(t, changes)
	last := changes[len(changes)-1].(map[string]interface{})
	assert.Equal(t, models.OrderStatusShipped, last["to_status"])
	assert.Equal(t, "admin:ops", last["actor"])
	assert.Len(t, detail["notifications"], 1)

	w = s.do(t, call{method: http.MethodGet, path: "/admin/orders/SF-20240101-DEADBEEF", headers: admin})
	assert.Equal(t, http.StatusNotFound, w.Code)
}
