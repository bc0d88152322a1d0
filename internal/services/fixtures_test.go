package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"tab-payment-service/internal/events"
	"tab-payment-service/internal/kms"
	"tab-payment-service/internal/metrics"
	"tab-payment-service/internal/models"
	"tab-payment-service/internal/mpesa"
	"tab-payment-service/internal/repository/memstore"
)

const (
	testMasterKey      = "0123456789abcdef0123456789abcdef"
	testBarID          = "bar-1"
	testTabID          = "tab-1"
	testOwner          = "device-abc"
	testShortCode      = "174379"
	testPasskey        = "bfb279f9aa9bdbcf158e97dd71a467cd2e0c893059b10f78e6b72ada1ed2c919"
	testConsumerKey    = "ck-test-consumer-key"
	testConsumerSecret = "cs-test-consumer-secret"
	testCallbackURL    = "https://tabs.example.com/api/v1/mpesa/callback"
	testPhone          = "0712345678"
)

// fakeGateway imitates the OAuth, STK push and STK query endpoints.
type fakeGateway struct {
	*httptest.Server

	mu           sync.Mutex
	oauthCalls   int
	pushCalls    int
	queryCalls   int
	oauthStatus  int
	pushStatuses []int
	lastPush     mpesa.STKPushRequest
	lastAuth     string
}

func newFakeGateway(t *testing.T) *fakeGateway {
	g := &fakeGateway{}
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", g.oauth)
	mux.HandleFunc(mpesa.STKPushPath, g.push)
	mux.HandleFunc(mpesa.STKQueryPath, g.query)
	g.Server = httptest.NewServer(mux)
	t.Cleanup(g.Close)
	return g
}

func (g *fakeGateway) oauth(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.oauthCalls++
	if g.oauthStatus != 0 {
		writeJSON(w, g.oauthStatus, map[string]string{"errorCode": "401.002.01", "errorMessage": "Invalid credentials"})
		return
	}
	if !strings.HasPrefix(r.Header.Get("Authorization"), "Basic ") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"errorMessage": "missing basic auth"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"access_token": fmt.Sprintf("token-%d", g.oauthCalls),
		"expires_in":   "3599",
	})
}

func (g *fakeGateway) push(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushCalls++
	g.lastAuth = r.Header.Get("Authorization")
	_ = json.NewDecoder(r.Body).Decode(&g.lastPush)

	status := http.StatusOK
	if len(g.pushStatuses) > 0 {
		status, g.pushStatuses = g.pushStatuses[0], g.pushStatuses[1:]
	}
	if status != http.StatusOK {
		writeJSON(w, status, map[string]string{"errorCode": "500.001.1001", "errorMessage": "Unable to lock subscriber"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"MerchantRequestID":   fmt.Sprintf("29115-34620561-%d", g.pushCalls),
		"CheckoutRequestID":   fmt.Sprintf("ws_CO_191220191020363925%02d", g.pushCalls),
		"ResponseCode":        "0",
		"ResponseDescription": "Success. Request accepted for processing",
		"CustomerMessage":     "Success. Request accepted for processing",
	})
}

func (g *fakeGateway) query(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queryCalls++
	var req mpesa.STKQueryRequest
	_ = json.NewDecoder(r.Body).Decode(&req)
	writeJSON(w, http.StatusOK, map[string]string{
		"ResponseCode":        "0",
		"ResponseDescription": "The service request has been accepted successsfully",
		"CheckoutRequestID":   req.CheckoutRequestID,
		"ResultCode":          "1032",
		"ResultDesc":          "Request cancelled by user",
	})
}

func (g *fakeGateway) counts() (oauth, push, query int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.oauthCalls, g.pushCalls, g.queryCalls
}

func (g *fakeGateway) failNextPushes(statuses ...int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.pushStatuses = append(g.pushStatuses, statuses...)
}

func (g *fakeGateway) endpoints() mpesa.Endpoints {
	return mpesa.Endpoints{
		SandboxBaseURL:    g.URL,
		ProductionBaseURL: g.URL,
		SandboxHost:       "127.0.0.1",
		ProductionHost:    "127.0.0.1",
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type fakeQueue struct {
	mu       sync.Mutex
	requests []SettlementRequest
	err      error
}

func (q *fakeQueue) EnqueueSettlement(_ context.Context, req SettlementRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.requests = append(q.requests, req)
	return nil
}

func (q *fakeQueue) queued() []SettlementRequest {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]SettlementRequest(nil), q.requests...)
}

// testEnv wires every service against memstore and a fake gateway.
type testEnv struct {
	db        *memstore.DB
	gw        *fakeGateway
	kms       *kms.Service
	metrics   *metrics.PaymentMetrics
	events    *events.Recorder
	queue     *fakeQueue
	base      *BaseService
	auth      *AuthService
	stk       *STKPushService
	creds     *CredentialService
	resolver  *TenantResolver
	factory   *TenantConfigFactory
	txns      *TransactionService
	machine   *StateMachine
	sync      *OrderSyncService
	autoClose *TabAutoCloseService
	callbacks *CallbackService
	payments  *PaymentService
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	e := &testEnv{
		db:      memstore.New(),
		gw:      newFakeGateway(t),
		metrics: metrics.NewPaymentMetrics(prometheus.NewRegistry()),
		events:  &events.Recorder{},
		queue:   &fakeQueue{},
	}
	var err error
	e.kms, err = kms.New(testMasterKey)
	require.NoError(t, err)

	store := e.db.Store()
	e.base = NewBaseService(nil, e.gw.Client(), NewRateLimiter(time.Minute), e.metrics)
	e.base.Retry = RetryPolicy{BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2}
	e.auth = NewAuthService(e.base)
	e.stk = NewSTKPushService(e.base, e.auth)
	e.creds = NewCredentialService(store.Credentials, e.kms, e.gw.endpoints())
	e.resolver = NewTenantResolver(store.Tabs)
	e.factory = NewTenantConfigFactory(FactorySettings{
		Timeout:            2 * time.Second,
		RetryAttempts:      2,
		RateLimitPerMinute: 100,
		Endpoints:          e.gw.endpoints(),
	}, store.Audit)
	e.txns = NewTransactionService(store.Transactions)
	e.machine = NewStateMachine(e.txns, time.Minute, e.metrics)
	e.machine.OnTransition(PublishTransitions(e.events))
	t.Cleanup(e.machine.Shutdown)
	e.sync = NewOrderSyncService(store)
	e.autoClose = NewTabAutoCloseService(store.Tabs, e.sync, store.Audit, e.metrics)
	e.autoClose.Events = e.events
	e.callbacks = NewCallbackService(nil, e.txns, e.machine, e.sync, e.autoClose, store.CallbackLogs, e.queue, e.metrics)
	e.payments = NewPaymentService(e.resolver, e.creds, e.factory, e.stk, e.txns, e.machine, e.sync, e.metrics, mpesa.Sandbox)

	e.seedTenant(t, testBarID, true)
	e.seedTab(testTabID, testBarID, models.TabOpen)
	e.db.PutOrder(models.TabOrder{ID: "order-1", TabID: testTabID, Total: decimal.NewFromInt(1500), Status: models.OrderConfirmed})
	return e
}

func (e *testEnv) seedTenant(t *testing.T, barID string, active bool) {
	t.Helper()
	e.db.PutBar(models.Bar{ID: barID, Name: "Kilimanjaro Lounge", IsActive: active})
	e.putCredential(t, barID, mpesa.Sandbox, true, time.Now())
}

func (e *testEnv) putCredential(t *testing.T, tenantID string, env mpesa.Environment, active bool, updatedAt time.Time) {
	t.Helper()
	enc := func(s string) []byte {
		b, err := e.kms.EncryptString(s)
		require.NoError(t, err)
		return b
	}
	e.db.PutCredential(models.MpesaCredential{
		ID:                fmt.Sprintf("cred-%s-%s-%d", tenantID, env, updatedAt.UnixNano()),
		TenantID:          tenantID,
		Environment:       string(env),
		BusinessShortCode: testShortCode,
		ConsumerKeyEnc:    enc(testConsumerKey),
		ConsumerSecretEnc: enc(testConsumerSecret),
		PasskeyEnc:        enc(testPasskey),
		CallbackURL:       testCallbackURL,
		IsActive:          active,
		CreatedAt:         updatedAt,
		UpdatedAt:         updatedAt,
	})
}

func (e *testEnv) seedTab(id, barID string, status models.TabStatus) {
	e.db.PutTab(models.Tab{ID: id, BarID: &barID, OwnerIdentifier: testOwner, Status: status})
}

func (e *testEnv) config(t *testing.T) *TenantServiceConfig {
	t.Helper()
	info, err := e.resolver.ResolveTabToTenant(context.Background(), testTabID)
	require.NoError(t, err)
	creds, err := e.creds.GetTenantCredentials(context.Background(), info.TenantID, mpesa.Sandbox)
	require.NoError(t, err)
	cfg, err := e.factory.CreateTenantConfig(context.Background(), info, creds, nil)
	require.NoError(t, err)
	return cfg
}

// initiate pushes a payment for amount on the default tab and returns the sent transaction.
func (e *testEnv) initiate(t *testing.T, amount int64) *InitiatePaymentResult {
	t.Helper()
	res, err := e.payments.InitiatePayment(context.Background(), InitiatePaymentRequest{
		TabID:       testTabID,
		PhoneNumber: testPhone,
		Amount:      decimal.NewFromInt(amount),
	})
	require.NoError(t, err)
	return res
}

func callbackBody(checkoutID string, resultCode int, desc string, items map[string]interface{}) []byte {
	cb := map[string]interface{}{
		"MerchantRequestID": "29115-34620561-1",
		"CheckoutRequestID": checkoutID,
		"ResultCode":        resultCode,
		"ResultDesc":        desc,
	}
	if items != nil {
		var list []map[string]interface{}
		for name, value := range items {
			list = append(list, map[string]interface{}{"Name": name, "Value": value})
		}
		cb["CallbackMetadata"] = map[string]interface{}{"Item": list}
	}
	b, _ := json.Marshal(map[string]interface{}{"Body": map[string]interface{}{"stkCallback": cb}})
	return b
}

func successBody(checkoutID, receipt string, amount float64) []byte {
	return callbackBody(checkoutID, 0, "The service request is processed successfully.", map[string]interface{}{
		"Amount":             amount,
		"MpesaReceiptNumber": receipt,
		"TransactionDate":    json.Number(mpesa.Timestamp(time.Now())),
		"PhoneNumber":        254712345678,
	})
}

func failureBody(checkoutID string, code int, desc string) []byte {
	return callbackBody(checkoutID, code, desc, nil)
}
