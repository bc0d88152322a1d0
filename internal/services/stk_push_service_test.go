package services

import (
	"context"
	"encoding/base64"
	"net/http"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/mpesa"
)

func pushParams(phone string, amount int64) STKPushParams {
	return STKPushParams{
		PhoneNumber:      phone,
		Amount:           decimal.NewFromInt(amount),
		AccountReference: "TABTAB1",
	}
}

func TestValidateSTKPush(t *testing.T) {
	tests := []struct {
		name string
		env  mpesa.Environment
		in   STKPushParams
		code apperr.Code
	}{
		{"local format", mpesa.Sandbox, pushParams("0712345678", 100), ""},
		{"international", mpesa.Sandbox, pushParams("+254 712 345 678", 100), ""},
		{"bare subscriber", mpesa.Sandbox, pushParams("712345678", 100), ""},
		{"too short", mpesa.Sandbox, pushParams("07123", 100), apperr.CodeInvalidPhoneNumber},
		{"landline prefix", mpesa.Sandbox, pushParams("0212345678", 100), apperr.CodeInvalidPhoneNumber},
		{"zero amount", mpesa.Sandbox, pushParams("0712345678", 0), apperr.CodeInvalidAmount},
		{"sandbox ceiling", mpesa.Sandbox, pushParams("0712345678", 70001), apperr.CodeInvalidAmount},
		{"production allows more", mpesa.Production, pushParams("0712345678", 150000), ""},
		{"production ceiling", mpesa.Production, pushParams("0712345678", 150001), apperr.CodeInvalidAmount},
		{"fractional amount", mpesa.Sandbox, STKPushParams{PhoneNumber: "0712345678", Amount: decimal.RequireFromString("10.50"), AccountReference: "TAB1"}, apperr.CodeInvalidAmount},
		{"long reference", mpesa.Sandbox, STKPushParams{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(1), AccountReference: "TAB1234567890"}, apperr.CodeValidationError},
		{"empty reference", mpesa.Sandbox, STKPushParams{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(1)}, apperr.CodeValidationError},
		{"long description", mpesa.Sandbox, STKPushParams{PhoneNumber: "0712345678", Amount: decimal.NewFromInt(1), AccountReference: "TAB1", TransactionDesc: "Payment for tab 1"}, apperr.CodeValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := validateSTKPush(tt.env, tt.in)
			if tt.code == "" {
				require.NoError(t, err)
				assert.Equal(t, "254712345678", v.phone)
				assert.Equal(t, mpesa.DefaultTransactionDesc, v.desc)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.code, apperr.CodeOf(err))
		})
	}
}

func TestSendSTKPushBuildsSignedRequest(t *testing.T) {
	e := newTestEnv(t)
	fixed := time.Date(2024, 1, 15, 11, 30, 22, 0, time.UTC)
	e.base.Now = func() time.Time { return fixed }
	cfg := e.config(t)

	res, err := e.stk.SendSTKPush(context.Background(), cfg, pushParams("0712345678", 500))
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_19122019102036392501", res.CheckoutRequestID)
	assert.Equal(t, "254712345678", res.PhoneNumber)

	e.gw.mu.Lock()
	push, auth := e.gw.lastPush, e.gw.lastAuth
	e.gw.mu.Unlock()

	assert.Equal(t, "Bearer token-1", auth)
	assert.Equal(t, "20240115143022", push.Timestamp)
	assert.Equal(t, base64.StdEncoding.EncodeToString([]byte(testShortCode+testPasskey+"20240115143022")), push.Password)
	assert.Equal(t, int64(500), push.Amount)
	assert.Equal(t, "254712345678", push.PartyA)
	assert.Equal(t, testShortCode, push.PartyB)
	assert.Equal(t, mpesa.TransactionTypePayBill, push.TransactionType)
	assert.Equal(t, testCallbackURL, push.CallBackURL)
}

func TestSendSTKPushRejectsBeforeNetwork(t *testing.T) {
	e := newTestEnv(t)
	cfg := e.config(t)

	_, err := e.stk.SendSTKPush(context.Background(), cfg, pushParams("12345", 100))
	assert.Equal(t, apperr.CodeInvalidPhoneNumber, apperr.CodeOf(err))

	_, err = e.stk.SendSTKPush(context.Background(), cfg, pushParams("0712345678", 0))
	assert.Equal(t, apperr.CodeInvalidAmount, apperr.CodeOf(err))

	oauth, push, _ := e.gw.counts()
	assert.Zero(t, oauth)
	assert.Zero(t, push)
}

func TestSendSTKPushRetriesTransientFailures(t *testing.T) {
	e := newTestEnv(t)
	cfg := e.config(t)
	e.gw.failNextPushes(http.StatusServiceUnavailable, http.StatusTooManyRequests)

	res, err := e.stk.SendSTKPush(context.Background(), cfg, pushParams("0712345678", 100))
	require.NoError(t, err)
	assert.NotEmpty(t, res.CheckoutRequestID)

	oauth, push, _ := e.gw.counts()
	assert.Equal(t, 1, oauth)
	assert.Equal(t, 3, push)
}

func TestSendSTKPushGivesUpAfterRetries(t *testing.T) {
	e := newTestEnv(t)
	cfg := e.config(t)
	e.gw.failNextPushes(500, 500, 500, 500)

	_, err := e.stk.SendSTKPush(context.Background(), cfg, pushParams("0712345678", 100))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeGatewayError, apperr.CodeOf(err))

	_, push, _ := e.gw.counts()
	assert.Equal(t, cfg.RetryAttempts+1, push)
}

func TestSendSTKPushUnauthorizedIsNotRetried(t *testing.T) {
	e := newTestEnv(t)
	cfg := e.config(t)
	e.gw.failNextPushes(http.StatusUnauthorized)

	_, err := e.stk.SendSTKPush(context.Background(), cfg, pushParams("0712345678", 100))
	require.Error(t, err)
	assert.Equal(t, apperr.CodeAuthenticationError, apperr.CodeOf(err))

	_, push, _ := e.gw.counts()
	assert.Equal(t, 1, push)

	e.auth.mu.Lock()
	_, cached := e.auth.cache[tokenKey(cfg)]
	e.auth.mu.Unlock()
	assert.False(t, cached, "token should be invalidated after 401")

	_, err = e.stk.SendSTKPush(context.Background(), cfg, pushParams("0712345678", 100))
	require.NoError(t, err)
	oauth, _, _ := e.gw.counts()
	assert.Equal(t, 2, oauth)
}

func TestSendSTKPushRateLimited(t *testing.T) {
	e := newTestEnv(t)
	cfg := e.config(t)
	cfg.RateLimitPerMinute = 2

	for i := 0; i < 2; i++ {
		_, err := e.stk.SendSTKPush(context.Background(), cfg, pushParams("0712345678", 100))
		require.NoError(t, err)
	}
	_, err := e.stk.SendSTKPush(context.Background(), cfg, pushParams("0712345678", 100))
	assert.Equal(t, apperr.CodeRateLimitExceeded, apperr.CodeOf(err))

	_, push, _ := e.gw.counts()
	assert.Equal(t, 2, push)
}

func TestSendSTKPushBackoffHonoursCancellation(t *testing.T) {
	e := newTestEnv(t)
	e.base.Retry = RetryPolicy{BaseDelay: time.Hour, MaxDelay: time.Hour, Factor: 2}
	cfg := e.config(t)
	e.gw.failNextPushes(500)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	started := time.Now()
	_, err := e.stk.SendSTKPush(ctx, cfg, pushParams("0712345678", 100))
	require.Error(t, err)
	assert.Less(t, time.Since(started), 5*time.Second)
	assert.Equal(t, apperr.CodeTimeoutError, apperr.CodeOf(err))
}

func TestQuerySTKStatus(t *testing.T) {
	e := newTestEnv(t)
	cfg := e.config(t)

	out, err := e.stk.QuerySTKStatus(context.Background(), cfg, "ws_CO_123")
	require.NoError(t, err)
	assert.Equal(t, "ws_CO_123", out.CheckoutRequestID)
	code, err := out.ResultCode.Int()
	require.NoError(t, err)
	assert.Equal(t, mpesa.ResultCodeUserCancelled, code)

	_, err = e.stk.QuerySTKStatus(context.Background(), cfg, " ")
	assert.Equal(t, apperr.CodeValidationError, apperr.CodeOf(err))
}

func TestAccessTokenIsCached(t *testing.T) {
	e := newTestEnv(t)
	cfg := e.config(t)
	now := time.Now()
	e.base.Now = func() time.Time { return now }

	tok, err := e.auth.GenerateAccessToken(context.Background(), cfg)
	require.NoError(t, err)
	again, err := e.auth.GenerateAccessToken(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, tok, again)
	oauth, _, _ := e.gw.counts()
	assert.Equal(t, 1, oauth)

	// 3599s lifetime less the 60s buffer.
	e.base.Now = func() time.Time { return now.Add(3539 * time.Second) }
	_, err = e.auth.GenerateAccessToken(context.Background(), cfg)
	require.NoError(t, err)
	oauth, _, _ = e.gw.counts()
	assert.Equal(t, 2, oauth)

	refreshed, err := e.auth.RefreshAccessToken(context.Background(), cfg)
	require.NoError(t, err)
	assert.Equal(t, "token-3", refreshed)
}

func TestAccessTokenUnauthorized(t *testing.T) {
	e := newTestEnv(t)
	cfg := e.config(t)
	e.gw.oauthStatus = http.StatusUnauthorized

	_, err := e.auth.GenerateAccessToken(context.Background(), cfg)
	assert.Equal(t, apperr.CodeAuthenticationError, apperr.CodeOf(err))
	assert.False(t, apperr.IsRetryable(err))
}

func TestValidateToken(t *testing.T) {
	e := newTestEnv(t)
	cfg := e.config(t)

	ok, err := e.auth.ValidateToken(context.Background(), cfg, "token-1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRetryPolicyDelay(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, time.Second, p.Delay(1))
	assert.Equal(t, 2*time.Second, p.Delay(2))
	assert.Equal(t, 4*time.Second, p.Delay(3))
	assert.Equal(t, 8*time.Second, p.Delay(4))
	assert.Equal(t, 10*time.Second, p.Delay(5))
	assert.Equal(t, 10*time.Second, p.Delay(12))
}

func TestRateLimiterSlidingWindow(t *testing.T) {
	rl := NewRateLimiter(time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("bar-1:stk_push", 2))
	assert.True(t, rl.Allow("bar-1:stk_push", 2))
	assert.False(t, rl.Allow("bar-1:stk_push", 2))
	assert.True(t, rl.Allow("bar-2:stk_push", 2), "keys are independent")

	now = now.Add(61 * time.Second)
	assert.True(t, rl.Allow("bar-1:stk_push", 2))

	rl.Reset()
	assert.True(t, rl.Allow("bar-1:stk_push", 1))
}
