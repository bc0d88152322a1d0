package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/config"
	"tab-payment-service/internal/events"
	"tab-payment-service/internal/mpesa"
	"tab-payment-service/internal/repository/memstore"
	"tab-payment-service/internal/services"
)

func testConfig() *config.Config {
	return &config.Config{
		Mpesa: config.Mpesa{
			KMSMasterKey:       "0123456789abcdef0123456789abcdef",
			DefaultEnvironment: "sandbox",
			SandboxBaseURL:     mpesa.DefaultSandboxBaseURL,
			ProductionBaseURL:  mpesa.DefaultProductionBaseURL,
			SandboxHost:        mpesa.SandboxHost,
			ProductionHost:     mpesa.ProductionHost,
			HTTPTimeout:        30 * time.Second,
			RetryAttempts:      3,
			RateLimitPerMinute: 10,
			TransactionTimeout: 5 * time.Minute,
		},
	}
}

func TestBuildWiresServices(t *testing.T) {
	rec := &events.Recorder{}
	s, err := Build(Dependencies{Config: testConfig(), Store: memstore.New().Store(), Publisher: rec})
	require.NoError(t, err)
	defer s.Close()

	assert.NotNil(t, s.Payments)
	assert.NotNil(t, s.Callbacks)
	assert.Same(t, s.Machine, s.Callbacks.Machine)
	assert.Equal(t, rec, s.AutoClose.Events)
	assert.Equal(t, 30*time.Second, s.Factory.Settings.Timeout)
	assert.Equal(t, mpesa.DefaultEndpoints(), s.Factory.Settings.Endpoints)

	blob, err := s.KMS.EncryptString("secret")
	require.NoError(t, err)
	plain, err := s.KMS.DecryptString(blob)
	require.NoError(t, err)
	assert.Equal(t, "secret", plain)
}

func TestBuildRejectsBadConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Mpesa.KMSMasterKey = "short"
	_, err := Build(Dependencies{Config: cfg, Store: memstore.New().Store()})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Mpesa.DefaultEnvironment = "staging"
	_, err = Build(Dependencies{Config: cfg, Store: memstore.New().Store()})
	assert.Error(t, err)

	cfg = testConfig()
	cfg.Mpesa.CallbackAllowedIPs = []string{"not-an-ip"}
	_, err = Build(Dependencies{Config: cfg, Store: memstore.New().Store()})
	assert.Error(t, err)

	_, err = Build(Dependencies{Config: testConfig()})
	assert.Error(t, err)
}

func TestCallbackAuthenticatorChecksSender(t *testing.T) {
	auth, err := CallbackAuthenticator([]string{"196.201.214.0/24"})
	require.NoError(t, err)

	envelope := &mpesa.CallbackEnvelope{}
	envelope.Body.STKCallback = &mpesa.STKCallback{MerchantRequestID: "29115-34620561-1", CheckoutRequestID: "ws_CO_1"}

	err = auth.Authenticate(context.Background(), &services.CallbackRequest{RemoteIP: "10.0.0.1", Envelope: envelope})
	assert.True(t, apperr.HasCode(err, apperr.CodeValidationError))
	assert.NoError(t, auth.Authenticate(context.Background(), &services.CallbackRequest{RemoteIP: "196.201.214.200", Envelope: envelope}))

	open, err := CallbackAuthenticator(nil)
	require.NoError(t, err)
	assert.IsType(t, services.EnvelopeAuthenticator{}, open)
}
