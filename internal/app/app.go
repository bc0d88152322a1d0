package app

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"tab-payment-service/internal/config"
	"tab-payment-service/internal/events"
	"tab-payment-service/internal/kms"
	"tab-payment-service/internal/metrics"
	"tab-payment-service/internal/mpesa"
	"tab-payment-service/internal/repository"
	"tab-payment-service/internal/services"
)

// Dependencies are the process-level resources the services are built on.
type Dependencies struct {
	Config     *config.Config
	Store      *repository.Store
	Queue      services.SettlementQueue
	Publisher  events.Publisher
	Registerer prometheus.Registerer
	Logger     *logrus.Logger
}

// Services holds every service of the payment core, wired together.
type Services struct {
	KMS          *kms.Service
	Metrics      *metrics.PaymentMetrics
	Store        *repository.Store
	Credentials  *services.CredentialService
	Resolver     *services.TenantResolver
	Factory      *services.TenantConfigFactory
	STK          *services.STKPushService
	Transactions *services.TransactionService
	Machine      *services.StateMachine
	Sync         *services.OrderSyncService
	AutoClose    *services.TabAutoCloseService
	Callbacks    *services.CallbackService
	Payments     *services.PaymentService
}

func Endpoints(cfg config.Mpesa) mpesa.Endpoints {
	return mpesa.Endpoints{
		SandboxBaseURL:    cfg.SandboxBaseURL,
		ProductionBaseURL: cfg.ProductionBaseURL,
		SandboxHost:       cfg.SandboxHost,
		ProductionHost:    cfg.ProductionHost,
	}
}

// CallbackAuthenticator checks the envelope and, when addresses are configured, the sender IP.
func CallbackAuthenticator(allowed []string) (services.CallbackAuthenticator, error) {
	if len(allowed) == 0 {
		return services.EnvelopeAuthenticator{}, nil
	}
	ipList, err := services.NewIPAllowListAuthenticator(allowed)
	if err != nil {
		return nil, err
	}
	return services.ChainAuthenticators(ipList, services.EnvelopeAuthenticator{}), nil
}

func Build(d Dependencies) (*Services, error) {
	if d.Config == nil || d.Store == nil {
		return nil, errors.New("app: config and store are required")
	}
	cfg := d.Config.Mpesa

	env, err := mpesa.ParseEnvironment(cfg.DefaultEnvironment)
	if err != nil {
		return nil, err
	}
	keys, err := kms.New(cfg.KMSMasterKey)
	if err != nil {
		return nil, fmt.Errorf("kms: %w", err)
	}
	auth, err := CallbackAuthenticator(cfg.CallbackAllowedIPs)
	if err != nil {
		keys.Close()
		return nil, err
	}

	publisher := d.Publisher
	if publisher == nil {
		publisher = events.NoopPublisher{}
	}
	registerer := d.Registerer
	if registerer == nil {
		registerer = prometheus.NewRegistry()
	}

	s := &Services{KMS: keys, Store: d.Store}
	s.Metrics = metrics.NewPaymentMetrics(registerer)

	base := services.NewBaseService(d.Logger, &http.Client{}, services.NewRateLimiter(time.Minute), s.Metrics)
	s.STK = services.NewSTKPushService(base, services.NewAuthService(base))
	s.Credentials = services.NewCredentialService(d.Store.Credentials, keys, Endpoints(cfg))
	s.Resolver = services.NewTenantResolver(d.Store.Tabs)
	s.Factory = services.NewTenantConfigFactory(services.FactorySettings{
		AllowProduction:    cfg.AllowProduction,
		Timeout:            cfg.HTTPTimeout,
		RetryAttempts:      cfg.RetryAttempts,
		RateLimitPerMinute: cfg.RateLimitPerMinute,
		Endpoints:          Endpoints(cfg),
	}, d.Store.Audit)

	s.Transactions = services.NewTransactionService(d.Store.Transactions)
	s.Machine = services.NewStateMachine(s.Transactions, cfg.TransactionTimeout, s.Metrics)
	s.Machine.OnTransition(services.PublishTransitions(publisher))

	s.Sync = services.NewOrderSyncService(d.Store)
	s.AutoClose = services.NewTabAutoCloseService(d.Store.Tabs, s.Sync, d.Store.Audit, s.Metrics)
	s.AutoClose.Events = publisher

	s.Callbacks = services.NewCallbackService(auth, s.Transactions, s.Machine, s.Sync, s.AutoClose, d.Store.CallbackLogs, d.Queue, s.Metrics)
	s.Payments = services.NewPaymentService(s.Resolver, s.Credentials, s.Factory, s.STK, s.Transactions, s.Machine, s.Sync, s.Metrics, env)
	return s, nil
}

// Close stops pending timers and wipes the master key.
func (s *Services) Close() {
	s.Machine.Shutdown()
	s.KMS.Close()
}
