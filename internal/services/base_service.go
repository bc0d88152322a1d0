package services

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/logging"
	"tab-payment-service/internal/metrics"
	"tab-payment-service/pkg/common"
)

type RetryPolicy struct {
	BaseDelay time.Duration
	MaxDelay  time.Duration
	Factor    float64
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{BaseDelay: time.Second, MaxDelay: 10 * time.Second, Factor: 2}
}

// Delay returns the wait before retry number n (1-based).
func (p RetryPolicy) Delay(n int) time.Duration {
	d := float64(p.BaseDelay)
	for i := 1; i < n; i++ {
		d *= p.Factor
		if time.Duration(d) >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if time.Duration(d) > p.MaxDelay {
		return p.MaxDelay
	}
	return time.Duration(d)
}

// BaseService carries the plumbing every gateway-facing service shares.
type BaseService struct {
	Logger     *logrus.Logger
	HTTPClient *http.Client
	Retry      RetryPolicy
	Limiter    *RateLimiter
	Metrics    *metrics.PaymentMetrics
	Now        func() time.Time
}

func NewBaseService(logger *logrus.Logger, client *http.Client, limiter *RateLimiter, m *metrics.PaymentMetrics) *BaseService {
	if logger == nil {
		logger = logging.Logger()
	}
	if client == nil {
		client = &http.Client{}
	}
	if limiter == nil {
		limiter = NewRateLimiter(time.Minute)
	}
	return &BaseService{
		Logger:     logger,
		HTTPClient: client,
		Retry:      DefaultRetryPolicy(),
		Limiter:    limiter,
		Metrics:    m,
		Now:        time.Now,
	}
}

func (b *BaseService) now() time.Time {
	if b.Now == nil {
		return time.Now()
	}
	return b.Now()
}

func (b *BaseService) log(ctx context.Context) *logrus.Entry {
	entry := logging.FromContext(ctx)
	entry.Logger = b.Logger
	return entry
}

// CheckRateLimit records one call for tenant+operation against limit per window.
func (b *BaseService) CheckRateLimit(tenantID, operation string, limit int) error {
	key := tenantID + ":" + operation
	if !b.Limiter.Allow(key, limit) {
		return apperr.Newf(apperr.CodeRateLimitExceeded, "%s exceeded %d requests per %s", key, limit, b.Limiter.Window())
	}
	return nil
}

// WithRetry runs fn until it succeeds, returns a non-retryable error, or
// retries are used up. Waits between attempts honour ctx.
func (b *BaseService) WithRetry(ctx context.Context, operation string, retries int, fn func(ctx context.Context) error) error {
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx)
		if err == nil {
			return nil
		}
		if !apperr.IsRetryable(err) || attempt >= retries {
			return err
		}

		delay := b.Retry.Delay(attempt + 1)
		b.log(ctx).WithFields(logrus.Fields{
			"operation": operation,
			"attempt":   attempt + 1,
			"delay":     delay.String(),
			"error":     err.Error(),
		}).Warn("Retrying gateway call")

		if waitErr := sleepCtx(ctx, delay); waitErr != nil {
			return classifyTransportError(waitErr, operation)
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// doGateway sends one request with a per-call timeout and maps failures onto the error catalogue.
func (b *BaseService) doGateway(ctx context.Context, operation, method, url string, timeout time.Duration, payload interface{}, headers map[string]string) (*common.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	resp, err := common.Do(callCtx, b.HTTPClient, method, url, payload, headers)
	if err != nil {
		b.Metrics.ObserveGatewayRequest(operation, "error", started)
		return nil, classifyTransportError(err, operation)
	}
	b.Metrics.ObserveGatewayRequest(operation, fmt.Sprint(resp.StatusCode), started)

	if resp.OK() {
		return resp, nil
	}
	return resp, classifyStatus(resp, operation)
}

func classifyTransportError(err error, operation string) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return apperr.Wrap(apperr.CodeTimeoutError, err, operation+" timed out")
	}
	if errors.Is(err, context.Canceled) {
		e := apperr.Wrap(apperr.CodeNetworkError, err, operation+" cancelled")
		e.Retryable = false
		return e
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.Wrap(apperr.CodeTimeoutError, err, operation+" timed out")
	}
	return apperr.Wrap(apperr.CodeNetworkError, err, operation+" transport failure")
}

func classifyStatus(resp *common.Response, operation string) error {
	detail := gatewayErrorDetail(resp)
	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return apperr.Newf(apperr.CodeAuthenticationError, "%s rejected credentials: %s", operation, detail)
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperr.Newf(apperr.CodeRateLimitExceeded, "%s throttled by gateway: %s", operation, detail)
	case resp.StatusCode >= 500:
		return apperr.Newf(apperr.CodeGatewayError, "%s returned %d: %s", operation, resp.StatusCode, detail)
	default:
		return apperr.Newf(apperr.CodeGatewayRejected, "%s returned %d: %s", operation, resp.StatusCode, detail)
	}
}

func gatewayErrorDetail(resp *common.Response) string {
	var body struct {
		ErrorCode    string `json:"errorCode"`
		ErrorMessage string `json:"errorMessage"`
	}
	if err := resp.Decode(&body); err == nil && (body.ErrorCode != "" || body.ErrorMessage != "") {
		return body.ErrorCode + " " + body.ErrorMessage
	}
	if len(resp.Body) > 200 {
		return string(resp.Body[:200])
	}
	return string(resp.Body)
}
