package services

import (
	"context"
	"encoding/base64"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/mpesa"
)

const tokenExpiryBuffer = 60 * time.Second

type cachedToken struct {
	token     string
	expiresAt time.Time
}

// AuthService obtains and caches OAuth tokens per (environment, shortcode).
type AuthService struct {
	*BaseService

	mu    sync.Mutex
	cache map[string]cachedToken
}

func NewAuthService(base *BaseService) *AuthService {
	return &AuthService{BaseService: base, cache: map[string]cachedToken{}}
}

func tokenKey(cfg *TenantServiceConfig) string {
	return string(cfg.Environment) + ":" + cfg.BusinessShortCode
}

// GenerateAccessToken returns a cached token when it is still valid.
func (s *AuthService) GenerateAccessToken(ctx context.Context, cfg *TenantServiceConfig) (string, error) {
	key := tokenKey(cfg)
	s.mu.Lock()
	cached, ok := s.cache[key]
	s.mu.Unlock()
	if ok && s.now().Before(cached.expiresAt) {
		return cached.token, nil
	}
	return s.RefreshAccessToken(ctx, cfg)
}

// RefreshAccessToken always calls the gateway and replaces the cached token.
func (s *AuthService) RefreshAccessToken(ctx context.Context, cfg *TenantServiceConfig) (string, error) {
	issuedAt := s.now()
	basic := base64.StdEncoding.EncodeToString([]byte(cfg.ConsumerKey + ":" + cfg.ConsumerSecret))

	resp, err := s.doGateway(ctx, "oauth", http.MethodGet, cfg.BaseURL+mpesa.OAuthPath, cfg.Timeout, nil,
		map[string]string{"Authorization": "Basic " + basic})
	if err != nil {
		if apperr.HasCode(err, apperr.CodeAuthenticationError) {
			s.InvalidateToken(cfg)
		}
		return "", err
	}

	var body mpesa.OAuthResponse
	if err := resp.Decode(&body); err != nil || body.AccessToken == "" {
		return "", apperr.New(apperr.CodeGatewayError, "oauth response missing access_token")
	}
	expiresIn, err := body.ExpiresIn.Int()
	if err != nil || expiresIn <= 0 {
		expiresIn = 3599
	}

	expiresAt := issuedAt.Add(time.Duration(expiresIn)*time.Second - tokenExpiryBuffer)
	s.mu.Lock()
	s.cache[tokenKey(cfg)] = cachedToken{token: body.AccessToken, expiresAt: expiresAt}
	s.mu.Unlock()

	s.log(ctx).WithFields(logrus.Fields{
		"tenant_id":   cfg.TenantID,
		"environment": cfg.Environment,
		"expires_at":  expiresAt.Format(time.RFC3339),
	}).Debug("Gateway access token refreshed")
	return body.AccessToken, nil
}

func (s *AuthService) InvalidateToken(cfg *TenantServiceConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.cache, tokenKey(cfg))
}

// ValidateToken probes the token with a deliberately malformed STK query.
// Only a 401 means the token is invalid.
func (s *AuthService) ValidateToken(ctx context.Context, cfg *TenantServiceConfig, token string) (bool, error) {
	probe := mpesa.STKQueryRequest{BusinessShortCode: cfg.BusinessShortCode, CheckoutRequestID: "ws_CO_token_probe"}
	_, err := s.doGateway(ctx, "token_probe", http.MethodPost, cfg.BaseURL+mpesa.STKQueryPath, cfg.Timeout, probe,
		map[string]string{"Authorization": "Bearer " + token})
	if err == nil {
		return true, nil
	}
	switch apperr.CodeOf(err) {
	case apperr.CodeAuthenticationError:
		return false, nil
	case apperr.CodeNetworkError, apperr.CodeTimeoutError:
		return false, err
	default:
		return true, nil
	}
}
