package handlers

import (
	"fmt"

	"github.com/gin-gonic/gin"
)

// NewRouter builds the engine with the shared middleware. Only peers listed in
// trustedProxies may set X-Forwarded-For; with none, ClientIP is the socket peer,
// which keeps the callback allow-list from being satisfied by a forged header.
func NewRouter(trustedProxies []string, mw ...gin.HandlerFunc) (*gin.Engine, error) {
	r := gin.New()
	if len(trustedProxies) == 0 {
		trustedProxies = nil
	}
	if err := r.SetTrustedProxies(trustedProxies); err != nil {
		return nil, fmt.Errorf("trusted proxies: %w", err)
	}
	r.Use(gin.Recovery(), CorrelationID(), RequestLogger())
	r.Use(mw...)
	return r, nil
}
