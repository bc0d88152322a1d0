package services

import (
	"context"
	"net"
	"strings"

	"tab-payment-service/internal/apperr"
	"tab-payment-service/internal/mpesa"
)

// CallbackRequest is an inbound gateway callback as received on the wire.
type CallbackRequest struct {
	Body     []byte
	RemoteIP string
	Envelope *mpesa.CallbackEnvelope
}

// CallbackAuthenticator decides whether a callback may be processed.
type CallbackAuthenticator interface {
	Authenticate(ctx context.Context, req *CallbackRequest) error
}

type AuthenticatorFunc func(ctx context.Context, req *CallbackRequest) error

func (f AuthenticatorFunc) Authenticate(ctx context.Context, req *CallbackRequest) error {
	return f(ctx, req)
}

// EnvelopeAuthenticator accepts any callback carrying the gateway's envelope and both request ids.
type EnvelopeAuthenticator struct{}

func (EnvelopeAuthenticator) Authenticate(_ context.Context, req *CallbackRequest) error {
	if req.Envelope == nil || req.Envelope.Body.STKCallback == nil {
		return apperr.New(apperr.CodeValidationError, "callback is missing Body.stkCallback")
	}
	cb := req.Envelope.Body.STKCallback
	if strings.TrimSpace(cb.CheckoutRequestID) == "" || strings.TrimSpace(cb.MerchantRequestID) == "" {
		return apperr.New(apperr.CodeValidationError, "callback is missing request ids")
	}
	return nil
}

// IPAllowListAuthenticator only admits callbacks from the listed addresses or CIDR ranges.
type IPAllowListAuthenticator struct {
	nets []*net.IPNet
}

func NewIPAllowListAuthenticator(entries []string) (*IPAllowListAuthenticator, error) {
	a := &IPAllowListAuthenticator{}
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if !strings.Contains(entry, "/") {
			ip := net.ParseIP(entry)
			if ip == nil {
				return nil, apperr.Newf(apperr.CodeTenantConfigInvalid, "invalid callback allow-list entry %q", entry)
			}
			bits := 32
			if ip.To4() == nil {
				bits = 128
			}
			a.nets = append(a.nets, &net.IPNet{IP: ip, Mask: net.CIDRMask(bits, bits)})
			continue
		}
		_, n, err := net.ParseCIDR(entry)
		if err != nil {
			return nil, apperr.Wrap(apperr.CodeTenantConfigInvalid, err, "invalid callback allow-list entry "+entry)
		}
		a.nets = append(a.nets, n)
	}
	return a, nil
}

func (a *IPAllowListAuthenticator) Authenticate(_ context.Context, req *CallbackRequest) error {
	if len(a.nets) == 0 {
		return nil
	}
	ip := net.ParseIP(strings.TrimSpace(req.RemoteIP))
	if ip == nil {
		return apperr.Newf(apperr.CodeValidationError, "callback source %q is not an ip address", req.RemoteIP)
	}
	for _, n := range a.nets {
		if n.Contains(ip) {
			return nil
		}
	}
	return apperr.Newf(apperr.CodeValidationError, "callback source %s is not allowed", ip)
}

type chainAuthenticator []CallbackAuthenticator

// ChainAuthenticators requires every authenticator to accept the callback, in order.
func ChainAuthenticators(auths ...CallbackAuthenticator) CallbackAuthenticator {
	var chain chainAuthenticator
	for _, a := range auths {
		if a != nil {
			chain = append(chain, a)
		}
	}
	return chain
}

func (c chainAuthenticator) Authenticate(ctx context.Context, req *CallbackRequest) error {
	for _, a := range c {
		if err := a.Authenticate(ctx, req); err != nil {
			return err
		}
	}
	return nil
}
