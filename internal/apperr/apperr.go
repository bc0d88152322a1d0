package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

type Code string

const (
	CodeKMSKeyMissing          Code = "KMS_KEY_MISSING"
	CodeKMSKeyInvalidLength    Code = "KMS_KEY_INVALID_LENGTH"
	CodeKMSKeyInvalidFormat    Code = "KMS_KEY_INVALID_FORMAT"
	CodeInvalidEncryptedData   Code = "INVALID_ENCRYPTED_DATA"
	CodeCorruptedEncryptedData Code = "CORRUPTED_ENCRYPTED_DATA"
	CodeDecryptionFailed       Code = "DECRYPTION_FAILED"
	CodeAuthenticationFailed   Code = "AUTHENTICATION_FAILED"
	CodeInvalidDecryptedData   Code = "INVALID_DECRYPTED_DATA"
	CodeEncryptionFailed       Code = "ENCRYPTION_FAILED"

	CodeCredentialsNotFound   Code = "CREDENTIALS_NOT_FOUND"
	CodeCredentialsInactive   Code = "CREDENTIALS_INACTIVE"
	CodeCredentialsIncomplete Code = "CREDENTIALS_INCOMPLETE"
	CodeCredentialsInvalid    Code = "CREDENTIALS_INVALID"
	CodeDecryptionError       Code = "DECRYPTION_ERROR"

	CodeTabNotFound         Code = "TAB_NOT_FOUND"
	CodeCustomerTabNotFound Code = "CUSTOMER_TAB_NOT_FOUND"
	CodeOrphanedTab         Code = "ORPHANED_TAB"
	CodeInactiveBar         Code = "INACTIVE_BAR"
	CodeInvalidTabStatus    Code = "INVALID_TAB_STATUS"
	CodeTenantConfigInvalid Code = "TENANT_CONFIG_INVALID"

	CodeInvalidPhoneNumber Code = "INVALID_PHONE_NUMBER"
	CodeInvalidAmount      Code = "INVALID_AMOUNT"
	CodeValidationError    Code = "VALIDATION_ERROR"
	CodeExceedsBalance     Code = "PAYMENT_EXCEEDS_BALANCE"

	CodeAuthenticationError Code = "AUTHENTICATION_ERROR"
	CodeNetworkError        Code = "NETWORK_ERROR"
	CodeTimeoutError        Code = "TIMEOUT_ERROR"
	CodeRateLimitExceeded   Code = "RATE_LIMIT_EXCEEDED"
	CodeGatewayError        Code = "GATEWAY_ERROR"
	CodeGatewayRejected     Code = "GATEWAY_REJECTED"

	CodeTransactionNotFound    Code = "TRANSACTION_NOT_FOUND"
	CodeInvalidStateTransition Code = "INVALID_STATE_TRANSITION"
	CodeDuplicatePayment       Code = "DUPLICATE_PAYMENT"
	CodePaymentNotFound        Code = "PAYMENT_NOT_FOUND"
	CodeSettlementFailed       Code = "SETTLEMENT_FAILED"
	CodeDatabaseError          Code = "DATABASE_ERROR"
	CodeInternal               Code = "INTERNAL_ERROR"
)

type definition struct {
	status    int
	severity  Severity
	retryable bool
	message   string
}

var catalogue = map[Code]definition{
	CodeKMSKeyMissing:          {http.StatusInternalServerError, SeverityCritical, false, "Payment service is not configured. Please contact support."},
	CodeKMSKeyInvalidLength:    {http.StatusInternalServerError, SeverityCritical, false, "Payment service is not configured. Please contact support."},
	CodeKMSKeyInvalidFormat:    {http.StatusInternalServerError, SeverityCritical, false, "Payment service is not configured. Please contact support."},
	CodeInvalidEncryptedData:   {http.StatusInternalServerError, SeverityHigh, false, "Payment configuration error. Please contact the bar."},
	CodeCorruptedEncryptedData: {http.StatusInternalServerError, SeverityHigh, false, "Payment configuration error. Please contact the bar."},
	CodeDecryptionFailed:       {http.StatusInternalServerError, SeverityHigh, false, "Payment configuration error. Please contact the bar."},
	CodeAuthenticationFailed:   {http.StatusInternalServerError, SeverityCritical, false, "Payment configuration error. Please contact the bar."},
	CodeInvalidDecryptedData:   {http.StatusInternalServerError, SeverityHigh, false, "Payment configuration error. Please contact the bar."},
	CodeEncryptionFailed:       {http.StatusInternalServerError, SeverityHigh, false, "Could not store payment settings."},

	CodeCredentialsNotFound:   {http.StatusServiceUnavailable, SeverityMedium, false, "M-Pesa payments are not set up for this bar."},
	CodeCredentialsInactive:   {http.StatusServiceUnavailable, SeverityMedium, false, "M-Pesa payments are currently disabled for this bar."},
	CodeCredentialsIncomplete: {http.StatusServiceUnavailable, SeverityHigh, false, "M-Pesa payments are not fully set up for this bar."},
	CodeCredentialsInvalid:    {http.StatusServiceUnavailable, SeverityHigh, false, "M-Pesa payments are misconfigured for this bar."},
	CodeDecryptionError:       {http.StatusInternalServerError, SeverityHigh, false, "Payment configuration error. Please contact the bar."},

	CodeTabNotFound:         {http.StatusNotFound, SeverityLow, false, "Tab not found."},
	CodeCustomerTabNotFound: {http.StatusNotFound, SeverityLow, false, "You have no open tab at this bar."},
	CodeOrphanedTab:         {http.StatusConflict, SeverityHigh, false, "This tab is not linked to a bar."},
	CodeInactiveBar:         {http.StatusForbidden, SeverityMedium, false, "This bar is not accepting payments right now."},
	CodeInvalidTabStatus:    {http.StatusConflict, SeverityLow, false, "This tab cannot be paid in its current state."},
	CodeTenantConfigInvalid: {http.StatusServiceUnavailable, SeverityHigh, false, "M-Pesa payments are misconfigured for this bar."},

	CodeInvalidPhoneNumber: {http.StatusBadRequest, SeverityLow, false, "Enter a valid Safaricom phone number, e.g. 0712345678."},
	CodeInvalidAmount:      {http.StatusBadRequest, SeverityLow, false, "Enter a valid whole amount in KES."},
	CodeValidationError:    {http.StatusBadRequest, SeverityLow, false, "The request is invalid."},
	CodeExceedsBalance:     {http.StatusBadRequest, SeverityLow, false, "The amount is more than the outstanding tab balance."},

	CodeAuthenticationError: {http.StatusBadGateway, SeverityHigh, false, "Could not connect to M-Pesa. Please try again later."},
	CodeNetworkError:        {http.StatusBadGateway, SeverityMedium, true, "Could not reach M-Pesa. Please try again."},
	CodeTimeoutError:        {http.StatusGatewayTimeout, SeverityMedium, true, "M-Pesa took too long to respond. Please try again."},
	CodeRateLimitExceeded:   {http.StatusTooManyRequests, SeverityLow, true, "Too many payment attempts. Please wait a minute and try again."},
	CodeGatewayError:        {http.StatusBadGateway, SeverityMedium, true, "M-Pesa is unavailable. Please try again."},
	CodeGatewayRejected:     {http.StatusBadGateway, SeverityMedium, false, "M-Pesa could not process the request."},

	CodeTransactionNotFound:    {http.StatusNotFound, SeverityLow, false, "Payment not found."},
	CodeInvalidStateTransition: {http.StatusConflict, SeverityMedium, false, "This payment can no longer be changed."},
	CodeDuplicatePayment:       {http.StatusConflict, SeverityMedium, false, "This payment has already been recorded."},
	CodePaymentNotFound:        {http.StatusNotFound, SeverityLow, false, "Payment record not found."},
	CodeSettlementFailed:       {http.StatusInternalServerError, SeverityHigh, true, "Your payment was received and is being applied to your tab."},
	CodeDatabaseError:          {http.StatusInternalServerError, SeverityHigh, true, "Something went wrong. Please try again."},
	CodeInternal:               {http.StatusInternalServerError, SeverityHigh, false, "Something went wrong. Please try again."},
}

// Error is the single error type returned across service boundaries.
type Error struct {
	Code         Code
	Status       int
	Severity     Severity
	Retryable    bool
	UserMessage  string
	AdminMessage string
	Context      map[string]interface{}
	Err          error
}

func (e *Error) Error() string {
	var b strings.Builder
	b.WriteString(string(e.Code))
	if e.AdminMessage != "" {
		b.WriteString(": ")
		b.WriteString(e.AdminMessage)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// With attaches a context key. Values must never be secrets.
func (e *Error) With(key string, value interface{}) *Error {
	if e.Context == nil {
		e.Context = map[string]interface{}{}
	}
	e.Context[key] = value
	return e
}

// New builds an error from the catalogue defaults for code.
func New(code Code, adminMessage string) *Error {
	def, ok := catalogue[code]
	if !ok {
		def = catalogue[CodeInternal]
	}
	return &Error{
		Code:         code,
		Status:       def.status,
		Severity:     def.severity,
		Retryable:    def.retryable,
		UserMessage:  def.message,
		AdminMessage: adminMessage,
	}
}

func Newf(code Code, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

func Wrap(code Code, err error, adminMessage string) *Error {
	e := New(code, adminMessage)
	e.Err = err
	return e
}

// Sentinel returns a bare error usable as an errors.Is target.
func Sentinel(code Code) *Error { return &Error{Code: code} }

func As(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

func CodeOf(err error) Code {
	if e, ok := As(err); ok {
		return e.Code
	}
	return CodeInternal
}

func HasCode(err error, code Code) bool {
	return CodeOf(err) == code
}

func IsRetryable(err error) bool {
	if e, ok := As(err); ok {
		return e.Retryable
	}
	return false
}

func StatusOf(err error) int {
	if e, ok := As(err); ok && e.Status != 0 {
		return e.Status
	}
	return http.StatusInternalServerError
}

func SeverityOf(err error) Severity {
	if e, ok := As(err); ok && e.Severity != "" {
		return e.Severity
	}
	return SeverityHigh
}

// UserMessage returns text safe to show to a customer. Admin detail never leaks.
func UserMessage(err error) string {
	if e, ok := As(err); ok && e.UserMessage != "" {
		return e.UserMessage
	}
	return catalogue[CodeInternal].message
}

// Fields flattens an error into log fields. Context keys are sorted for stable output.
func Fields(err error) map[string]interface{} {
	e, ok := As(err)
	if !ok {
		return map[string]interface{}{"error": err.Error()}
	}
	fields := map[string]interface{}{
		"error_code": string(e.Code),
		"severity":   string(e.Severity),
		"retryable":  e.Retryable,
		"error":      e.Error(),
	}
	keys := make([]string, 0, len(e.Context))
	for k := range e.Context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields["ctx_"+k] = e.Context[k]
	}
	return fields
}
