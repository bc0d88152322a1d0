package mpesa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/shopspring/decimal"

	"tab-payment-service/internal/apperr"
)

const (
	MaxResultDescLen      = 255
	MaxCallbackAmount     = "999999.99"
	callbackClockSkew     = 60 * time.Second
	staleTransactionAfter = 30 * 24 * time.Hour
)

var (
	merchantRequestIDPattern = regexp.MustCompile(`^[A-Za-z0-9-]{1,100}$`)
	checkoutRequestIDPattern = regexp.MustCompile(`^ws_CO_[A-Za-z0-9_]{1,94}$`)
	receiptPattern           = regexp.MustCompile(`^[A-Z0-9]{8,15}$`)
	maxCallbackAmount        = decimal.RequireFromString(MaxCallbackAmount)
)

type CallbackEnvelope struct {
	Body CallbackBody `json:"Body"`
}

type CallbackBody struct {
	STKCallback *STKCallback `json:"stkCallback"`
}

type STKCallback struct {
	MerchantRequestID string            `json:"MerchantRequestID"`
	CheckoutRequestID string            `json:"CheckoutRequestID"`
	ResultCode        json.Number       `json:"ResultCode"`
	ResultDesc        string            `json:"ResultDesc"`
	CallbackMetadata  *CallbackMetadata `json:"CallbackMetadata,omitempty"`
}

type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

type MetadataItem struct {
	Name  string      `json:"Name"`
	Value interface{} `json:"Value,omitempty"`
}

// ValidatedCallback is a callback whose fields passed validation and sanitization.
type ValidatedCallback struct {
	MerchantRequestID string
	CheckoutRequestID string
	ResultCode        int
	ResultDesc        string
	Payment           *PaymentDetails
}

type PaymentDetails struct {
	ReceiptNumber   string
	Amount          decimal.Decimal
	PhoneNumber     string
	TransactionDate time.Time
	// Stale marks a transaction date more than 30 days old.
	Stale bool
}

func (v *ValidatedCallback) Succeeded() bool { return v.ResultCode == ResultCodeSuccess }
func (v *ValidatedCallback) Cancelled() bool { return v.ResultCode == ResultCodeUserCancelled }

// ParseCallback decodes the gateway envelope keeping numbers exact.
func ParseCallback(raw []byte) (*CallbackEnvelope, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var env CallbackEnvelope
	if err := dec.Decode(&env); err != nil {
		return nil, apperr.Wrap(apperr.CodeValidationError, err, "callback body is not valid JSON")
	}
	return &env, nil
}

// ValidateCallback checks ids, result code and, on success, the payment metadata.
func ValidateCallback(env *CallbackEnvelope, now time.Time) (*ValidatedCallback, error) {
	if env == nil || env.Body.STKCallback == nil {
		return nil, validation("missing Body.stkCallback")
	}
	cb := env.Body.STKCallback

	merchantID := strings.TrimSpace(cb.MerchantRequestID)
	if !merchantRequestIDPattern.MatchString(merchantID) {
		return nil, validation("invalid MerchantRequestID")
	}
	checkoutID := strings.TrimSpace(cb.CheckoutRequestID)
	if !checkoutRequestIDPattern.MatchString(checkoutID) {
		return nil, validation("invalid CheckoutRequestID")
	}

	code, err := cb.ResultCode.Int64()
	if err != nil || code < 0 || code > 99999 {
		return nil, validation("invalid ResultCode")
	}

	out := &ValidatedCallback{
		MerchantRequestID: merchantID,
		CheckoutRequestID: checkoutID,
		ResultCode:        int(code),
		ResultDesc:        Sanitize(cb.ResultDesc, MaxResultDescLen),
	}
	if !out.Succeeded() {
		return out, nil
	}

	if cb.CallbackMetadata == nil || len(cb.CallbackMetadata.Item) == 0 {
		return nil, validation("successful callback without CallbackMetadata")
	}
	details, err := validateMetadata(cb.CallbackMetadata.Item, now)
	if err != nil {
		return nil, err
	}
	out.Payment = details
	return out, nil
}

func validateMetadata(items []MetadataItem, now time.Time) (*PaymentDetails, error) {
	values := make(map[string]string, len(items))
	for _, item := range items {
		if item.Value == nil {
			continue
		}
		values[item.Name] = metadataString(item.Value)
	}

	details := &PaymentDetails{}

	receipt := strings.ToUpper(strings.TrimSpace(values["MpesaReceiptNumber"]))
	if !receiptPattern.MatchString(receipt) {
		return nil, validation("invalid MpesaReceiptNumber")
	}
	details.ReceiptNumber = receipt

	amount, err := decimal.NewFromString(strings.TrimSpace(values["Amount"]))
	if err != nil || !amount.IsPositive() || amount.GreaterThan(maxCallbackAmount) {
		return nil, validation("invalid Amount")
	}
	details.Amount = amount.Round(2)

	if raw, ok := values["PhoneNumber"]; ok {
		phone, err := NormalizePhone(digitsOnly(raw))
		if err != nil {
			return nil, validation("invalid PhoneNumber")
		}
		details.PhoneNumber = phone
	}

	if raw, ok := values["TransactionDate"]; ok {
		date := digitsOnly(raw)
		if len(date) != 14 {
			return nil, validation("TransactionDate must have 14 digits")
		}
		parsed, err := time.ParseInLocation(TimestampLayout, date, nairobi)
		if err != nil {
			return nil, validation("TransactionDate out of range")
		}
		if parsed.After(now.Add(callbackClockSkew)) {
			return nil, validation("TransactionDate is in the future")
		}
		details.TransactionDate = parsed
		details.Stale = now.Sub(parsed) > staleTransactionAfter
	}

	return details, nil
}

func metadataString(v interface{}) string {
	switch val := v.(type) {
	case string:
		return val
	case json.Number:
		return val.String()
	case float64:
		return decimal.NewFromFloat(val).String()
	default:
		return fmt.Sprint(val)
	}
}

// Sanitize strips markup and control characters and caps the length in runes.
func Sanitize(s string, max int) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '<', '>', '"', '\'', '&', ';':
			return -1
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	cleaned = strings.TrimSpace(cleaned)
	return truncate(cleaned, max)
}

func digitsOnly(s string) string {
	return strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, s)
}

func validation(msg string) error {
	return apperr.New(apperr.CodeValidationError, "callback: "+msg)
}
