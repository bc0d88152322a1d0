package mpesa

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

type Environment string

const (
	Sandbox    Environment = "sandbox"
	Production Environment = "production"
)

func (e Environment) Valid() bool {
	return e == Sandbox || e == Production
}

func ParseEnvironment(s string) (Environment, error) {
	env := Environment(strings.ToLower(strings.TrimSpace(s)))
	if !env.Valid() {
		return "", fmt.Errorf("unknown mpesa environment %q", s)
	}
	return env, nil
}

const (
	SandboxHost    = "sandbox.safaricom.co.ke"
	ProductionHost = "api.safaricom.co.ke"

	OAuthPath    = "/oauth/v1/generate?grant_type=client_credentials"
	STKPushPath  = "/mpesa/stkpush/v1/processrequest"
	STKQueryPath = "/mpesa/stkpushquery/v1/query"

	TransactionTypePayBill = "CustomerPayBillOnline"

	ResultCodeSuccess       = 0
	ResultCodeUserCancelled = 1032

	MaxAccountReferenceLen   = 12
	MaxTransactionDescLen    = 13
	MinAmount                = 1
	MaxSandboxAmount         = 70000
	MaxProductionAmount      = 150000
	DefaultCurrency          = "KES"
	DefaultAccountRefPrefix  = "TAB"
	DefaultTransactionDesc   = "Tab payment"
	DefaultSandboxBaseURL    = "https://" + SandboxHost
	DefaultProductionBaseURL = "https://" + ProductionHost
)

// Endpoints holds the gateway base URL per environment and the hosts they must resolve to.
type Endpoints struct {
	SandboxBaseURL    string
	ProductionBaseURL string
	SandboxHost       string
	ProductionHost    string
}

func DefaultEndpoints() Endpoints {
	return Endpoints{
		SandboxBaseURL:    DefaultSandboxBaseURL,
		ProductionBaseURL: DefaultProductionBaseURL,
		SandboxHost:       SandboxHost,
		ProductionHost:    ProductionHost,
	}
}

func (e Endpoints) BaseURL(env Environment) string {
	if env == Production {
		return strings.TrimRight(e.ProductionBaseURL, "/")
	}
	return strings.TrimRight(e.SandboxBaseURL, "/")
}

func (e Endpoints) Host(env Environment) string {
	if env == Production {
		return e.ProductionHost
	}
	return e.SandboxHost
}

func MaxAmount(env Environment) int64 {
	if env == Production {
		return MaxProductionAmount
	}
	return MaxSandboxAmount
}

// FlexString decodes a JSON string or number into its string form.
// The gateway is inconsistent about quoting codes and durations.
type FlexString string

func (f *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = FlexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = FlexString(n.String())
	return nil
}

func (f FlexString) Int() (int, error) {
	return strconv.Atoi(strings.TrimSpace(string(f)))
}

type OAuthResponse struct {
	AccessToken string     `json:"access_token"`
	ExpiresIn   FlexString `json:"expires_in"`
}

type ErrorResponse struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

type STKPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type STKPushResponse struct {
	MerchantRequestID   string     `json:"MerchantRequestID"`
	CheckoutRequestID   string     `json:"CheckoutRequestID"`
	ResponseCode        FlexString `json:"ResponseCode"`
	ResponseDescription string     `json:"ResponseDescription"`
	CustomerMessage     string     `json:"CustomerMessage"`
}

type STKQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type STKQueryResponse struct {
	ResponseCode        FlexString `json:"ResponseCode"`
	ResponseDescription string     `json:"ResponseDescription"`
	MerchantRequestID   string     `json:"MerchantRequestID"`
	CheckoutRequestID   string     `json:"CheckoutRequestID"`
	ResultCode          FlexString `json:"ResultCode"`
	ResultDesc          string     `json:"ResultDesc"`
}

// NewSTKPushRequest builds the wire request. Callers validate lengths first;
// reference and description are truncated here only as a last guard.
func NewSTKPushRequest(shortCode, passkey, phone string, amount int64, callbackURL, accountRef, desc, timestamp string) STKPushRequest {
	return STKPushRequest{
		BusinessShortCode: shortCode,
		Password:          Password(shortCode, passkey, timestamp),
		Timestamp:         timestamp,
		TransactionType:   TransactionTypePayBill,
		Amount:            amount,
		PartyA:            phone,
		PartyB:            shortCode,
		PhoneNumber:       phone,
		CallBackURL:       callbackURL,
		AccountReference:  truncate(accountRef, MaxAccountReferenceLen),
		TransactionDesc:   truncate(desc, MaxTransactionDescLen),
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
