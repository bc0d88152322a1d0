package mpesa

import (
	"encoding/base64"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tab-payment-service/internal/apperr"
)

func TestNormalizePhone(t *testing.T) {
	valid := map[string]string{
		"0712345678":       "254712345678",
		"254712345678":     "254712345678",
		"+254712345678":    "254712345678",
		"712345678":        "254712345678",
		"0112345678":       "254112345678",
		"112345678":        "254112345678",
		" 0712 345-678 ":   "254712345678",
		"+254 (712) 345678": "254712345678",
	}
	for in, want := range valid {
		got, err := NormalizePhone(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, in := range []string{"", "12345", "0812345678", "25471234567", "2557123456789", "07123abc78", "612345678"} {
		_, err := NormalizePhone(in)
		assert.True(t, apperr.HasCode(err, apperr.CodeInvalidPhoneNumber), in)
	}
}

func TestIsSandboxTestNumber(t *testing.T) {
	assert.True(t, IsSandboxTestNumber("254708374149"))
	assert.True(t, IsSandboxTestNumber("254712345678"))
	assert.True(t, IsSandboxTestNumber("254110000000"))
	assert.False(t, IsSandboxTestNumber("254212345678"))
	assert.False(t, IsSandboxTestNumber("25471234567"))
}

func TestPasswordAndTimestamp(t *testing.T) {
	at := time.Date(2024, 1, 15, 11, 30, 22, 0, time.UTC)
	ts := Timestamp(at)
	assert.Equal(t, "20240115143022", ts)

	pw := Password("174379", "passkey", ts)
	decoded, err := base64.StdEncoding.DecodeString(pw)
	require.NoError(t, err)
	assert.Equal(t, "174379passkey20240115143022", string(decoded))
}

func TestNewSTKPushRequestTruncatesDefensively(t *testing.T) {
	req := NewSTKPushRequest("174379", "pk", "254712345678", 100, "https://cb.example.com/cb", "TAB-0123456789", "A very long description", "20240115143022")
	assert.Len(t, req.AccountReference, MaxAccountReferenceLen)
	assert.Len(t, req.TransactionDesc, MaxTransactionDescLen)
	assert.Equal(t, TransactionTypePayBill, req.TransactionType)
	assert.Equal(t, "174379", req.PartyB)
	assert.Equal(t, "254712345678", req.PartyA)
}

func TestFlexStringAcceptsNumbersAndStrings(t *testing.T) {
	var resp OAuthResponse
	require.NoError(t, json.Unmarshal([]byte(`{"access_token":"abc","expires_in":"3599"}`), &resp))
	n, err := resp.ExpiresIn.Int()
	require.NoError(t, err)
	assert.Equal(t, 3599, n)

	require.NoError(t, json.Unmarshal([]byte(`{"access_token":"abc","expires_in":3599}`), &resp))
	n, err = resp.ExpiresIn.Int()
	require.NoError(t, err)
	assert.Equal(t, 3599, n)
}

func successBody(date string) string {
	return `{"Body":{"stkCallback":{"MerchantRequestID":"29115-34620561-1","CheckoutRequestID":"ws_CO_191220191020363925","ResultCode":0,"ResultDesc":"The service request is processed successfully.","CallbackMetadata":{"Item":[{"Name":"Amount","Value":500.00},{"Name":"MpesaReceiptNumber","Value":"nlj7rt61sv"},{"Name":"Balance"},{"Name":"TransactionDate","Value":` + date + `},{"Name":"PhoneNumber","Value":254712345678}]}}}}`
}

func TestValidateCallbackSuccess(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	env, err := ParseCallback([]byte(successBody("20240115143022")))
	require.NoError(t, err)

	v, err := ValidateCallback(env, now)
	require.NoError(t, err)
	assert.True(t, v.Succeeded())
	require.NotNil(t, v.Payment)
	assert.Equal(t, "NLJ7RT61SV", v.Payment.ReceiptNumber)
	assert.Equal(t, "500", v.Payment.Amount.String())
	assert.Equal(t, "254712345678", v.Payment.PhoneNumber)
	assert.Equal(t, "20240115143022", Timestamp(v.Payment.TransactionDate))
	assert.False(t, v.Payment.Stale)
}

func TestValidateCallbackRejectsFutureAndFlagsStaleDates(t *testing.T) {
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)

	env, err := ParseCallback([]byte(successBody("20240115160000")))
	require.NoError(t, err)
	_, err = ValidateCallback(env, now)
	assert.True(t, apperr.HasCode(err, apperr.CodeValidationError))

	env, err = ParseCallback([]byte(successBody("20231201100000")))
	require.NoError(t, err)
	v, err := ValidateCallback(env, now)
	require.NoError(t, err)
	assert.True(t, v.Payment.Stale)

	env, err = ParseCallback([]byte(successBody("20241332100000")))
	require.NoError(t, err)
	_, err = ValidateCallback(env, now)
	assert.Error(t, err)
}

func TestValidateCallbackFailureSanitizesDescription(t *testing.T) {
	body := `{"Body":{"stkCallback":{"MerchantRequestID":"29115-1","CheckoutRequestID":"ws_CO_1","ResultCode":"2001","ResultDesc":"<script>alert('x');</script> wrong PIN\u0007"}}}`
	env, err := ParseCallback([]byte(body))
	require.NoError(t, err)

	v, err := ValidateCallback(env, time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2001, v.ResultCode)
	assert.False(t, v.Succeeded())
	assert.Nil(t, v.Payment)
	assert.Equal(t, "scriptalert(x)/script wrong PIN", v.ResultDesc)
}

func TestValidateCallbackRejectsStructuralProblems(t *testing.T) {
	cases := map[string]string{
		"no callback":      `{"Body":{}}`,
		"bad merchant id":  `{"Body":{"stkCallback":{"MerchantRequestID":"a b","CheckoutRequestID":"ws_CO_1","ResultCode":1}}}`,
		"bad checkout id":  `{"Body":{"stkCallback":{"MerchantRequestID":"1-2","CheckoutRequestID":"CO_1","ResultCode":1}}}`,
		"negative code":    `{"Body":{"stkCallback":{"MerchantRequestID":"1-2","CheckoutRequestID":"ws_CO_1","ResultCode":-1}}}`,
		"success no items": `{"Body":{"stkCallback":{"MerchantRequestID":"1-2","CheckoutRequestID":"ws_CO_1","ResultCode":0}}}`,
		"bad receipt":      strings.Replace(successBody("20240115143022"), "nlj7rt61sv", "ab", 1),
		"zero amount":      strings.Replace(successBody("20240115143022"), "500.00", "0", 1),
		"huge amount":      strings.Replace(successBody("20240115143022"), "500.00", "1000000", 1),
	}
	now := time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC)
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			env, err := ParseCallback([]byte(body))
			require.NoError(t, err)
			_, err = ValidateCallback(env, now)
			assert.True(t, apperr.HasCode(err, apperr.CodeValidationError))
		})
	}

	_, err := ParseCallback([]byte(`{not json`))
	assert.True(t, apperr.HasCode(err, apperr.CodeValidationError))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "abc", Sanitize("  a<b>c  ", 10))
	assert.Equal(t, "abc", Sanitize("abcdef", 3))
}
