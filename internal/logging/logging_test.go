package logging

import (
	"context"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
)

func TestCorrelationIDRoundTrip(t *testing.T) {
	ctx, id := EnsureCorrelationID(context.Background())
	assert.Len(t, id, 12)
	assert.Equal(t, id, CorrelationID(ctx))

	same, again := EnsureCorrelationID(ctx)
	assert.Equal(t, id, again)
	assert.Equal(t, ctx, same)

	entry := FromContext(ctx)
	assert.Equal(t, id, entry.Data["correlation_id"])
	assert.NotContains(t, FromContext(context.Background()).Data, "correlation_id")
}

func TestMaskPhone(t *testing.T) {
	assert.Equal(t, "254712***678", MaskPhone("254712345678"))
	assert.Equal(t, "071****678", MaskPhone("0712345678"))
	assert.Equal(t, "****", MaskPhone("1234"))
}

func TestMaskSecret(t *testing.T) {
	assert.Equal(t, "****", MaskSecret("short"))
	assert.Equal(t, "****cdef", MaskSecret("0123456789abcdef"))
}

func TestSafeFieldsDropsCredentials(t *testing.T) {
	fields := SafeFields(logrus.Fields{
		"tenant_id":       "t-1",
		"Passkey":         "x",
		"consumer_key":    "y",
		"consumer_secret": "z",
		"access_token":    "tok",
	})
	assert.Equal(t, logrus.Fields{"tenant_id": "t-1"}, fields)
}
