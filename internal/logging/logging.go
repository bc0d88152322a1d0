package logging

import (
	"context"
	"os"
	"strings"
	"sync"

	nanoid "github.com/jaevor/go-nanoid"
	"github.com/sirupsen/logrus"
)

const CorrelationIDHeader = "X-Correlation-ID"

type ctxKey struct{}

var (
	logger = logrus.New()

	idOnce sync.Once
	idGen  func() string
)

// Setup configures the process logger. Production gets JSON output.
func Setup(level, env string) *logrus.Logger {
	logger.SetOutput(os.Stdout)
	if env == "production" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

func Logger() *logrus.Logger {
	return logger
}

func NewCorrelationID() string {
	idOnce.Do(func() {
		gen, err := nanoid.Standard(12)
		if err != nil {
			logrus.Panic(err)
		}
		idGen = gen
	})
	return idGen()
}

func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// EnsureCorrelationID returns ctx unchanged when it already carries an id.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := NewCorrelationID()
	return WithCorrelationID(ctx, id), id
}

func CorrelationID(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(ctxKey{}).(string)
	return id
}

// FromContext returns an entry tagged with the request's correlation id.
func FromContext(ctx context.Context) *logrus.Entry {
	entry := logrus.NewEntry(logger)
	if id := CorrelationID(ctx); id != "" {
		entry = entry.WithField("correlation_id", id)
	}
	return entry
}

// MaskPhone keeps the country prefix and the last three digits.
func MaskPhone(phone string) string {
	if len(phone) <= 6 {
		return strings.Repeat("*", len(phone))
	}
	keep := 6
	if len(phone) < 12 {
		keep = 3
	}
	return phone[:keep] + strings.Repeat("*", len(phone)-keep-3) + phone[len(phone)-3:]
}

func MaskSecret(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return "****" + secret[len(secret)-4:]
}

var sensitiveKeys = []string{"secret", "passkey", "password", "token", "consumer_key", "authorization", "master_key"}

// SafeFields drops keys that look like they carry credentials.
func SafeFields(fields logrus.Fields) logrus.Fields {
	out := make(logrus.Fields, len(fields))
	for k, v := range fields {
		if isSensitive(k) {
			continue
		}
		out[k] = v
	}
	return out
}

func isSensitive(key string) bool {
	k := strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(k, s) {
			return true
		}
	}
	return false
}
