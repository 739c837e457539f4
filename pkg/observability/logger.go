package observability

import (
	"context"
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger creates a logrus logger at the given level ("debug", "info", "warn", "error").
// Unknown levels fall back to info. format selects the "json" or "text" formatter.
func NewLogger(level, format string, output io.Writer) *logrus.Logger {
	if output == nil {
		output = os.Stdout
	}

	logger := logrus.New()
	logger.SetOutput(output)

	if format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		parsed = logrus.InfoLevel
	}
	logger.SetLevel(parsed)

	return logger
}

// contextKey is the type for context keys
type contextKey string

// RequestIDKey is the context key for request ID
const RequestIDKey contextKey = "request_id"

// WithRequestID adds a request ID to the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if requestID, ok := ctx.Value(RequestIDKey).(string); ok {
		return requestID
	}
	return ""
}

// FromContext annotates logger with the request ID carried by ctx. A nil
// logger falls back to the standard logger.
func FromContext(ctx context.Context, logger logrus.FieldLogger) logrus.FieldLogger {
	if logger == nil {
		logger = logrus.StandardLogger()
	}

	if requestID := GetRequestID(ctx); requestID != "" {
		return logger.WithField("request_id", requestID)
	}
	return logger
}
