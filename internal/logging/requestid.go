// Package logging configures the process logger and carries request-scoped
// loggers and request ids through contexts.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

// RequestIDHeader is read from inbound requests and forwarded on calls to
// the LLM provider.
const RequestIDHeader = "X-Request-ID"

type requestIDKey struct{}

// GenerateRequestID returns 8 random hex characters.
func GenerateRequestID() string {
	b := make([]byte, 4)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// WithRequestID stores id in ctx and scopes the context logger to it, so
// every line logged through FromContext carries request_id.
func WithRequestID(ctx context.Context, id string) context.Context {
	ctx = context.WithValue(ctx, requestIDKey{}, id)
	logger := FromContext(ctx).With().Str("request_id", id).Logger()
	return logger.WithContext(ctx)
}

// GetRequestID returns the id stored by WithRequestID, or "".
func GetRequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
