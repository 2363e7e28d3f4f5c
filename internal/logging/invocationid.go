// Package logging provides invocation ID context propagation so log lines
// and change notifications from uncoordinated processes can be correlated.
package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
)

type contextKey string

const invocationIDKey contextKey = "invocationId"

// NewInvocationID creates an 8-character hex id. Every hook subprocess and
// server background cycle gets its own.
func NewInvocationID() string {
	b := make([]byte, 4)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// WithInvocationID injects an invocation id into the context.
func WithInvocationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, invocationIDKey, id)
}

// InvocationID retrieves the invocation id, or empty when unset.
func InvocationID(ctx context.Context) string {
	if id, ok := ctx.Value(invocationIDKey).(string); ok {
		return id
	}
	return ""
}
