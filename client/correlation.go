package client

import (
	"context"
	"strings"

	"pkt.systems/mbus/internal/token"
)

// MaxCorrelationIDLength bounds client-supplied correlation identifiers.
const MaxCorrelationIDLength = 128

type cidKey struct{}

// NormalizeCorrelationID trims an identifier and reports whether it is
// usable: non-empty, within MaxCorrelationIDLength, printable ASCII.
func NormalizeCorrelationID(id string) (string, bool) {
	id = strings.TrimSpace(id)
	if id == "" || len(id) > MaxCorrelationIDLength {
		return "", false
	}
	if strings.ContainsFunc(id, func(r rune) bool { return r < 0x20 || r > 0x7e }) {
		return "", false
	}
	return id, true
}

// WithCorrelationID annotates ctx with a correlation identifier that client
// log lines carry alongside broker operations. Identifiers that fail
// normalization leave ctx unchanged.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	normalized, ok := NormalizeCorrelationID(id)
	if !ok {
		return ctx
	}
	return context.WithValue(ctx, cidKey{}, normalized)
}

// CorrelationIDFromContext extracts the correlation identifier carried by
// ctx, or "" when none is set.
func CorrelationIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(cidKey{}).(string)
	return id
}

// GenerateCorrelationID mints a fresh time-ordered correlation identifier.
func GenerateCorrelationID() string {
	return token.New()
}
