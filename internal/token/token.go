// Package token mints the opaque identifiers the broker hands out: message
// lock tokens, session lock tokens, and correlation IDs. Tokens are UUIDv7
// strings, so they sort by issue time when read side by side in logs.
package token

import "github.com/google/uuid"

// New returns a fresh time-ordered token.
func New() string {
	return uuid.Must(uuid.NewV7()).String()
}
