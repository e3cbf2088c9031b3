// Package idgen centralizes ID generation, following the teacher's
// direct uuid.NewString() call sites (main.go, internal/api/auth.go).
package idgen

import "github.com/google/uuid"

// New returns a new random UUID string.
func New() string {
	return uuid.NewString()
}
