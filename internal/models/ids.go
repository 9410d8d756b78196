package models

import (
	"strings"

	"github.com/google/uuid"
)

// NewID returns prefix + "-" + 17 lowercase hex characters taken from a
// random UUID, e.g. "i-3f2a9c0d1e4b5a6c7".
func NewID(prefix string) string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + hex[:17]
}
