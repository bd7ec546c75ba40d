package xid

import (
	"strings"

	"github.com/google/uuid"
)

// DocumentID returns an id usable as a remote document id: 36 characters,
// alphanumeric with hyphens, never starting with a symbol.
func DocumentID() string {
	return uuid.NewString()
}

// New returns a prefixed random token, e.g. for lease ownership.
func New(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
