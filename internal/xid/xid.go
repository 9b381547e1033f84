package xid

import "github.com/google/uuid"

// New returns a random identifier, prefixed when prefix is non-empty.
func New(prefix string) string {
	id := uuid.NewString()
	if prefix == "" {
		return id
	}
	return prefix + "-" + id
}
