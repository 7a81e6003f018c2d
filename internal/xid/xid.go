package xid

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns an opaque row id. The remote store treats ids as opaque
// strings, so a random UUID is sufficient.
func New() string {
	return uuid.NewString()
}

// TransactionCode derives the human-readable receipt code from the
// transaction's creation time.
func TransactionCode(at time.Time) string {
	return fmt.Sprintf("NALA-%d", at.UnixMilli())
}
