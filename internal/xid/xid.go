package xid

import (
	"fmt"

	"github.com/google/uuid"
)

// New returns an opaque prefixed id, e.g. "sale-5f3a...". Prefixes keep ids
// self-describing in logs and ledger rows; uniqueness comes from the UUID.
func New(prefix string) string {
	return fmt.Sprintf("%s-%s", prefix, uuid.NewString())
}
