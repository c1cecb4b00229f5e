package order

import (
	"strings"

	"github.com/google/uuid"
)

// Role tags what an order does inside a bracket. It is encoded in the
// client order id so the exchange side can be reconciled after a restart.
type Role string

const (
	RoleEntry      Role = "entry"
	RoleStopLoss   Role = "sl"
	RoleTakeProfit Role = "tp"
	RoleManual     Role = "manual"
)

// NewClientOrderID returns "<role>-<24 hex chars>", short enough for the
// exchange's 32 character limit.
func NewClientOrderID(role Role) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return string(role) + "-" + id[:24]
}

// RoleOf extracts the role from a client order id built by NewClientOrderID.
func RoleOf(clientOrderID string) Role {
	prefix, _, ok := strings.Cut(clientOrderID, "-")
	if !ok {
		return ""
	}
	switch r := Role(prefix); r {
	case RoleEntry, RoleStopLoss, RoleTakeProfit, RoleManual:
		return r
	}
	return ""
}
