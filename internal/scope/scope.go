// Package scope derives partition filters and access rules from the tenant
// identifiers callers supply.
package scope

import (
	"github.com/powermem/powermem/internal/filter"
	"github.com/powermem/powermem/internal/types"
)

// ForWrite canonicalizes sc and enforces the write access rule: at least one
// of user_id or agent_id must be present.
func ForWrite(sc types.Scope) (types.Scope, *filter.Filter, error) {
	c := sc.Canonical()
	if c.UserID == "" && c.AgentID == "" {
		return types.Scope{}, nil, types.E(types.KindValidation, "scope.ForWrite",
			"missing scope: writes require user_id or agent_id", nil)
	}
	return c, filter.FromScope(c), nil
}

// ForRead canonicalizes sc for a read. External callers must supply at least
// one identifier; internal callers may pass unfiltered=true to span every
// partition (maintenance jobs only).
func ForRead(sc types.Scope, unfiltered bool) (types.Scope, *filter.Filter, error) {
	c := sc.Canonical()
	if c.Empty() {
		if !unfiltered {
			return types.Scope{}, nil, types.E(types.KindValidation, "scope.ForRead",
				"missing scope: reads require at least one identifier", nil)
		}
		return c, filter.New(), nil
	}
	return c, filter.FromScope(c), nil
}
