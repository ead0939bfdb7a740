package authn

import (
	"strings"

	"drover/internal/apperr"
)

// RoleGate enforces required application roles after a method accepts. An
// empty requirement admits everyone; otherwise the principal must hold at
// least one required role.
type RoleGate struct {
	required []string
}

func NewRoleGate(required []string) *RoleGate {
	g := &RoleGate{}
	for _, r := range required {
		if r = strings.TrimSpace(r); r != "" {
			g.required = append(g.required, r)
		}
	}
	return g
}

// Check returns a forbidden error when the principal lacks every required
// role. Unauthorized is reserved for credential failures; a valid credential
// that misses the role gate is forbidden.
func (g *RoleGate) Check(p *Principal) error {
	if len(g.required) == 0 {
		return nil
	}
	held := map[string]bool{}
	for _, r := range p.Roles {
		held[r] = true
	}
	for _, r := range g.required {
		if held[r] {
			return nil
		}
	}
	return apperr.New(apperr.KindForbidden, "principal %s holds none of the required roles", p.Subject).
		WithDetail("requiredRoles", g.required)
}
