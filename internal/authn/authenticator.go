// Package authn is the broker's authentication fan-in. Methods are consulted
// in a fixed order (tunnel, bearer JWT, managed identity, shared secret) and
// the first one that recognizes the request's credentials decides the outcome.
// Anonymous access is a deliberate opt-in used only when no method is enabled.
package authn

import (
	"net/http"

	"drover/internal/apperr"
	"drover/internal/config"
	"drover/internal/observability"
)

// Principal is an authenticated caller.
type Principal struct {
	Subject string   `json:"subject"`
	Name    string   `json:"name,omitempty"`
	Method  string   `json:"method"`
	Roles   []string `json:"roles,omitempty"`
}

// Method is one way of authenticating a request. Authenticate returns
// (nil, nil) when the request carries no credentials this method understands;
// an error means credentials were presented and rejected, which stops the
// fan-in rather than falling through to a weaker method.
type Method interface {
	Name() string
	Authenticate(r *http.Request) (*Principal, error)
}

// Authenticator runs the method chain and the role gate.
type Authenticator struct {
	methods   []Method
	anonymous bool
	roles     *RoleGate
	log       *observability.Logger
}

// New builds the fan-in from configuration. Method order is fixed and not
// configurable; when several methods could accept the same request, the
// earlier one wins.
func New(cfg config.AuthConfig, log *observability.Logger) (*Authenticator, error) {
	a := &Authenticator{
		roles: NewRoleGate(cfg.RequiredRoles),
		log:   log,
	}

	if cfg.TunnelEnabled {
		a.methods = append(a.methods, NewTunnelMethod(cfg.TunnelAllowedDomains, cfg.TrustProxy))
	}
	var validator *EntraValidator
	if cfg.EntraEnabled || cfg.ManagedIdentityEnabled {
		var err error
		validator, err = NewEntraValidator(cfg.TenantID, cfg.ClientID)
		if err != nil {
			return nil, err
		}
	}
	if cfg.EntraEnabled {
		a.methods = append(a.methods, NewEntraMethod(validator))
	}
	if cfg.ManagedIdentityEnabled {
		a.methods = append(a.methods, NewManagedIdentityMethod(validator))
	}
	if cfg.APIKeyEnabled {
		a.methods = append(a.methods, NewAPIKeyMethod(cfg.APIKeys))
	}

	// Anonymous access only applies when nothing stronger is configured.
	a.anonymous = cfg.AllowAnonymous && len(a.methods) == 0
	return a, nil
}

// Advertised lists the enabled method names, in fan-in order. Sent in 401
// responses so callers know what the broker accepts.
func (a *Authenticator) Advertised() []string {
	names := make([]string, 0, len(a.methods))
	for _, m := range a.methods {
		names = append(names, m.Name())
	}
	return names
}

// Authenticate resolves the request to a principal or an error. The role gate
// runs after the method chain: a valid credential without a required role is
// forbidden, not unauthorized.
func (a *Authenticator) Authenticate(r *http.Request) (*Principal, error) {
	for _, m := range a.methods {
		p, err := m.Authenticate(r)
		if err != nil {
			return nil, apperr.Wrap(apperr.KindUnauthorized, err, "%s authentication failed", m.Name())
		}
		if p == nil {
			continue
		}
		if err := a.roles.Check(p); err != nil {
			return nil, err
		}
		return p, nil
	}

	if a.anonymous {
		return &Principal{Subject: "anonymous", Method: "anonymous"}, nil
	}
	return nil, apperr.New(apperr.KindUnauthorized, "no accepted credentials").
		WithDetail("methods", a.Advertised())
}
