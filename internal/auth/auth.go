// Package auth implements the WebSocket upgrade authentication policy: a
// static bearer-token allowlist, a device-id allowlist, and the device
// binding state that downstream stages consult.
//
// Binding is separate from admission. An admitted device may still be
// unbound: known to the gateway but not yet registered with the management
// backend. Unbound connections stay usable for plain chat, but usage
// reporting and tool loading are disabled and the system prompt carries a
// binding code the assistant reads to the user.
package auth

import (
	"errors"
	"fmt"
	"hash/fnv"
	"net/http"
	"slices"
	"strings"

	"github.com/MrWong99/auricle/internal/config"
)

// ErrUnauthorized is returned by Authorize when neither the presented token
// nor the device id is on the allowlist.
var ErrUnauthorized = errors.New("auth: device not authorized")

// Verdict is the outcome of a successful authorization.
type Verdict struct {
	// TokenName is the configured name of the matched token, for logs.
	// Empty when admission came from the device allowlist or auth is off.
	TokenName string

	// Bound reports whether the device is registered with the management
	// backend. Unbound connections get chat only: no reporting, no tools.
	Bound bool

	// BindCode is the six-digit registration code for unbound devices.
	// Empty when Bound is true.
	BindCode string
}

// Policy checks upgrades against the configured allowlists. It is immutable
// after construction; auth changes require a gateway restart.
type Policy struct {
	cfg config.AuthConfig

	// managerConfigured toggles binding checks. Without a management backend
	// there is nothing to bind to, so every device counts as bound.
	managerConfigured bool
}

// NewPolicy builds a [Policy] from the auth section of the configuration.
func NewPolicy(cfg config.AuthConfig, managerConfigured bool) *Policy {
	return &Policy{cfg: cfg, managerConfigured: managerConfigured}
}

// Authorize checks an upgrade request for the given device id. It returns
// [ErrUnauthorized] when auth is enabled and neither the bearer token nor the
// device id is allowlisted. The returned Verdict carries the binding state
// regardless of how admission succeeded.
func (p *Policy) Authorize(r *http.Request, deviceID string) (Verdict, error) {
	v := Verdict{Bound: p.bound(deviceID)}
	if !v.Bound {
		v.BindCode = BindCode(deviceID)
	}

	if !p.cfg.Enabled {
		return v, nil
	}

	if token := bearerToken(r); token != "" {
		for _, t := range p.cfg.Tokens {
			if t.Token == token {
				v.TokenName = t.Name
				return v, nil
			}
		}
	}
	if slices.Contains(p.cfg.AllowedDevices, deviceID) {
		return v, nil
	}
	return Verdict{}, fmt.Errorf("%w: %q", ErrUnauthorized, deviceID)
}

// bound reports the binding state for a device. Devices on the allowlist are
// considered registered; everything else is unbound while a management
// backend is configured.
func (p *Policy) bound(deviceID string) bool {
	if !p.managerConfigured {
		return true
	}
	return slices.Contains(p.cfg.AllowedDevices, deviceID)
}

// bearerToken extracts the token from the Authorization header, falling back
// to a token query parameter for devices that cannot set headers.
func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return r.URL.Query().Get("token")
}

// BindCode derives the stable six-digit registration code for a device. The
// code is a function of the device id so reconnects show the same code until
// the device is registered.
func BindCode(deviceID string) string {
	h := fnv.New32a()
	h.Write([]byte(strings.ToLower(deviceID)))
	return fmt.Sprintf("%06d", h.Sum32()%1000000)
}
