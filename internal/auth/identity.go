// Package auth resolves the caller's identity from the trusted reverse-proxy
// header, answers group-membership questions, and rate-limits by client key.
package auth

import (
	"errors"
	"net/http"
	"strings"
)

// ErrNoIdentity is returned when the identity header is absent and no debug
// fallback applies.
var ErrNoIdentity = errors.New("auth: missing identity header")

// Identity extracts the caller from the configured header. Query parameters
// are never identity-bearing. In debug mode the fallback identity is used
// when the header is absent.
type Identity struct {
	Header       string
	Debug        bool
	DebugUser    string
	GroupChecker GroupChecker
	AdminGroup   string
}

// UserFromRequest resolves the authenticated user of a request.
func (a *Identity) UserFromRequest(r *http.Request) (string, error) {
	user := strings.TrimSpace(r.Header.Get(a.Header))
	if user != "" {
		return user, nil
	}
	if a.Debug && a.DebugUser != "" {
		return a.DebugUser, nil
	}
	return "", ErrNoIdentity
}

// InGroup reports whether the user belongs to the group. With no checker
// configured, membership is denied.
func (a *Identity) InGroup(user, group string) bool {
	if a.GroupChecker == nil {
		return false
	}
	return a.GroupChecker(user, group)
}

// IsAdmin reports whether the user may use admin operations.
func (a *Identity) IsAdmin(user string) bool {
	return a.AdminGroup != "" && a.InGroup(user, a.AdminGroup)
}

// Groups returns all groups the user belongs to out of the candidates.
func (a *Identity) Groups(user string, candidates []string) []string {
	var out []string
	for _, g := range candidates {
		if a.InGroup(user, g) {
			out = append(out, g)
		}
	}
	return out
}

// GroupChecker answers whether a user belongs to a group. The directory
// behind it (LDAP, OIDC claims, a static map) is deployment-specific.
type GroupChecker func(user, group string) bool

// StaticGroups builds a GroupChecker from a fixed user→groups map.
func StaticGroups(m map[string][]string) GroupChecker {
	return func(user, group string) bool {
		for _, g := range m[user] {
			if g == group {
				return true
			}
		}
		return false
	}
}

// OriginAllowed checks a WebSocket Origin header against the allowlist.
// An empty allowlist disables the check.
func OriginAllowed(origin string, allowlist []string) bool {
	if len(allowlist) == 0 {
		return true
	}
	for _, allowed := range allowlist {
		if strings.EqualFold(origin, allowed) {
			return true
		}
	}
	return false
}
