package auth

import (
	"path"
	"strings"
)

// Scopes understood by the service.
const (
	ScopeRead  = "phi:read"
	ScopeWrite = "phi:write"
	ScopeAudit = "phi:audit"
)

// ParseScopes splits a space-separated OAuth-style scope claim.
func ParseScopes(claim string) []string {
	return strings.Fields(claim)
}

// HasScope reports whether any granted scope covers required.
func HasScope(granted []string, required string) bool {
	for _, g := range granted {
		if matchScope(g, required) {
			return true
		}
	}
	return false
}

// matchScope matches a required scope against a granted pattern.
//   - "phi:read" matches only itself
//   - "phi:*"    matches any scope in the phi namespace
//   - "*"        matches every scope
func matchScope(pattern, required string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == required {
		return true
	}
	if !strings.ContainsAny(pattern, "*?[") {
		return false
	}
	matched, err := path.Match(pattern, required)
	if err != nil {
		return false
	}
	return matched
}
