package model

import "strings"

// Well-known capabilities checked by the workflow engine.
const (
	// CapabilityWorkflowAdmin overrides assignment checks on every instance.
	CapabilityWorkflowAdmin = "workflow:admin"
	// CapabilityDefinitionEdit allows authoring definitions.
	CapabilityDefinitionEdit = "workflow:definition:edit"
	// CapabilityWorkflowStart allows starting workflows on targets.
	CapabilityWorkflowStart = "workflow:start"
)

// CapabilitySet is a set of capabilities granted to a member. Each key is a
// capability string (e.g. "workflow:definition:edit") and may include
// wildcards (e.g. "workflow:*").
type CapabilitySet map[string]bool

// Has returns true if the set contains the exact capability or a wildcard
// that matches it.
func (cs CapabilitySet) Has(cap string) bool {
	if cs[cap] {
		return true
	}
	for pattern := range cs {
		if matchWildcard(pattern, cap) {
			return true
		}
	}
	return false
}

// HasAll returns true if the set matches all given capabilities (including
// via wildcards).
func (cs CapabilitySet) HasAll(caps ...string) bool {
	for _, cap := range caps {
		if !cs.Has(cap) {
			return false
		}
	}
	return true
}

// HasAny returns true if the set matches at least one of the given
// capabilities (including via wildcards).
func (cs CapabilitySet) HasAny(caps ...string) bool {
	for _, cap := range caps {
		if cs.Has(cap) {
			return true
		}
	}
	return false
}

// matchWildcard returns true if pattern (which may end in "*") matches cap.
//
//	"*"                   matches anything
//	"workflow:*"          matches "workflow:definition:edit"
//	"workflow:definition" does NOT match "workflow:definition:edit"
func matchWildcard(pattern, cap string) bool {
	if pattern == "*" {
		return true
	}
	if !strings.HasSuffix(pattern, ":*") {
		return false
	}
	prefix := pattern[:len(pattern)-1]
	return strings.HasPrefix(cap, prefix)
}

// CapabilityResolver resolves the full capability set for a request context.
type CapabilityResolver interface {
	// Resolve returns all capabilities for the given member.
	Resolve(rctx *RequestContext) (CapabilitySet, error)

	// Invalidate clears cached capabilities for the given member.
	Invalidate(subjectID string)
}

// PolicyEvaluator is the backend implementation that resolves capabilities
// from roles and groups.
type PolicyEvaluator interface {
	// ResolveCapabilities returns the full capability set for the given context.
	ResolveCapabilities(rctx *RequestContext) (CapabilitySet, error)

	// Sync refreshes policy data from the external source.
	Sync() error
}
