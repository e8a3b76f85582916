package capability

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/advflow/model"
)

// Policy maps roles and groups to the capabilities they grant.
//
//	roles:
//	  editor: [workflow:start]
//	  admin: ["workflow:*"]
//	groups:
//	  legal: [workflow:start]
type Policy struct {
	Roles  map[string][]string `yaml:"roles"`
	Groups map[string][]string `yaml:"groups"`
}

// StaticPolicyEvaluator resolves capabilities from a Policy, optionally
// loaded from a YAML file.
type StaticPolicyEvaluator struct {
	path   string
	mu     sync.RWMutex
	policy Policy
}

// NewStaticPolicyEvaluator loads the policy at path.
func NewStaticPolicyEvaluator(path string) (*StaticPolicyEvaluator, error) {
	e := &StaticPolicyEvaluator{path: path}
	if err := e.Sync(); err != nil {
		return nil, err
	}
	return e, nil
}

// NewStaticPolicy creates an evaluator over an in-memory policy. Sync is a
// no-op for it.
func NewStaticPolicy(p Policy) *StaticPolicyEvaluator {
	return &StaticPolicyEvaluator{policy: p}
}

// ResolveCapabilities returns the union of the capabilities granted to the
// member's roles and groups.
func (e *StaticPolicyEvaluator) ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	caps := make(model.CapabilitySet)
	for _, role := range rctx.Roles {
		for _, c := range e.policy.Roles[role] {
			caps[c] = true
		}
	}
	for _, g := range rctx.Groups {
		for _, c := range e.policy.Groups[g] {
			caps[c] = true
		}
	}
	return caps, nil
}

// Sync reloads the policy file from disk.
func (e *StaticPolicyEvaluator) Sync() error {
	if e.path == "" {
		return nil
	}
	data, err := os.ReadFile(e.path)
	if err != nil {
		return fmt.Errorf("capability: reading policy file %s: %w", e.path, err)
	}

	var p Policy
	if err := yaml.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("capability: parsing policy file %s: %w", e.path, err)
	}

	e.mu.Lock()
	e.policy = p
	e.mu.Unlock()
	return nil
}
