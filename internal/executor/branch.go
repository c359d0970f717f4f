package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// BranchRule selects Next when Fact equals Equals.
type BranchRule struct {
	// Fact is "<task>" for a dependency's whole output or "<task>.<key>" for
	// one field of a map output. "params.<key>" reads the decision task's own
	// params unless a dependency is named params.
	Fact   string   `json:"fact" jsonschema:"required"`
	Equals any      `json:"equals"`
	Next   []string `json:"next"`
}

// BranchParams configure a decision step. Rules are tried in order; if none
// matches, Default is used when set, otherwise Next.
type BranchParams struct {
	Rules   []BranchRule `json:"rules,omitempty"`
	Default []string     `json:"default,omitempty"`
	Next    []string     `json:"next,omitempty" jsonschema:"description=Dependents chosen when no rule applies"`
}

func (p BranchParams) Validate() error {
	for i, r := range p.Rules {
		if r.Fact == "" {
			return fmt.Errorf("rule %d: fact is required", i)
		}
	}
	return nil
}

// Targets returns every task the decision can select.
func (p BranchParams) Targets() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(names []string) {
		for _, n := range names {
			if !seen[n] {
				seen[n] = true
				out = append(out, n)
			}
		}
	}
	for _, r := range p.Rules {
		add(r.Next)
	}
	add(p.Default)
	add(p.Next)
	return out
}

func runBranch(_ context.Context, inv Invocation, p BranchParams) (any, error) {
	for _, rule := range p.Rules {
		value, ok := lookupFact(inv, rule.Fact)
		if !ok {
			continue
		}
		if fmt.Sprint(value) == fmt.Sprint(rule.Equals) {
			return Decision{Next: append([]string(nil), rule.Next...)}, nil
		}
	}
	if p.Default != nil {
		return Decision{Next: append([]string(nil), p.Default...)}, nil
	}
	if p.Next == nil && len(p.Rules) > 0 {
		return nil, Permanent(errors.New("no branch rule matched and no default is set"))
	}
	return Decision{Next: append([]string(nil), p.Next...)}, nil
}

const ownParams = "params"

func lookupFact(inv Invocation, fact string) (any, bool) {
	taskName, key, nested := strings.Cut(fact, ".")
	value, ok := inv.Inputs[taskName]
	if !ok {
		if taskName != ownParams {
			return nil, false
		}
		value = inv.Task.Params
	}
	if !nested {
		return value, true
	}
	switch m := value.(type) {
	case map[string]any:
		v, ok := m[key]
		return v, ok
	case HTTPResult:
		switch key {
		case "statusCode":
			return m.StatusCode, true
		case "body":
			return m.Body, true
		}
	}
	return nil, false
}
