package conflicts

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/ashita-ai/kensa/internal/model"
)

// Rules names the agents each conflict rule consults.
type Rules struct {
	SafetyAgent    model.AgentCode   `yaml:"safety_agent"`
	IntegrityAgent model.AgentCode   `yaml:"integrity_agent"`
	Consensus      []model.AgentCode `yaml:"consensus"`
	// Agents is the dispatch list. Empty means every known agent. The gating
	// agents above are queried even when left out; see Dispatch.
	Agents []model.AgentCode `yaml:"agents"`
}

// DefaultRules returns SECURITY / DATABASE and the three-agent consensus set.
func DefaultRules() Rules {
	return Rules{
		SafetyAgent:    model.AgentSecurity,
		IntegrityAgent: model.AgentDatabase,
		Consensus:      []model.AgentCode{model.AgentSecurity, model.AgentDatabase, model.AgentTesting},
		Agents:         model.DefaultAgents(),
	}
}

func (r Rules) withDefaults() Rules {
	def := DefaultRules()
	if r.SafetyAgent == "" {
		r.SafetyAgent = def.SafetyAgent
	}
	if r.IntegrityAgent == "" {
		r.IntegrityAgent = def.IntegrityAgent
	}
	if len(r.Consensus) == 0 {
		r.Consensus = def.Consensus
	}
	if len(r.Agents) == 0 {
		r.Agents = def.Agents
	}
	return r
}

// Dispatch returns the agents to query for a verification: requested, or
// r.Agents when requested is empty, plus every agent a conflict rule gates
// on. A caller can widen the dispatch list but never drop the safety,
// integrity, or consensus agents from it.
func (r Rules) Dispatch(requested []model.AgentCode) []model.AgentCode {
	base := requested
	if len(base) == 0 {
		base = r.Agents
	}
	gating := append([]model.AgentCode{r.SafetyAgent, r.IntegrityAgent}, r.Consensus...)

	seen := make(map[model.AgentCode]bool, len(base)+len(gating))
	out := make([]model.AgentCode, 0, len(base)+len(gating))
	for _, c := range append(gating, base...) {
		if c == "" || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

// RuleSet holds the default rules plus overrides per work item type.
type RuleSet struct {
	Default       Rules            `yaml:"default"`
	WorkItemTypes map[string]Rules `yaml:"work_item_types"`
}

// For returns the rules for a work item type. Fields an override leaves empty
// are taken from the default rules.
func (rs RuleSet) For(workItemType string) Rules {
	base := rs.Default.withDefaults()
	o, ok := rs.WorkItemTypes[strings.ToLower(workItemType)]
	if !ok {
		return base
	}
	if o.SafetyAgent == "" {
		o.SafetyAgent = base.SafetyAgent
	}
	if o.IntegrityAgent == "" {
		o.IntegrityAgent = base.IntegrityAgent
	}
	if len(o.Consensus) == 0 {
		o.Consensus = base.Consensus
	}
	if len(o.Agents) == 0 {
		o.Agents = base.Agents
	}
	return o
}

// LoadRuleSet reads a YAML rule file. An empty path returns the defaults.
func LoadRuleSet(path string) (RuleSet, error) {
	if path == "" {
		return RuleSet{Default: DefaultRules()}, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return RuleSet{}, fmt.Errorf("conflicts: read rules: %w", err)
	}
	return ParseRuleSet(data)
}

// ParseRuleSet decodes and validates a YAML rule set. Agent codes are
// normalized to upper case and work item types to lower case.
func ParseRuleSet(data []byte) (RuleSet, error) {
	var rs RuleSet
	if err := yaml.Unmarshal(data, &rs); err != nil {
		return RuleSet{}, fmt.Errorf("conflicts: parse rules: %w", err)
	}

	var errs []error
	norm := func(scope string, r Rules) Rules {
		fix := func(c model.AgentCode) model.AgentCode {
			if c == "" {
				return c
			}
			p, err := model.ParseAgentCode(string(c))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", scope, err))
				return c
			}
			return p
		}
		r.SafetyAgent = fix(r.SafetyAgent)
		r.IntegrityAgent = fix(r.IntegrityAgent)
		for i := range r.Consensus {
			r.Consensus[i] = fix(r.Consensus[i])
		}
		for _, c := range append([]model.AgentCode{r.SafetyAgent, r.IntegrityAgent}, r.Consensus...) {
			if c.Advisory() {
				errs = append(errs, fmt.Errorf("%s: advisory agent %s cannot gate a verdict", scope, c))
			}
		}
		for i := range r.Agents {
			r.Agents[i] = fix(r.Agents[i])
		}
		return r
	}

	rs.Default = norm("default", rs.Default)
	types := make(map[string]Rules, len(rs.WorkItemTypes))
	for name, r := range rs.WorkItemTypes {
		types[strings.ToLower(name)] = norm("work_item_types."+name, r)
	}
	rs.WorkItemTypes = types

	if err := errors.Join(errs...); err != nil {
		return RuleSet{}, fmt.Errorf("conflicts: invalid rules: %w", err)
	}
	return rs, nil
}
