// Package topology loads constellation documents: the ordered phases of a
// run, the agent roles in each phase and the hooks around them.
//
// Roles are resolved once when a document is loaded. Each agent is either a
// matcher, which emits a structured payload of a known kind, or a critic,
// which reviews and approves. A phase has at most one critic; when it has
// one, only the critic's approval ends the phase.
package topology

import (
	"strings"

	"github.com/tjfontaine/matchbench/internal/payload"
)

// RoleKind is the resolved function of an agent within its phase.
type RoleKind string

const (
	RoleMatcher RoleKind = "matcher"
	RoleCritic  RoleKind = "critic"
)

// Agent is one resolved agent binding.
type Agent struct {
	Role      string
	PromptKey string
	Kind      RoleKind
	// Output is the payload kind a matcher emits. Empty for critics.
	Output payload.Kind
	// Reviews is the matcher role a critic reviews. Empty for matchers.
	Reviews string
	Tools   []string
}

// IsCritic reports whether the agent is the phase's critic.
func (a Agent) IsCritic() bool { return a.Kind == RoleCritic }

// Phase is one conversation plus its capacity hooks.
type Phase struct {
	Name                 string
	Description          string
	Agents               []Agent
	CapacityUpdateBefore bool
	CapacityUpdateAfter  bool
}

// Critic returns the phase's critic, if any.
func (p Phase) Critic() (Agent, bool) {
	for _, a := range p.Agents {
		if a.IsCritic() {
			return a, true
		}
	}
	return Agent{}, false
}

// Matchers returns the phase's matchers in declared order.
func (p Phase) Matchers() []Agent {
	var out []Agent
	for _, a := range p.Agents {
		if a.Kind == RoleMatcher {
			out = append(out, a)
		}
	}
	return out
}

// Terminator returns the agent whose approval ends the phase: the critic
// when there is one, otherwise the last matcher.
func (p Phase) Terminator() Agent {
	if c, ok := p.Critic(); ok {
		return c
	}
	m := p.Matchers()
	if len(m) == 0 {
		return Agent{}
	}
	return m[len(m)-1]
}

// Outputs returns the payload kinds emitted by the phase's matchers, in
// declared order without duplicates.
func (p Phase) Outputs() []payload.Kind {
	var out []payload.Kind
	for _, m := range p.Matchers() {
		if !containsKind(out, m.Output) {
			out = append(out, m.Output)
		}
	}
	return out
}

// Emits reports whether any matcher in the phase emits kind.
func (p Phase) Emits(kind payload.Kind) bool {
	return containsKind(p.Outputs(), kind)
}

// Agent returns the agent bound to role.
func (p Phase) Agent(role string) (Agent, bool) {
	for _, a := range p.Agents {
		if a.Role == role {
			return a, true
		}
	}
	return Agent{}, false
}

// Constellation is a resolved topology document.
type Constellation struct {
	Name          string
	Description   string
	Phases        []Phase
	PromptVariant string
	TimingColumns []string
	// Source is the file the constellation was loaded from, if any.
	Source string
}

// Phase returns the phase called name.
func (c *Constellation) Phase(name string) (Phase, bool) {
	for _, p := range c.Phases {
		if p.Name == name {
			return p, true
		}
	}
	return Phase{}, false
}

// PromptKeys returns every prompt key referenced by the constellation.
func (c *Constellation) PromptKeys() []string {
	seen := make(map[string]bool)
	var keys []string
	for _, p := range c.Phases {
		for _, a := range p.Agents {
			if a.PromptKey != "" && !seen[a.PromptKey] {
				seen[a.PromptKey] = true
				keys = append(keys, a.PromptKey)
			}
		}
	}
	return keys
}

// Tools returns every tool name referenced by the constellation.
func (c *Constellation) Tools() []string {
	seen := make(map[string]bool)
	var tools []string
	for _, p := range c.Phases {
		for _, a := range p.Agents {
			for _, t := range a.Tools {
				if !seen[t] {
					seen[t] = true
					tools = append(tools, t)
				}
			}
		}
	}
	return tools
}

func containsKind(kinds []payload.Kind, k payload.Kind) bool {
	for _, have := range kinds {
		if have == k {
			return true
		}
	}
	return false
}

// inferKind resolves a role name that has no explicit kind.
func inferKind(role string) RoleKind {
	lower := strings.ToLower(role)
	switch {
	case strings.Contains(lower, "critic"):
		return RoleCritic
	case strings.Contains(lower, "matcher"):
		return RoleMatcher
	}
	return ""
}

// inferOutput maps a matcher role ending in 1 or 2 to the payload it emits.
func inferOutput(role string) payload.Kind {
	switch {
	case strings.HasSuffix(role, "1"):
		return payload.KindMatches
	case strings.HasSuffix(role, "2"):
		return payload.KindPurchaseOrders
	}
	return ""
}
