package topology

import (
	"errors"
	"fmt"

	"github.com/tjfontaine/matchbench/internal/domain"
)

// Validate checks the constellation as a whole and returns every problem
// found, joined. When prompts is non-nil each prompt key must resolve in it;
// when knownTools is non-nil each declared tool must be one of them.
func (c *Constellation) Validate(prompts PromptSource, knownTools []string) error {
	var errs []error
	fail := func(code domain.ErrorCode, param, format string, args ...any) {
		errs = append(errs, domain.ErrConfiguration(fmt.Sprintf(format, args...)).
			WithCode(code).
			WithParam(param))
	}

	if c.Name == "" {
		fail(domain.ErrorCodeInvalidTopology, "name", "constellation has no name")
	}
	if len(c.Phases) == 0 {
		fail(domain.ErrorCodeInvalidTopology, "phases", "constellation %q has no phases", c.Name)
	}
	if len(c.TimingColumns) != len(c.Phases) {
		fail(domain.ErrorCodeInvalidTopology, "timing.columns",
			"timing.columns has %d entries for %d phases", len(c.TimingColumns), len(c.Phases))
	}

	tools := make(map[string]bool, len(knownTools))
	for _, t := range knownTools {
		tools[t] = true
	}
	checked := make(map[string]bool)
	phaseNames := make(map[string]bool)

	for i, p := range c.Phases {
		if p.Name == "" {
			fail(domain.ErrorCodeInvalidTopology, "phases", "phase %d has no name", i)
		} else if phaseNames[p.Name] {
			fail(domain.ErrorCodeInvalidTopology, p.Name, "duplicate phase name %q", p.Name)
		}
		phaseNames[p.Name] = true

		if len(p.Matchers()) == 0 {
			fail(domain.ErrorCodeInvalidTopology, p.Name, "phase %s has no matcher", p.Name)
		}

		critics := 0
		roles := make(map[string]bool)
		for _, a := range p.Agents {
			if roles[a.Role] {
				fail(domain.ErrorCodeInvalidTopology, a.Role, "phase %s: role %q declared twice", p.Name, a.Role)
			}
			roles[a.Role] = true

			if a.IsCritic() {
				critics++
				if critics == 2 {
					fail(domain.ErrorCodeDuplicateCritic, p.Name, "phase %s has more than one critic", p.Name)
				}
			}

			if a.PromptKey == "" {
				fail(domain.ErrorCodeUnknownPromptKey, a.Role, "phase %s: role %q has no prompt_key", p.Name, a.Role)
			} else if prompts != nil && !checked[a.PromptKey] {
				checked[a.PromptKey] = true
				if _, err := prompts.Prompt(a.PromptKey); err != nil {
					errs = append(errs, err)
				}
			}

			if knownTools != nil {
				for _, t := range a.Tools {
					if !tools[t] {
						fail(domain.ErrorCodeUnknownTool, t, "phase %s: role %q uses unknown tool %q", p.Name, a.Role, t)
					}
				}
			}
		}

		for _, a := range p.Agents {
			if a.IsCritic() {
				if _, ok := p.Agent(a.Reviews); !ok {
					fail(domain.ErrorCodeUnknownRole, a.Role, "phase %s: critic %q reviews unknown role %q", p.Name, a.Role, a.Reviews)
				}
			}
		}
	}

	return errors.Join(errs...)
}
