package topology

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/payload"
)

type document struct {
	Name        string          `koanf:"name"`
	Description string          `koanf:"description"`
	Phases      []phaseDocument `koanf:"phases"`
	Prompts     struct {
		Variant string `koanf:"variant"`
	} `koanf:"prompts"`
	Timing struct {
		Columns []string `koanf:"columns"`
	} `koanf:"timing"`
}

type phaseDocument struct {
	Name                 string          `koanf:"name"`
	Description          string          `koanf:"description"`
	Agents               []agentDocument `koanf:"agents"`
	CapacityUpdateBefore bool            `koanf:"capacity_update_before"`
	CapacityUpdateAfter  bool            `koanf:"capacity_update_after"`
}

type agentDocument struct {
	Role      string   `koanf:"role"`
	PromptKey string   `koanf:"prompt_key"`
	Kind      string   `koanf:"kind"`
	Output    string   `koanf:"output"`
	Reviews   string   `koanf:"reviews"`
	Tools     []string `koanf:"tools"`
}

// Path returns the location of the named constellation under dir.
func Path(dir, name string) string {
	return filepath.Join(dir, name+".yaml")
}

// LoadNamed loads the constellation called name from dir.
func LoadNamed(dir, name string) (*Constellation, error) {
	if name == "" {
		return nil, domain.ErrConfiguration("constellation name is empty").
			WithCode(domain.ErrorCodeInvalidTopology)
	}
	return Load(Path(dir, name))
}

// Load reads and resolves a constellation document. Role and output kinds
// are resolved here; problems with the document as a whole are reported by
// Validate.
func Load(path string) (*Constellation, error) {
	k := koanf.New(".")
	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, domain.ErrConfiguration(fmt.Sprintf("load constellation %s", path)).
			WithCode(domain.ErrorCodeInvalidTopology).
			WithParam(path).
			WithCause(err)
	}

	var doc document
	if err := k.Unmarshal("", &doc); err != nil {
		return nil, domain.ErrConfiguration(fmt.Sprintf("parse constellation %s", path)).
			WithCode(domain.ErrorCodeInvalidTopology).
			WithParam(path).
			WithCause(err)
	}

	c, err := resolve(doc)
	if err != nil {
		return nil, err
	}
	c.Source = path
	return c, nil
}

// resolve converts a document into typed phases, inferring role and output
// kinds where they are not explicit.
func resolve(doc document) (*Constellation, error) {
	c := &Constellation{
		Name:          doc.Name,
		Description:   doc.Description,
		PromptVariant: strings.TrimSpace(doc.Prompts.Variant),
		TimingColumns: doc.Timing.Columns,
	}

	var errs []error
	for _, pd := range doc.Phases {
		p := Phase{
			Name:                 pd.Name,
			Description:          pd.Description,
			CapacityUpdateBefore: pd.CapacityUpdateBefore,
			CapacityUpdateAfter:  pd.CapacityUpdateAfter,
		}
		for _, ad := range pd.Agents {
			a, err := resolveAgent(pd.Name, ad)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			p.Agents = append(p.Agents, a)
		}
		resolveReviews(&p)
		c.Phases = append(c.Phases, p)
	}

	if len(c.TimingColumns) == 0 {
		for _, p := range c.Phases {
			c.TimingColumns = append(c.TimingColumns, p.Name+"_time_seconds")
		}
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return c, nil
}

func resolveAgent(phase string, ad agentDocument) (Agent, error) {
	a := Agent{
		Role:      strings.TrimSpace(ad.Role),
		PromptKey: strings.TrimSpace(ad.PromptKey),
		Reviews:   strings.TrimSpace(ad.Reviews),
		Tools:     ad.Tools,
	}
	if a.Role == "" {
		return a, domain.ErrConfiguration(fmt.Sprintf("phase %s: agent without role", phase)).
			WithCode(domain.ErrorCodeUnknownRole)
	}

	kind := RoleKind(strings.ToLower(strings.TrimSpace(ad.Kind)))
	if kind == "" {
		kind = inferKind(a.Role)
	}
	switch kind {
	case RoleMatcher, RoleCritic:
		a.Kind = kind
	default:
		return a, domain.ErrConfiguration(fmt.Sprintf("phase %s: cannot resolve kind of role %q", phase, a.Role)).
			WithCode(domain.ErrorCodeUnknownRole).
			WithParam(a.Role)
	}

	if a.Kind == RoleMatcher {
		out := payload.Kind(strings.ToLower(strings.TrimSpace(ad.Output)))
		if out == "" {
			out = inferOutput(a.Role)
		}
		if !out.Valid() {
			return a, domain.ErrConfiguration(fmt.Sprintf("phase %s: cannot resolve output of matcher %q", phase, a.Role)).
				WithCode(domain.ErrorCodeUnknownRole).
				WithParam(a.Role)
		}
		a.Output = out
		a.Reviews = ""
	}
	return a, nil
}

// resolveReviews points each critic without an explicit target at the
// matcher sharing its trailing digit, falling back to the phase's first
// matcher.
func resolveReviews(p *Phase) {
	matchers := p.Matchers()
	for i := range p.Agents {
		a := &p.Agents[i]
		if !a.IsCritic() || a.Reviews != "" {
			continue
		}
		for _, m := range matchers {
			if suffix := lastDigit(a.Role); suffix != "" && lastDigit(m.Role) == suffix {
				a.Reviews = m.Role
				break
			}
		}
		if a.Reviews == "" && len(matchers) > 0 {
			a.Reviews = matchers[0].Role
		}
	}
}

func lastDigit(s string) string {
	if s == "" {
		return ""
	}
	if c := s[len(s)-1]; c >= '0' && c <= '9' {
		return string(c)
	}
	return ""
}
