package phase

import (
	"fmt"
	"log/slog"

	"github.com/tjfontaine/matchbench/internal/agent"
	"github.com/tjfontaine/matchbench/internal/conversation"
	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/topology"
)

// Cast builds the agents of a phase from resolved prompts, one provider and
// a shared toolbox.
type Cast struct {
	Provider domain.ChatProvider
	Model    string
	// Prompts maps prompt keys to system prompt text.
	Prompts map[string]string
	Tools   *agent.Toolbox
	Logger  *slog.Logger
}

// Participants returns one agent per role of phase, in declared order.
func (c *Cast) Participants(phase topology.Phase) ([]conversation.Participant, error) {
	logger := c.Logger
	if logger == nil {
		logger = slog.Default()
	}

	out := make([]conversation.Participant, 0, len(phase.Agents))
	for _, a := range phase.Agents {
		prompt, ok := c.Prompts[a.PromptKey]
		if !ok {
			return nil, domain.ErrConfiguration(fmt.Sprintf("phase %s: prompt key %q is not loaded", phase.Name, a.PromptKey)).
				WithCode(domain.ErrorCodeUnknownPromptKey).
				WithParam(a.PromptKey)
		}

		var tools []agent.Tool
		if len(a.Tools) > 0 {
			if c.Tools == nil {
				return nil, domain.ErrConfiguration(fmt.Sprintf("phase %s: role %s needs tools but none are registered", phase.Name, a.Role)).
					WithCode(domain.ErrorCodeUnknownTool)
			}
			selected, err := c.Tools.Select(a.Tools)
			if err != nil {
				return nil, domain.ErrConfiguration(fmt.Sprintf("phase %s: role %s: %v", phase.Name, a.Role, err)).
					WithCode(domain.ErrorCodeUnknownTool).
					WithCause(err)
			}
			tools = selected
		}

		out = append(out, agent.New(agent.Config{
			Role:         a.Role,
			SystemPrompt: prompt,
			Model:        c.Model,
			Tools:        tools,
		}, c.Provider, logger))
	}
	return out, nil
}
