// Package agent binds a role name to a system prompt, a model and an
// optional set of tools. An agent holds no conversation state: every turn is
// computed from the history it is handed.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/tjfontaine/matchbench/internal/domain"
)

// CompletionInstruction is appended to every system prompt.
const CompletionInstruction = "When you have completed your task, say 'APPROVE' to indicate completion."

// DefaultMaxToolIterations bounds the model calls of one turn.
const DefaultMaxToolIterations = 5

// Config describes one agent.
type Config struct {
	Role         string
	SystemPrompt string
	Model        string
	Tools        []Tool

	// MaxToolIterations defaults to DefaultMaxToolIterations.
	MaxToolIterations int
}

// Agent takes conversational turns on behalf of one role.
type Agent struct {
	role          string
	system        string
	model         string
	tools         []Tool
	byName        map[string]Tool
	maxIterations int

	provider domain.ChatProvider
	logger   *slog.Logger
}

// New creates an agent that speaks through provider.
func New(cfg Config, provider domain.ChatProvider, logger *slog.Logger) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	a := &Agent{
		role:          cfg.Role,
		system:        SystemPrompt(cfg.SystemPrompt),
		model:         cfg.Model,
		tools:         cfg.Tools,
		byName:        make(map[string]Tool, len(cfg.Tools)),
		maxIterations: cfg.MaxToolIterations,
		provider:      provider,
		logger:        logger.With(slog.String("agent", cfg.Role)),
	}
	if a.maxIterations <= 0 {
		a.maxIterations = DefaultMaxToolIterations
	}
	for _, t := range cfg.Tools {
		a.byName[t.Definition().Name] = t
	}
	return a
}

// SystemPrompt appends the completion instruction to prompt.
func SystemPrompt(prompt string) string {
	prompt = strings.TrimSpace(prompt)
	if prompt == "" {
		return CompletionInstruction
	}
	return prompt + "\n\n" + CompletionInstruction
}

// Role returns the agent's role name.
func (a *Agent) Role() string { return a.role }

// System returns the full system prompt sent with every request.
func (a *Agent) System() string { return a.system }

// TakeTurn produces the agent's next turn given the transcript so far. Tool
// calls requested by the model are executed and fed back until the model
// answers in text or the iteration bound is hit.
func (a *Agent) TakeTurn(ctx context.Context, history []domain.Turn) (domain.Turn, error) {
	req := &domain.ChatRequest{
		Agent:    a.role,
		Model:    a.model,
		System:   a.system,
		Messages: a.messages(history),
	}
	for _, t := range a.tools {
		req.Tools = append(req.Tools, t.Definition())
	}

	turn := domain.Turn{Speaker: a.role}
	for i := 0; i < a.maxIterations; i++ {
		resp, err := a.provider.Complete(ctx, req)
		if err != nil {
			return domain.Turn{}, fmt.Errorf("agent %s: %w", a.role, err)
		}
		turn.Latency += resp.Latency
		turn.Usage.Add(resp.Usage)

		if len(resp.Message.ToolCalls) == 0 {
			turn.Content = resp.Message.Content
			return turn, nil
		}

		req.Messages = append(req.Messages, domain.Message{
			Role:      domain.RoleAssistant,
			Content:   resp.Message.Content,
			ToolCalls: resp.Message.ToolCalls,
		})
		for _, call := range resp.Message.ToolCalls {
			inv := a.call(ctx, call)
			turn.ToolCalls = append(turn.ToolCalls, inv)

			result := inv.Result
			if inv.Error != "" {
				result = "error: " + inv.Error
			}
			req.Messages = append(req.Messages, domain.Message{
				Role:       domain.RoleTool,
				ToolCallID: call.ID,
				Content:    result,
			})
		}
	}

	return domain.Turn{}, domain.ErrInvalidRequest(
		fmt.Sprintf("agent %s: tool loop exceeded %d iterations", a.role, a.maxIterations)).
		WithParam(a.role)
}

// call executes one tool request. Failures are reported to the model, not
// to the caller.
func (a *Agent) call(ctx context.Context, call domain.ToolCall) domain.ToolInvocation {
	inv := domain.ToolInvocation{ID: call.ID, Name: call.Name, Arguments: call.Arguments}

	tool, ok := a.byName[call.Name]
	if !ok {
		inv.Error = fmt.Sprintf("%v: %s", ErrToolNotAllowed, call.Name)
		a.logger.Warn("model requested unavailable tool", slog.String("tool", call.Name))
		return inv
	}

	start := time.Now()
	out, err := tool.Call(ctx, call.Arguments)
	if err != nil {
		inv.Error = err.Error()
		a.logger.Warn("tool call failed",
			slog.String("tool", call.Name),
			slog.Duration("elapsed", time.Since(start)),
			slog.String("error", err.Error()))
		return inv
	}
	inv.Result = out
	a.logger.Debug("tool call completed",
		slog.String("tool", call.Name),
		slog.Duration("elapsed", time.Since(start)))
	return inv
}

// messages maps the transcript onto chat messages: the agent's own turns
// are assistant messages, everything else is a user message tagged with its
// speaker.
func (a *Agent) messages(history []domain.Turn) []domain.Message {
	out := make([]domain.Message, 0, len(history))
	for _, t := range history {
		if t.Speaker == a.role {
			out = append(out, domain.Message{Role: domain.RoleAssistant, Content: t.Content})
			continue
		}
		out = append(out, domain.Message{
			Role:    domain.RoleUser,
			Name:    speakerName(t.Speaker),
			Content: t.Content,
		})
	}
	return out
}

var nameUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// speakerName returns a name accepted by chat APIs.
func speakerName(s string) string {
	s = nameUnsafe.ReplaceAllString(s, "_")
	if len(s) > 64 {
		s = s[:64]
	}
	return s
}
