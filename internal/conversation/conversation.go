// Package conversation drives a fixed, ordered group of agents through
// rounds of turns until the phase's terminating role approves or the message
// cap is reached.
//
// Approval and payload validity are independent conditions. Only the
// terminating role (the phase critic, or the last matcher when the phase has
// no critic) can end a conversation, and it ends it as approved only when
// every payload kind the phase's matchers emit has a valid latest payload.
// An approval that arrives while a payload is missing or malformed earns a
// single corrective round; a second one falls back to the message-cap
// behaviour, which yields the last valid payloads flagged as degraded.
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/payload"
	"github.com/tjfontaine/matchbench/internal/topology"
)

// DefaultMaxMessages is the transcript length cap, task message included.
const DefaultMaxMessages = 10

// ApprovalToken is the word an authoritative agent emits to end a phase.
const ApprovalToken = "APPROVE"

// truncationMargin is the headroom left below the token limit when a task
// message is truncated.
const truncationMargin = 1000

var approval = regexp.MustCompile(`\b` + ApprovalToken + `\b`)

// Approves reports whether content carries the approval token as a word.
func Approves(content string) bool {
	return approval.MatchString(content)
}

// Participant takes turns in a conversation. *agent.Agent implements it.
type Participant interface {
	Role() string
	TakeTurn(ctx context.Context, history []domain.Turn) (domain.Turn, error)
}

// Outcome is how a conversation ended.
type Outcome string

const (
	OutcomeApproved   Outcome = "approved"
	OutcomeMessageCap Outcome = "message_cap"
	OutcomeMalformed  Outcome = "malformed_payload"
)

// Result is the outcome of one conversation.
type Result struct {
	Outcome    Outcome
	Transcript []domain.Turn
	// Payloads holds the last valid payload of each kind the phase emits.
	Payloads map[payload.Kind]*payload.Payload
	// Degraded is set when the output was taken without a valid approval.
	Degraded   bool
	Reprompted bool
	Truncated  bool
	Usage      domain.Usage
	Elapsed    time.Duration
}

// Payload returns the latest valid payload of kind, or nil.
func (r *Result) Payload(kind payload.Kind) *payload.Payload {
	if r == nil {
		return nil
	}
	return r.Payloads[kind]
}

// Option configures a Group.
type Option func(*Group)

// WithMaxMessages sets the transcript length cap.
func WithMaxMessages(n int) Option {
	return func(g *Group) {
		if n > 0 {
			g.maxMessages = n
		}
	}
}

// WithTokenLimit truncates task messages longer than limit tokens, counted
// with counter for model.
func WithTokenLimit(counter domain.TokenCounter, model string, limit int) Option {
	return func(g *Group) {
		g.tokens = counter
		g.model = model
		g.tokenLimit = limit
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Group) { g.logger = l }
}

// Check inspects a payload that passed validation. An error marks the
// payload malformed: it stays the latest of its kind but an approval
// triggers the corrective re-prompt.
type Check func(kind payload.Kind, p *payload.Payload) error

// WithCheck adds a payload check.
func WithCheck(c Check) Option {
	return func(g *Group) {
		if c != nil {
			g.checks = append(g.checks, c)
		}
	}
}

// WithTracer sets the tracer used for per-turn spans.
func WithTracer(t trace.Tracer) Option {
	return func(g *Group) { g.tracer = t }
}

type member struct {
	p       Participant
	binding topology.Agent
}

// Group is a phase's agents in speaking order.
type Group struct {
	phase      topology.Phase
	members    []member
	terminator string
	outputs    []payload.Kind

	maxMessages int
	tokens      domain.TokenCounter
	model       string
	tokenLimit  int
	checks      []Check
	logger      *slog.Logger
	tracer      trace.Tracer
}

// New binds participants to the phase's roles. Every role of the phase must
// have exactly one participant; the speaking order is the phase's declared
// order.
func New(phase topology.Phase, participants []Participant, opts ...Option) (*Group, error) {
	byRole := make(map[string]Participant, len(participants))
	for _, p := range participants {
		byRole[p.Role()] = p
	}

	g := &Group{
		phase:       phase,
		terminator:  phase.Terminator().Role,
		outputs:     phase.Outputs(),
		maxMessages: DefaultMaxMessages,
		logger:      slog.Default(),
		tracer:      otel.Tracer("github.com/tjfontaine/matchbench/internal/conversation"),
	}
	for _, opt := range opts {
		opt(g)
	}

	for _, a := range phase.Agents {
		p, ok := byRole[a.Role]
		if !ok {
			return nil, domain.ErrConfiguration(fmt.Sprintf("phase %s: no participant for role %s", phase.Name, a.Role)).
				WithCode(domain.ErrorCodeUnknownRole).
				WithParam(a.Role)
		}
		g.members = append(g.members, member{p: p, binding: a})
	}
	if len(g.members) == 0 || g.terminator == "" {
		return nil, domain.ErrConfiguration(fmt.Sprintf("phase %s has no terminating role", phase.Name)).
			WithCode(domain.ErrorCodeInvalidTopology)
	}
	return g, nil
}

// state tracks the payload bookkeeping of one run.
type state struct {
	latest    map[payload.Kind]*payload.Payload
	malformed map[payload.Kind]error
}

// problems lists why the phase output is not acceptable yet.
func (s *state) problems(kinds []payload.Kind) []string {
	var out []string
	for _, k := range kinds {
		if err := s.malformed[k]; err != nil {
			out = append(out, err.Error())
		} else if s.latest[k] == nil {
			out = append(out, fmt.Sprintf("no %s payload was provided in a ```json block", k))
		}
	}
	return out
}

// Run drives the conversation for task. A provider failure ends the run
// with the partial result and the error. When the conversation ends without
// approval and no valid payload was ever produced, the error is a
// MatchFailure.
func (g *Group) Run(ctx context.Context, task string) (*Result, error) {
	start := time.Now()
	res := &Result{}
	defer func() { res.Elapsed = time.Since(start) }()

	task, res.Truncated = g.truncate(task)
	res.Transcript = append(res.Transcript, domain.Turn{Speaker: domain.TaskSpeaker, Content: task})

	st := &state{
		latest:    make(map[payload.Kind]*payload.Payload),
		malformed: make(map[payload.Kind]error),
	}
	res.Payloads = st.latest

	for len(res.Transcript) < g.maxMessages {
		for _, m := range g.members {
			if len(res.Transcript) >= g.maxMessages {
				break
			}
			if err := ctx.Err(); err != nil {
				return res, err
			}

			turn, err := g.turn(ctx, m, res.Transcript)
			if err != nil {
				return res, err
			}
			res.Usage.Add(turn.Usage)

			if m.binding.Kind == topology.RoleMatcher {
				g.collect(m.binding, &turn, st)
			}
			res.Transcript = append(res.Transcript, turn)

			if m.binding.Role != g.terminator || !Approves(turn.Content) {
				continue
			}

			problems := st.problems(g.outputs)
			if len(problems) == 0 {
				res.Outcome = OutcomeApproved
				return res, nil
			}
			if res.Reprompted {
				g.logger.Warn("approval without a valid payload after re-prompt",
					slog.String("phase", g.phase.Name),
					slog.String("problems", strings.Join(problems, "; ")))
				return res, g.fallback(res, OutcomeMalformed)
			}

			res.Reprompted = true
			g.logger.Warn("re-prompting after approval without a valid payload",
				slog.String("phase", g.phase.Name),
				slog.String("role", m.binding.Role),
				slog.String("problems", strings.Join(problems, "; ")))
			if len(res.Transcript) < g.maxMessages {
				res.Transcript = append(res.Transcript, domain.Turn{
					Speaker: domain.TaskSpeaker,
					Content: corrective(problems),
				})
			}
			break
		}
	}

	g.logger.Warn("conversation reached message cap",
		slog.String("phase", g.phase.Name),
		slog.Int("max_messages", g.maxMessages))
	return res, g.fallback(res, OutcomeMessageCap)
}

// turn runs one participant turn under a span.
func (g *Group) turn(ctx context.Context, m member, history []domain.Turn) (domain.Turn, error) {
	ctx, span := g.tracer.Start(ctx, "conversation.turn",
		trace.WithAttributes(
			attribute.String("phase", g.phase.Name),
			attribute.String("agent", m.binding.Role),
			attribute.Int("history", len(history)),
		))
	defer span.End()

	turn, err := m.p.TakeTurn(ctx, history)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return domain.Turn{}, err
	}
	turn.Speaker = m.binding.Role
	span.SetAttributes(
		attribute.Int64("latency_ms", turn.Latency.Milliseconds()),
		attribute.Int("tokens", turn.Usage.TotalTokens),
		attribute.Bool("approve", Approves(turn.Content)),
	)
	g.logger.Debug("agent turn",
		slog.String("phase", g.phase.Name),
		slog.String("agent", m.binding.Role),
		slog.Duration("latency", turn.Latency),
		slog.Int("tool_calls", len(turn.ToolCalls)))
	return turn, nil
}

// collect validates the payload a matcher turn carries.
func (g *Group) collect(a topology.Agent, turn *domain.Turn, st *state) {
	p, err := payload.Parse(a.Output, turn.Content)
	switch {
	case err != nil:
		turn.PayloadError = err.Error()
		st.malformed[a.Output] = err
		g.logger.Debug("malformed payload",
			slog.String("phase", g.phase.Name),
			slog.String("agent", a.Role),
			slog.String("error", err.Error()))
	case p != nil:
		turn.Payload = p.Raw
		st.latest[a.Output] = p
		delete(st.malformed, a.Output)
		for _, check := range g.checks {
			if err := check(a.Output, p); err != nil {
				turn.PayloadError = err.Error()
				st.malformed[a.Output] = err
				g.logger.Debug("payload rejected",
					slog.String("phase", g.phase.Name),
					slog.String("agent", a.Role),
					slog.String("error", err.Error()))
				break
			}
		}
	}
}

// fallback ends a conversation that was not approved.
func (g *Group) fallback(res *Result, outcome Outcome) error {
	res.Outcome = outcome
	res.Degraded = true

	for _, k := range g.outputs {
		if res.Payloads[k] != nil {
			g.logger.Warn("using last payload without approval",
				slog.String("phase", g.phase.Name),
				slog.String("outcome", string(outcome)),
				slog.Int("messages", len(res.Transcript)))
			return nil
		}
	}

	code := domain.ErrorCodeMessageCapReached
	if outcome == OutcomeMalformed {
		code = domain.ErrorCodeRepromptExhausted
	}
	return domain.ErrMatchFailure(
		fmt.Sprintf("phase %s ended (%s) after %d messages without a valid payload", g.phase.Name, outcome, len(res.Transcript))).
		WithCode(code).
		WithParam(g.phase.Name)
}

// truncate cuts the task to the token budget.
func (g *Group) truncate(task string) (string, bool) {
	if g.tokens == nil || g.tokenLimit <= 0 {
		return task, false
	}
	n, err := g.tokens.Count(g.model, task)
	if err != nil || n <= g.tokenLimit {
		return task, false
	}
	target := g.tokenLimit - truncationMargin
	if target <= 0 {
		target = g.tokenLimit
	}
	out, err := g.tokens.Truncate(g.model, task, target)
	if err != nil {
		g.logger.Warn("task truncation failed", slog.String("error", err.Error()))
		return task, false
	}
	g.logger.Warn("task message truncated",
		slog.String("phase", g.phase.Name),
		slog.Int("tokens", n),
		slog.Int("limit", g.tokenLimit),
		slog.Int("target", target))
	return out, true
}

// corrective is the message added after an approval without a valid payload.
func corrective(problems []string) string {
	var b strings.Builder
	b.WriteString("The output was approved but cannot be accepted:\n")
	for _, p := range problems {
		b.WriteString("- ")
		b.WriteString(p)
		b.WriteString("\n")
	}
	b.WriteString("Reply with the corrected result as a JSON list in a ```json fenced block, then say 'APPROVE'.")
	return b.String()
}
