package testutil

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/tjfontaine/matchbench/internal/domain"
)

// Reply is one canned provider response.
type Reply struct {
	Content   string
	ToolCalls []domain.ToolCall
	Err       error
	Delay     time.Duration
}

// Say returns a plain text reply.
func Say(content string) Reply {
	return Reply{Content: content}
}

// Fail returns a reply that fails with err.
func Fail(err error) Reply {
	return Reply{Err: err}
}

// CallTool returns a reply requesting a single tool invocation.
func CallTool(id, name, args string) Reply {
	return Reply{ToolCalls: []domain.ToolCall{{ID: id, Name: name, Arguments: args}}}
}

// ScriptFunc computes a reply from the request.
type ScriptFunc func(req *domain.ChatRequest) Reply

// ScriptedProvider replays canned turns per agent role. Replies for a role
// are consumed in order; the last one repeats once the script runs out.
type ScriptedProvider struct {
	mu       sync.Mutex
	replies  map[string][]Reply
	funcs    map[string]ScriptFunc
	requests map[string][]*domain.ChatRequest
	order    []string
}

// NewScriptedProvider creates an empty scripted provider.
func NewScriptedProvider() *ScriptedProvider {
	return &ScriptedProvider{
		replies:  make(map[string][]Reply),
		funcs:    make(map[string]ScriptFunc),
		requests: make(map[string][]*domain.ChatRequest),
	}
}

// On appends replies to an agent's script.
func (p *ScriptedProvider) On(agent string, replies ...Reply) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replies[agent] = append(p.replies[agent], replies...)
	return p
}

// OnFunc makes an agent's replies computed from each request.
func (p *ScriptedProvider) OnFunc(agent string, fn ScriptFunc) *ScriptedProvider {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.funcs[agent] = fn
	return p
}

func (p *ScriptedProvider) Name() string { return "scripted" }

func (p *ScriptedProvider) Complete(ctx context.Context, req *domain.ChatRequest) (*domain.ChatResponse, error) {
	p.mu.Lock()
	clone := *req
	clone.Messages = append([]domain.Message(nil), req.Messages...)
	p.requests[req.Agent] = append(p.requests[req.Agent], &clone)
	p.order = append(p.order, req.Agent)
	n := len(p.requests[req.Agent])

	var reply Reply
	if fn, ok := p.funcs[req.Agent]; ok {
		p.mu.Unlock()
		reply = fn(&clone)
	} else {
		script := p.replies[req.Agent]
		p.mu.Unlock()
		if len(script) == 0 {
			return nil, domain.ErrInvalidRequest(fmt.Sprintf("no script for agent %q", req.Agent))
		}
		idx := n - 1
		if idx >= len(script) {
			idx = len(script) - 1
		}
		reply = script[idx]
	}

	if reply.Delay > 0 {
		select {
		case <-time.After(reply.Delay):
		case <-ctx.Done():
			return nil, domain.ErrProviderTimeout(ctx.Err().Error()).WithCause(ctx.Err())
		}
	}
	if reply.Err != nil {
		return nil, reply.Err
	}

	finish := "stop"
	if len(reply.ToolCalls) > 0 {
		finish = "tool_calls"
	}
	return &domain.ChatResponse{
		ID:    fmt.Sprintf("scripted-%s-%d", req.Agent, n),
		Model: req.Model,
		Message: domain.Message{
			Role:      domain.RoleAssistant,
			Content:   reply.Content,
			ToolCalls: reply.ToolCalls,
		},
		FinishReason: finish,
		Usage:        domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		Latency:      time.Millisecond,
	}, nil
}

// Calls returns how many requests an agent has made.
func (p *ScriptedProvider) Calls(agent string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests[agent])
}

// Requests returns the requests an agent has made, oldest first.
func (p *ScriptedProvider) Requests(agent string) []*domain.ChatRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*domain.ChatRequest(nil), p.requests[agent]...)
}

// Order returns the agent names in call order.
func (p *ScriptedProvider) Order() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.order...)
}
