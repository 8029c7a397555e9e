package openai

import (
	"context"
	"strings"
	"testing"

	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/testutil"
)

func TestProvider_Complete(t *testing.T) {
	r, cleanup := testutil.NewVCRRecorder(t, "openai_provider_complete")
	defer cleanup()

	p := New(testutil.EnvOr("OPENAI_API_KEY", "test-key"), WithHTTPClient(testutil.VCRHTTPClient(r)))

	req := &domain.ChatRequest{
		Agent:  "Matcher1",
		Model:  "gpt-4o-mini",
		System: "Match registrations to offers.",
		Messages: []domain.Message{
			{Role: domain.RoleUser, Content: "Matcher1: Match based on instructions in system prompt."},
		},
	}

	resp, err := p.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if !strings.HasSuffix(resp.Message.Content, "APPROVE") {
		t.Errorf("content = %q", resp.Message.Content)
	}
	if resp.Usage.TotalTokens != 248 {
		t.Errorf("usage = %+v", resp.Usage)
	}
	if resp.FinishReason != "stop" {
		t.Errorf("finish reason = %q", resp.FinishReason)
	}

	_, err = p.Complete(context.Background(), req)
	if !domain.IsKind(err, domain.KindProviderUnavailable) || !domain.IsRetryable(err) {
		t.Fatalf("error = %v, want retryable provider unavailable", err)
	}
}

func TestToAPIRequest(t *testing.T) {
	req := &domain.ChatRequest{
		Model:       "gpt-4o",
		System:      "be brief",
		Temperature: ptr(float32(0.2)),
		MaxTokens:   256,
		Messages: []domain.Message{
			{Role: domain.RoleUser, Name: "task", Content: "go"},
			{Role: domain.RoleAssistant, ToolCalls: []domain.ToolCall{{ID: "c1", Name: "fetch_incentives", Arguments: `{"zip_code":"55407"}`}}},
			{Role: domain.RoleTool, ToolCallID: "c1", Content: `{"incentives":[]}`},
		},
		Tools: []domain.ToolDefinition{{Name: "fetch_incentives", Parameters: map[string]any{"type": "object"}}},
	}

	got := toAPIRequest(req)

	if len(got.Messages) != 4 {
		t.Fatalf("got %d messages, want 4", len(got.Messages))
	}
	if got.Messages[0].Role != "system" || got.Messages[0].Content != "be brief" {
		t.Errorf("first message = %+v, want system prompt", got.Messages[0])
	}
	if got.Messages[1].Name != "task" {
		t.Errorf("name not carried: %+v", got.Messages[1])
	}
	calls := got.Messages[2].ToolCalls
	if len(calls) != 1 || calls[0].Type != "function" || calls[0].Function.Name != "fetch_incentives" {
		t.Errorf("tool calls = %+v", calls)
	}
	if got.Messages[3].ToolCallID != "c1" {
		t.Errorf("tool result = %+v", got.Messages[3])
	}
	if got.Temperature == nil || *got.Temperature != 0.2 {
		t.Errorf("temperature = %v", got.Temperature)
	}
	if len(got.Tools) != 1 || got.Tools[0].Type != "function" {
		t.Errorf("tools = %+v", got.Tools)
	}
}

func TestToAPIRequest_NoSystem(t *testing.T) {
	got := toAPIRequest(&domain.ChatRequest{Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}}})
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if got.Temperature != nil {
		t.Errorf("temperature should be omitted, got %v", *got.Temperature)
	}
}

func TestToAPIRequest_ZeroTemperature(t *testing.T) {
	got := toAPIRequest(&domain.ChatRequest{
		Messages:    []domain.Message{{Role: domain.RoleUser, Content: "hi"}},
		Temperature: ptr(float32(0)),
	})
	if got.Temperature == nil || *got.Temperature != 0 {
		t.Errorf("temperature = %v, want explicit 0", got.Temperature)
	}
}

func ptr[T any](v T) *T { return &v }
