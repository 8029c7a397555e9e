package conversation

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/storage/memory"
)

func TestArchivePersistsWithCancelledContext(t *testing.T) {
	store := memory.New()

	res := &Result{
		Outcome:  OutcomeMessageCap,
		Degraded: true,
		Transcript: []domain.Turn{
			{Speaker: domain.TaskSpeaker, Content: "match R1"},
			{
				Speaker: "matcher1",
				Content: "done",
				Payload: json.RawMessage(`[{"registration_id":"R1"}]`),
				ToolCalls: []domain.ToolInvocation{
					{ID: "call_1", Name: "fetch_incentives", Arguments: `{"zip_code":"55407"}`, Result: "{}"},
				},
				Latency: 1500 * time.Millisecond,
				Usage:   domain.Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
			},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // the run was interrupted

	id := Archive(ctx, store, ArchiveInfo{RunID: "run-1", RegistrationID: "R1", Phase: "phase1"}, res, nil)
	if id == "" {
		t.Fatal("expected a conversation id")
	}

	conv, err := store.GetConversation(context.Background(), id)
	if err != nil {
		t.Fatalf("expected conversation to be stored, got error: %v", err)
	}
	if conv.RunID != "run-1" || conv.Phase != "phase1" {
		t.Errorf("conversation = %+v", conv)
	}
	if conv.Outcome != string(OutcomeMessageCap) {
		t.Errorf("outcome = %q", conv.Outcome)
	}
	if conv.Metadata["degraded"] != "true" {
		t.Errorf("metadata = %v", conv.Metadata)
	}
	if len(conv.Turns) != 2 {
		t.Fatalf("expected 2 turns to be stored, got %d", len(conv.Turns))
	}
	got := conv.Turns[1]
	if got.Seq != 1 || got.LatencyMS != 1500 || got.PromptTokens != 10 {
		t.Errorf("turn = %+v", got)
	}
	if len(got.ToolCalls) == 0 {
		t.Error("tool calls were not archived")
	}
}

func TestArchiveWithoutStore(t *testing.T) {
	if id := Archive(context.Background(), nil, ArchiveInfo{}, &Result{}, nil); id != "" {
		t.Errorf("Archive() = %q, want empty", id)
	}
}
