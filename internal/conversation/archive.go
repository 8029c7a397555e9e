package conversation

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tjfontaine/matchbench/internal/storage"
)

// archiveTimeout bounds how long archiving may take once a run is over.
const archiveTimeout = 5 * time.Second

// ArchiveInfo identifies the conversation being archived.
type ArchiveInfo struct {
	RunID          string
	RegistrationID string
	Phase          string
	Metadata       map[string]string
}

// Archive stores a finished conversation in the transcript store and returns
// its id. It logs failures without returning them: a missing transcript never
// fails a match.
func Archive(ctx context.Context, store storage.TranscriptStore, info ArchiveInfo, res *Result, logger *slog.Logger) string {
	if store == nil || res == nil {
		return ""
	}
	if logger == nil {
		logger = slog.Default()
	}

	// The run may already be cancelled; the transcript is still worth keeping.
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), archiveTimeout)
	defer cancel()

	convID := "conv_" + uuid.New().String()
	meta := make(map[string]string, len(info.Metadata)+2)
	for k, v := range info.Metadata {
		meta[k] = v
	}
	if res.Degraded {
		meta["degraded"] = "true"
	}
	if res.Truncated {
		meta["truncated"] = "true"
	}

	log := logger.With(
		slog.String("conversation_id", convID),
		slog.String("registration_id", info.RegistrationID),
		slog.String("phase", info.Phase))

	conv := &storage.Conversation{
		ID:             convID,
		RunID:          info.RunID,
		RegistrationID: info.RegistrationID,
		Phase:          info.Phase,
		Metadata:       meta,
	}
	if err := store.CreateConversation(persistCtx, conv); err != nil {
		log.Error("failed to archive conversation", slog.String("error", err.Error()))
		return ""
	}

	for i, t := range res.Transcript {
		st := &storage.StoredTurn{
			ID:               "turn_" + uuid.New().String(),
			Seq:              i,
			Speaker:          t.Speaker,
			Content:          t.Content,
			Payload:          t.Payload,
			LatencyMS:        t.Latency.Milliseconds(),
			PromptTokens:     t.Usage.PromptTokens,
			CompletionTokens: t.Usage.CompletionTokens,
		}
		if len(t.ToolCalls) > 0 {
			if raw, err := json.Marshal(t.ToolCalls); err == nil {
				st.ToolCalls = raw
			}
		}
		if err := store.AddTurn(persistCtx, convID, st); err != nil {
			log.Error("failed to archive turn",
				slog.Int("seq", i),
				slog.String("speaker", t.Speaker),
				slog.String("error", err.Error()))
		}
	}

	if err := store.FinishConversation(persistCtx, convID, string(res.Outcome)); err != nil {
		log.Error("failed to finish conversation", slog.String("error", err.Error()))
	}
	return convID
}
