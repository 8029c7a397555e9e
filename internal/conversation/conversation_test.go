package conversation_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/matchbench/internal/agent"
	"github.com/tjfontaine/matchbench/internal/conversation"
	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/payload"
	"github.com/tjfontaine/matchbench/internal/testutil"
	"github.com/tjfontaine/matchbench/internal/topology"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const (
	validMatch   = "```json\n[{\"registration_id\":\"R1\",\"supplier_id\":\"S1\",\"matched\":true,\"justification\":\"serves 55407\"}]\n```"
	otherMatch   = "```json\n[{\"registration_id\":\"R1\",\"supplier_id\":\"S2\",\"matched\":true,\"justification\":\"cheaper\"}]\n```"
	invalidMatch = "```json\n[{\"registration_id\":\"R1\",\"matched\":true,\"colour\":\"blue\"}]\n```"
)

func criticPhase() topology.Phase {
	return topology.Phase{
		Name: "phase1",
		Agents: []topology.Agent{
			{Role: "matcher1", Kind: topology.RoleMatcher, Output: payload.KindMatches},
			{Role: "critic", Kind: topology.RoleCritic, Reviews: "matcher1"},
		},
	}
}

func soloPhase() topology.Phase {
	return topology.Phase{
		Name:   "phase1",
		Agents: []topology.Agent{{Role: "matcher1", Kind: topology.RoleMatcher, Output: payload.KindMatches}},
	}
}

func group(t *testing.T, phase topology.Phase, script *testutil.ScriptedProvider, opts ...conversation.Option) *conversation.Group {
	t.Helper()
	var members []conversation.Participant
	for _, a := range phase.Agents {
		members = append(members, agent.New(agent.Config{Role: a.Role}, script, quiet))
	}
	g, err := conversation.New(phase, members, append([]conversation.Option{conversation.WithLogger(quiet)}, opts...)...)
	require.NoError(t, err)
	return g
}

func speakers(turns []domain.Turn) []string {
	out := make([]string, len(turns))
	for i, t := range turns {
		out[i] = t.Speaker
	}
	return out
}

func TestApproves(t *testing.T) {
	tests := []struct {
		content string
		want    bool
	}{
		{"APPROVE", true},
		{"Looks right.\nAPPROVE", true},
		{"I APPROVE.", true},
		{"DISAPPROVE", false},
		{"approve", false},
		{"APPROVED", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, conversation.Approves(tt.content), tt.content)
	}
}

func TestOnlyCriticApprovalTerminates(t *testing.T) {
	script := testutil.NewScriptedProvider().
		On("matcher1", testutil.Say(validMatch+"\nAPPROVE")).
		On("critic", testutil.Say("Check the region again."), testutil.Say("APPROVE"))

	res, err := group(t, criticPhase(), script).Run(context.Background(), "Matcher1: match R1")
	require.NoError(t, err)

	assert.Equal(t, conversation.OutcomeApproved, res.Outcome)
	assert.False(t, res.Degraded)
	assert.Equal(t, []string{"user", "matcher1", "critic", "matcher1", "critic"}, speakers(res.Transcript))
	require.NotNil(t, res.Payload(payload.KindMatches))
	assert.Equal(t, "S1", res.Payload(payload.KindMatches).Matches[0].SupplierID)
	assert.NotEmpty(t, res.Transcript[1].Payload)
	assert.Equal(t, 60, res.Usage.TotalTokens)
}

func TestSoleMatcherApprovalTerminates(t *testing.T) {
	script := testutil.NewScriptedProvider().On("matcher1", testutil.Say(validMatch+"\nAPPROVE"))

	res, err := group(t, soloPhase(), script).Run(context.Background(), "task")
	require.NoError(t, err)

	assert.Equal(t, conversation.OutcomeApproved, res.Outcome)
	assert.Len(t, res.Transcript, 2)
	assert.Equal(t, 1, script.Calls("matcher1"))
}

func TestMessageCapFallsBackToLastPayload(t *testing.T) {
	script := testutil.NewScriptedProvider().
		On("matcher1", testutil.Say(validMatch), testutil.Say(otherMatch), testutil.Say("thinking")).
		On("critic", testutil.Say("Not yet."))

	res, err := group(t, criticPhase(), script).Run(context.Background(), "task")
	require.NoError(t, err)

	assert.Equal(t, conversation.OutcomeMessageCap, res.Outcome)
	assert.True(t, res.Degraded)
	assert.Len(t, res.Transcript, conversation.DefaultMaxMessages)
	assert.Equal(t, 5, script.Calls("matcher1"))
	assert.Equal(t, 4, script.Calls("critic"))
	// The latest valid payload wins even though later turns carried none.
	assert.Equal(t, "S2", res.Payload(payload.KindMatches).Matches[0].SupplierID)
}

func TestMessageCapWithoutPayloadIsMatchFailure(t *testing.T) {
	script := testutil.NewScriptedProvider().
		On("matcher1", testutil.Say("I need more information.")).
		On("critic", testutil.Say("Keep going."))

	res, err := group(t, criticPhase(), script, conversation.WithMaxMessages(4)).Run(context.Background(), "task")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindMatchFailure))
	assert.Len(t, res.Transcript, 4)
	assert.Nil(t, res.Payload(payload.KindMatches))
}

func TestApprovalWithMalformedPayloadRepromptsOnce(t *testing.T) {
	script := testutil.NewScriptedProvider().
		On("matcher1", testutil.Say(invalidMatch), testutil.Say(validMatch)).
		On("critic", testutil.Say("APPROVE"))

	res, err := group(t, criticPhase(), script).Run(context.Background(), "task")
	require.NoError(t, err)

	assert.Equal(t, conversation.OutcomeApproved, res.Outcome)
	assert.True(t, res.Reprompted)
	assert.Equal(t, []string{"user", "matcher1", "critic", "user", "matcher1", "critic"}, speakers(res.Transcript))
	assert.NotEmpty(t, res.Transcript[1].PayloadError)
	assert.Contains(t, res.Transcript[3].Content, "cannot be accepted")
}

func TestSecondMalformedApprovalFallsBack(t *testing.T) {
	script := testutil.NewScriptedProvider().
		On("matcher1", testutil.Say(validMatch), testutil.Say(invalidMatch)).
		On("critic", testutil.Say("Try again."), testutil.Say("APPROVE"))

	res, err := group(t, criticPhase(), script).Run(context.Background(), "task")
	require.NoError(t, err)

	// matcher1 valid, critic, matcher1 invalid, critic approves -> re-prompt,
	// matcher1 invalid again, critic approves -> fallback.
	assert.Equal(t, conversation.OutcomeMalformed, res.Outcome)
	assert.True(t, res.Degraded)
	assert.True(t, res.Reprompted)
	assert.Len(t, res.Transcript, 8)
	assert.Equal(t, "S1", res.Payload(payload.KindMatches).Matches[0].SupplierID)
}

func TestCheckRejectionReprompts(t *testing.T) {
	onlyS1 := func(kind payload.Kind, p *payload.Payload) error {
		if p.Matches[0].SupplierID != "S1" {
			return errors.New("supplier_id must be S1")
		}
		return nil
	}

	t.Run("corrected", func(t *testing.T) {
		script := testutil.NewScriptedProvider().
			On("matcher1", testutil.Say(otherMatch+"\nAPPROVE"), testutil.Say(validMatch+"\nAPPROVE"))

		res, err := group(t, soloPhase(), script, conversation.WithCheck(onlyS1)).Run(context.Background(), "task")
		require.NoError(t, err)
		assert.Equal(t, conversation.OutcomeApproved, res.Outcome)
		assert.True(t, res.Reprompted)
		assert.Equal(t, "supplier_id must be S1", res.Transcript[1].PayloadError)
		assert.Contains(t, res.Transcript[2].Content, "supplier_id must be S1")
		assert.Equal(t, "S1", res.Payload(payload.KindMatches).Matches[0].SupplierID)
	})

	t.Run("still rejected", func(t *testing.T) {
		script := testutil.NewScriptedProvider().On("matcher1", testutil.Say(otherMatch+"\nAPPROVE"))

		res, err := group(t, soloPhase(), script, conversation.WithCheck(onlyS1)).Run(context.Background(), "task")
		require.NoError(t, err)
		assert.Equal(t, conversation.OutcomeMalformed, res.Outcome)
		assert.True(t, res.Degraded)
		assert.Equal(t, 2, script.Calls("matcher1"))
		// The rejected payload is handed back for the caller to decide on.
		assert.Equal(t, "S2", res.Payload(payload.KindMatches).Matches[0].SupplierID)
	})
}

func TestRepromptExhaustedWithoutPayload(t *testing.T) {
	script := testutil.NewScriptedProvider().On("matcher1", testutil.Say("Done.\nAPPROVE"))

	res, err := group(t, soloPhase(), script).Run(context.Background(), "task")
	require.Error(t, err)

	var derr *domain.Error
	require.ErrorAs(t, err, &derr)
	assert.Equal(t, domain.KindMatchFailure, derr.Kind)
	assert.Equal(t, domain.ErrorCodeRepromptExhausted, derr.Code)
	assert.Equal(t, conversation.OutcomeMalformed, res.Outcome)
	assert.Equal(t, 2, script.Calls("matcher1"))
}

func TestProviderErrorEndsConversation(t *testing.T) {
	script := testutil.NewScriptedProvider().
		On("matcher1", testutil.Say(validMatch)).
		On("critic", testutil.Fail(domain.ErrProviderTimeout("deadline exceeded")))

	res, err := group(t, criticPhase(), script).Run(context.Background(), "task")
	assert.True(t, domain.IsKind(err, domain.KindProviderTimeout))
	assert.Len(t, res.Transcript, 2)
}

func TestCancelledContextStopsBeforeNextTurn(t *testing.T) {
	script := testutil.NewScriptedProvider().On("matcher1", testutil.Say(validMatch+"\nAPPROVE"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := group(t, soloPhase(), script).Run(ctx, "task")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, script.Calls("matcher1"))
}

func TestNewRequiresEveryRole(t *testing.T) {
	script := testutil.NewScriptedProvider()
	_, err := conversation.New(criticPhase(), []conversation.Participant{
		agent.New(agent.Config{Role: "matcher1"}, script, quiet),
	})
	assert.True(t, domain.IsKind(err, domain.KindConfiguration))
}

// wordCounter counts whitespace-separated words as tokens.
type wordCounter struct{}

func (wordCounter) Count(_, text string) (int, error) { return len(strings.Fields(text)), nil }

func (wordCounter) Truncate(_, text string, max int) (string, error) {
	words := strings.Fields(text)
	if len(words) > max {
		words = words[:max]
	}
	return strings.Join(words, " "), nil
}

func (wordCounter) SupportsModel(string) bool { return true }

func TestTaskTruncation(t *testing.T) {
	script := testutil.NewScriptedProvider().On("matcher1", testutil.Say(validMatch+"\nAPPROVE"))
	task := strings.Repeat("offer ", 1500)

	res, err := group(t, soloPhase(), script,
		conversation.WithTokenLimit(wordCounter{}, "gpt-4o", 1200)).Run(context.Background(), task)
	require.NoError(t, err)

	assert.True(t, res.Truncated)
	assert.Len(t, strings.Fields(res.Transcript[0].Content), 200)
	sent := script.Requests("matcher1")[0].Messages[0].Content
	assert.Equal(t, res.Transcript[0].Content, sent)
}
