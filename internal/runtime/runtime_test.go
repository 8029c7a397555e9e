package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/matchbench/internal/config"
	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/runs"
	"github.com/tjfontaine/matchbench/internal/storage"
	"github.com/tjfontaine/matchbench/internal/testutil"
	"github.com/tjfontaine/matchbench/internal/workflow"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

const twoPhaseDoc = `name: p1m1_p2m2
phases:
  - name: phase1
    agents:
      - role: matcher1
        prompt_key: a_matcher
    capacity_update_after: true
  - name: phase2
    agents:
      - role: matcher2
        prompt_key: b_matcher
        tools: [fetch_incentives]
prompts:
  variant: no_critic
timing:
  columns: [matcher1_time_seconds, matcher2_time_seconds]
`

func writeFile(t *testing.T, path, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

// testConfig lays out a workspace with one constellation, its prompts and
// two registrations competing for a single-unit supplier.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()

	writeFile(t, filepath.Join(dir, "constellations", "p1m1_p2m2.yaml"), twoPhaseDoc)
	writeFile(t, filepath.Join(dir, "prompts", "sbus", "sbus_a_matcher.txt"), "Match the registration.")
	writeFile(t, filepath.Join(dir, "prompts", "sbus", "no_critic", "sbus_b_matcher.txt"), "Price the match.")

	return &config.Config{
		Provider: config.ProviderConfig{Type: "openai", Model: "gpt-4o-mini"},
		Run: config.RunConfig{
			BusinessLine:     "sbus",
			Constellation:    "p1m1_p2m2",
			ConstellationDir: filepath.Join(dir, "constellations"),
			PromptsDir:       filepath.Join(dir, "prompts"),
			Registrations: writeFile(t, filepath.Join(dir, "data", "registrations.json"),
				`[{"registration_id":"R1","zip_code":"55407","product_interests":["solar"],"owner_status":"homeowner"},`+
					`{"registration_id":"R2","zip_code":"55407","product_interests":["solar"],"owner_status":"homeowner"}]`),
			Offers: writeFile(t, filepath.Join(dir, "data", "offers.json"),
				`{"SupplierOffers":[{"SupplierID":"S1","Capacity":1,"Regions":["55407"],"Products":[{"ProductID":"P1","Name":"Solar 6kW","Type":"solar","BasePrice":12000}]}]}`),
			OutputDir:   filepath.Join(dir, "results"),
			MaxMessages: 10,
			BatchSize:   5,
			Concurrency: 1,
		},
		Storage: config.StorageConfig{Type: "file"},
	}
}

var (
	registrationInTask = regexp.MustCompile(`REGISTRATION: ` + "```" + `\[\{"registration_id":"([^"]+)"`)
	matchInTask        = regexp.MustCompile(`MATCHES: ` + "```" + `\[\{"registration_id":"([^"]+)","supplier_id":"([^"]+)"`)
)

func scripted() *testutil.ScriptedProvider {
	return testutil.NewScriptedProvider().
		OnFunc("matcher1", func(req *domain.ChatRequest) testutil.Reply {
			id := registrationInTask.FindStringSubmatch(req.Messages[0].Content)[1]
			return testutil.Say(fmt.Sprintf("```json\n[{\"registration_id\":%q,\"supplier_id\":\"S1\",\"matched\":true,\"justification\":\"serves 55407\"}]\n```\nAPPROVE", id))
		}).
		OnFunc("matcher2", func(req *domain.ChatRequest) testutil.Reply {
			m := matchInTask.FindStringSubmatch(req.Messages[0].Content)
			return testutil.Say(fmt.Sprintf("```json\n[{\"registration_id\":%q,\"supplier_id\":%q,\"product_id\":\"P1\",\"base_price\":12000,"+
				"\"subsidies\":{\"components\":[{\"name\":\"federal_tax_credit\",\"amount\":3600}],\"total\":3600},"+
				"\"final_price\":8400}]\n```\nAPPROVE", m[1], m[2]))
		})
}

func newRuntime(t *testing.T, cfg *config.Config, opts ...Option) *Runtime {
	t.Helper()
	rt, err := New(cfg, append([]Option{WithLogger(quiet), WithProvider(scripted())}, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close() })
	return rt
}

func readList(t *testing.T, path string) []map[string]any {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var out []map[string]any
	require.NoError(t, json.Unmarshal(data, &out))
	return out
}

func TestRuntime_New_RequiresConfig(t *testing.T) {
	_, err := New(nil)
	assert.True(t, domain.IsKind(err, domain.KindConfiguration))
}

func TestRuntime_Run(t *testing.T) {
	cfg := testConfig(t)
	rt := newRuntime(t, cfg)

	sum, err := rt.Run(context.Background(), "run-1", runs.Request{})
	require.NoError(t, err)
	require.Len(t, sum.Outcomes, 2)

	assert.Equal(t, workflow.StatusMatched, sum.Outcomes[0].Status, sum.Outcomes[0].Reason)
	// S1 has a single unit, so the second match cannot be confirmed.
	assert.Equal(t, workflow.StatusUnconfirmed, sum.Outcomes[1].Status, sum.Outcomes[1].Reason)

	prefix := filepath.Join(cfg.Run.OutputDir, "sbus_p1m1_p2m2_gpt-4o-mini_")
	matches := readList(t, prefix+"matches.json")
	require.Len(t, matches, 2)
	assert.Equal(t, "R1", matches[0]["registration_id"])

	orders := readList(t, prefix+"pos.json")
	require.Len(t, orders, 1)
	assert.Equal(t, "R1", orders[0]["registration_id"])
	assert.FileExists(t, prefix+"stats.csv")

	snapshot, err := rt.CapacitySnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, 1, snapshot[0].Used)
	assert.FileExists(t, filepath.Join(cfg.Run.OutputDir, "sbus_capacity.json"))
}

func TestRuntime_RunRequestOverrides(t *testing.T) {
	cfg := testConfig(t)
	rt := newRuntime(t, cfg)

	sum, err := rt.Run(context.Background(), "run-1", runs.Request{MaxItems: 1})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusMatched, sum.Outcomes[0].Status)
	assert.Equal(t, workflow.StatusSkipped, sum.Outcomes[1].Status)

	_, err = rt.Run(context.Background(), "run-2", runs.Request{Constellation: "missing"})
	require.Error(t, err)
}

func TestRuntime_CapacityPersistsAcrossRuns(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.MaxItems = 1

	rt := newRuntime(t, cfg)
	_, err := rt.Run(context.Background(), "run-1", runs.Request{})
	require.NoError(t, err)
	require.NoError(t, rt.Close())

	// A fresh runtime reads the snapshot the first one left.
	rt2 := newRuntime(t, cfg)
	sum, err := rt2.Run(context.Background(), "run-2", runs.Request{})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusUnconfirmed, sum.Outcomes[0].Status)

	records, err := rt2.ResetCapacity(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 0, records[0].Used)

	sum, err = rt2.Run(context.Background(), "run-3", runs.Request{})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusMatched, sum.Outcomes[0].Status)
}

func TestRuntime_SQLiteStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage = config.StorageConfig{Type: "sqlite", DSN: filepath.Join(t.TempDir(), "matchbench.db")}
	rt := newRuntime(t, cfg)

	sum, err := rt.Run(context.Background(), "run-1", runs.Request{})
	require.NoError(t, err)
	assert.Equal(t, workflow.StatusMatched, sum.Outcomes[0].Status)
	assert.Equal(t, workflow.StatusUnconfirmed, sum.Outcomes[1].Status)

	snapshot, err := rt.CapacitySnapshot(context.Background())
	require.NoError(t, err)
	require.Len(t, snapshot, 1)
	assert.Equal(t, 1, snapshot[0].Used)

	convs, err := rt.Transcripts().ListConversations(context.Background(), storage.ListOptions{RunID: "run-1"})
	require.NoError(t, err)
	assert.NotEmpty(t, convs)
}

func TestRuntime_Constellation(t *testing.T) {
	rt := newRuntime(t, testConfig(t))

	names, err := rt.Constellations()
	require.NoError(t, err)
	assert.Equal(t, []string{"p1m1_p2m2"}, names)

	c, prompts, err := rt.Constellation("p1m1_p2m2")
	require.NoError(t, err)
	assert.Len(t, c.Phases, 2)
	assert.Equal(t, "Match the registration.", prompts["a_matcher"])
	assert.Equal(t, "Price the match.", prompts["b_matcher"])
}

func TestRuntime_ConstellationMissingPrompt(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.Remove(filepath.Join(cfg.Run.PromptsDir, "sbus", "sbus_a_matcher.txt")))
	rt := newRuntime(t, cfg)

	_, _, err := rt.Constellation("p1m1_p2m2")
	require.Error(t, err)
	assert.True(t, domain.IsKind(err, domain.KindConfiguration))
}

func TestRuntime_ResetRequiresOffers(t *testing.T) {
	cfg := testConfig(t)
	cfg.Run.Offers = ""
	rt := newRuntime(t, cfg)

	_, err := rt.ResetCapacity(context.Background())
	assert.True(t, domain.IsKind(err, domain.KindConfiguration))
}

func TestRuntime_BackgroundRun(t *testing.T) {
	rt := newRuntime(t, testConfig(t))

	started, err := rt.Runs().Start(context.Background(), runs.Request{})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		run, err := rt.Runs().Get(started.ID)
		return err == nil && run.Status == runs.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	run, err := rt.Runs().Get(started.ID)
	require.NoError(t, err)
	require.NotNil(t, run.Summary)
	assert.Equal(t, 1, run.Summary.Counts[workflow.StatusMatched])
}

func TestRuntime_StartAndShutdown(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Port = 18090
	rt := newRuntime(t, cfg)

	require.NoError(t, rt.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, rt.Shutdown(ctx))
}
