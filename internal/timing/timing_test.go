package timing

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tjfontaine/matchbench/internal/domain"
)

// fakeClock advances by step on every reading.
func fakeClock(step time.Duration) func() time.Time {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	return func() time.Time {
		now = now.Add(step)
		return now
	}
}

func TestTimerNestedKeys(t *testing.T) {
	tm := New("R1")
	tm.now = fakeClock(time.Second)

	endPhase := tm.Start("phase1")
	endConv := tm.Start("conversation")
	assert.Equal(t, time.Second, endConv())
	endWrite := tm.Start("artifact_write")
	endWrite()
	total := endPhase()

	got := tm.Summary()
	assert.Contains(t, got, "phase1")
	assert.Contains(t, got, "phase1_conversation")
	assert.Contains(t, got, "phase1_artifact_write")
	assert.Equal(t, total, got["phase1"])
	assert.Greater(t, total, got["phase1_conversation"])

	pt := tm.Phase("phase1")
	assert.Equal(t, "phase1", pt.Phase)
	assert.Equal(t, total, pt.Total)
	assert.Equal(t, time.Second, pt.Intervals["conversation"])
	assert.Len(t, pt.Intervals, 2)

	// The next top-level section is not nested under the closed one.
	tm.Start("phase2")()
	_, ok := tm.Get("phase2")
	assert.True(t, ok)
}

func TestTimerStopIsIdempotent(t *testing.T) {
	tm := New("R1")
	tm.now = fakeClock(time.Second)

	stop := tm.Start("a")
	first := stop()
	assert.Equal(t, first, stop())

	tm.Start("b")()
	_, ok := tm.Get("b")
	assert.True(t, ok, "double stop must not pop an outer section")
}

func TestTimerTimeAndTotal(t *testing.T) {
	tm := New("R1")
	tm.now = fakeClock(time.Second)

	require.NoError(t, tm.Time("phase1", func() error { return nil }))
	require.NoError(t, tm.Time("phase2", func() error { return nil }))
	assert.Equal(t, 2*time.Second, tm.Total(""))
	assert.Equal(t, time.Second, tm.Total("phase1"))
	assert.Contains(t, tm.Format(), "phase2: 1.000s")

	tm.Reset()
	assert.Empty(t, tm.Summary())
}

func TestReportUpsert(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.csv")
	r := NewReport(path, []string{"matcher1_time_seconds", "matcher2_time"})
	require.NoError(t, r.Init())

	header, rows, err := r.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{"registration_id", "matcher1_time_seconds", "matcher2_time_seconds"}, header)
	assert.Empty(t, rows)

	require.NoError(t, r.Upsert("R1", map[string]time.Duration{
		"matcher1_time": 1500 * time.Millisecond,
	}))
	require.NoError(t, r.Upsert("R2", map[string]time.Duration{
		"matcher1_time":         time.Second,
		"phase1_conversation":   250 * time.Millisecond,
		"matcher2_time_seconds": 2 * time.Second,
	}))
	require.NoError(t, r.Upsert("R1", map[string]time.Duration{
		"matcher2_time": 3 * time.Second,
	}))

	header, rows, err = r.Read()
	require.NoError(t, err)
	assert.Equal(t, []string{
		"registration_id", "matcher1_time_seconds", "matcher2_time_seconds", "phase1_conversation_seconds",
	}, header)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"R1", "1.500", "3.000", ""}, rows[0])
	assert.Equal(t, []string{"R2", "1.000", "2.000", "0.250"}, rows[1])
}

func TestReportInitKeepsExistingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "stats.csv")
	require.NoError(t, os.WriteFile(path, []byte("registration_id,x_seconds\nR1,1.000\n"), 0o644))

	r := NewReport(path, []string{"y"})
	require.NoError(t, r.Init())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "registration_id,x_seconds\n"))
}

func TestValues(t *testing.T) {
	rec := domain.TimingRecord{
		RegistrationID: "R1",
		Phases: []domain.PhaseTiming{
			{Phase: "phase1", Total: 3 * time.Second, Intervals: map[string]time.Duration{
				"conversation":    2 * time.Second,
				"capacity_update": time.Millisecond,
				"setup":           time.Millisecond,
			}},
			{Phase: "phase2", Total: time.Second, Intervals: map[string]time.Duration{}},
		},
	}

	got := Values(rec, []string{"matcher1_critic_time_seconds"})
	assert.Equal(t, map[string]time.Duration{
		"matcher1_critic_time_seconds":   3 * time.Second,
		"phase1_conversation_seconds":    2 * time.Second,
		"phase1_capacity_update_seconds": time.Millisecond,
		"phase2_total_seconds":           time.Second,
	}, got)
}
