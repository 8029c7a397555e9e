package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	t.Run("defaults without file", func(t *testing.T) {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}

		if cfg.Server.Port != 8080 {
			t.Errorf("Load() port = %v, want 8080", cfg.Server.Port)
		}
		if cfg.Run.MaxMessages != 10 {
			t.Errorf("Load() max_messages = %v, want 10", cfg.Run.MaxMessages)
		}
		if cfg.Run.BatchSize != 5 {
			t.Errorf("Load() batch_size = %v, want 5", cfg.Run.BatchSize)
		}
		if cfg.Provider.Timeout != 120*time.Second {
			t.Errorf("Load() provider timeout = %v, want 2m0s", cfg.Provider.Timeout)
		}
		if cfg.Provider.BackoffBase != time.Second || cfg.Provider.BackoffMax != 30*time.Second {
			t.Errorf("Load() backoff = %v/%v, want 1s/30s", cfg.Provider.BackoffBase, cfg.Provider.BackoffMax)
		}
		if cfg.Run.RollbackOnPhase2Failure {
			t.Error("Load() rollback_on_phase2_failure should default to false")
		}
	})

	t.Run("file values", func(t *testing.T) {
		path := writeConfig(t, `
provider:
  type: anthropic
  model: claude-3-5-haiku-latest
  timeout: 45s
run:
  constellation: p1m1m2c
  max_items: 3
storage:
  type: sqlite
  dsn: file:bench.db
`)
		cfg, err := Load(path)
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Provider.Type != "anthropic" || cfg.Provider.Timeout != 45*time.Second {
			t.Errorf("Load() provider = %+v", cfg.Provider)
		}
		if cfg.Run.Constellation != "p1m1m2c" || cfg.Run.MaxItems != 3 {
			t.Errorf("Load() run = %+v", cfg.Run)
		}
		if cfg.Run.TokenLimit != 30000 {
			t.Errorf("Load() token_limit = %v, want default 30000", cfg.Run.TokenLimit)
		}
	})

	t.Run("env var override", func(t *testing.T) {
		t.Setenv("MATCHBENCH_RUN__MAX_ITEMS", "7")
		t.Setenv("MATCHBENCH_SERVER__PORT", "9000")
		t.Setenv("MATCHBENCH_RUN__ROLLBACK_ON_PHASE2_FAILURE", "true")

		cfg, err := Load(writeConfig(t, "run:\n  max_items: 3\n"))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Run.MaxItems != 7 {
			t.Errorf("Load() max_items = %v, want 7", cfg.Run.MaxItems)
		}
		if cfg.Server.Port != 9000 {
			t.Errorf("Load() port = %v, want 9000", cfg.Server.Port)
		}
		if !cfg.Run.RollbackOnPhase2Failure {
			t.Error("Load() rollback_on_phase2_failure = false, want true")
		}
	})

	t.Run("api key substitution", func(t *testing.T) {
		t.Setenv("BENCH_KEY", "sk-test")
		t.Setenv("REWIRING_AMERICA_API_KEY", "ra-test")

		cfg, err := Load(writeConfig(t, "provider:\n  api_key: ${BENCH_KEY}\n"))
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Provider.APIKey != "sk-test" {
			t.Errorf("Load() api_key = %q, want sk-test", cfg.Provider.APIKey)
		}
		if cfg.Tools.Incentives.APIKey != "ra-test" {
			t.Errorf("Load() incentives api_key = %q, want ra-test", cfg.Tools.Incentives.APIKey)
		}
	})

	t.Run("invalid values reported together", func(t *testing.T) {
		_, err := Load(writeConfig(t, `
provider:
  type: bedrock
storage:
  type: sqlite
run:
  max_messages: 1
`))
		if err == nil {
			t.Fatal("Load() expected error")
		}
		for _, want := range []string{"provider.type", "storage.dsn", "run.max_messages"} {
			if !strings.Contains(err.Error(), want) {
				t.Errorf("Load() error %q does not mention %s", err, want)
			}
		}
	})
}

func TestSubstituteEnvVars(t *testing.T) {
	t.Setenv("TEST_VAR", "test-value")

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "simple substitution",
			input: "${TEST_VAR}",
			want:  "test-value",
		},
		{
			name:  "substitution in string",
			input: "prefix-${TEST_VAR}-suffix",
			want:  "prefix-test-value-suffix",
		},
		{
			name:  "no substitution",
			input: "plain-string",
			want:  "plain-string",
		},
		{
			name:  "undefined var",
			input: "${UNDEFINED_VAR}",
			want:  "",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			got := substituteEnvVars(tt.input)
			if got != tt.want {
				t.Errorf("substituteEnvVars(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
