package provider_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/tjfontaine/matchbench/internal/config"
	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/provider"
	"github.com/tjfontaine/matchbench/internal/provider/registry"
	"github.com/tjfontaine/matchbench/internal/testutil"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestListProviderTypes(t *testing.T) {
	provider.RegisterBuiltins()

	types := registry.ListProviderTypes()
	want := []string{"anthropic", "azure", "openai", "openai-compatible"}
	if len(types) != len(want) {
		t.Fatalf("ListProviderTypes() = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("ListProviderTypes()[%d] = %q, want %q", i, types[i], want[i])
		}
	}
}

func TestNew(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.ProviderConfig
		wantErr  bool
		wantName string
	}{
		{
			name:     "openai",
			cfg:      config.ProviderConfig{Type: "openai", APIKey: "test-key"},
			wantName: "openai",
		},
		{
			name:     "openai-compatible",
			cfg:      config.ProviderConfig{Type: "openai-compatible", APIKey: "test-key", BaseURL: "https://open.bigmodel.cn/api/paas/v4"},
			wantName: "openai-compatible",
		},
		{
			name:    "openai-compatible without base url",
			cfg:     config.ProviderConfig{Type: "openai-compatible", APIKey: "test-key"},
			wantErr: true,
		},
		{
			name: "azure",
			cfg: config.ProviderConfig{
				Type:       "azure",
				APIKey:     "test-key",
				BaseURL:    "https://bench.openai.azure.com/openai/deployments/gpt-4o",
				APIVersion: "2024-06-01",
			},
			wantName: "azure",
		},
		{
			name:    "azure without api version",
			cfg:     config.ProviderConfig{Type: "azure", APIKey: "test-key", BaseURL: "https://bench.openai.azure.com"},
			wantErr: true,
		},
		{
			name:     "anthropic",
			cfg:      config.ProviderConfig{Type: "anthropic", APIKey: "test-key"},
			wantName: "anthropic",
		},
		{
			name:    "missing key",
			cfg:     config.ProviderConfig{Type: "openai"},
			wantErr: true,
		},
		{
			name:    "unknown",
			cfg:     config.ProviderConfig{Type: "unknown"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			p, err := provider.New(tt.cfg, provider.WithLogger(quiet))
			if (err != nil) != tt.wantErr {
				t.Fatalf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !domain.IsKind(err, domain.KindConfiguration) {
					t.Errorf("New() error kind = %q, want configuration", domain.KindOf(err))
				}
				return
			}
			if p.Name() != tt.wantName {
				t.Errorf("Name() = %q, want %q", p.Name(), tt.wantName)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	script := testutil.NewScriptedProvider().On("m", testutil.Say("ok"))
	temperature := float32(0.1)
	p := provider.Wrap(script, provider.Defaults("gpt-4o-mini", 512, &temperature))

	if _, err := p.Complete(context.Background(), &domain.ChatRequest{Agent: "m"}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if _, err := p.Complete(context.Background(), &domain.ChatRequest{Agent: "m", Model: "gpt-4o"}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	reqs := script.Requests("m")
	if reqs[0].Model != "gpt-4o-mini" || reqs[0].MaxTokens != 512 || reqs[0].Temperature == nil || *reqs[0].Temperature != 0.1 {
		t.Errorf("defaults not applied: %+v", reqs[0])
	}
	if reqs[1].Model != "gpt-4o" {
		t.Errorf("explicit model overridden: %q", reqs[1].Model)
	}
}

func TestDefaultsKeepExplicitZeroTemperature(t *testing.T) {
	script := testutil.NewScriptedProvider().On("m", testutil.Say("ok"))
	temperature := float32(0.7)
	p := provider.Wrap(script, provider.Defaults("gpt-4o-mini", 512, &temperature))

	zero := float32(0)
	if _, err := p.Complete(context.Background(), &domain.ChatRequest{Agent: "m", Temperature: &zero}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got := script.Requests("m")[0].Temperature; got == nil || *got != 0 {
		t.Errorf("temperature = %v, want explicit 0 kept", got)
	}

	unset := provider.Wrap(script, provider.Defaults("gpt-4o-mini", 512, nil))
	if _, err := unset.Complete(context.Background(), &domain.ChatRequest{Agent: "m"}); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got := script.Requests("m")[1].Temperature; got != nil {
		t.Errorf("temperature = %v, want unset", *got)
	}
}

func TestRetry(t *testing.T) {
	unavailable := domain.ErrProviderUnavailable("connection reset").WithCode(domain.ErrorCodeNetwork)
	badKey := domain.FromHTTPStatus(401, "invalid key")

	tests := []struct {
		name      string
		replies   []testutil.Reply
		attempts  int
		wantCalls int
		wantKind  domain.ErrorKind
	}{
		{
			name:      "succeeds after transient failures",
			replies:   []testutil.Reply{testutil.Fail(unavailable), testutil.Fail(unavailable), testutil.Say("ok")},
			attempts:  3,
			wantCalls: 3,
		},
		{
			name:      "gives up after max attempts",
			replies:   []testutil.Reply{testutil.Fail(unavailable)},
			attempts:  3,
			wantCalls: 3,
			wantKind:  domain.KindProviderUnavailable,
		},
		{
			name:      "auth failures are not retried",
			replies:   []testutil.Reply{testutil.Fail(badKey)},
			attempts:  3,
			wantCalls: 1,
			wantKind:  domain.KindProviderUnavailable,
		},
		{
			name:      "zero attempts means one call",
			replies:   []testutil.Reply{testutil.Fail(unavailable)},
			attempts:  0,
			wantCalls: 1,
			wantKind:  domain.KindProviderUnavailable,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			script := testutil.NewScriptedProvider().On("m", tt.replies...)
			p := provider.Wrap(script, provider.Retry(provider.RetryPolicy{
				MaxAttempts: tt.attempts,
				BackoffBase: time.Millisecond,
				BackoffMax:  2 * time.Millisecond,
			}, quiet))

			resp, err := p.Complete(context.Background(), &domain.ChatRequest{Agent: "m"})
			if got := script.Calls("m"); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			if tt.wantKind == "" {
				if err != nil {
					t.Fatalf("Complete() error = %v", err)
				}
				if resp.Message.Content != "ok" {
					t.Errorf("content = %q", resp.Message.Content)
				}
				return
			}
			if !domain.IsKind(err, tt.wantKind) {
				t.Errorf("error = %v, want kind %q", err, tt.wantKind)
			}
		})
	}
}

func TestRetry_AttemptTimeout(t *testing.T) {
	script := testutil.NewScriptedProvider().On("m", testutil.Reply{Content: "late", Delay: time.Second})
	p := provider.Wrap(script, provider.Retry(provider.RetryPolicy{
		MaxAttempts:    2,
		BackoffBase:    time.Millisecond,
		AttemptTimeout: 20 * time.Millisecond,
	}, quiet))

	start := time.Now()
	_, err := p.Complete(context.Background(), &domain.ChatRequest{Agent: "m"})
	if !domain.IsKind(err, domain.KindProviderTimeout) {
		t.Fatalf("error = %v, want provider timeout", err)
	}
	if script.Calls("m") != 2 {
		t.Errorf("calls = %d, want 2", script.Calls("m"))
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("took %v, attempts were not bounded", elapsed)
	}
}

func TestRetry_ParentCancellation(t *testing.T) {
	script := testutil.NewScriptedProvider().On("m", testutil.Reply{Content: "late", Delay: time.Second})
	p := provider.Wrap(script, provider.Retry(provider.RetryPolicy{
		MaxAttempts: 5,
		BackoffBase: time.Millisecond,
	}, quiet))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := p.Complete(ctx, &domain.ChatRequest{Agent: "m"})
	if err == nil {
		t.Fatal("expected an error")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("error = %v, want the caller's deadline", err)
	}
	if script.Calls("m") != 1 {
		t.Errorf("calls = %d, want 1", script.Calls("m"))
	}
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := provider.RetryPolicy{BackoffBase: time.Second, BackoffMax: 30 * time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{3, 8 * time.Second},
		{5, 30 * time.Second},
		{40, 30 * time.Second},
	}
	for _, tt := range tests {
		if got := p.Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}
