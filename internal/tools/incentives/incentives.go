// Package incentives implements the fetch_incentives tool: a lookup of
// subsidy programs for a ZIP code against the Rewiring America calculator.
package incentives

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/tjfontaine/matchbench/internal/domain"
	"github.com/tjfontaine/matchbench/internal/pkg/safehttp"
)

const (
	// Name is the tool name exposed to models.
	Name = "fetch_incentives"

	DefaultBaseURL   = "https://api.rewiringamerica.org"
	DefaultTimeout   = 15 * time.Second
	DefaultCacheSize = 256

	calculatorPath = "/api/v1/calculator"
)

// Defaults applied to arguments the model leaves out.
const (
	defaultZip         = "55401"
	defaultOwnerStatus = "homeowner"
	defaultIncome      = "30000"
	defaultSize        = "2"
)

// Query is the argument object of one lookup.
type Query struct {
	ZipCode         domain.FlexString `json:"zip_code"`
	OwnerStatus     string            `json:"owner_status"`
	HouseholdIncome domain.FlexString `json:"household_income"`
	HouseholdSize   domain.FlexString `json:"household_size"`
}

func (q Query) withDefaults() Query {
	if q.ZipCode == "" {
		q.ZipCode = defaultZip
	}
	if q.OwnerStatus == "" {
		q.OwnerStatus = defaultOwnerStatus
	}
	if q.HouseholdIncome == "" {
		q.HouseholdIncome = defaultIncome
	}
	if q.HouseholdSize == "" {
		q.HouseholdSize = defaultSize
	}
	return q
}

func (q Query) values() url.Values {
	return url.Values{
		"zip":              {string(q.ZipCode)},
		"owner_status":     {q.OwnerStatus},
		"household_income": {string(q.HouseholdIncome)},
		"household_size":   {string(q.HouseholdSize)},
	}
}

// Option configures a Tool.
type Option func(*Tool)

// WithBaseURL points the tool at another host.
func WithBaseURL(u string) Option {
	return func(t *Tool) {
		if u != "" {
			t.baseURL = strings.TrimSuffix(u, "/")
		}
	}
}

// WithHTTPClient sets the HTTP client. Its timeout is left untouched. The
// default client refuses private and loopback destinations.
func WithHTTPClient(c *http.Client) Option {
	return func(t *Tool) { t.httpClient = c }
}

// WithTimeout bounds each lookup.
func WithTimeout(d time.Duration) Option {
	return func(t *Tool) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithCacheSize sets the number of cached responses. Zero disables caching.
func WithCacheSize(n int) Option {
	return func(t *Tool) { t.cacheSize = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Tool) { t.logger = l }
}

// Tool is the fetch_incentives agent tool.
type Tool struct {
	apiKey     string
	baseURL    string
	timeout    time.Duration
	cacheSize  int
	httpClient *http.Client
	cache      *lru.Cache[string, string]
	logger     *slog.Logger
}

// New creates the tool. An empty apiKey is accepted; every call then fails
// with an error the model can read.
func New(apiKey string, opts ...Option) (*Tool, error) {
	t := &Tool{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		timeout:    DefaultTimeout,
		cacheSize:  DefaultCacheSize,
		httpClient: &http.Client{Transport: otelhttp.NewTransport(safehttp.NewTransport())},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.cacheSize > 0 {
		cache, err := lru.New[string, string](t.cacheSize)
		if err != nil {
			return nil, fmt.Errorf("incentives cache: %w", err)
		}
		t.cache = cache
	}
	return t, nil
}

// Definition describes the tool to the model.
func (t *Tool) Definition() domain.ToolDefinition {
	return domain.ToolDefinition{
		Name:        Name,
		Description: "Fetches incentive programs from Rewiring America API for the specified zip code.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"zip_code":         map[string]any{"type": "string", "description": "Zip code to fetch incentives for."},
				"owner_status":     map[string]any{"type": "string", "enum": []string{"homeowner", "renter"}},
				"household_income": map[string]any{"type": "integer", "description": "Household income."},
				"household_size":   map[string]any{"type": "integer", "description": "Household size."},
			},
			"required": []string{"zip_code"},
		},
	}
}

// Call decodes the model's arguments and performs the lookup.
func (t *Tool) Call(ctx context.Context, arguments string) (string, error) {
	var q Query
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &q); err != nil {
			return "", fmt.Errorf("invalid arguments: %w", err)
		}
	}
	return t.Fetch(ctx, q)
}

// Fetch returns the calculator response body for q.
func (t *Tool) Fetch(ctx context.Context, q Query) (string, error) {
	if t.apiKey == "" {
		return "", domain.ErrConfiguration("REWIRING_AMERICA_API_KEY is not set")
	}
	q = q.withDefaults()
	endpoint := t.baseURL + calculatorPath + "?" + q.values().Encode()

	if t.cache != nil {
		if body, ok := t.cache.Get(endpoint); ok {
			return body, nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+t.apiKey)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", domain.FromTransport(fmt.Errorf("incentives request failed: %w", err))
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", domain.FromHTTPStatus(resp.StatusCode,
			fmt.Sprintf("incentives API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	t.logger.Debug("fetched incentives",
		slog.String("zip_code", string(q.ZipCode)),
		slog.Duration("elapsed", time.Since(start)))

	text := string(body)
	if t.cache != nil {
		t.cache.Add(endpoint, text)
	}
	return text, nil
}
