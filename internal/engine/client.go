// internal/engine/client.go
package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/FairForge/recoverd/internal/metrics"
	"github.com/FairForge/recoverd/internal/recovery"
)

// Config configures the backup-engine client.
type Config struct {
	BaseURL        string        `json:"base_url" yaml:"base_url"`
	APIKey         string        `json:"api_key" yaml:"api_key"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	PollPerSecond  int           `json:"poll_per_second" yaml:"poll_per_second"`
	PollBurst      int           `json:"poll_burst" yaml:"poll_burst"`
	BreakerTimeout time.Duration `json:"breaker_timeout" yaml:"breaker_timeout"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout: 30 * time.Second,
		PollPerSecond:  5,
		PollBurst:      10,
		BreakerTimeout: 30 * time.Second,
	}
}

// Client talks to the backup engine's REST API. Status polls go through a
// rate limiter so dozens of concurrent restores cannot hammer the engine;
// all calls share one circuit breaker so a down engine fails fast instead
// of stacking up timeouts.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	breaker    *gobreaker.CircuitBreaker
	pollLimit  *rate.Limiter
	metrics    *metrics.Collector
	logger     *zap.Logger
}

// NewClient creates a backup-engine client.
func NewClient(config *Config, collector *metrics.Collector, logger *zap.Logger) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("engine: base URL is required")
	}
	if _, err := url.Parse(config.BaseURL); err != nil {
		return nil, fmt.Errorf("engine: invalid base URL: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "backup-engine",
		Timeout: config.BreakerTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("engine breaker state changed",
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	})

	return &Client{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		apiKey:     config.APIKey,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		breaker:    breaker,
		pollLimit:  rate.NewLimiter(rate.Limit(config.PollPerSecond), config.PollBurst),
		metrics:    collector,
		logger:     logger,
	}, nil
}

type listBackupsResponse struct {
	Backups []recovery.BackupRecord `json:"backups"`
}

// ListBackups returns the engine's backup listing, optionally filtered by tier.
func (c *Client) ListBackups(ctx context.Context, tier recovery.Tier) ([]recovery.BackupRecord, error) {
	path := "/v1/backups"
	if tier != "" {
		path += "?tier=" + url.QueryEscape(string(tier))
	}

	var out listBackupsResponse
	if err := c.do(ctx, "list_backups", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Backups, nil
}

type createRestoreRequest struct {
	BackupID string                `json:"backup_id"`
	Mapping  recovery.ScopeMapping `json:"mapping"`
}

type createRestoreResponse struct {
	RestoreID string `json:"restore_id"`
}

// CreateRestore starts a restore of backupID into the mapped scope.
func (c *Client) CreateRestore(ctx context.Context, backupID string, mapping recovery.ScopeMapping) (string, error) {
	var out createRestoreResponse
	err := c.do(ctx, "create_restore", http.MethodPost, "/v1/restores",
		createRestoreRequest{BackupID: backupID, Mapping: mapping}, &out)
	if err != nil {
		return "", err
	}
	if out.RestoreID == "" {
		return "", fmt.Errorf("engine: restore created without an id")
	}
	return out.RestoreID, nil
}

// GetRestoreStatus polls one restore. Polls wait on the client's rate
// limiter first so backoff loops across runs share one request budget.
func (c *Client) GetRestoreStatus(ctx context.Context, restoreID string) (*recovery.RestoreStatus, error) {
	if err := c.pollLimit.Wait(ctx); err != nil {
		return nil, fmt.Errorf("engine: poll limiter: %w", err)
	}

	var out recovery.RestoreStatus
	path := "/v1/restores/" + url.PathEscape(restoreID)
	if err := c.do(ctx, "restore_status", http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type createBackupResponse struct {
	BackupID string `json:"backup_id"`
}

// CreateBackup requests a new backup and returns its id. The backup runs
// asynchronously; callers poll the listing for completion.
func (c *Client) CreateBackup(ctx context.Context, opts recovery.BackupOptions) (string, error) {
	var out createBackupResponse
	if err := c.do(ctx, "create_backup", http.MethodPost, "/v1/backups", opts, &out); err != nil {
		return "", err
	}
	if out.BackupID == "" {
		return "", fmt.Errorf("engine: backup created without an id")
	}
	return out.BackupID, nil
}

// do performs one JSON request through the circuit breaker and decodes the
// response into out when out is non-nil.
func (c *Client) do(ctx context.Context, operation, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("engine: encode %s request: %w", operation, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("engine: build %s request: %w", operation, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "recoverd/1.0")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (interface{}, error) {
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, err
		}
		defer func() { _ = resp.Body.Close() }()

		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("read response: %w", err)
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, fmt.Errorf("status %d: %s", resp.StatusCode, excerpt(data))
		}
		return data, nil
	})
	duration := time.Since(start)

	status := "success"
	if err != nil {
		status = "error"
	}
	if c.metrics != nil {
		c.metrics.RecordEngineRequest(operation, status, duration)
	}

	if err != nil {
		return fmt.Errorf("engine: %s: %w", operation, err)
	}
	if out == nil {
		return nil
	}

	data := result.([]byte)
	if len(data) == 0 {
		return fmt.Errorf("engine: %s: empty response", operation)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("engine: decode %s response: %w", operation, err)
	}
	return nil
}

// excerpt trims a response body to one log-friendly line.
func excerpt(data []byte) string {
	s := strings.TrimSpace(string(data))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		return "no response body"
	}
	return s
}
