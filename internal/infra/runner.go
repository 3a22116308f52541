// internal/infra/runner.go
package infra

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

	"go.uber.org/zap"
)

// Config configures the infrastructure-automation client.
type Config struct {
	BaseURL        string        `json:"base_url" yaml:"base_url"`
	Token          string        `json:"token" yaml:"token"`
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	PollInterval   time.Duration `json:"poll_interval" yaml:"poll_interval"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	return &Config{
		RequestTimeout: 30 * time.Second,
		PollInterval:   5 * time.Second,
	}
}

// Runner submits jobs to the infrastructure-automation service and waits
// for them. Jobs are idempotent on the service side; resubmitting a
// provision for an already provisioned region is a no-op there.
type Runner struct {
	baseURL    string
	token      string
	httpClient *http.Client
	interval   time.Duration
	logger     *zap.Logger
}

// NewRunner creates an automation client.
func NewRunner(config *Config, logger *zap.Logger) (*Runner, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		return nil, fmt.Errorf("infra: base URL is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	interval := config.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}

	return &Runner{
		baseURL:    strings.TrimRight(config.BaseURL, "/"),
		token:      config.Token,
		httpClient: &http.Client{Timeout: config.RequestTimeout},
		interval:   interval,
		logger:     logger,
	}, nil
}

type jobRequest struct {
	Type       string            `json:"type"`
	Parameters map[string]string `json:"parameters"`
}

type jobStatus struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"` // running | succeeded | failed
	Message string `json:"message,omitempty"`
}

// ProvisionInfrastructure brings up compute, networking and storage in the
// target region and blocks until the job finishes.
func (r *Runner) ProvisionInfrastructure(ctx context.Context, region string) error {
	return r.runJob(ctx, jobRequest{
		Type:       "provision",
		Parameters: map[string]string{"region": region},
	})
}

// UpdateDNS repoints service DNS from one region to another.
func (r *Runner) UpdateDNS(ctx context.Context, fromRegion, toRegion string) error {
	return r.runJob(ctx, jobRequest{
		Type: "dns-cutover",
		Parameters: map[string]string{
			"from_region": fromRegion,
			"to_region":   toRegion,
		},
	})
}

func (r *Runner) runJob(ctx context.Context, job jobRequest) error {
	status, err := r.submit(ctx, job)
	if err != nil {
		return err
	}

	r.logger.Info("infrastructure job submitted",
		zap.String("type", job.Type),
		zap.String("job_id", status.JobID))

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		switch status.Status {
		case "succeeded":
			return nil
		case "failed":
			return fmt.Errorf("infra: %s job %s failed: %s", job.Type, status.JobID, status.Message)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("infra: %s job %s interrupted: %w", job.Type, status.JobID, ctx.Err())
		case <-ticker.C:
		}

		status, err = r.poll(ctx, status.JobID)
		if err != nil {
			return err
		}
	}
}

func (r *Runner) submit(ctx context.Context, job jobRequest) (*jobStatus, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("infra: encode job: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("infra: build job request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "recoverd/1.0")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	return r.decode(req, "submit "+job.Type)
}

func (r *Runner) poll(ctx context.Context, jobID string) (*jobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/v1/jobs/"+url.PathEscape(jobID), nil)
	if err != nil {
		return nil, fmt.Errorf("infra: build poll request: %w", err)
	}
	req.Header.Set("User-Agent", "recoverd/1.0")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	return r.decode(req, "poll job "+jobID)
}

func (r *Runner) decode(req *http.Request, operation string) (*jobStatus, error) {
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("infra: %s: %w", operation, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("infra: %s: read response: %w", operation, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("infra: %s: status %d: %s", operation, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var status jobStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, fmt.Errorf("infra: %s: decode response: %w", operation, err)
	}
	if status.JobID == "" {
		return nil, fmt.Errorf("infra: %s: response missing job id", operation)
	}
	return &status, nil
}
