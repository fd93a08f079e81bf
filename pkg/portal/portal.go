// Package portal submits filed projects to the engineering review portal.
// The stage is feature-flagged; most deployments leave it off.
package portal

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/intralog/drawbridge/pkg/intake"
	"github.com/intralog/drawbridge/pkg/telemetry"
)

// Config controls the portal submitter.
type Config struct {
	Enabled  bool
	URL      string
	Username string
	Password string
	Timeout  time.Duration
}

// Submitter implements intake.PortalSubmitter with an HTTP form POST.
type Submitter struct {
	cfg    Config
	client *http.Client
	logger *telemetry.Logger
}

// NewSubmitter creates the submitter.
func NewSubmitter(cfg Config, logger *telemetry.Logger) *Submitter {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Submitter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		logger: logger.NewComponentLogger("portal"),
	}
}

// Submit posts the job's project details to the portal. Disabled submission
// is a skip, not a failure.
func (s *Submitter) Submit(ctx context.Context, job *intake.Job) error {
	if !s.cfg.Enabled {
		return intake.NewSkipError("portal submission disabled")
	}
	if job.Metadata == nil {
		return intake.NewPermanentError("job has no metadata", nil)
	}

	form := url.Values{}
	form.Set("customer", job.Metadata.Customer)
	form.Set("address", job.Metadata.Address)
	form.Set("project", job.Metadata.Title)
	form.Set("project_manager", job.Metadata.ProjectManager)
	if job.Opportunity != nil {
		form.Set("opportunity", *job.Opportunity)
	}

	endpoint := strings.TrimRight(s.cfg.URL, "/") + "/submissions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return intake.NewPermanentError("failed to build portal request", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if s.cfg.Username != "" {
		req.SetBasicAuth(s.cfg.Username, s.cfg.Password)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return intake.NewTransientError("portal request failed", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if err := classifyStatus(resp.StatusCode); err != nil {
		return err
	}

	s.logger.Zerolog().Info().Str("job_key", job.Key).Str("endpoint", endpoint).Msg("Portal submission accepted")
	return nil
}

// classifyStatus maps an HTTP status to a classified error, or nil for 2xx.
func classifyStatus(status int) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return intake.NewPermanentError(fmt.Sprintf("portal rejected credentials (status %d)", status), nil)
	case status == http.StatusTooManyRequests:
		return intake.NewThrottledError("portal rate limited", nil)
	case status >= 500:
		return intake.NewTransientError(fmt.Sprintf("portal server error (status %d)", status), nil)
	default:
		return intake.NewPermanentError(fmt.Sprintf("portal rejected submission (status %d)", status), nil)
	}
}
