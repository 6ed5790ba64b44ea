package cellengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/marchshares/cell-engine-ext/pkg/errors"
	"github.com/marchshares/cell-engine-ext/pkg/utils"
)

// Config represents settings for the analytics API client.
type Config struct {
	BaseURL string        `yaml:"base_url"`
	Token   string        `yaml:"-"`
	Timeout time.Duration `yaml:"timeout"`
}

// Recorder receives per-request measurements. A nil Recorder disables
// recording.
type Recorder interface {
	RecordAPIRequest(endpoint string, status int)
}

// Client is a bearer-token HTTP client for the analytics API.
type Client struct {
	baseURL  string
	token    string
	http     *http.Client
	logger   *utils.StructuredLogger
	recorder Recorder
}

// NewClient creates an analytics API client.
func NewClient(cfg Config, logger *utils.StructuredLogger, recorder Recorder) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "api base_url must not be empty")
	}
	if logger == nil {
		var err error
		logger, err = utils.NewStructuredLogger(nil)
		if err != nil {
			return nil, err
		}
	}

	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 5 * time.Minute
	}

	return &Client{
		baseURL:  cfg.BaseURL,
		token:    cfg.Token,
		http:     &http.Client{Timeout: timeout},
		logger:   logger.WithComponent("cellengine"),
		recorder: recorder,
	}, nil
}

// do issues one request and returns the raw response body. Non-2xx
// statuses are translated into the structured error taxonomy.
func (c *Client) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, reader)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeAPIRequestFailed, "failed to build request", err).
			WithOperation(endpoint)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if c.recorder != nil {
			c.recorder.RecordAPIRequest(endpoint, 0)
		}
		return nil, errors.Wrap(errors.ErrCodeAPIRequestFailed, "request failed", err).
			WithOperation(endpoint)
	}
	defer func() { _ = resp.Body.Close() }()

	if c.recorder != nil {
		c.recorder.RecordAPIRequest(endpoint, resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeAPIRequestFailed, "failed to read response body", err).
			WithOperation(endpoint)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, errors.Newf(errors.ErrCodeAuthenticationFailed,
			"authentication failed with status %d", resp.StatusCode).
			WithOperation(endpoint)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, errors.Newf(errors.ErrCodeAPIRequestFailed,
			"unexpected status %d: %s", resp.StatusCode, truncate(string(raw), 256)).
			WithOperation(endpoint)
	}

	return raw, nil
}

// get issues a GET request and returns the raw response body.
func (c *Client) get(ctx context.Context, endpoint string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, endpoint, nil)
}

// getJSON issues a GET request and decodes the JSON response into out.
func (c *Client) getJSON(ctx context.Context, endpoint string, out interface{}) error {
	raw, err := c.get(ctx, endpoint)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return errors.Wrap(errors.ErrCodeAPIDecodeFailed, "failed to decode response", err).
			WithOperation(endpoint)
	}
	return nil
}

// GetExperimentByName resolves an experiment by its exact display name.
func (c *Client) GetExperimentByName(ctx context.Context, name string) (*Experiment, error) {
	c.logger.Debugf("look up experiment by name: %s", name)

	query := url.QueryEscape(fmt.Sprintf("eq(name,%q)", name))
	endpoint := fmt.Sprintf("/api/v1/experiments?query=%s&limit=2", query)

	var experiments []Experiment
	if err := c.getJSON(ctx, endpoint, &experiments); err != nil {
		return nil, err
	}

	if len(experiments) == 0 {
		return nil, errors.Newf(errors.ErrCodeExperimentNotFound, "experiment not found: %s", name)
	}
	if len(experiments) > 1 {
		c.logger.Warnf("experiment name is ambiguous, using the first match: %s", name)
	}
	return &experiments[0], nil
}

// ListFcsFiles lists the raw-data files of an experiment in the API's
// enumeration order.
func (c *Client) ListFcsFiles(ctx context.Context, experimentID string) ([]FcsFile, error) {
	var files []FcsFile
	endpoint := fmt.Sprintf("/api/v1/experiments/%s/fcsfiles", experimentID)
	if err := c.getJSON(ctx, endpoint, &files); err != nil {
		return nil, err
	}
	return files, nil
}

// ListPopulations lists the gating-tree populations of an experiment.
func (c *Client) ListPopulations(ctx context.Context, experimentID string) ([]Population, error) {
	var populations []Population
	endpoint := fmt.Sprintf("/api/v1/experiments/%s/populations", experimentID)
	if err := c.getJSON(ctx, endpoint, &populations); err != nil {
		return nil, err
	}
	return populations, nil
}

// DownloadFcsFile downloads the raw bytes of one data file.
func (c *Client) DownloadFcsFile(ctx context.Context, experimentID, fileID string) ([]byte, error) {
	endpoint := fmt.Sprintf("/api/v1/experiments/%s/fcsfiles/%s.fcs", experimentID, fileID)
	return c.get(ctx, endpoint)
}

// GatingML downloads the experiment-global gating definition verbatim.
func (c *Client) GatingML(ctx context.Context, experimentID string) ([]byte, error) {
	endpoint := fmt.Sprintf("/api/v1/experiments/%s.gatingml", experimentID)
	return c.get(ctx, endpoint)
}

// FcsFileGatingML downloads the per-file gating definition verbatim.
func (c *Client) FcsFileGatingML(ctx context.Context, experimentID, fileID string) ([]byte, error) {
	endpoint := fmt.Sprintf("/api/v1/experiments/%s.gatingml?fcsFileId=%s", experimentID, fileID)
	return c.get(ctx, endpoint)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
