package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/booklistener/companion/internal/errors"
)

// LocalClient talks to an Ollama-compatible completion API on the local
// machine.
type LocalClient struct {
	baseURL string
	model   string
	client  *http.Client
}

// LocalConfig holds local engine settings.
type LocalConfig struct {
	BaseURL string
	Model   string
	Timeout time.Duration
}

// NewLocalClient creates a local inference client.
func NewLocalClient(cfg LocalConfig) *LocalClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "phi3:mini"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	return &LocalClient{
		baseURL: cfg.BaseURL,
		model:   cfg.Model,
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

// Probe resolves availability once at startup by listing installed models.
func (c *LocalClient) Probe(ctx context.Context) Capability {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return Capability{Reason: err.Error()}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return Capability{Reason: err.Error()}
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Capability{Reason: "local model server returned " + resp.Status}
	}
	return Capability{Available: true}
}

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateResponse struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Complete sends one non-streaming completion request.
func (c *LocalClient) Complete(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{Model: c.model, Prompt: prompt})
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "encode local request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "build local request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", errors.Wrap(err, errors.CodeTimeout, "local inference timed out")
		}
		return "", errors.Wrap(err, errors.CodeEngineUnavailable, "local model unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf(errors.CodeEngineUnavailable, "local model returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, errors.CodeEngineUnavailable, "read local response")
	}

	var parsed generateResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", errors.Wrap(err, errors.CodeMalformedResponse, "parse local response")
	}
	return strings.TrimSpace(parsed.Response), nil
}
