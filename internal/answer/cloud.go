package answer

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/booklistener/companion/internal/errors"
	"github.com/booklistener/companion/internal/resilience"
)

// CloudClient talks to the hosted completion API. Calls go through a
// circuit breaker and a short retry loop; a tripped breaker surfaces as
// EngineUnavailable and the orchestrator falls back.
type CloudClient struct {
	url     string
	model   string
	apiKey  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// CloudConfig holds cloud engine settings.
type CloudConfig struct {
	URL     string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// NewCloudClient creates a cloud inference client.
func NewCloudClient(cfg CloudConfig) *CloudClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &CloudClient{
		url:    cfg.URL,
		model:  cfg.Model,
		apiKey: cfg.APIKey,
		client: &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "cloud-inference",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
		}),
	}
}

type cloudRequest struct {
	Model    string `json:"model"`
	System   string `json:"system"`
	Context  string `json:"context,omitempty"`
	Question string `json:"question"`
}

type cloudResponse struct {
	Text string `json:"text"`
}

// Complete sends one completion request: a system instruction, an optional
// context turn, and the question. The response carries a single text field.
func (c *CloudClient) Complete(ctx context.Context, system, contextTurn, question string) (string, error) {
	var text string
	err := resilience.Retry(ctx, resilience.CloudRetryConfig(), func() error {
		result, err := c.breaker.Execute(func() (interface{}, error) {
			return c.complete(ctx, system, contextTurn, question)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				return errors.Wrap(err, errors.CodeEngineUnavailable, "cloud circuit open")
			}
			return err
		}
		text = result.(string)
		return nil
	})
	return text, err
}

func (c *CloudClient) complete(ctx context.Context, system, contextTurn, question string) (string, error) {
	body, err := json.Marshal(cloudRequest{
		Model:    c.model,
		System:   system,
		Context:  contextTurn,
		Question: question,
	})
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "encode cloud request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Wrap(err, errors.CodeInternal, "build cloud request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return "", errors.Wrap(err, errors.CodeTimeout, "cloud inference timed out")
		}
		return "", errors.Wrap(err, errors.CodeEngineUnavailable, "cloud unreachable")
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return "", errors.New(errors.CodeRateLimited, "cloud rate limited")
	case resp.StatusCode >= 500:
		return "", errors.Newf(errors.CodeEngineUnavailable, "cloud returned %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return "", errors.Newf(errors.CodeInvalidInput, "cloud rejected request with %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrap(err, errors.CodeEngineUnavailable, "read cloud response")
	}

	// A response that does not parse is an inference failure, not a crash.
	var parsed cloudResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return "", errors.Wrap(err, errors.CodeMalformedResponse, "parse cloud response")
	}
	if strings.TrimSpace(parsed.Text) == "" {
		return "", errors.New(errors.CodeMalformedResponse, "cloud response missing text")
	}
	return strings.TrimSpace(parsed.Text), nil
}
