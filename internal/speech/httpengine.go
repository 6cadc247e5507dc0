package speech

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/booklistener/companion/internal/errors"
)

// HTTPBatchEngine is a batch recognizer client. It trades latency for
// accuracy: one request per buffered window, scored per segment.
type HTTPBatchEngine struct {
	baseURL string
	client  *http.Client
}

// NewHTTPBatchEngine creates a client for the given base URL.
func NewHTTPBatchEngine(baseURL string, timeout time.Duration) *HTTPBatchEngine {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPBatchEngine{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

// Probe resolves the engine capability once at startup.
func (e *HTTPBatchEngine) Probe(ctx context.Context) Capability {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.baseURL+"/health", nil)
	if err != nil {
		return Unavailable(err.Error())
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return Unavailable(err.Error())
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return Unavailable(fmt.Sprintf("health returned %d", resp.StatusCode))
	}
	return Available()
}

type batchRequest struct {
	Audio      string `json:"audio"` // base64 PCM16LE
	SampleRate int    `json:"sample_rate"`
}

type batchResponse struct {
	Text     string `json:"text"`
	Segments []struct {
		Text        string  `json:"text"`
		Probability float64 `json:"probability"`
	} `json:"segments"`
}

// Transcribe sends one audio window for high-accuracy transcription.
func (e *HTTPBatchEngine) Transcribe(ctx context.Context, window []float32, sampleRate int) (BatchResult, error) {
	body, err := json.Marshal(batchRequest{
		Audio:      base64.StdEncoding.EncodeToString(Float32ToPCM16(window)),
		SampleRate: sampleRate,
	})
	if err != nil {
		return BatchResult{}, errors.Wrap(err, errors.CodeInternal, "encode batch request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/transcribe", bytes.NewReader(body))
	if err != nil {
		return BatchResult{}, errors.Wrap(err, errors.CodeInternal, "build batch request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return BatchResult{}, errors.Wrap(err, errors.CodeTimeout, "batch transcription timed out")
		}
		return BatchResult{}, errors.Wrap(err, errors.CodeEngineUnavailable, "batch engine unreachable")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return BatchResult{}, errors.Newf(errors.CodeEngineUnavailable, "batch engine returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return BatchResult{}, errors.Wrap(err, errors.CodeEngineUnavailable, "read batch response")
	}

	var parsed batchResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return BatchResult{}, errors.Wrap(err, errors.CodeMalformedResponse, "parse batch response")
	}

	res := BatchResult{Text: parsed.Text}
	for _, s := range parsed.Segments {
		res.Segments = append(res.Segments, Segment{Text: s.Text, Probability: s.Probability})
	}
	return res, nil
}
