// Package openai calls an OpenAI-compatible embeddings endpoint.
//
// HTTP status codes map onto the typed error kinds the retry policies
// key off: 429 is rate limited (delayed retry), 402 is quota exhausted
// (no retry), 404 is an unknown model (no retry).
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/fairyhunter13/doc-indexer/internal/domain"
)

// Client is the embeddings adapter.
type Client struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

var _ domain.EmbeddingModel = (*Client)(nil)

// New constructs an embeddings client.
func New(baseURL, apiKey, model string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

type embeddingsRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingsResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Embed returns one vector per input, in input order.
func (c *Client) Embed(ctx context.Context, batch []string) ([][]float32, error) {
	if len(batch) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(embeddingsRequest{Model: c.model, Input: batch})
	if err != nil {
		return nil, fmt.Errorf("op=embed.marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("op=embed.request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, domain.NewPipelineError(domain.KindEmbeddingAPIError, "embed",
				"embedding request timed out", err)
		}
		return nil, domain.NewPipelineError(domain.KindNetworkError, "embed",
			"embedding request failed", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, domain.NewPipelineError(domain.KindNetworkError, "embed",
			"reading embedding response failed", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp.StatusCode, raw)
	}

	var parsed embeddingsResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, domain.NewPipelineError(domain.KindEmbeddingAPIError, "embed",
			"malformed embedding response", err)
	}
	if len(parsed.Data) != len(batch) {
		return nil, domain.NewPipelineError(domain.KindEmbeddingAPIError, "embed",
			fmt.Sprintf("expected %d embeddings, got %d", len(batch), len(parsed.Data)), nil)
	}

	sort.Slice(parsed.Data, func(i, j int) bool { return parsed.Data[i].Index < parsed.Data[j].Index })
	out := make([][]float32, len(parsed.Data))
	for i, d := range parsed.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

func (c *Client) statusError(status int, raw []byte) error {
	msg := apiMessage(raw)
	switch status {
	case http.StatusTooManyRequests:
		return domain.NewPipelineError(domain.KindEmbeddingRateLimited, "embed",
			"embedding API rate limited: "+msg, nil)
	case http.StatusPaymentRequired:
		return domain.NewPipelineError(domain.KindEmbeddingQuotaExceeded, "embed",
			"embedding API quota exhausted: "+msg, nil)
	case http.StatusNotFound:
		return domain.NewPipelineError(domain.KindEmbeddingModelUnavailable, "embed",
			fmt.Sprintf("embedding model %s unavailable: %s", c.model, msg), nil)
	case http.StatusUnauthorized, http.StatusForbidden:
		return domain.NewPipelineError(domain.KindEmbeddingQuotaExceeded, "embed",
			"embedding API rejected credentials: "+msg, nil)
	default:
		return domain.NewPipelineError(domain.KindEmbeddingAPIError, "embed",
			fmt.Sprintf("embedding API status %d: %s", status, msg), nil)
	}
}

func apiMessage(raw []byte) string {
	var parsed embeddingsResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.Error != nil {
		return parsed.Error.Message
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 200 {
		s = s[:200]
	}
	return s
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne interface{ Timeout() bool }
	return errors.As(err, &ne) && ne.Timeout()
}
