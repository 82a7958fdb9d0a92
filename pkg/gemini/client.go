// Package gemini implements the transformation service contract against a
// Gemini-style generateContent HTTP API.
package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker/v2"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/time/rate"

	"github.com/tidymark/tidymark/pkg/transform"
)

// Options configures a Client.
type Options struct {
	// BaseURL is the API root, e.g. https://generativelanguage.googleapis.com.
	BaseURL string

	// Model is the model identifier used in the request path.
	Model string

	// APIKey authenticates requests. Required.
	APIKey string

	// Timeout bounds a single HTTP request.
	Timeout time.Duration

	// RequestsPerMinute throttles calls client-side. Zero disables pacing.
	RequestsPerMinute int

	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
}

// Client calls the formatting service. It implements transform.Transformer.
//
// Calls pass through a client-side rate limiter and a circuit breaker: the
// limiter keeps a batch run under the service's quota, and the breaker stops
// hammering a service that is consistently failing. An open breaker surfaces
// as a transient failure so the retry layer backs off normally.
type Client struct {
	baseURL    string
	model      string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker[string]
}

// New creates a Client.
func New(opts Options) (*Client, error) {
	if opts.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if opts.Model == "" {
		return nil, errors.New("model is required")
	}
	if opts.BaseURL == "" {
		return nil, errors.New("base url is required")
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		timeout := opts.Timeout
		if timeout == 0 {
			timeout = 120 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	var limiter *rate.Limiter
	if opts.RequestsPerMinute > 0 {
		limiter = rate.NewLimiter(rate.Limit(float64(opts.RequestsPerMinute)/60.0), 1)
	}

	breaker := gobreaker.NewCircuitBreaker[string](gobreaker.Settings{
		Name:    "gemini",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			// Auth and protocol failures say nothing about service health.
			switch kind, ok := transform.KindOf(err); {
			case ok && kind == transform.KindFatal:
				return true
			case ok && kind == transform.KindProtocol:
				return true
			default:
				return false
			}
		},
	})

	return &Client{
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		model:      opts.Model,
		apiKey:     opts.APIKey,
		httpClient: httpClient,
		limiter:    limiter,
		breaker:    breaker,
	}, nil
}

// Transform sends the document to the service and returns the formatted text.
func (c *Client) Transform(ctx context.Context, req transform.Request) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", errors.Errorf("waiting for rate limiter: %w", err)
		}
	}

	output, err := c.breaker.Execute(func() (string, error) {
		return c.generate(ctx, buildPrompt(req))
	})
	if err != nil {
		if stderrors.Is(err, gobreaker.ErrOpenState) || stderrors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", transform.Transient("circuit breaker open", err)
		}
		return "", err
	}

	return TrimFence(output), nil
}

// Wire types for the generateContent endpoint. Only the fields the pipeline
// needs are decoded; their presence is strictly validated.

type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []part `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type errorResponse struct {
	Error struct {
		Code    int    `json:"code"`
		Status  string `json:"status"`
		Message string `json:"message"`
	} `json:"error"`
}

func (c *Client) generate(ctx context.Context, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", errors.Errorf("marshaling request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:generateContent", c.baseURL, c.model)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", errors.Errorf("creating request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Goog-Api-Key", c.apiKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		if ctx.Err() != nil {
			return "", errors.Errorf("request cancelled: %w", ctx.Err())
		}
		return "", transform.Transient("sending request", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", transform.Transient("reading response body", err)
	}

	if resp.StatusCode != http.StatusOK {
		return "", classifyStatus(resp, respBody)
	}

	return decodeResponse(respBody)
}

// decodeResponse extracts the generated text, failing closed on any shape
// mismatch rather than guessing at the response structure.
func decodeResponse(body []byte) (string, error) {
	var decoded generateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", transform.Protocol("unparsable response body", err)
	}
	if len(decoded.Candidates) == 0 {
		return "", transform.Protocol("response has no candidates", nil)
	}
	parts := decoded.Candidates[0].Content.Parts
	if len(parts) == 0 {
		return "", transform.Protocol("response candidate has no parts", nil)
	}

	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString(p.Text)
	}
	if sb.Len() == 0 {
		return "", transform.Protocol("response contains no text", nil)
	}
	return sb.String(), nil
}

// classifyStatus maps a non-200 response onto the failure taxonomy.
func classifyStatus(resp *http.Response, body []byte) error {
	message := serviceMessage(body)

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return transform.RateLimited(message, parseRetryAfter(resp.Header.Get("Retry-After")), nil)

	case resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return transform.Fatal(message, nil)

	case resp.StatusCode == http.StatusBadRequest && strings.Contains(strings.ToLower(message), "api key"):
		// The service reports an invalid key as a 400, not a 401.
		return transform.Fatal(message, nil)

	case resp.StatusCode >= 500:
		return transform.Transient(message, nil)

	default:
		return transform.Protocol(fmt.Sprintf("unexpected status %d: %s", resp.StatusCode, message), nil)
	}
}

func serviceMessage(body []byte) string {
	var decoded errorResponse
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Error.Message != "" {
		return decoded.Error.Message
	}
	trimmed := strings.TrimSpace(string(body))
	if trimmed == "" {
		return "no error detail"
	}
	if len(trimmed) > 200 {
		trimmed = trimmed[:200]
	}
	return trimmed
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
