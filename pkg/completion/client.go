package completion

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sethvargo/go-retry"

	"github.com/rhuss/taskrun/pkg/api"
	"github.com/rhuss/taskrun/pkg/debug"
	"github.com/rhuss/taskrun/pkg/observability"
)

// DefaultURL is the chat-completion endpoint used when none is configured.
const DefaultURL = "https://aiproxy.sanand.workers.dev/openai/v1/chat/completions"

// DefaultModel is the model requested when none is configured.
const DefaultModel = "gpt-4o-mini"

// maxResponseBytes bounds how much of a completion body is read.
const maxResponseBytes = 8 << 20

// Config holds the settings for a Client.
type Config struct {
	// URL is the full chat-completion endpoint.
	URL    string
	APIKey string
	Model  string

	// Timeout bounds a single HTTP attempt. Defaults to 120s.
	Timeout time.Duration

	// MaxRetries is the number of extra attempts after a transport error,
	// a 429 or a 5xx. Zero means a single attempt.
	MaxRetries   int
	RetryBackoff time.Duration

	// AllowedRoot is named in the system prompt.
	AllowedRoot string

	// HTTPClient overrides the default client. Timeout is ignored when set.
	HTTPClient *http.Client
}

// Client calls the completion service.
type Client struct {
	httpClient *http.Client
	cfg        Config
	validator  *Validator
}

// New creates a Client. It fails when no API key is configured.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errors.New("completion: API key is required")
	}
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 120 * time.Second
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 500 * time.Millisecond
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.AllowedRoot == "" {
		cfg.AllowedRoot = "/data/"
	}

	validator, err := NewValidator()
	if err != nil {
		return nil, err
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &Client{
		httpClient: httpClient,
		cfg:        cfg,
		validator:  validator,
	}, nil
}

// Model returns the configured model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// BuildRequest assembles the chat-completion request for task.
func (c *Client) BuildRequest(task string) *ChatCompletionRequest {
	return &ChatCompletionRequest{
		Model: c.cfg.Model,
		Messages: []ChatMessage{
			{Role: "user", Content: task},
			{Role: "system", Content: SystemPrompt(c.cfg.AllowedRoot)},
		},
		ResponseFormat: TaskResponseFormat(),
	}
}

// Complete asks the completion service for a program that performs task.
func (c *Client) Complete(ctx context.Context, task string) (*api.CompletionResult, error) {
	start := time.Now()
	res, err := c.complete(ctx, task)
	observability.CompletionLatency.WithLabelValues(c.cfg.Model).Observe(time.Since(start).Seconds())

	status := "ok"
	if err != nil {
		status = string(api.AsAPIError(err).Type)
	}
	observability.CompletionRequestsTotal.WithLabelValues(c.cfg.Model, status).Inc()
	return res, err
}

func (c *Client) complete(ctx context.Context, task string) (*api.CompletionResult, error) {
	body, err := json.Marshal(c.BuildRequest(task))
	if err != nil {
		return nil, api.NewServerError(fmt.Sprintf("failed to marshal request: %s", err.Error()))
	}

	backoff := retry.WithMaxRetries(uint64(c.cfg.MaxRetries), retry.NewExponential(c.cfg.RetryBackoff))

	var envelope *ChatCompletionResponse
	attempt := 0
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		resp, sendErr := c.send(ctx, body)
		if sendErr != nil {
			if sendErr.retryable {
				debug.Log("completion", "retryable failure", "attempt", attempt, "error", sendErr.err)
				return retry.RetryableError(sendErr.err)
			}
			return sendErr.err
		}
		envelope = resp
		return nil
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			return nil, api.NewUpstreamError("", "completion request cancelled: "+ctxErr.Error())
		}
		return nil, err
	}

	if envelope.Usage != nil {
		observability.CompletionTokensTotal.WithLabelValues(c.cfg.Model, "input").Add(float64(envelope.Usage.PromptTokens))
		observability.CompletionTokensTotal.WithLabelValues(c.cfg.Model, "output").Add(float64(envelope.Usage.CompletionTokens))
	}

	content, err := extractContent(envelope)
	if err != nil {
		return nil, err
	}
	debug.Trace("completion", "content", "body", content)

	return c.validator.Parse(content)
}

type sendError struct {
	err       *api.APIError
	retryable bool
}

// send performs one HTTP attempt and decodes the envelope.
func (c *Client) send(ctx context.Context, body []byte) (*ChatCompletionResponse, *sendError) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, &sendError{err: api.NewServerError(fmt.Sprintf("failed to create HTTP request: %s", err.Error()))}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	debug.Log("completion", "request", "url", c.cfg.URL, "model", c.cfg.Model)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, &sendError{err: MapNetworkError(err), retryable: ctx.Err() == nil}
	}
	defer httpResp.Body.Close()

	debug.Log("completion", "response", "status", httpResp.StatusCode)

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, &sendError{err: MapHTTPError(httpResp), retryable: retryableStatus(httpResp.StatusCode)}
	}

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, &sendError{err: MapNetworkError(err), retryable: ctx.Err() == nil}
	}

	var envelope ChatCompletionResponse
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, &sendError{err: api.NewMalformedResponseError("completion response is not valid JSON: " + err.Error())}
	}
	return &envelope, nil
}

// extractContent returns choices[0].message.content as a string.
func extractContent(resp *ChatCompletionResponse) (string, error) {
	if len(resp.Choices) == 0 {
		return "", api.NewMalformedResponseError("completion response has no choices")
	}
	msg := resp.Choices[0].Message
	if msg == nil {
		return "", api.NewMalformedResponseError("completion response has no message")
	}
	if msg.Content == nil {
		if msg.Refusal != "" {
			return "", api.NewMalformedResponseError("completion was refused: " + msg.Refusal)
		}
		return "", api.NewMalformedResponseError("completion message has no content")
	}
	content, ok := msg.Content.(string)
	if !ok {
		return "", api.NewMalformedResponseError(fmt.Sprintf("completion message content is %T, want string", msg.Content))
	}
	return content, nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
