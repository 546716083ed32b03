package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/propforge/propforge/internal/config"
	"github.com/propforge/propforge/internal/metrics"
	"github.com/propforge/propforge/internal/util"
)

const clarifyPrompt = "Your previous reply could not be parsed into the requested JSON shape. " +
	"Respond again with only the JSON object, with no surrounding prose and no code fences."

// Client drives OpenAI-compatible chat completion endpoints with rate
// limiting, retry/backoff, and structured-response validation.
type Client struct {
	httpClient *http.Client
	limiters   *RateLimiterPool
	logger     *slog.Logger
	backoff    BackoffPolicy
	collector  *metrics.Collector
}

// NewClient creates a capability client using the given backoff policy for
// every call (per-model config may override retry count and base delay).
func NewClient(logger *slog.Logger, backoff BackoffPolicy) *Client {
	return &Client{
		httpClient: &http.Client{},
		limiters:   NewRateLimiterPool(),
		logger:     logger,
		backoff:    backoff,
	}
}

// SetMetrics attaches a metrics collector; nil disables recording.
func (c *Client) SetMetrics(col *metrics.Collector) {
	c.collector = col
}

// StructuredResult reports how a structured completion concluded. When
// Degraded is set the target value was never populated and Rationale
// explains the failure; callers in non-strict mode substitute their
// documented fallback.
type StructuredResult struct {
	Raw       string
	Attempts  int
	Degraded  bool
	Rationale string
}

// CompleteStructured sends the messages and unmarshals the JSON body of the
// reply into out. Transient failures (network, retryable HTTP status,
// timeout, unparseable response) are retried with exponential backoff up to
// the model's retry budget; an unparseable reply gets one clarifying
// follow-up request per attempt before it counts as failed.
//
// In strict mode exhaustion returns an error. Otherwise a degraded result is
// returned with nil error and out is left untouched.
func (c *Client) CompleteStructured(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	messages []Message,
	out any,
	strict bool,
) (*StructuredResult, error) {
	policy := c.policyFor(modelCfg)

	var lastErr error
	attempts := 0

	for attempt := 1; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 1 {
			delay := policy.Delay(attempt-1, isRateLimitError(lastErr))
			c.logger.Warn("Retrying capability request",
				"attempt", attempt,
				"max_retries", policy.MaxRetries,
				"backoff", delay,
				"model", modelCfg.ModelName,
				"error", lastErr)
			if err := policy.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}
		attempts = attempt

		resp, err := c.doRequest(ctx, modelCfg, apiKey, messages)
		if err != nil {
			lastErr = err
			if !isRetryable(err) && ctx.Err() == nil {
				break
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}

		content := resp.Choices[0].Message.Content
		if err := decodeInto(content, out); err == nil {
			return &StructuredResult{Raw: content, Attempts: attempt}, nil
		} else {
			c.logger.Debug("Response failed shape validation, issuing clarifying request",
				"model", modelCfg.ModelName,
				"error", err,
				"content", util.TruncateString(content, 200))
			lastErr = err
		}

		// One clarifying round-trip: resend the conversation with the bad
		// reply and an instruction to produce only the JSON shape.
		clarified, err := c.doRequest(ctx, modelCfg, apiKey, append(append([]Message{}, messages...),
			Message{Role: RoleAssistant, Content: content},
			Message{Role: RoleUser, Content: clarifyPrompt},
		))
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			continue
		}
		content = clarified.Choices[0].Message.Content
		if err := decodeInto(content, out); err == nil {
			return &StructuredResult{Raw: content, Attempts: attempt}, nil
		} else {
			lastErr = fmt.Errorf("response shape invalid after clarification: %w", err)
		}
	}

	if strict {
		return nil, fmt.Errorf("capability call failed after %d attempts: %w", attempts, lastErr)
	}
	c.logger.Warn("Capability call degraded after retry exhaustion",
		"model", modelCfg.ModelName,
		"attempts", attempts,
		"error", lastErr)
	return &StructuredResult{
		Attempts:  attempts,
		Degraded:  true,
		Rationale: lastErr.Error(),
	}, nil
}

func (c *Client) policyFor(modelCfg config.ModelConfig) BackoffPolicy {
	policy := c.backoff
	if policy.Multiplier == 0 {
		policy = DefaultBackoffPolicy()
	}
	if modelCfg.MaxRetries > 0 {
		policy.MaxRetries = modelCfg.MaxRetries
	}
	if modelCfg.BaseRetrySeconds > 0 {
		policy.BaseDelay = time.Duration(modelCfg.BaseRetrySeconds) * time.Second
	}
	return policy
}

// doRequest performs one rate-limited HTTP round trip.
func (c *Client) doRequest(
	ctx context.Context,
	modelCfg config.ModelConfig,
	apiKey string,
	messages []Message,
) (*ChatCompletionResponse, error) {
	endpointID := fmt.Sprintf("%s:%s", modelCfg.BaseURL, modelCfg.ModelName)
	if err := c.limiters.Wait(ctx, endpointID, modelCfg.RateLimitPerMinute); err != nil {
		return nil, fmt.Errorf("rate limiter wait failed: %w", err)
	}

	req := ChatCompletionRequest{
		Model:          modelCfg.ModelName,
		Messages:       messages,
		Temperature:    modelCfg.Temperature,
		TopP:           modelCfg.TopP,
		MaxTokens:      modelCfg.MaxOutputTokens,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	}
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	if modelCfg.RequestTimeoutSecs > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(modelCfg.RequestTimeoutSecs)*time.Second)
		defer cancel()
	}

	endpoint := strings.TrimSuffix(modelCfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+apiKey)
	}

	start := time.Now()
	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		c.collector.RecordAPIRequest(modelCfg.ModelName, time.Since(start), false)
		// Timeouts follow the same retry path as any transient failure.
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, &APIError{Message: "request timed out", Retryable: true}
		}
		return nil, &APIError{Message: fmt.Sprintf("request failed: %v", err), Retryable: true}
	}
	defer func() {
		if err := httpResp.Body.Close(); err != nil {
			c.logger.Warn("Failed to close response body", "error", err)
		}
	}()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		c.collector.RecordAPIRequest(modelCfg.ModelName, time.Since(start), false)
		return nil, &APIError{Message: fmt.Sprintf("failed to read response: %v", err), Retryable: true}
	}

	if httpResp.StatusCode != http.StatusOK {
		c.collector.RecordAPIRequest(modelCfg.ModelName, time.Since(start), false)
		retryable := isStatusCodeRetryable(httpResp.StatusCode)

		var errResp ErrorResponse
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error.Message != "" {
			return nil, &APIError{
				Message:    errResp.Error.Message,
				StatusCode: httpResp.StatusCode,
				Type:       errResp.Error.Type,
				Code:       errResp.Error.Code,
				Retryable:  retryable,
			}
		}
		return nil, &APIError{
			Message:    fmt.Sprintf("request failed with status %d: %s", httpResp.StatusCode, util.TruncateString(string(respBody), 200)),
			StatusCode: httpResp.StatusCode,
			Retryable:  retryable,
		}
	}

	var resp ChatCompletionResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		c.collector.RecordAPIRequest(modelCfg.ModelName, time.Since(start), false)
		return nil, &APIError{Message: fmt.Sprintf("failed to parse response envelope: %v", err), Retryable: true}
	}
	if len(resp.Choices) == 0 {
		c.collector.RecordAPIRequest(modelCfg.ModelName, time.Since(start), false)
		return nil, &APIError{Message: "no choices returned in response", Retryable: true}
	}

	c.collector.RecordAPIRequest(modelCfg.ModelName, time.Since(start), true)
	return &resp, nil
}

// decodeInto extracts the JSON payload from raw model output (which may be
// fenced in markdown or carry stray prose) and unmarshals it.
func decodeInto(content string, out any) error {
	jsonStr := util.SanitizeJSON(util.ExtractJSON(content))
	if err := json.Unmarshal([]byte(jsonStr), out); err != nil {
		return fmt.Errorf("failed to parse structured response: %w", err)
	}
	return nil
}

func isRetryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable
	}
	return false
}

func isRateLimitError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusTooManyRequests
	}
	return false
}

func isStatusCodeRetryable(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusInternalServerError ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

// APIError represents an error returned by the capability endpoint.
type APIError struct {
	Message    string
	StatusCode int
	Type       string
	Code       string
	Retryable  bool
}

func (e *APIError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error: %s", e.Message)
}
