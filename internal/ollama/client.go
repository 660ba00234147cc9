// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package ollama provides the HTTP client for the generation backend.
package ollama

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
	"unicode/utf8"

	"golang.org/x/time/rate"

	"github.com/jeranaias/ideaforge/internal/telemetry"
)

// =============================================================================
// ERROR TYPES
// =============================================================================

// ErrorKind categorizes client errors for handling and metrics.
type ErrorKind int

const (
	ErrKindUnknown ErrorKind = iota
	ErrKindStatus
	ErrKindConnection
	ErrKindTimeout
	ErrKindBadResponse
	ErrKindResponseTooLong
	ErrKindExhausted
)

func (k ErrorKind) String() string {
	switch k {
	case ErrKindStatus:
		return "status"
	case ErrKindConnection:
		return "connection"
	case ErrKindTimeout:
		return "timeout"
	case ErrKindBadResponse:
		return "bad_response"
	case ErrKindResponseTooLong:
		return "response_too_long"
	case ErrKindExhausted:
		return "exhausted"
	default:
		return "unknown"
	}
}

// ClientError represents a failure talking to the generation backend. The
// Message is safe to surface; Cause keeps the diagnostic detail.
type ClientError struct {
	Kind    ErrorKind
	Message string
	Status  int
	Cause   error
}

func (e *ClientError) Error() string {
	if e.Cause != nil {
		return e.Message + ": " + e.Cause.Error()
	}
	return e.Message
}

func (e *ClientError) Unwrap() error { return e.Cause }

// KindOf returns the error kind of err, or ErrKindUnknown.
func KindOf(err error) ErrorKind {
	var clientErr *ClientError
	if errors.As(err, &clientErr) {
		return clientErr.Kind
	}
	return ErrKindUnknown
}

// User-facing messages for each failure class.
const (
	msgCouldNotConnect = "Não foi possível conectar ao serviço de IA."
	msgTimedOut        = "O serviço de IA demorou demais para responder."
	msgUnavailable     = "Serviço de IA temporariamente indisponível. Tente novamente em alguns instantes."
	msgServerHint      = "o backend pode estar fora do ar ou mal configurado"
)

// =============================================================================
// CLIENT CONFIGURATION
// =============================================================================

// maxResponseBytes caps how much of a response body is read, malformed or
// not.
const maxResponseBytes = 10 * 1024 * 1024 // 10MB

// Config holds configuration options for the client.
type Config struct {
	// BaseURL is the backend API base URL. Explicit IPv4 avoids IPv6
	// resolution issues on Windows.
	BaseURL string

	// Model is the model requested on every call.
	Model string

	// Timeout bounds one request end to end.
	Timeout time.Duration

	// MaxRetries bounds attempts in ChatWithRetry.
	MaxRetries int

	// RetryBaseDelay is doubled on each subsequent attempt.
	RetryBaseDelay time.Duration

	// MaxResponseChars rejects absurdly long generations.
	MaxResponseChars int

	// RequestsPerSecond throttles calls to the backend. 0 disables
	// throttling.
	RequestsPerSecond float64
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:          "http://127.0.0.1:11434",
		Model:            "llama3",
		Timeout:          60 * time.Second,
		MaxRetries:       3,
		RetryBaseDelay:   1 * time.Second,
		MaxResponseChars: 8000,
	}
}

// =============================================================================
// CLIENT
// =============================================================================

// Client handles communication with the generation backend. Thread-safe
// for concurrent use.
type Client struct {
	config     *Config
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    *telemetry.Recorder
	log        *slog.Logger
}

// NewClient creates a client with the given configuration, filling zero
// values with defaults.
func NewClient(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Model == "" {
		config.Model = def.Model
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = def.MaxRetries
	}
	if config.RetryBaseDelay == 0 {
		config.RetryBaseDelay = def.RetryBaseDelay
	}
	if config.MaxResponseChars == 0 {
		config.MaxResponseChars = def.MaxResponseChars
	}

	var limiter *rate.Limiter
	if config.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.RequestsPerSecond), 1)
	}

	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		limiter: limiter,
		log:     slog.Default(),
	}
}

// WithMetrics attaches a metrics recorder. Returns the client for
// chaining.
func (c *Client) WithMetrics(recorder *telemetry.Recorder) *Client {
	c.metrics = recorder
	return c
}

// WithLogger attaches a structured logger.
func (c *Client) WithLogger(logger *slog.Logger) *Client {
	if logger != nil {
		c.log = logger
	}
	return c
}

// Config returns the effective configuration.
func (c *Client) Config() *Config {
	return c.config
}

// =============================================================================
// CHAT
// =============================================================================

// Chat sends one generation request: a system instruction, optional prior
// turns, and the new user input. Returns the generated text or a
// *ClientError classifying the failure. Callers needing resilience should
// use ChatWithRetry.
func (c *Client) Chat(ctx context.Context, system string, history []Message, userPrompt string) (string, error) {
	start := time.Now()

	content, err := c.chat(ctx, system, history, userPrompt)
	if err != nil {
		c.metrics.Count(telemetry.MetricErrPrefix+KindOf(err).String(), 1)
		return "", err
	}

	c.metrics.Observe(telemetry.MetricGenerateLatency, time.Since(start))
	c.metrics.Count(telemetry.MetricGenerateSuccess, 1)
	return content, nil
}

func (c *Client) chat(ctx context.Context, system string, history []Message, userPrompt string) (string, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return "", &ClientError{Kind: ErrKindTimeout, Message: msgTimedOut, Cause: err}
		}
	}

	messages := make([]Message, 0, len(history)+2)
	if system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, history...)
	messages = append(messages, Message{Role: "user", Content: userPrompt})

	body, err := json.Marshal(ChatRequest{
		Model:    c.config.Model,
		Messages: messages,
		Stream:   false,
	})
	if err != nil {
		return "", &ClientError{Kind: ErrKindBadResponse, Message: "failed to marshal request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return "", &ClientError{Kind: ErrKindConnection, Message: msgCouldNotConnect, Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeoutErr(err) {
			return "", &ClientError{Kind: ErrKindTimeout, Message: msgTimedOut, Cause: err}
		}
		return "", &ClientError{Kind: ErrKindConnection, Message: msgCouldNotConnect, Cause: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", &ClientError{Kind: ErrKindBadResponse, Message: "failed to read response", Cause: err}
	}

	if resp.StatusCode != http.StatusOK {
		return "", c.statusError(resp.StatusCode, data)
	}

	return c.extractContent(data)
}

// statusError carries the status and body detail; 5xx statuses add a hint
// that the backend itself may be down or misconfigured.
func (c *Client) statusError(status int, body []byte) *ClientError {
	detail := strings.TrimSpace(string(body))
	var backendErr apiError
	if err := json.Unmarshal(body, &backendErr); err == nil && backendErr.Error != "" {
		detail = backendErr.Error
	}

	message := fmt.Sprintf("backend returned status %d: %s", status, detail)
	if status >= 500 {
		message = fmt.Sprintf("backend returned status %d (%s): %s", status, msgServerHint, detail)
	}

	return &ClientError{Kind: ErrKindStatus, Status: status, Message: message}
}

// extractContent validates the response shape: a missing message, missing
// content, or over-length content are each distinct failures.
func (c *Client) extractContent(data []byte) (string, error) {
	var result ChatResponse
	if err := json.Unmarshal(data, &result); err != nil {
		return "", &ClientError{Kind: ErrKindBadResponse, Message: "failed to decode response", Cause: err}
	}

	if result.Message == nil {
		return "", &ClientError{Kind: ErrKindBadResponse, Message: "response has no message"}
	}
	content := result.Message.Content
	if strings.TrimSpace(content) == "" {
		return "", &ClientError{Kind: ErrKindBadResponse, Message: "response has no content"}
	}
	if utf8.RuneCountInString(content) > c.config.MaxResponseChars {
		return "", &ClientError{
			Kind: ErrKindResponseTooLong,
			Message: fmt.Sprintf("response exceeds %d characters (%d)",
				c.config.MaxResponseChars, utf8.RuneCountInString(content)),
		}
	}

	return content, nil
}

// =============================================================================
// RETRY
// =============================================================================

// ChatWithRetry calls Chat under a bounded exponential backoff schedule.
// Exhausting every attempt converts the persistent failure into a single
// user-facing "temporarily unavailable" error carrying the last cause.
func (c *Client) ChatWithRetry(ctx context.Context, system string, history []Message, userPrompt string) (string, error) {
	var lastErr error

	for attempt := 0; attempt < c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			if err := sleepWithContext(ctx, c.backoffDelay(attempt)); err != nil {
				break
			}
		}

		content, err := c.Chat(ctx, system, history, userPrompt)
		if err == nil {
			return content, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			break
		}
		c.log.Warn("generation attempt failed",
			"attempt", attempt+1,
			"max_attempts", c.config.MaxRetries,
			"kind", KindOf(err).String(),
			"error", err)
	}

	c.metrics.Count(telemetry.MetricErrPrefix+ErrKindExhausted.String(), 1)
	return "", &ClientError{Kind: ErrKindExhausted, Message: msgUnavailable, Cause: lastErr}
}

// backoffDelay doubles the base delay per attempt: base, 2*base, 4*base...
func (c *Client) backoffDelay(attempt int) time.Duration {
	return c.config.RetryBaseDelay * (1 << (attempt - 1))
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func isTimeoutErr(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
