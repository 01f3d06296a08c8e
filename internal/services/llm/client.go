// -----------------------------------------------------------------------
// Claude Client - Paced access to the Anthropic API for inference handlers
// -----------------------------------------------------------------------

package llm

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/stash/internal/common"
	"github.com/ternarybob/stash/internal/queue"
	"golang.org/x/time/rate"
)

const defaultModel = "claude-sonnet-4-20250514"

// Completer is the inference surface the handlers depend on. Tests stub it.
type Completer interface {
	Complete(ctx context.Context, system, user string) (string, error)
}

// Client is the Claude-backed Completer. A process-wide rate limiter spaces
// requests so parallel inference workers do not burst against the API.
type Client struct {
	client    anthropic.Client
	logger    arbor.ILogger
	model     string
	maxTokens int
	temp      float32
	timeout   time.Duration
	limiter   *rate.Limiter
}

// NewClient creates the paced Claude client from config
func NewClient(config *common.ClaudeConfig, logger arbor.ILogger) (*Client, error) {
	if config.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required (set ANTHROPIC_API_KEY or claude.api_key)")
	}

	model := config.Model
	if model == "" {
		model = defaultModel
	}

	maxTokens := config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 2048
	}

	timeout := 2 * time.Minute
	if config.Timeout != "" {
		parsed, err := time.ParseDuration(config.Timeout)
		if err != nil {
			return nil, fmt.Errorf("invalid claude timeout %q: %w", config.Timeout, err)
		}
		timeout = parsed
	}

	spacing := time.Second
	if config.RateLimit != "" {
		parsed, err := time.ParseDuration(config.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid claude rate_limit %q: %w", config.RateLimit, err)
		}
		spacing = parsed
	}

	logger.Info().
		Str("model", model).
		Int("max_tokens", maxTokens).
		Str("request_spacing", spacing.String()).
		Msg("Claude client initialized")

	return &Client{
		client:    anthropic.NewClient(option.WithAPIKey(config.APIKey)),
		logger:    logger,
		model:     model,
		maxTokens: maxTokens,
		temp:      config.Temperature,
		timeout:   timeout,
		limiter:   rate.NewLimiter(rate.Every(spacing), 1),
	}, nil
}

// Complete sends one system+user exchange and returns the response text.
// Throttling and server errors come back as RetryAfterError so the queue
// defers the job without burning an attempt.
func (c *Client) Complete(ctx context.Context, system, user string) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: int64(c.maxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	}
	if c.temp > 0 {
		params.Temperature = anthropic.Float(float64(c.temp))
	}
	if system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	resp, err := c.client.Messages.New(ctx, params)
	if err != nil {
		return "", c.classify(err)
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			out.WriteString(block.Text)
		}
	}
	if out.Len() == 0 {
		return "", fmt.Errorf("claude returned an empty response")
	}
	return out.String(), nil
}

// classify maps API throttling and server-side failures onto the queue's
// external-wait sentinel
func (c *Client) classify(err error) error {
	var apierr *anthropic.Error
	if !errors.As(err, &apierr) {
		return fmt.Errorf("claude request failed: %w", err)
	}

	if apierr.StatusCode == 429 || apierr.StatusCode >= 500 {
		delay := 30 * time.Second
		if apierr.Response != nil {
			if v := apierr.Response.Header.Get("Retry-After"); v != "" {
				if secs, perr := strconv.Atoi(v); perr == nil && secs > 0 {
					delay = time.Duration(secs) * time.Second
				}
			}
		}
		c.logger.Warn().
			Int("status", apierr.StatusCode).
			Str("retry_after", delay.String()).
			Msg("Claude API throttled, deferring job")
		return &queue.RetryAfterError{Delay: delay}
	}

	return fmt.Errorf("claude request failed with status %d: %w", apierr.StatusCode, err)
}
