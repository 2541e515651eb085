package llm

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/qimed/medbench/internal/bench/model"
)

const tracerName = "github.com/qimed/medbench/internal/llm"

// DefaultBaseURL points at the OpenRouter OpenAI-compatible endpoint.
const DefaultBaseURL = "https://openrouter.ai/api/v1"

// DefaultModel is used when neither config nor environment names one.
const DefaultModel = "google/gemini-2.5-pro"

// Config holds the per-call-site parameters of a client. Several clients
// may be constructed with different temperatures and timeouts while
// sharing one RateLimiter.
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	Timeout     time.Duration
	Retry       RetryPolicy
}

func (c Config) withDefaults() Config {
	if c.APIKey == "" {
		c.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Model == "" {
		if m := os.Getenv("OPENROUTER_MODEL"); m != "" {
			c.Model = m
		} else {
			c.Model = DefaultModel
		}
	}
	if c.Temperature == 0 {
		c.Temperature = 0.1
	}
	if c.Timeout <= 0 {
		c.Timeout = 60 * time.Second
	}
	if c.Retry.MaxAttempts == 0 {
		c.Retry = DefaultRetryPolicy()
	}
	return c
}

// Client wraps a chat-completion endpoint with retry-with-backoff and a
// shared requests-per-minute ceiling.
type Client struct {
	cli     openai.Client
	cfg     Config
	limiter *RateLimiter

	sleep func(context.Context, time.Duration) error
}

// New creates a client. The limiter may be shared across clients; a nil
// limiter disables rate limiting.
func New(cfg Config, limiter *RateLimiter) *Client {
	cfg = cfg.withDefaults()
	return &Client{
		cli: openai.NewClient(
			option.WithAPIKey(cfg.APIKey),
			option.WithBaseURL(cfg.BaseURL),
		),
		cfg:     cfg,
		limiter: limiter,
		sleep:   sleepContext,
	}
}

// Model returns the provider model identifier this client calls.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Call sends the transcript and returns the assistant text. Transient
// failures are retried with exponential backoff; after the retry budget is
// exhausted the last error is returned. An API response with no choices is
// returned as an empty string, not an error.
func (c *Client) Call(ctx context.Context, msgs []model.Message) (string, error) {
	tracer := otel.Tracer(tracerName)
	ctx, span := tracer.Start(ctx, "Client.Call",
		trace.WithAttributes(
			attribute.String("llm.model", c.cfg.Model),
			attribute.Int("llm.messages", len(msgs)),
		),
	)
	defer span.End()

	params := openai.ChatCompletionNewParams{
		Model:       openai.ChatModel(c.cfg.Model),
		Messages:    toOpenAI(msgs),
		Temperature: openai.Float(c.cfg.Temperature),
	}

	var lastErr error
	for attempt := 0; attempt < c.cfg.Retry.attempts(); attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "rate limit wait cancelled")
			return "", err
		}

		callCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
		resp, err := c.cli.Chat.Completions.New(callCtx, params)
		cancel()

		if err == nil {
			if len(resp.Choices) == 0 {
				span.SetStatus(codes.Ok, "empty choices")
				return "", nil
			}
			span.SetAttributes(attribute.Int("llm.attempts", attempt+1))
			span.SetStatus(codes.Ok, "completion received")
			return resp.Choices[0].Message.Content, nil
		}

		lastErr = err
		slog.WarnContext(ctx, "Model call attempt failed",
			"attempt", attempt+1,
			"max_attempts", c.cfg.Retry.attempts(),
			"error", truncate(err.Error(), 100))

		if attempt < c.cfg.Retry.attempts()-1 {
			if err := c.sleep(ctx, c.cfg.Retry.Delay(attempt)); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "backoff cancelled")
				return "", err
			}
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "all attempts failed")
	return "", fmt.Errorf("all %d attempts failed: %w", c.cfg.Retry.attempts(), lastErr)
}

func toOpenAI(msgs []model.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case model.RoleSystem:
			out = append(out, openai.SystemMessage(m.Content))
		case model.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return strings.ToValidUTF8(s[:n], "") + "..."
}
