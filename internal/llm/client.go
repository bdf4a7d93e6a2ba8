// Package llm provides the completion client for the role agents, backed
// by an OpenAI-compatible chat completions endpoint.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
)

// ErrUpstream marks provider failures that survived the retry budget.
var ErrUpstream = errors.New("llm upstream error")

// Turn is one prior exchange in a role conversation.
type Turn struct {
	Role    string // "user" or "assistant"
	Content string
}

// Request carries a single completion call for one role context.
type Request struct {
	System      string
	Turns       []Turn
	Model       string
	Temperature float32
}

// Client is the completion interface consumed by the conversation engine.
type Client interface {
	Complete(ctx context.Context, req Request) (string, error)
}

// ChatClient captures the subset of the go-openai client used by the adapter.
type ChatClient interface {
	CreateChatCompletion(ctx context.Context, request openai.ChatCompletionRequest) (
		openai.ChatCompletionResponse, error)
}

// Options configures the OpenAI-compatible adapter.
type Options struct {
	Client         ChatClient
	RequestTimeout time.Duration
	MaxRetries     int
}

// OpenAIClient implements Client via the chat completions API with bounded
// exponential-backoff retry per call.
type OpenAIClient struct {
	chat       ChatClient
	timeout    time.Duration
	maxRetries int
}

// New builds a client from the provided options.
func New(opts Options) (*OpenAIClient, error) {
	if opts.Client == nil {
		return nil, errors.New("chat client is required")
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 2 * time.Minute
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	return &OpenAIClient{
		chat:       opts.Client,
		timeout:    opts.RequestTimeout,
		maxRetries: opts.MaxRetries,
	}, nil
}

// NewFromConfig constructs a client for the given endpoint. An empty baseURL
// uses the OpenAI default; Groq and other compatible providers pass theirs.
func NewFromConfig(apiKey, baseURL string, timeout time.Duration, maxRetries int) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("api key is required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return New(Options{
		Client:         openai.NewClientWithConfig(cfg),
		RequestTimeout: timeout,
		MaxRetries:     maxRetries,
	})
}

// Complete renders a chat completion, retrying transient provider failures
// with exponential backoff. Context cancellation aborts immediately.
func (c *OpenAIClient) Complete(ctx context.Context, req Request) (string, error) {
	if req.Model == "" {
		return "", errors.New("model is required")
	}

	messages := make([]openai.ChatCompletionMessage, 0, len(req.Turns)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, turn := range req.Turns {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    turn.Role,
			Content: turn.Content,
		})
	}

	request := openai.ChatCompletionRequest{
		Model:       req.Model,
		Messages:    messages,
		Temperature: req.Temperature,
	}

	var text string
	operation := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		resp, err := c.chat.CreateChatCompletion(callCtx, request)
		if err != nil {
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("empty completion response")
		}
		text = resp.Choices[0].Message.Content
		return nil
	}

	policy := backoff.WithMaxRetries(
		backoff.WithContext(backoff.NewExponentialBackOff(), ctx),
		uint64(c.maxRetries),
	)
	if err := backoff.Retry(operation, policy); err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return text, nil
}
