package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

type fakeChatClient struct {
	responses []string
	failures  int // fail this many calls before succeeding
	calls     int
	captured  openai.ChatCompletionRequest
}

func (f *fakeChatClient) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (
	openai.ChatCompletionResponse, error) {
	f.calls++
	f.captured = req
	if f.calls <= f.failures {
		return openai.ChatCompletionResponse{}, errors.New("rate limited")
	}
	idx := f.calls - f.failures - 1
	if idx >= len(f.responses) {
		idx = len(f.responses) - 1
	}
	return openai.ChatCompletionResponse{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: f.responses[idx]}},
		},
	}, nil
}

func newTestClient(t *testing.T, chat ChatClient, retries int) *OpenAIClient {
	t.Helper()
	c, err := New(Options{Client: chat, RequestTimeout: time.Second, MaxRetries: retries})
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestComplete_BuildsMessages(t *testing.T) {
	fake := &fakeChatClient{responses: []string{"hello"}}
	c := newTestClient(t, fake, 0)

	text, err := c.Complete(context.Background(), Request{
		System:      "You are an engineer",
		Turns:       []Turn{{Role: "user", Content: "do the task"}},
		Model:       "llama-3.1-8b-instant",
		Temperature: 0.2,
	})
	if err != nil {
		t.Fatal(err)
	}
	if text != "hello" {
		t.Errorf("text = %q, want hello", text)
	}

	msgs := fake.captured.Messages
	if len(msgs) != 2 {
		t.Fatalf("messages = %d, want 2", len(msgs))
	}
	if msgs[0].Role != openai.ChatMessageRoleSystem || msgs[0].Content != "You are an engineer" {
		t.Errorf("system message = %+v", msgs[0])
	}
	if fake.captured.Model != "llama-3.1-8b-instant" {
		t.Errorf("model = %q", fake.captured.Model)
	}
	if fake.captured.Temperature != 0.2 {
		t.Errorf("temperature = %v", fake.captured.Temperature)
	}
}

func TestComplete_RetriesTransientFailures(t *testing.T) {
	fake := &fakeChatClient{responses: []string{"recovered"}, failures: 2}
	c := newTestClient(t, fake, 3)

	text, err := c.Complete(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatal(err)
	}
	if text != "recovered" {
		t.Errorf("text = %q, want recovered", text)
	}
	if fake.calls != 3 {
		t.Errorf("calls = %d, want 3", fake.calls)
	}
}

func TestComplete_ExhaustsRetryBudget(t *testing.T) {
	fake := &fakeChatClient{responses: []string{"never"}, failures: 100}
	c := newTestClient(t, fake, 2)

	_, err := c.Complete(context.Background(), Request{Model: "m"})
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if fake.calls != 3 { // initial attempt + 2 retries
		t.Errorf("calls = %d, want 3", fake.calls)
	}
}

func TestComplete_CancelledContext(t *testing.T) {
	fake := &fakeChatClient{responses: []string{"x"}, failures: 100}
	c := newTestClient(t, fake, 10)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Complete(ctx, Request{Model: "m"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestComplete_RequiresModel(t *testing.T) {
	c := newTestClient(t, &fakeChatClient{responses: []string{"x"}}, 0)
	if _, err := c.Complete(context.Background(), Request{}); err == nil {
		t.Fatal("expected error for missing model")
	}
}
