// ABOUTME: Chat-completion client for llama.cpp-compatible endpoints
// ABOUTME: Supports history-backed completions and stateless one-shot queries

// Package llm talks to an OpenAI-style chat-completions endpoint, as served
// by llama.cpp. Complete runs a full conversational turn (history in,
// reply persisted); CompleteOnce is a stateless query used for ephemeral
// annotations.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Errors callers branch on.
var (
	// ErrNotConfigured means no completion endpoint URL was configured.
	ErrNotConfigured = errors.New("llm endpoint not configured")

	// ErrEmptyCompletion means the model returned no choices.
	ErrEmptyCompletion = errors.New("no response from model")
)

// UpstreamError is a non-2xx response from the completion endpoint.
type UpstreamError struct {
	Status int
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("llm endpoint returned status %d", e.Status)
}

// Message is one role-tagged entry in a chat-completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// temperature is fixed low: replies should be repeatable, not creative.
const temperature = 0.4

// stopSequences covers the chat-template delimiters common across local
// models, so generation cannot run past a turn boundary.
var stopSequences = []string{"<|im_end|>", "<|im_start|>", "</s>", "[INST]"}

// defaultTimeout bounds each outbound completion call.
const defaultTimeout = 120 * time.Second

type chatRequest struct {
	Messages    []Message `json:"messages"`
	Temperature float64   `json:"temperature"`
	Stop        []string  `json:"stop"`
}

type chatResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

// Assembler builds the message list for a conversational turn.
type Assembler interface {
	Assemble(ctx context.Context, conversationKey, userText string) ([]Message, error)
}

// HistoryStore is where assistant replies get recorded after a turn.
type HistoryStore interface {
	AppendMessage(ctx context.Context, conversationKey, role, content string) error
}

// Client sends chat-completion requests. A nil *Client is a valid
// "not configured" client: its methods return ErrNotConfigured.
type Client struct {
	baseURL   string
	assembler Assembler
	store     HistoryStore
	client    *http.Client
	logger    *slog.Logger
}

// New creates a Client for the endpoint at baseURL. Returns nil if baseURL
// is empty, which callers treat as "llm features disabled".
func New(baseURL string, assembler Assembler, store HistoryStore, logger *slog.Logger) *Client {
	if baseURL == "" {
		return nil
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		assembler: assembler,
		store:     store,
		client:    &http.Client{Timeout: defaultTimeout},
		logger:    logger.With("component", "llm"),
	}
}

// Configured reports whether the client can issue requests.
func (c *Client) Configured() bool {
	return c != nil
}

// Complete runs one conversational turn for the given conversation key.
// The user text is persisted before the request is made, and the reply is
// persisted after. A failed reply write is logged and dropped: the caller
// still gets the reply, and the next turn simply won't see it in history.
func (c *Client) Complete(ctx context.Context, conversationKey, userText string) (string, error) {
	if c == nil {
		return "", ErrNotConfigured
	}

	messages, err := c.assembler.Assemble(ctx, conversationKey, userText)
	if err != nil {
		return "", fmt.Errorf("assembling prompt: %w", err)
	}

	reply, err := c.chat(ctx, messages)
	if err != nil {
		return "", err
	}

	if err := c.store.AppendMessage(ctx, conversationKey, "assistant", reply); err != nil {
		c.logger.Error("failed to store assistant reply", "conversation", conversationKey, "error", err)
	}

	return reply, nil
}

// CompleteOnce runs a stateless query: one system prompt, one user message,
// nothing read from or written to history.
func (c *Client) CompleteOnce(ctx context.Context, systemPrompt, userText string) (string, error) {
	if c == nil {
		return "", ErrNotConfigured
	}

	messages := []Message{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userText},
	}
	return c.chat(ctx, messages)
}

// chat posts the messages to the completion endpoint and extracts the
// first choice.
func (c *Client) chat(ctx context.Context, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{
		Messages:    messages,
		Temperature: temperature,
		Stop:        stopSequences,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("reaching llm endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &UpstreamError{Status: resp.StatusCode}
	}

	var parsed chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", fmt.Errorf("parsing llm response: %w", err)
	}

	if len(parsed.Choices) == 0 {
		return "", ErrEmptyCompletion
	}
	return parsed.Choices[0].Message.Content, nil
}
