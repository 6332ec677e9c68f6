// ABOUTME: Prompt assembly for conversational turns
// ABOUTME: Combines system prompt, history window, and the reply-length directive

// Package prompt turns a stored conversation into the ordered message list
// a chat-completion request wants: optional system prompt first, then the
// most recent history oldest-first.
package prompt

import (
	"context"
	"fmt"
	"strconv"

	"github.com/2389/ember-matrix/internal/llm"
	"github.com/2389/ember-matrix/internal/store"
)

// HistoryLimit is how many stored turns are carried into each request.
const HistoryLimit = 10

// DefaultResponseCap is the word cap applied when none is configured.
const DefaultResponseCap = 10

// Store is the slice of persistence the assembler needs.
type Store interface {
	GetConfig(ctx context.Context, key string) (string, bool, error)
	AppendMessage(ctx context.Context, conversationKey, role, content string) error
	RecentMessages(ctx context.Context, conversationKey string, limit int) ([]store.Message, error)
}

// Assembler builds chat-completion message lists from stored history.
type Assembler struct {
	store Store
}

// New creates an Assembler backed by the given store.
func New(s Store) *Assembler {
	return &Assembler{store: s}
}

// Assemble records userText as a user turn, then returns the message list
// for the completion request: [system?] + last HistoryLimit turns oldest
// first. The user turn is stored before anything else so it survives even
// if the rest of the turn fails.
//
// If the final message is a user turn, a reply-length directive is appended
// to its content in memory only; stored history stays clean.
func (a *Assembler) Assemble(ctx context.Context, conversationKey, userText string) ([]llm.Message, error) {
	if err := a.store.AppendMessage(ctx, conversationKey, store.RoleUser, userText); err != nil {
		return nil, fmt.Errorf("storing user message: %w", err)
	}

	systemPrompt, _, err := a.store.GetConfig(ctx, store.KeySystemPrompt)
	if err != nil {
		return nil, fmt.Errorf("reading system prompt: %w", err)
	}

	history, err := a.store.RecentMessages(ctx, conversationKey, HistoryLimit)
	if err != nil {
		return nil, fmt.Errorf("reading history: %w", err)
	}

	messages := make([]llm.Message, 0, len(history)+1)

	// An empty system prompt is omitted entirely, not sent as an empty entry
	if systemPrompt != "" {
		messages = append(messages, llm.Message{Role: store.RoleSystem, Content: systemPrompt})
	}

	for _, m := range history {
		messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
	}

	if n := len(messages); n > 0 && messages[n-1].Role == store.RoleUser {
		wordCap := a.responseCap(ctx)
		messages[n-1].Content += fmt.Sprintf("\n(Reply in %d words or less. Stay in character.)", wordCap)
	}

	return messages, nil
}

// responseCap reads the configured word cap, falling back to the default
// when missing or unparseable.
func (a *Assembler) responseCap(ctx context.Context) int {
	value, ok, err := a.store.GetConfig(ctx, store.KeyResponseCap)
	if err != nil || !ok {
		return DefaultResponseCap
	}
	wordCap, err := strconv.Atoi(value)
	if err != nil || wordCap < 1 {
		return DefaultResponseCap
	}
	return wordCap
}
