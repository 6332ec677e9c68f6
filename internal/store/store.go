// ABOUTME: Data types and role constants for ember-matrix persistence
// ABOUTME: Defines Message and well-known config keys

package store

import "time"

// Message roles as they appear in chat-completion requests.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Well-known config keys.
const (
	KeySystemPrompt = "system_prompt"
	KeyResponseCap  = "response_cap"
)

// DefaultSystemPrompt is seeded into config on first open so the bot has a
// personality before anyone runs !systemprompt.
const DefaultSystemPrompt = "You are a helpful Matrix bot. Be concise and friendly in your responses."

// Message is one stored conversation turn. Messages are immutable once
// written and ordered by (Timestamp, ID); the autoincrement ID breaks ties
// when two turns land within the same second.
type Message struct {
	ID              int64
	ConversationKey string
	Role            string
	Content         string
	Timestamp       time.Time
}
