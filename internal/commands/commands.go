// ABOUTME: Command routing and handling for ember-matrix
// ABOUTME: Parses ! commands and conversational mentions into store/llm/armory actions

// Package commands turns inbound room messages into bot actions. Messages
// starting with "!" are commands; anything else only gets a response when
// the bot was addressed directly, in which case it becomes a conversational
// turn against the llm client.
package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/2389/ember-matrix/internal/armory"
	"github.com/2389/ember-matrix/internal/conversation"
	"github.com/2389/ember-matrix/internal/store"
)

// Store is the slice of persistence the command layer needs.
type Store interface {
	GetConfig(ctx context.Context, key string) (string, bool, error)
	SetConfig(ctx context.Context, key, value string) error
	ClearMessages(ctx context.Context, conversationKey string) (int64, error)
	AddCharacter(ctx context.Context, name, addedBy string) (bool, error)
	RemoveCharacter(ctx context.Context, name string) (bool, error)
	ListCharacters(ctx context.Context) ([]string, error)
}

// Completer is the conversational llm surface.
type Completer interface {
	Complete(ctx context.Context, conversationKey, userText string) (string, error)
}

// CharacterFetcher verifies characters before they join the roster.
type CharacterFetcher interface {
	Configured() bool
	Character(ctx context.Context, name string) (*armory.CharacterProfile, error)
}

// Reporter runs the level-check fan-out.
type Reporter interface {
	LevelCheck(ctx context.Context, names []string, annotate bool) string
}

// Inbound is one message the bridge decided the bot should look at.
type Inbound struct {
	RoomID    string
	Sender    string
	Body      string
	Mentioned bool // bot was mentioned by name, or this is a direct chat
}

// Handler routes inbound messages.
type Handler struct {
	store    Store
	resolver *conversation.Resolver
	llm      Completer
	armory   CharacterFetcher
	reporter Reporter
	realm    string
	logger   *slog.Logger
}

// New creates a Handler. llm and armory may be "not configured" (nil
// concrete clients behind the interfaces); the affected commands degrade to
// explanatory replies.
func New(s Store, resolver *conversation.Resolver, llm Completer, armoryClient CharacterFetcher, reporter Reporter, realm string, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:    s,
		resolver: resolver,
		llm:      llm,
		armory:   armoryClient,
		reporter: reporter,
		realm:    realm,
		logger:   logger.With("component", "commands"),
	}
}

// Handle processes one inbound message. The returned bool reports whether
// the bot has anything to say; an empty reply with true is never returned.
func (h *Handler) Handle(ctx context.Context, in Inbound) (string, bool) {
	body := strings.TrimSpace(in.Body)

	if strings.HasPrefix(body, "!") {
		return h.handleCommand(ctx, in, body)
	}

	if !in.Mentioned {
		return "", false
	}
	return h.handleChat(ctx, in, body), true
}

// handleCommand dispatches on the first word of a ! message.
func (h *Handler) handleCommand(ctx context.Context, in Inbound, body string) (string, bool) {
	cmd, arg, _ := strings.Cut(body, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "!help":
		return h.helpText(ctx), true
	case "!ping":
		return "Pong! 🏓", true
	case "!hello":
		return "IT'S CHRISTINITH! ARE YOU STUPID OR ARE YOU DEAF?!", true
	case "!systemprompt":
		return h.handleSystemPrompt(ctx, in, arg), true
	case "!cap":
		return h.handleCap(ctx, in, arg), true
	case "!clear":
		return h.handleClear(ctx, in), true
	case "!contextchannel":
		return h.handleContextMode(ctx, in, conversation.ModeChannel), true
	case "!contextuser":
		return h.handleContextMode(ctx, in, conversation.ModeUser), true
	case "!addcharacter":
		return h.handleAddCharacter(ctx, in, arg), true
	case "!removecharacter":
		return h.handleRemoveCharacter(ctx, arg), true
	case "!levelcheck":
		return h.handleLevelCheck(ctx, true), true
	case "!levelcheckraw":
		return h.handleLevelCheck(ctx, false), true
	}

	// Unknown ! text is left alone; it may be for another bot in the room
	return "", false
}

// handleChat runs one conversational turn.
func (h *Handler) handleChat(ctx context.Context, in Inbound, body string) string {
	if body == "" {
		return "You mentioned me but didn't say anything!"
	}

	key := h.resolver.Key(ctx, in.RoomID, in.Sender)
	h.logger.Info("chat turn", "room", in.RoomID, "sender", in.Sender, "conversation", key)

	reply, err := h.llm.Complete(ctx, key, body)
	if err != nil {
		h.logger.Error("llm completion failed", "conversation", key, "error", err)
		return fmt.Sprintf("Sorry, I couldn't get a response: %v", err)
	}
	return reply
}

func (h *Handler) helpText(ctx context.Context) string {
	return fmt.Sprintf("**Commands:**\n"+
		"`!help` — Show this message\n"+
		"`!ping` — Pong!\n"+
		"`!hello` — Greet the bot\n"+
		"`!systemprompt [text]` — View or set the system prompt\n"+
		"`!cap <1-500>` — Set response word cap (currently **%d**)\n"+
		"`!clear` — Clear conversation history\n"+
		"`!contextchannel` — Shared history per room\n"+
		"`!contextuser` — Separate history per user\n"+
		"`!addcharacter <name>` — Track a WoW character\n"+
		"`!removecharacter <name>` — Stop tracking a character\n"+
		"`!levelcheck` — Check levels of tracked characters (with insults)\n"+
		"`!levelcheckraw` — Check levels without insults\n"+
		"\n"+
		"Mention me to chat!", h.responseCap(ctx))
}

func (h *Handler) handleSystemPrompt(ctx context.Context, in Inbound, arg string) string {
	if arg == "" {
		current, _, err := h.store.GetConfig(ctx, store.KeySystemPrompt)
		if err != nil {
			h.logger.Error("reading system prompt", "error", err)
			return "Failed to read system prompt."
		}
		return fmt.Sprintf("**Current system prompt:**\n%s", current)
	}

	if err := h.store.SetConfig(ctx, store.KeySystemPrompt, arg); err != nil {
		h.logger.Error("updating system prompt", "error", err)
		return "Failed to update system prompt."
	}
	h.logger.Info("system prompt updated", "sender", in.Sender)
	return "System prompt updated!"
}

func (h *Handler) handleCap(ctx context.Context, in Inbound, arg string) string {
	if arg == "" {
		return fmt.Sprintf("Response word cap is currently **%d**. Usage: `!cap <1-500>`", h.responseCap(ctx))
	}

	n, err := strconv.Atoi(arg)
	if err != nil || n < 1 || n > 500 {
		return "Cap must be a number between 1 and 500."
	}

	if err := h.store.SetConfig(ctx, store.KeyResponseCap, strconv.Itoa(n)); err != nil {
		h.logger.Error("saving response cap", "error", err)
		return "Failed to save cap."
	}
	h.logger.Info("response cap updated", "sender", in.Sender, "cap", n)
	return fmt.Sprintf("Response word cap set to **%d**.", n)
}

func (h *Handler) handleClear(ctx context.Context, in Inbound) string {
	key := h.resolver.Key(ctx, in.RoomID, in.Sender)
	n, err := h.store.ClearMessages(ctx, key)
	if err != nil {
		h.logger.Error("clearing messages", "conversation", key, "error", err)
		return "Failed to clear conversation history."
	}
	return fmt.Sprintf("Cleared %d messages.", n)
}

func (h *Handler) handleContextMode(ctx context.Context, in Inbound, mode conversation.Mode) string {
	if err := h.resolver.SetMode(ctx, in.RoomID, mode); err != nil {
		h.logger.Error("setting context mode", "room", in.RoomID, "error", err)
		return "Failed to set context mode."
	}
	if mode == conversation.ModeUser {
		return "Context mode set to **user** — everyone gets their own history here."
	}
	return "Context mode set to **channel** — everyone shares history here."
}

func (h *Handler) handleAddCharacter(ctx context.Context, in Inbound, name string) string {
	if name == "" {
		return "Usage: `!addcharacter <name>`"
	}
	if !h.armory.Configured() {
		return "Battle.net API not configured."
	}

	profile, err := h.armory.Character(ctx, name)
	if err != nil {
		return h.describeArmoryError(err, name)
	}

	wasNew, err := h.store.AddCharacter(ctx, profile.Name, in.Sender)
	if err != nil {
		h.logger.Error("adding character", "name", profile.Name, "error", err)
		return "Failed to save character."
	}

	if wasNew {
		return fmt.Sprintf("Now tracking **%s** — Level %d %s",
			profile.Name, profile.Level, profile.Description())
	}
	return fmt.Sprintf("**%s** is already tracked — Level %d %s",
		profile.Name, profile.Level, profile.Description())
}

func (h *Handler) handleRemoveCharacter(ctx context.Context, name string) string {
	if name == "" {
		return "Usage: `!removecharacter <name>`"
	}

	wasPresent, err := h.store.RemoveCharacter(ctx, name)
	if err != nil {
		h.logger.Error("removing character", "name", name, "error", err)
		return "Failed to remove character."
	}
	if wasPresent {
		return fmt.Sprintf("Removed **%s** from tracking.", name)
	}
	return fmt.Sprintf("**%s** is not being tracked.", name)
}

func (h *Handler) handleLevelCheck(ctx context.Context, annotate bool) string {
	if !h.armory.Configured() {
		return "Battle.net API not configured."
	}

	names, err := h.store.ListCharacters(ctx)
	if err != nil {
		h.logger.Error("listing roster", "error", err)
		return "Failed to read the character roster."
	}

	return h.reporter.LevelCheck(ctx, names, annotate)
}

// describeArmoryError maps armory errors to user-facing text.
func (h *Handler) describeArmoryError(err error, name string) string {
	var notFound *armory.CharacterNotFoundError
	if errors.As(err, &notFound) {
		return fmt.Sprintf("Character **%s** not found on %s.", name, h.realm)
	}
	if errors.Is(err, armory.ErrNotConfigured) {
		return "Battle.net API not configured."
	}
	h.logger.Error("character lookup failed", "name", name, "error", err)
	return fmt.Sprintf("Couldn't look up **%s**: %v", name, err)
}

// responseCap reads the configured cap for display, falling back to the
// default the assembler uses.
func (h *Handler) responseCap(ctx context.Context) int {
	value, ok, err := h.store.GetConfig(ctx, store.KeyResponseCap)
	if err != nil || !ok {
		return 10
	}
	n, err := strconv.Atoi(value)
	if err != nil || n < 1 {
		return 10
	}
	return n
}
