// ABOUTME: Matrix bridge core for the ember-matrix bot
// ABOUTME: Handles Matrix connection, login, and message routing to the command handler

package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/yuin/goldmark"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/ember-matrix/internal/commands"
	"github.com/2389/ember-matrix/internal/dedupe"
)

// maxReplyLen is the rune budget for a single outgoing message. Longer
// replies are cut and marked with an ellipsis.
const maxReplyLen = 1990

// dedupeTTL bounds how long delivered event IDs are remembered. Matrix can
// redeliver events after reconnects; anything older than this is safe to
// treat as new.
const dedupeTTL = 10 * time.Minute

// Bridge connects Matrix rooms to the command handler.
type Bridge struct {
	config  *Config
	matrix  *mautrix.Client
	handler *commands.Handler
	seen    *dedupe.Cache
	started time.Time
	logger  *slog.Logger

	// Track rooms we're actively processing to avoid duplicate handling
	processing sync.Map

	// Cache of per-room DM classification from the joined-member count
	directRooms sync.Map

	// ctx is the parent context for message processing goroutines
	ctx    context.Context
	cancel context.CancelFunc
}

// NewBridge creates a new Matrix bridge. The client has no credentials
// until Login is called.
func NewBridge(cfg *Config, handler *commands.Handler, logger *slog.Logger) (*Bridge, error) {
	client, err := mautrix.NewClient(cfg.Matrix.Homeserver, "", "")
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &Bridge{
		config:  cfg,
		matrix:  client,
		handler: handler,
		seen:    dedupe.New(dedupeTTL, 4096),
		started: time.Now(),
		logger:  logger,
	}, nil
}

// Login authenticates with the homeserver using password login and stores
// the resulting credentials on the client.
func (b *Bridge) Login(ctx context.Context) error {
	resp, err := b.matrix.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: b.config.Matrix.Username,
		},
		Password:                 b.config.Matrix.Password,
		InitialDeviceDisplayName: "ember-matrix",
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("password login: %w", err)
	}

	b.logger.Info("logged in to matrix",
		"user_id", resp.UserID.String(),
		"device_id", resp.DeviceID.String(),
	)
	return nil
}

// UserID returns the logged-in Matrix user ID.
func (b *Bridge) UserID() string {
	return b.matrix.UserID.String()
}

// Run starts the bridge and blocks until context is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	b.logger.Info("starting matrix bridge",
		"homeserver", b.config.Matrix.Homeserver,
		"user_id", b.matrix.UserID.String(),
	)

	// Store context for message processing goroutines
	b.ctx, b.cancel = context.WithCancel(ctx)
	defer b.cancel()

	syncer, ok := b.matrix.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", b.matrix.Syncer)
	}
	syncer.OnEventType(event.EventMessage, b.handleMessageEvent)

	b.logger.Info("connecting to matrix homeserver")

	syncErr := make(chan error, 1)
	go func() {
		syncErr <- b.matrix.SyncWithContext(b.ctx)
	}()

	b.logger.Info("matrix bridge running")

	select {
	case <-ctx.Done():
		b.logger.Info("shutting down matrix bridge")
		b.cancel()
		return nil
	case err := <-syncErr:
		return fmt.Errorf("matrix sync failed: %w", err)
	}
}

// handleMessageEvent processes incoming Matrix messages.
func (b *Bridge) handleMessageEvent(ctx context.Context, evt *event.Event) {
	// Ignore our own messages
	if evt.Sender == b.matrix.UserID {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}

	// Only handle text messages
	if content.MsgType != event.MsgText {
		return
	}

	// Events from before startup are room history replayed by the initial
	// sync, not new traffic
	if evt.Timestamp < b.started.Add(-time.Minute).UnixMilli() {
		return
	}

	// Sync can redeliver events after reconnects; handle each ID once
	if !b.seen.CheckAndMark(evt.ID.String()) {
		b.logger.Debug("ignoring duplicate event", "event_id", evt.ID.String())
		return
	}

	roomID := evt.RoomID.String()
	if !b.isRoomAllowed(roomID) {
		b.logger.Debug("ignoring message from non-allowed room", "room", roomID)
		return
	}

	// A bare mention strips down to an empty body on purpose: the handler
	// answers it with a nudge instead of prompting the model with our name
	mentioned, msgBody := b.detectMention(content)
	if !mentioned && b.isDirectRoom(ctx, evt.RoomID) {
		// Two-party rooms are direct chats; everything said there is for us
		mentioned = true
	}

	in := commands.Inbound{
		RoomID:    roomID,
		Sender:    evt.Sender.String(),
		Body:      msgBody,
		Mentioned: mentioned,
	}

	b.logger.Info("received message",
		"room", roomID,
		"sender", evt.Sender.String(),
		"mentioned", mentioned,
		"content", truncate(msgBody, 50),
	)

	// Process in a goroutine to not block sync.
	// Use bridge context for graceful shutdown support.
	go b.processMessage(b.ctx, evt.RoomID, in)
}

// detectMention reports whether the message addresses the bot, and returns
// the body with the mention text stripped. Both intentional mentions
// (m.mentions) and plain-text name drops count.
func (b *Bridge) detectMention(content *event.MessageEventContent) (bool, string) {
	userID := b.matrix.UserID
	body := content.Body

	mentioned := false
	if content.Mentions != nil {
		for _, uid := range content.Mentions.UserIDs {
			if uid == userID {
				mentioned = true
				break
			}
		}
	}

	localpart := userID.Localpart()
	if !mentioned && localpart != "" && indexFoldWord(body, localpart) >= 0 {
		mentioned = true
	}

	if !mentioned {
		return false, strings.TrimSpace(body)
	}

	// Strip the address forms people actually type so the model never sees
	// its own name as part of the prompt
	stripped := body
	for _, form := range []string{userID.String() + ":", userID.String(), "@" + localpart + ":", "@" + localpart, localpart + ":", localpart} {
		stripped = removeFoldWord(stripped, form)
	}
	return true, strings.TrimSpace(stripped)
}

// isDirectRoom reports whether roomID is a two-party room (the bot plus one
// other member). Direct chats get conversational treatment without a
// mention. The classification is cached per room; lookup failures are not
// cached so a transient error doesn't pin a room as non-direct.
func (b *Bridge) isDirectRoom(ctx context.Context, roomID id.RoomID) bool {
	if v, ok := b.directRooms.Load(roomID.String()); ok {
		return v.(bool)
	}

	resp, err := b.matrix.JoinedMembers(ctx, roomID)
	if err != nil {
		b.logger.Debug("could not fetch joined members", "room", roomID.String(), "error", err)
		return false
	}

	_, hasSelf := resp.Joined[b.matrix.UserID]
	direct := hasSelf && len(resp.Joined) == 2
	b.directRooms.Store(roomID.String(), direct)
	return direct
}

func isWordChar(c byte) bool {
	return c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '_'
}

// indexFoldWord finds the first case-insensitive occurrence of needle in s
// that sits on word boundaries, so "ember" matches in "hey ember" but not
// in "remember". Returns -1 when there is none.
func indexFoldWord(s, needle string) int {
	if needle == "" || len(needle) > len(s) {
		return -1
	}
	lower := strings.ToLower(s)
	needle = strings.ToLower(needle)
	for from := 0; from+len(needle) <= len(lower); {
		j := strings.Index(lower[from:], needle)
		if j < 0 {
			return -1
		}
		j += from
		end := j + len(needle)
		beforeOK := j == 0 || !isWordChar(lower[j-1]) || !isWordChar(needle[0])
		afterOK := end == len(lower) || !isWordChar(lower[end]) || !isWordChar(needle[len(needle)-1])
		if beforeOK && afterOK {
			return j
		}
		from = j + 1
	}
	return -1
}

// removeFoldWord removes every boundary-respecting, case-insensitive
// occurrence of needle from s.
func removeFoldWord(s, needle string) string {
	var out strings.Builder
	for {
		j := indexFoldWord(s, needle)
		if j < 0 {
			out.WriteString(s)
			return out.String()
		}
		out.WriteString(s[:j])
		s = s[j+len(needle):]
	}
}

// processMessage runs the command handler and sends any reply back.
func (b *Bridge) processMessage(ctx context.Context, roomID id.RoomID, in commands.Inbound) {
	roomStr := roomID.String()

	// One message at a time per room
	if _, loaded := b.processing.LoadOrStore(roomStr, true); loaded {
		b.logger.Debug("already processing message in room, dropping", "room", roomStr)
		return
	}
	defer b.processing.Delete(roomStr)

	if b.config.Bridge.TypingIndicator {
		b.setTyping(roomID, true)
		defer b.setTyping(roomID, false)
	}

	reply, ok := b.handler.Handle(ctx, in)
	if !ok {
		return
	}

	if len([]rune(reply)) > maxReplyLen {
		reply = string([]rune(reply)[:maxReplyLen]) + "..."
	}

	b.logger.Info("sending response",
		"room", roomStr,
		"length", len(reply),
	)

	b.sendMessage(roomID, reply)
}

// isRoomAllowed checks if the room is in the allowed list.
func (b *Bridge) isRoomAllowed(roomID string) bool {
	if len(b.config.Bridge.AllowedRooms) == 0 {
		return true // Allow all if no filter
	}

	for _, allowed := range b.config.Bridge.AllowedRooms {
		if allowed == roomID {
			return true
		}
	}
	return false
}

// typingTimeout is the duration the typing indicator shows (30 seconds).
const typingTimeout = 30 * time.Second

// networkTimeout is the timeout for Matrix API calls.
const networkTimeout = 10 * time.Second

// setTyping sends typing indicator to room.
func (b *Bridge) setTyping(roomID id.RoomID, typing bool) {
	var timeout time.Duration
	if typing {
		timeout = typingTimeout
	}
	// Use a timeout context to avoid hanging during shutdown or network issues
	ctx, cancel := context.WithTimeout(context.Background(), networkTimeout)
	defer cancel()
	_, err := b.matrix.UserTyping(ctx, roomID, typing, timeout)
	if err != nil {
		b.logger.Debug("failed to set typing indicator", "room", roomID.String(), "error", err)
	}
}

// sendMessage sends a text message to a room, with the markdown-rendered
// HTML body attached for clients that display formatting.
func (b *Bridge) sendMessage(roomID id.RoomID, text string) {
	// Use a longer timeout for sending messages (they can be large)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	content := event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if html := renderMarkdown(text); html != "" && html != text {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}

	_, err := b.matrix.SendMessageEvent(ctx, roomID, event.EventMessage, &content)
	if err != nil {
		b.logger.Error("failed to send message", "room", roomID.String(), "error", err)
	}
}

// renderMarkdown converts reply markdown to HTML. Returns "" on failure so
// callers fall back to the plain body.
func renderMarkdown(text string) string {
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(text), &buf); err != nil {
		return ""
	}
	return strings.TrimSpace(buf.String())
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
