// ABOUTME: Tests for command routing and handlers
// ABOUTME: Covers dispatch, validation, feature-disabled fallbacks, and chat turns

package commands

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ember-matrix/internal/armory"
	"github.com/2389/ember-matrix/internal/conversation"
	"github.com/2389/ember-matrix/internal/store"
)

// mockStore is an in-memory Store for command tests.
type mockStore struct {
	config  map[string]string
	cleared map[string]int64
	roster  map[string]string // lowercased name -> stored name
	err     error
}

func newMockStore() *mockStore {
	return &mockStore{
		config:  map[string]string{},
		cleared: map[string]int64{},
		roster:  map[string]string{},
	}
}

func (m *mockStore) GetConfig(ctx context.Context, key string) (string, bool, error) {
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.config[key]
	return v, ok, nil
}

func (m *mockStore) SetConfig(ctx context.Context, key, value string) error {
	if m.err != nil {
		return m.err
	}
	m.config[key] = value
	return nil
}

func (m *mockStore) ClearMessages(ctx context.Context, conversationKey string) (int64, error) {
	if m.err != nil {
		return 0, m.err
	}
	n := m.cleared[conversationKey]
	m.cleared[conversationKey] = 0
	return n, nil
}

func (m *mockStore) AddCharacter(ctx context.Context, name, addedBy string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	key := lower(name)
	if _, ok := m.roster[key]; ok {
		return false, nil
	}
	m.roster[key] = name
	return true, nil
}

func (m *mockStore) RemoveCharacter(ctx context.Context, name string) (bool, error) {
	if m.err != nil {
		return false, m.err
	}
	key := lower(name)
	_, ok := m.roster[key]
	delete(m.roster, key)
	return ok, nil
}

func (m *mockStore) ListCharacters(ctx context.Context) ([]string, error) {
	if m.err != nil {
		return nil, m.err
	}
	var names []string
	for _, name := range m.roster {
		names = append(names, name)
	}
	return names, nil
}

func lower(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'A' && r <= 'Z' {
			out[i] = r + ('a' - 'A')
		}
	}
	return string(out)
}

// mockCompleter is a canned llm surface.
type mockCompleter struct {
	reply    string
	err      error
	lastKey  string
	lastText string
}

func (m *mockCompleter) Complete(ctx context.Context, conversationKey, userText string) (string, error) {
	m.lastKey = conversationKey
	m.lastText = userText
	return m.reply, m.err
}

// mockFetcher is a canned armory surface.
type mockFetcher struct {
	configured bool
	profile    *armory.CharacterProfile
	err        error
}

func (m *mockFetcher) Configured() bool { return m.configured }

func (m *mockFetcher) Character(ctx context.Context, name string) (*armory.CharacterProfile, error) {
	return m.profile, m.err
}

// mockReporter records its invocation.
type mockReporter struct {
	lastNames    []string
	lastAnnotate bool
	result       string
	called       bool
}

func (m *mockReporter) LevelCheck(ctx context.Context, names []string, annotate bool) string {
	m.called = true
	m.lastNames = names
	m.lastAnnotate = annotate
	return m.result
}

type fixture struct {
	handler  *Handler
	store    *mockStore
	llm      *mockCompleter
	armory   *mockFetcher
	reporter *mockReporter
}

func newFixture() *fixture {
	s := newMockStore()
	llm := &mockCompleter{reply: "zug zug"}
	fetcher := &mockFetcher{configured: true}
	reporter := &mockReporter{result: "report body"}
	h := New(s, conversation.NewResolver(s), llm, fetcher, reporter, "Nightslayer", nil)
	return &fixture{handler: h, store: s, llm: llm, armory: fetcher, reporter: reporter}
}

func inbound(body string) Inbound {
	return Inbound{
		RoomID:    "!room:example.org",
		Sender:    "@alice:example.org",
		Body:      body,
		Mentioned: false,
	}
}

func mention(body string) Inbound {
	in := inbound(body)
	in.Mentioned = true
	return in
}

func TestPing(t *testing.T) {
	f := newFixture()
	reply, handled := f.handler.Handle(context.Background(), inbound("!ping"))
	assert.True(t, handled)
	assert.Equal(t, "Pong! 🏓", reply)
}

func TestHello(t *testing.T) {
	f := newFixture()
	reply, handled := f.handler.Handle(context.Background(), inbound("!hello"))
	assert.True(t, handled)
	assert.Contains(t, reply, "CHRISTINITH")
}

func TestHelp_ShowsCurrentCap(t *testing.T) {
	f := newFixture()
	f.store.config[store.KeyResponseCap] = "42"

	reply, handled := f.handler.Handle(context.Background(), inbound("!help"))
	assert.True(t, handled)
	assert.Contains(t, reply, "currently **42**")
	assert.Contains(t, reply, "!levelcheck")
}

func TestSystemPrompt_ShowAndSet(t *testing.T) {
	f := newFixture()
	f.store.config[store.KeySystemPrompt] = "old prompt"

	reply, _ := f.handler.Handle(context.Background(), inbound("!systemprompt"))
	assert.Contains(t, reply, "old prompt")

	reply, _ = f.handler.Handle(context.Background(), inbound("!systemprompt be a pirate"))
	assert.Equal(t, "System prompt updated!", reply)
	assert.Equal(t, "be a pirate", f.store.config[store.KeySystemPrompt])
}

func TestCap_ShowDefault(t *testing.T) {
	f := newFixture()
	reply, _ := f.handler.Handle(context.Background(), inbound("!cap"))
	assert.Contains(t, reply, "currently **10**")
}

func TestCap_SetValid(t *testing.T) {
	f := newFixture()
	reply, _ := f.handler.Handle(context.Background(), inbound("!cap 500"))
	assert.Equal(t, "Response word cap set to **500**.", reply)
	assert.Equal(t, "500", f.store.config[store.KeyResponseCap])
}

func TestCap_RejectsOutOfRange(t *testing.T) {
	f := newFixture()
	for _, arg := range []string{"0", "501", "-3", "ten"} {
		reply, _ := f.handler.Handle(context.Background(), inbound("!cap "+arg))
		assert.Equal(t, "Cap must be a number between 1 and 500.", reply, "arg %q", arg)
	}
	_, ok := f.store.config[store.KeyResponseCap]
	assert.False(t, ok, "rejected caps must not be stored")
}

func TestClear_UsesResolvedKey(t *testing.T) {
	f := newFixture()
	f.store.cleared["!room:example.org"] = 7

	reply, _ := f.handler.Handle(context.Background(), inbound("!clear"))
	assert.Equal(t, "Cleared 7 messages.", reply)
}

func TestClear_PerUserMode(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	_, _ = f.handler.Handle(ctx, inbound("!contextuser"))
	f.store.cleared["!room:example.org:@alice:example.org"] = 3
	f.store.cleared["!room:example.org"] = 99

	reply, _ := f.handler.Handle(ctx, inbound("!clear"))
	assert.Equal(t, "Cleared 3 messages.", reply)
}

func TestContextModeReplies(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	reply, _ := f.handler.Handle(ctx, inbound("!contextuser"))
	assert.Contains(t, reply, "**user**")

	reply, _ = f.handler.Handle(ctx, inbound("!contextchannel"))
	assert.Contains(t, reply, "**channel**")
}

func TestAddCharacter(t *testing.T) {
	f := newFixture()
	p := &armory.CharacterProfile{Name: "Mankrik", Level: 58}
	p.Race.Name = "Tauren"
	p.Class.Name = "Warrior"
	f.armory.profile = p

	reply, _ := f.handler.Handle(context.Background(), inbound("!addcharacter mankrik"))
	assert.Equal(t, "Now tracking **Mankrik** — Level 58 Tauren Warrior", reply)

	// The canonical name from the profile is stored, and a second add
	// reports already-tracked
	reply, _ = f.handler.Handle(context.Background(), inbound("!addcharacter MANKRIK"))
	assert.Equal(t, "**Mankrik** is already tracked — Level 58 Tauren Warrior", reply)
}

func TestAddCharacter_EmptyName(t *testing.T) {
	f := newFixture()
	reply, _ := f.handler.Handle(context.Background(), inbound("!addcharacter"))
	assert.Equal(t, "Usage: `!addcharacter <name>`", reply)
}

func TestAddCharacter_NotConfigured(t *testing.T) {
	f := newFixture()
	f.armory.configured = false
	reply, _ := f.handler.Handle(context.Background(), inbound("!addcharacter mankrik"))
	assert.Equal(t, "Battle.net API not configured.", reply)
}

func TestAddCharacter_NotFound(t *testing.T) {
	f := newFixture()
	f.armory.err = &armory.CharacterNotFoundError{Name: "nobody"}
	reply, _ := f.handler.Handle(context.Background(), inbound("!addcharacter nobody"))
	assert.Equal(t, "Character **nobody** not found on Nightslayer.", reply)
}

func TestRemoveCharacter(t *testing.T) {
	f := newFixture()
	f.store.roster["mankrik"] = "Mankrik"

	reply, _ := f.handler.Handle(context.Background(), inbound("!removecharacter Mankrik"))
	assert.Equal(t, "Removed **Mankrik** from tracking.", reply)

	reply, _ = f.handler.Handle(context.Background(), inbound("!removecharacter Mankrik"))
	assert.Equal(t, "**Mankrik** is not being tracked.", reply)
}

func TestLevelCheck_DelegatesToReporter(t *testing.T) {
	f := newFixture()
	f.store.roster["mankrik"] = "Mankrik"

	reply, _ := f.handler.Handle(context.Background(), inbound("!levelcheck"))
	assert.Equal(t, "report body", reply)
	require.True(t, f.reporter.called)
	assert.Equal(t, []string{"Mankrik"}, f.reporter.lastNames)
	assert.True(t, f.reporter.lastAnnotate)
}

func TestLevelCheckRaw_SkipsAnnotations(t *testing.T) {
	f := newFixture()
	_, _ = f.handler.Handle(context.Background(), inbound("!levelcheckraw"))
	require.True(t, f.reporter.called)
	assert.False(t, f.reporter.lastAnnotate)
}

func TestLevelCheck_NotConfigured(t *testing.T) {
	f := newFixture()
	f.armory.configured = false
	reply, _ := f.handler.Handle(context.Background(), inbound("!levelcheck"))
	assert.Equal(t, "Battle.net API not configured.", reply)
	assert.False(t, f.reporter.called)
}

func TestChat_Mention(t *testing.T) {
	f := newFixture()
	reply, handled := f.handler.Handle(context.Background(), mention("how goes it"))
	assert.True(t, handled)
	assert.Equal(t, "zug zug", reply)
	assert.Equal(t, "!room:example.org", f.llm.lastKey)
	assert.Equal(t, "how goes it", f.llm.lastText)
}

func TestChat_MentionUsesPerUserKeyInUserMode(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	_, _ = f.handler.Handle(ctx, inbound("!contextuser"))

	_, _ = f.handler.Handle(ctx, mention("hello"))
	assert.Equal(t, "!room:example.org:@alice:example.org", f.llm.lastKey)
}

func TestChat_EmptyMention(t *testing.T) {
	f := newFixture()
	reply, handled := f.handler.Handle(context.Background(), mention("   "))
	assert.True(t, handled)
	assert.Equal(t, "You mentioned me but didn't say anything!", reply)
}

func TestChat_CompletionFailure(t *testing.T) {
	f := newFixture()
	f.llm.err = errors.New("llm exploded")
	reply, handled := f.handler.Handle(context.Background(), mention("hi"))
	assert.True(t, handled)
	assert.Contains(t, reply, "Sorry, I couldn't get a response")
	assert.Contains(t, reply, "llm exploded")
}

func TestUnaddressedMessageIgnored(t *testing.T) {
	f := newFixture()
	reply, handled := f.handler.Handle(context.Background(), inbound("just chatting"))
	assert.False(t, handled)
	assert.Empty(t, reply)
}

func TestUnknownCommandIgnored(t *testing.T) {
	f := newFixture()
	_, handled := f.handler.Handle(context.Background(), inbound("!weather tomorrow"))
	assert.False(t, handled)
}
