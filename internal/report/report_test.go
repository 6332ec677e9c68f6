// ABOUTME: Tests for level-check report orchestration
// ABOUTME: Covers partial failure, rank ordering, annotation degradation, and short-circuits

package report

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/ember-matrix/internal/armory"
)

// mockFetcher serves canned profiles and counts calls.
type mockFetcher struct {
	profiles map[string]*armory.CharacterProfile
	errs     map[string]error
	calls    atomic.Int64
}

func (m *mockFetcher) Character(ctx context.Context, name string) (*armory.CharacterProfile, error) {
	m.calls.Add(1)
	if err, ok := m.errs[name]; ok {
		return nil, err
	}
	if p, ok := m.profiles[name]; ok {
		return p, nil
	}
	return nil, &armory.CharacterNotFoundError{Name: name}
}

// mockAnnotator returns canned insults keyed by substring match on the
// prompted name.
type mockAnnotator struct {
	configured bool
	insults    map[string]string
	errs       map[string]error
	calls      atomic.Int64
}

func (m *mockAnnotator) Configured() bool { return m.configured }

func (m *mockAnnotator) CompleteOnce(ctx context.Context, systemPrompt, userText string) (string, error) {
	m.calls.Add(1)
	for name, err := range m.errs {
		if strings.Contains(userText, name) {
			return "", err
		}
	}
	for name, insult := range m.insults {
		if strings.Contains(userText, name) {
			return insult, nil
		}
	}
	return "generic insult", nil
}

// mockConfig returns a fixed system prompt.
type mockConfig struct{}

func (mockConfig) GetConfig(ctx context.Context, key string) (string, bool, error) {
	return "stay in character", true, nil
}

func profile(name string, level int, race, class string) *armory.CharacterProfile {
	p := &armory.CharacterProfile{Name: name, Level: level}
	p.Race.Name = race
	p.Class.Name = class
	return p
}

func TestLevelCheck_EmptyRosterShortCircuits(t *testing.T) {
	fetcher := &mockFetcher{}
	annotator := &mockAnnotator{configured: true}
	r := New(fetcher, annotator, mockConfig{}, "Nightslayer", nil)

	out := r.LevelCheck(context.Background(), nil, true)

	assert.Contains(t, out, "No characters tracked")
	assert.Equal(t, int64(0), fetcher.calls.Load(), "empty roster must not issue network calls")
	assert.Equal(t, int64(0), annotator.calls.Load())
}

func TestLevelCheck_OneOutcomePerName(t *testing.T) {
	fetcher := &mockFetcher{
		profiles: map[string]*armory.CharacterProfile{
			"Mankrik": profile("Mankrik", 58, "Tauren", "Warrior"),
			"Jaina":   profile("Jaina", 60, "Human", "Mage"),
		},
		errs: map[string]error{
			"Ghosty": errors.New("api timeout"),
		},
	}
	r := New(fetcher, &mockAnnotator{}, mockConfig{}, "Nightslayer", nil)

	names := []string{"Mankrik", "Ghosty", "Jaina", "Unknowable"}
	out := r.LevelCheck(context.Background(), names, false)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	// Header plus exactly one line per input name
	require.Len(t, lines, 1+len(names))

	assert.Contains(t, out, "Mankrik — Level 58 Tauren Warrior")
	assert.Contains(t, out, "Jaina — Level 60 Human Mage")
	assert.Contains(t, out, "⚠ Ghosty: api timeout")
	assert.Contains(t, out, `⚠ Unknowable: character "Unknowable" not found`)
}

func TestLevelCheck_SortedByLevelDescending(t *testing.T) {
	fetcher := &mockFetcher{
		profiles: map[string]*armory.CharacterProfile{
			"Low":  profile("Low", 10, "Gnome", "Rogue"),
			"High": profile("High", 40, "Orc", "Hunter"),
			"Mid":  profile("Mid", 25, "Troll", "Shaman"),
		},
	}
	r := New(fetcher, &mockAnnotator{}, mockConfig{}, "Nightslayer", nil)

	out := r.LevelCheck(context.Background(), []string{"Low", "High", "Mid"}, false)

	high := strings.Index(out, "High")
	mid := strings.Index(out, "Mid")
	low := strings.Index(out, "Low")
	assert.True(t, high < mid && mid < low, "expected order High, Mid, Low in:\n%s", out)
}

func TestLevelCheck_TiesKeepInputOrder(t *testing.T) {
	fetcher := &mockFetcher{
		profiles: map[string]*armory.CharacterProfile{
			"First":  profile("First", 60, "Orc", "Warrior"),
			"Second": profile("Second", 60, "Tauren", "Druid"),
		},
	}
	r := New(fetcher, &mockAnnotator{}, mockConfig{}, "Nightslayer", nil)

	out := r.LevelCheck(context.Background(), []string{"First", "Second"}, false)
	assert.True(t, strings.Index(out, "First") < strings.Index(out, "Second"))
}

func TestLevelCheck_AnnotationsAttached(t *testing.T) {
	fetcher := &mockFetcher{
		profiles: map[string]*armory.CharacterProfile{
			"Mankrik": profile("Mankrik", 58, "Tauren", "Warrior"),
		},
	}
	annotator := &mockAnnotator{
		configured: true,
		insults:    map[string]string{"Mankrik": "  wife-seeking mallwalker \n"},
	}
	r := New(fetcher, annotator, mockConfig{}, "Nightslayer", nil)

	out := r.LevelCheck(context.Background(), []string{"Mankrik"}, true)

	// Annotation is trimmed and italicized
	assert.Contains(t, out, "Mankrik — Level 58 Tauren Warrior — *wife-seeking mallwalker*")
}

func TestLevelCheck_AnnotationFailureDegradesSingleEntry(t *testing.T) {
	fetcher := &mockFetcher{
		profiles: map[string]*armory.CharacterProfile{
			"Winner": profile("Winner", 60, "Human", "Paladin"),
			"Loser":  profile("Loser", 12, "Gnome", "Warlock"),
		},
	}
	annotator := &mockAnnotator{
		configured: true,
		insults:    map[string]string{"Winner": "insufferable"},
		errs:       map[string]error{"Loser": errors.New("model overloaded")},
	}
	r := New(fetcher, annotator, mockConfig{}, "Nightslayer", nil)

	out := r.LevelCheck(context.Background(), []string{"Winner", "Loser"}, true)

	assert.Contains(t, out, "Winner — Level 60 Human Paladin — *insufferable*")
	assert.Contains(t, out, "Loser — Level 12 Gnome Warlock\n")
	assert.NotContains(t, out, "model overloaded")
}

func TestLevelCheck_AnnotatorNotConfiguredSkipsAnnotations(t *testing.T) {
	fetcher := &mockFetcher{
		profiles: map[string]*armory.CharacterProfile{
			"Mankrik": profile("Mankrik", 58, "Tauren", "Warrior"),
		},
	}
	annotator := &mockAnnotator{configured: false}
	r := New(fetcher, annotator, mockConfig{}, "Nightslayer", nil)

	out := r.LevelCheck(context.Background(), []string{"Mankrik"}, true)

	assert.Equal(t, int64(0), annotator.calls.Load())
	assert.Contains(t, out, "Mankrik — Level 58 Tauren Warrior\n")
}

func TestLevelCheck_RawSkipsAnnotations(t *testing.T) {
	fetcher := &mockFetcher{
		profiles: map[string]*armory.CharacterProfile{
			"Mankrik": profile("Mankrik", 58, "Tauren", "Warrior"),
		},
	}
	annotator := &mockAnnotator{configured: true}
	r := New(fetcher, annotator, mockConfig{}, "Nightslayer", nil)

	_ = r.LevelCheck(context.Background(), []string{"Mankrik"}, false)
	assert.Equal(t, int64(0), annotator.calls.Load())
}

func TestLevelCheck_ManyCharacters(t *testing.T) {
	fetcher := &mockFetcher{profiles: map[string]*armory.CharacterProfile{}}
	var names []string
	for i := 0; i < 30; i++ {
		name := fmt.Sprintf("Char%02d", i)
		names = append(names, name)
		fetcher.profiles[name] = profile(name, i+1, "Orc", "Grunt")
	}
	r := New(fetcher, &mockAnnotator{}, mockConfig{}, "Nightslayer", nil)

	out := r.LevelCheck(context.Background(), names, false)

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	require.Len(t, lines, 1+len(names))
	assert.Equal(t, int64(len(names)), fetcher.calls.Load())
	// Highest level first
	assert.Contains(t, lines[1], "Char29")
}
