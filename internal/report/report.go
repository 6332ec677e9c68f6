// ABOUTME: Level-check report orchestration
// ABOUTME: Fans out profile fetches and annotation queries, merging partial failures

// Package report builds the !levelcheck report: every tracked character is
// fetched in parallel, successes are ranked by level, optional one-liner
// annotations are fetched in parallel on top, and everything (including
// per-name failures) lands in one deterministic text block.
package report

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/ember-matrix/internal/armory"
	"github.com/2389/ember-matrix/internal/store"
)

// ProfileFetcher fetches one character profile.
type ProfileFetcher interface {
	Character(ctx context.Context, name string) (*armory.CharacterProfile, error)
}

// Annotator produces a one-shot completion for an entry annotation.
type Annotator interface {
	Configured() bool
	CompleteOnce(ctx context.Context, systemPrompt, userText string) (string, error)
}

// ConfigStore supplies the system prompt used for annotations.
type ConfigStore interface {
	GetConfig(ctx context.Context, key string) (string, bool, error)
}

// entry is one successfully fetched character.
type entry struct {
	name       string
	level      int
	desc       string
	annotation string
}

// Reporter runs level-check reports.
type Reporter struct {
	fetcher   ProfileFetcher
	annotator Annotator
	config    ConfigStore
	realm     string
	logger    *slog.Logger
}

// New creates a Reporter. realm is only used in the report header.
func New(fetcher ProfileFetcher, annotator Annotator, config ConfigStore, realm string, logger *slog.Logger) *Reporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reporter{
		fetcher:   fetcher,
		annotator: annotator,
		config:    config,
		realm:     realm,
		logger:    logger.With("component", "report"),
	}
}

// LevelCheck builds the report for the given names. Once the fetches start,
// the report never fails outright: every name contributes either an entry
// line or an error line, and a failed annotation just leaves its entry
// bare. The result is deterministic for a fixed set of outcomes.
func (r *Reporter) LevelCheck(ctx context.Context, names []string, annotate bool) string {
	if len(names) == 0 {
		return "No characters tracked. Use `!addcharacter <name>` to add one."
	}

	logger := r.logger.With("report_id", uuid.NewString())
	logger.Info("running level check", "characters", len(names), "annotate", annotate)

	// Fetch every profile concurrently; results stay index-aligned with
	// names so completion order can't reshuffle outcomes.
	profiles := make([]*armory.CharacterProfile, len(names))
	fetchErrs := make([]error, len(names))

	var wg sync.WaitGroup
	for i, name := range names {
		wg.Add(1)
		go func(i int, name string) {
			defer wg.Done()
			profiles[i], fetchErrs[i] = r.fetcher.Character(ctx, name)
		}(i, name)
	}
	wg.Wait()

	// Partition in input order so the later sort has a stable base.
	var entries []entry
	var errorLines []string
	for i, name := range names {
		if fetchErrs[i] != nil {
			logger.Warn("character fetch failed", "name", name, "error", fetchErrs[i])
			errorLines = append(errorLines, fmt.Sprintf("%s: %v", name, fetchErrs[i]))
			continue
		}
		p := profiles[i]
		entries = append(entries, entry{name: p.Name, level: p.Level, desc: p.Description()})
	}

	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].level > entries[b].level
	})

	if annotate && r.annotator.Configured() {
		r.annotateEntries(ctx, logger, entries)
	}

	return r.render(entries, errorLines)
}

// annotateEntries fills in annotations concurrently. Each failure degrades
// its own entry to "no annotation" and nothing else.
func (r *Reporter) annotateEntries(ctx context.Context, logger *slog.Logger, entries []entry) {
	systemPrompt, _, err := r.config.GetConfig(ctx, store.KeySystemPrompt)
	if err != nil {
		logger.Warn("reading system prompt for annotations", "error", err)
		systemPrompt = ""
	}

	var wg sync.WaitGroup
	for i := range entries {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e := &entries[i]
			prompt := fmt.Sprintf(
				"Give a 1-5 word insult for a level %d %s named %s. Reply with ONLY the insult, nothing else.",
				e.level, e.desc, e.name,
			)
			annotation, err := r.annotator.CompleteOnce(ctx, systemPrompt, prompt)
			if err != nil {
				logger.Warn("annotation failed", "name", e.name, "error", err)
				return
			}
			e.annotation = strings.TrimSpace(annotation)
		}(i)
	}
	wg.Wait()
}

// render formats the final report: entries first, then error lines.
func (r *Reporter) render(entries []entry, errorLines []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "**Level Check — %s**\n", r.realm)
	for _, e := range entries {
		if e.annotation != "" {
			fmt.Fprintf(&b, "  %s — Level %d %s — *%s*\n", e.name, e.level, e.desc, e.annotation)
		} else {
			fmt.Fprintf(&b, "  %s — Level %d %s\n", e.name, e.level, e.desc)
		}
	}
	for _, line := range errorLines {
		fmt.Fprintf(&b, "  ⚠ %s\n", line)
	}
	return b.String()
}
