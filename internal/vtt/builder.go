// Package vtt produces one WebVTT file per (segment, language) pair from the
// Caption Store's current contents, and keeps each language's subtitle
// media playlist in sync with what it writes. Writes are atomic with a
// bounded retry, so playlist readers never observe a torn file.
package vtt

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/yidakra/rainwright/internal/captions"
	"github.com/yidakra/rainwright/internal/ioutil"
	"github.com/yidakra/rainwright/internal/playlist"
	"github.com/yidakra/rainwright/internal/timeline"
)

// Builder materializes WebVTT segment files and keeps their media playlists
// current.
type Builder struct {
	store           *captions.Store
	timeline        *timeline.Timeline
	outputDir       string // root containing subtitles/<lang>/
	segmentDuration float64
	windowSize      int // retained playlist entries, matching the transcoder's retention
	writeAttempts   int
	writeDelay      time.Duration
	logger          *slog.Logger

	mu        sync.Mutex
	playlists map[string]*playlist.Writer // language -> subtitle media playlist
	known     map[string]map[uint64]bool  // language -> set of seqs ever built
	lastOK    map[string]bool             // language -> most recent build's write outcome
}

// Config bundles Builder construction parameters.
type Config struct {
	Store           *captions.Store
	Timeline        *timeline.Timeline
	OutputDir       string
	SegmentDuration float64
	WindowSize      uint
	Languages       []string
	WriteAttempts   int
	WriteDelay      time.Duration
	Logger          *slog.Logger
}

// New creates a Builder with one subtitle media playlist per language.
func New(cfg Config) (*Builder, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Builder{
		store:           cfg.Store,
		timeline:        cfg.Timeline,
		outputDir:       cfg.OutputDir,
		segmentDuration: cfg.SegmentDuration,
		windowSize:      int(cfg.WindowSize),
		writeAttempts:   cfg.WriteAttempts,
		writeDelay:      cfg.WriteDelay,
		logger:          logger.With("component", "vtt_builder"),
		playlists:       make(map[string]*playlist.Writer),
		known:           make(map[string]map[uint64]bool),
		lastOK:          make(map[string]bool),
	}
	for _, lang := range cfg.Languages {
		w, err := playlist.NewWriter(cfg.WindowSize, cfg.SegmentDuration, ".vtt")
		if err != nil {
			return nil, fmt.Errorf("creating subtitle playlist for %s: %w", lang, err)
		}
		b.playlists[lang] = w
		b.known[lang] = make(map[uint64]bool)
		b.lastOK[lang] = true
	}
	return b, nil
}

// PlaylistPath returns the subtitle media playlist path for lang.
func (b *Builder) PlaylistPath(lang string) string {
	return filepath.Join(b.outputDir, "subtitles", lang, "playlist.m3u8")
}

// SegmentPath returns the VTT file path for (seq, lang).
func (b *Builder) SegmentPath(lang string, seq uint64) string {
	return filepath.Join(b.outputDir, "subtitles", lang, fmt.Sprintf("segment%d.vtt", seq))
}

// BuildAllLanguages rebuilds (seq, lang) for every configured language, per
// the "on new segment observed" trigger.
func (b *Builder) BuildAllLanguages(seq uint64) {
	for _, lang := range b.Languages() {
		b.build(seq, lang)
	}
}

// BuildForCueWindow rebuilds every known segment overlapping [start-5, end+5]
// for lang, per the "on newly finalized cue" trigger. If nothing overlaps,
// it falls back to rebuilding the latest known segment.
func (b *Builder) BuildForCueWindow(lang string, start, end float64) {
	windowStart := start - 5
	windowEnd := end + 5

	seqs := b.knownSeqs(lang)
	if len(seqs) == 0 {
		return
	}

	var matched bool
	var latest uint64
	for i, seq := range seqs {
		if i == 0 || seq > latest {
			latest = seq
		}
		segStart := b.timeline.ToRelativeSegmentTime(seq)
		segEnd := segStart + b.segmentDuration
		if segEnd > windowStart && segStart < windowEnd {
			b.build(seq, lang)
			matched = true
		}
	}
	if !matched {
		b.build(latest, lang)
	}
}

// PeriodicRefresh rebuilds every known segment for every language, healing
// updates missed by a race between cue arrival and segment registration.
func (b *Builder) PeriodicRefresh() {
	for _, lang := range b.Languages() {
		for _, seq := range b.knownSeqs(lang) {
			b.build(seq, lang)
		}
	}
}

// Languages returns the configured subtitle languages.
func (b *Builder) Languages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	langs := make([]string, 0, len(b.playlists))
	for lang := range b.playlists {
		langs = append(langs, lang)
	}
	return langs
}

func (b *Builder) knownSeqs(lang string) []uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	seqs := make([]uint64, 0, len(b.known[lang]))
	for seq := range b.known[lang] {
		seqs = append(seqs, seq)
	}
	return seqs
}

func (b *Builder) setLastOK(lang string, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastOK[lang] = ok
}

// AllLastWritesOK reports whether every configured language's most recent
// VTT write succeeded, feeding the buffer admission gate's third
// precondition. A language with no writes yet counts as OK, since the
// gate's other two preconditions already bound how early this can be
// checked.
func (b *Builder) AllLastWritesOK() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, ok := range b.lastOK {
		if !ok {
			return false
		}
	}
	return true
}

// PruneBelow forgets every segment below minSeq, for all languages. Called
// when the transcoder's retention window advances so periodic refreshes
// stop rebuilding segments whose media no longer exists.
func (b *Builder) PruneBelow(minSeq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, seqs := range b.known {
		for seq := range seqs {
			if seq < minSeq {
				delete(seqs, seq)
			}
		}
	}
}

func (b *Builder) markKnown(lang string, seq uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.known[lang] == nil {
		b.known[lang] = make(map[uint64]bool)
	}
	b.known[lang][seq] = true
}

// build runs the clipping algorithm for (seq, lang) and writes the result,
// then regenerates the language's subtitle playlist on success.
func (b *Builder) build(seq uint64, lang string) {
	b.markKnown(lang, seq)

	windowStart := b.timeline.ToRelativeSegmentTime(seq)
	windowEnd := windowStart + b.segmentDuration

	cues := b.store.Overlapping(lang, windowStart, windowEnd)
	content := Render(cues, windowStart, windowEnd, b.segmentDuration)

	path := b.SegmentPath(lang, seq)
	err := ioutil.RetryWithBackoff(context.Background(), b.writeAttempts, b.writeDelay, func() error {
		return ioutil.WriteFileAtomic(path, content, 0o644)
	})
	b.setLastOK(lang, err == nil)
	if err != nil {
		b.logger.Error("failed to write vtt segment after retries", "seq", seq, "language", lang, "error", err)
		return
	}

	b.mu.Lock()
	w := b.playlists[lang]
	b.mu.Unlock()
	if w == nil {
		return
	}
	if err := w.Append(seq); err != nil {
		b.logger.Error("failed to append segment to subtitle playlist", "seq", seq, "language", lang, "error", err)
		return
	}
	// Slide with the transcoder's retention window so the playlist never
	// fills up on a long-running stream.
	for w.Len() > b.windowSize {
		if err := w.Remove(); err != nil {
			b.logger.Error("failed to slide subtitle playlist", "language", lang, "error", err)
			break
		}
	}
	if err := w.WriteTo(b.PlaylistPath(lang)); err != nil {
		b.logger.Error("failed to write subtitle playlist", "language", lang, "error", err)
	}
}

// Render clips cues to [windowStart, windowEnd), rebases their times to the
// segment-local clock, and serializes the result as a WebVTT document.
func Render(cues []captions.Cue, windowStart, windowEnd, segmentDuration float64) []byte {
	var b strings.Builder
	b.WriteString("WEBVTT\n\n")

	index := 1
	for _, cue := range cues {
		if !(cue.EndRel > windowStart && cue.StartRel < windowEnd) {
			continue
		}
		localStart := cue.StartRel - windowStart
		if localStart < 0 {
			localStart = 0
		}
		localEnd := cue.EndRel - windowStart
		if localEnd > segmentDuration {
			localEnd = segmentDuration
		}
		fmt.Fprintf(&b, "%d\n%s --> %s\n%s\n\n", index, formatTimestamp(localStart), formatTimestamp(localEnd), cue.Text)
		index++
	}
	return []byte(b.String())
}

// formatTimestamp renders seconds as HH:MM:SS.mmm with hours wrapped at 100.
func formatTimestamp(seconds float64) string {
	if seconds < 0 {
		seconds = 0
	}
	totalMS := int64(seconds*1000 + 0.5)
	ms := totalMS % 1000
	totalSeconds := totalMS / 1000
	s := totalSeconds % 60
	totalMinutes := totalSeconds / 60
	m := totalMinutes % 60
	h := (totalMinutes / 60) % 100
	return fmt.Sprintf("%02d:%02d:%02d.%03d", h, m, s, ms)
}
