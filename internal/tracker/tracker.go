// Package tracker converts a transcoder's externally-managed output — a
// directory of .ts files plus a media playlist naming the currently
// retained ones — into an in-memory, change-notified sequence of segment
// observations. The tracker only reads; the transcoder owns the files and
// their retention.
package tracker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	hm3u8 "github.com/mogiioin/hls-m3u8/m3u8"

	"github.com/yidakra/rainwright/internal/timeline"
)

// MediaKind identifies which transcoder output a Tracker watches.
type MediaKind string

const (
	KindVideo MediaKind = "video"
	KindAudio MediaKind = "audio"
)

// segmentFilenameRe matches the transcoder's segment naming convention.
// Unrecognized filenames are skipped and logged once per unique offender.
var segmentFilenameRe = regexp.MustCompile(`^segment(\d+)\.ts$`)

// SegmentInfo describes one retained media segment on the reference timeline.
type SegmentInfo struct {
	Seq       uint64
	MediaKind MediaKind
	StartRel  float64
	EndRel    float64
	Path      string
}

// SegmentEvent reports a poll outcome. Observed is the full sorted set of
// sequence numbers retained after this poll; Added and Removed are the
// diff against the previous poll. Periodic is set every Nth tick regardless
// of whether the set changed, driving the builder's periodic-refresh trigger.
type SegmentEvent struct {
	MediaKind MediaKind
	Observed  []uint64
	Added     []uint64
	Removed   []uint64
	Periodic  bool
}

// Tracker polls one transcoder output directory at a fixed cadence.
type Tracker struct {
	dir             string
	playlistName    string
	kind            MediaKind
	segmentDuration float64
	timeline        *timeline.Timeline
	maxMissingRetry int
	periodicEvery   int
	logger          *slog.Logger

	events chan SegmentEvent

	mu              sync.RWMutex
	processed       map[uint64]SegmentInfo
	missingStreak   int
	escalated       bool
	pollCount       int
	loggedOffenders map[string]bool
}

// Config bundles a Tracker's immutable settings.
type Config struct {
	Dir                    string
	PlaylistName           string
	Kind                   MediaKind
	SegmentDuration        float64
	Timeline               *timeline.Timeline
	MissingPlaylistRetries int // polls before escalating a missing playlist; 0 disables escalation
	PeriodicRefreshEvery   int // emit a Periodic event every N polls; 0 disables
	Logger                 *slog.Logger
}

// New creates a Tracker for one transcoder output directory.
func New(cfg Config) *Tracker {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		dir:             cfg.Dir,
		playlistName:    cfg.PlaylistName,
		kind:            cfg.Kind,
		segmentDuration: cfg.SegmentDuration,
		timeline:        cfg.Timeline,
		maxMissingRetry: cfg.MissingPlaylistRetries,
		periodicEvery:   cfg.PeriodicRefreshEvery,
		logger:          logger.With("component", "tracker", "media_kind", string(cfg.Kind)),
		events:          make(chan SegmentEvent, 16),
		processed:       make(map[uint64]SegmentInfo),
		loggedOffenders: make(map[string]bool),
	}
}

// Changes returns the channel of poll outcomes. There is exactly one
// consumer.
func (t *Tracker) Changes() <-chan SegmentEvent {
	return t.events
}

// Run polls at interval until ctx is cancelled. Poll failures are handled
// internally; the only returned error is ctx.Err().
func (t *Tracker) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	t.poll()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			t.poll()
		}
	}
}

// Snapshot returns the currently retained segments, sorted by sequence.
func (t *Tracker) Snapshot() []SegmentInfo {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]SegmentInfo, 0, len(t.processed))
	for _, info := range t.processed {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

func (t *Tracker) poll() {
	t.mu.Lock()
	t.pollCount++
	periodic := t.periodicEvery > 0 && t.pollCount%t.periodicEvery == 0
	t.mu.Unlock()

	playlistPath := filepath.Join(t.dir, t.playlistName)
	filenames, err := t.readPlaylist(playlistPath)
	if err != nil {
		t.handleMissingPlaylist(err)
		if periodic {
			t.emitPeriodic()
		}
		return
	}
	t.clearMissingStreak()

	observed := make(map[uint64]SegmentInfo)
	for _, name := range filenames {
		m := segmentFilenameRe.FindStringSubmatch(name)
		if m == nil {
			t.logOffenderOnce(name)
			continue
		}
		seq, err := parseSeq(m[1])
		if err != nil {
			t.logOffenderOnce(name)
			continue
		}
		path := filepath.Join(t.dir, name)
		if _, err := os.Stat(path); err != nil {
			// File listed in the playlist but not yet flushed to disk;
			// pick it up on a later poll.
			continue
		}
		observed[seq] = SegmentInfo{Seq: seq, MediaKind: t.kind, Path: path}
	}

	if len(observed) == 0 {
		if periodic {
			t.emitPeriodic()
		}
		return
	}

	seqs := make([]uint64, 0, len(observed))
	for seq := range observed {
		seqs = append(seqs, seq)
	}
	sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
	minSeq := seqs[0]

	if t.timeline != nil && !t.timeline.HasOrigin() {
		t.timeline.SetOrigin(minSeq)
	}

	for seq, info := range observed {
		if t.timeline != nil {
			info.StartRel = t.timeline.ToRelativeSegmentTime(seq)
			info.EndRel = info.StartRel + t.segmentDuration
		}
		observed[seq] = info
	}

	t.mu.Lock()
	var added, removed []uint64
	for seq := range observed {
		if _, ok := t.processed[seq]; !ok {
			added = append(added, seq)
		}
	}
	for seq := range t.processed {
		// Only drop entries below the current minimum observed; the tracker
		// never deletes files and never forgets a segment the transcoder
		// still retains.
		if seq < minSeq {
			removed = append(removed, seq)
		}
	}
	next := make(map[uint64]SegmentInfo, len(observed))
	for seq, info := range t.processed {
		if seq >= minSeq {
			next[seq] = info
		}
	}
	for seq, info := range observed {
		next[seq] = info
	}
	t.processed = next
	t.mu.Unlock()

	sort.Slice(added, func(i, j int) bool { return added[i] < added[j] })
	sort.Slice(removed, func(i, j int) bool { return removed[i] < removed[j] })

	if len(added) > 0 || len(removed) > 0 || periodic {
		t.send(SegmentEvent{
			MediaKind: t.kind,
			Observed:  seqs,
			Added:     added,
			Removed:   removed,
			Periodic:  periodic,
		})
	}
}

func (t *Tracker) emitPeriodic() {
	t.send(SegmentEvent{MediaKind: t.kind, Observed: nil, Periodic: true})
}

func (t *Tracker) send(ev SegmentEvent) {
	select {
	case t.events <- ev:
	default:
		t.logger.Warn("segment event dropped, consumer not keeping up")
	}
}

// readPlaylist decodes the transcoder's media playlist with the corpus's
// HLS library rather than hand-rolling a line scanner, and returns the
// base filename of every listed segment for segmentFilenameRe to vet.
func (t *Tracker) readPlaylist(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	mp, err := hm3u8.NewMediaPlaylist(0, 32)
	if err != nil {
		return nil, err
	}
	if err := mp.DecodeFrom(f, false); err != nil {
		return nil, err
	}

	segs := mp.GetAllSegments()
	names := make([]string, 0, len(segs))
	for _, seg := range segs {
		names = append(names, filepath.Base(seg.URI))
	}
	return names, nil
}

func (t *Tracker) handleMissingPlaylist(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.missingStreak++
	if t.maxMissingRetry > 0 && t.missingStreak == t.maxMissingRetry && !t.escalated {
		t.escalated = true
		t.logger.Warn("media playlist still missing after retry budget exhausted",
			"retries", t.missingStreak, "error", err)
	} else if t.missingStreak < t.maxMissingRetry || t.maxMissingRetry == 0 {
		t.logger.Debug("media playlist not yet present", "error", err)
	}
}

func (t *Tracker) clearMissingStreak() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.missingStreak = 0
	t.escalated = false
}

func (t *Tracker) logOffenderOnce(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.loggedOffenders[name] {
		return
	}
	t.loggedOffenders[name] = true
	t.logger.Warn("unrecognized segment filename in playlist, skipping", "filename", name)
}

func parseSeq(digits string) (uint64, error) {
	var seq uint64
	for _, r := range digits {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("invalid digit %q", r)
		}
		seq = seq*10 + uint64(r-'0')
	}
	return seq, nil
}
