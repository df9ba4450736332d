// Package server implements the Drip-Feed Server: the cadence loop that
// advances a constant-latency sliding window of served segments one at a
// time, and the read-only HTTP surface players fetch the result through.
// All tracks (video, audio, one per subtitle language) advance in lockstep
// and share a single media-sequence counter.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/yidakra/rainwright/internal/gate"
	"github.com/yidakra/rainwright/internal/ioutil"
	"github.com/yidakra/rainwright/internal/playlist"
)

// TrackKind identifies one of the four concurrently-advancing playlists.
type TrackKind string

const (
	TrackVideo TrackKind = "video"
	TrackAudio TrackKind = "audio"
)

// SubtitleTrack returns the TrackKind for a subtitle language; languages are
// not known at compile time so this is a constructor rather than a const.
func SubtitleTrack(lang string) TrackKind {
	return TrackKind("subtitles/" + lang)
}

// track bundles one track's playlist writer with the paths needed to
// materialize its segments into the serving tree.
type track struct {
	kind       TrackKind
	writer     *playlist.Writer
	stagingDir string // directory holding segmentN.<ext> as written by the transcoder/builder
	servingDir string
	extension  string
}

// Cadence implements the Drip-Feed Server's per-track state machine and
// shared sequence counter.
type Cadence struct {
	gate            *gate.Gate
	tracks          []*track
	segmentDuration time.Duration
	stallPoll       time.Duration
	servingWindow   int
	masterCfg       playlist.MasterConfig
	servingRoot     string
	logger          *slog.Logger

	mu                  sync.RWMutex
	servingMediaSeq     uint64
	firstServingSegment uint64
	publishing          bool
}

// Config bundles Cadence construction parameters.
type Config struct {
	Gate            *gate.Gate
	SegmentDuration time.Duration
	StallPoll       time.Duration // recheck interval for a stalled release; default 500ms
	ServingWindow   int
	ServingRoot     string
	MasterConfig    playlist.MasterConfig
	Logger          *slog.Logger
}

// NewCadence creates a Cadence with no tracks registered yet; call AddTrack
// for video, audio, and each subtitle language before Run.
func NewCadence(cfg Config) *Cadence {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	stallPoll := cfg.StallPoll
	if stallPoll <= 0 {
		stallPoll = 500 * time.Millisecond
	}
	return &Cadence{
		gate:            cfg.Gate,
		segmentDuration: cfg.SegmentDuration,
		stallPoll:       stallPoll,
		servingWindow:   cfg.ServingWindow,
		masterCfg:       cfg.MasterConfig,
		servingRoot:     cfg.ServingRoot,
		logger:          logger.With("component", "cadence"),
	}
}

// AddTrack registers one track (video, audio, or a subtitle language) to be
// advanced in lockstep by the cadence loop.
func (c *Cadence) AddTrack(kind TrackKind, writer *playlist.Writer, stagingDir, servingDir, extension string) {
	c.tracks = append(c.tracks, &track{
		kind:       kind,
		writer:     writer,
		stagingDir: stagingDir,
		servingDir: servingDir,
		extension:  extension,
	})
}

// Run blocks until ctx is cancelled: wait for the gate, then release one
// segment per segment duration, stalling at 500ms intervals when the
// candidate segment isn't yet on disk without letting the release clock
// drift beyond one extra segment.
func (c *Cadence) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.gate.Opened():
	}

	c.mu.Lock()
	c.firstServingSegment = c.gate.FirstServingSegment()
	c.publishing = true
	c.mu.Unlock()

	if err := c.publishInitial(); err != nil {
		c.logger.Error("failed to publish initial serving window", "error", err)
	}

	nextRelease := time.Now().Add(c.segmentDuration)
	nextIndex := uint64(1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		wait := time.Until(nextRelease)
		if wait > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
		}

		candidateSeq := c.firstServingSegment + nextIndex
		stalled := false
		if !c.allTracksPresent(candidateSeq) {
			// Stall: re-check on the stall interval without advancing the
			// release clock beyond wall-clock + one segment.
			stalled = true
			stallDeadline := nextRelease.Add(c.segmentDuration)
			for !c.allTracksPresent(candidateSeq) {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(c.stallPoll):
				}
				if time.Now().After(stallDeadline) {
					break
				}
			}
			if !c.allTracksPresent(candidateSeq) {
				// Still missing after the stall ceiling: resume cadence
				// from the current wall clock to avoid unbounded catch-up.
				nextRelease = time.Now().Add(c.segmentDuration)
				continue
			}
		}

		if err := c.release(candidateSeq); err != nil {
			c.logger.Error("failed to release segment", "seq", candidateSeq, "error", err)
		}

		if stalled {
			// A late release resumes cadence from the current wall clock
			// rather than racing to catch up.
			nextRelease = time.Now().Add(c.segmentDuration)
		} else {
			nextRelease = nextRelease.Add(c.segmentDuration)
		}
		nextIndex++
	}
}

func (c *Cadence) allTracksPresent(seq uint64) bool {
	for _, tr := range c.tracks {
		path := filepath.Join(tr.stagingDir, fmt.Sprintf("segment%d%s", seq, tr.extension))
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}

func (c *Cadence) publishInitial() error {
	c.mu.RLock()
	seq := c.firstServingSegment
	c.mu.RUnlock()
	return c.release(seq)
}

// release appends seq to every track's window, pops heads beyond the
// configured serving window (advancing serving_media_sequence by the
// number of pops), rewrites every playlist, and hard-links the segment
// files into the serving tree.
func (c *Cadence) release(seq uint64) error {
	// All tracks advance by exactly one segment per tick and share one
	// window size, so exactly one pop (or none, before the window first
	// fills) happens across all of them together; compute it once so
	// serving_media_sequence advances by the same amount the playlists do.
	pop := false
	for _, tr := range c.tracks {
		if err := tr.writer.Append(seq); err != nil {
			return fmt.Errorf("appending seq %d to %s playlist: %w", seq, tr.kind, err)
		}
		if tr.writer.Len() > c.servingWindow {
			pop = true
		}
	}

	for _, tr := range c.tracks {
		if pop {
			if err := tr.writer.Remove(); err != nil {
				return fmt.Errorf("popping head of %s playlist: %w", tr.kind, err)
			}
		}

		stagingPath := filepath.Join(tr.stagingDir, fmt.Sprintf("segment%d%s", seq, tr.extension))
		servingPath := filepath.Join(tr.servingDir, fmt.Sprintf("segment%d%s", seq, tr.extension))
		if err := ioutil.HardLinkOrCopy(stagingPath, servingPath); err != nil {
			return fmt.Errorf("materializing %s segment %d: %w", tr.kind, seq, err)
		}

		playlistPath := filepath.Join(tr.servingDir, "playlist.m3u8")
		if err := tr.writer.WriteTo(playlistPath); err != nil {
			return fmt.Errorf("writing %s serving playlist: %w", tr.kind, err)
		}
	}

	if pop {
		c.mu.Lock()
		c.servingMediaSeq++
		c.mu.Unlock()
	}

	return c.writeMaster()
}

func (c *Cadence) writeMaster() error {
	mp := playlist.BuildMaster(c.masterCfg)
	return playlist.WriteMaster(mp, filepath.Join(c.servingRoot, "master.m3u8"))
}

// ServingMediaSequence returns the current shared sequence counter.
func (c *Cadence) ServingMediaSequence() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.servingMediaSeq
}

// IsPublishing reports whether the cadence has left Idle state.
func (c *Cadence) IsPublishing() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.publishing
}
