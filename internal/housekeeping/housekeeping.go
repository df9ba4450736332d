// Package housekeeping runs the serving-tree retention sweep on a cron
// schedule: the drip-feed server's hard-link materialization means the
// serving/ tree accumulates one link per track per released segment, and
// nothing else ever removes them.
package housekeeping

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/robfig/cron/v3"
)

var servingFilenameRe = regexp.MustCompile(`^segment(\d+)\.(ts|vtt)$`)

// SeqProvider reports the lowest sequence number the drip-feed server still
// advertises for any track, so the sweep never removes a file a live
// playlist still references.
type SeqProvider func() (oldestServedSeq uint64, ok bool)

// Sweeper prunes a set of serving-tree directories of segment files whose
// sequence number has fallen below what any track's playlist still references.
type Sweeper struct {
	dirs   []string
	oldest SeqProvider
	logger *slog.Logger
}

// NewSweeper creates a Sweeper over the given serving-tree subdirectories
// (e.g. serving/video, serving/audio, serving/subtitles/<lang> for each
// configured language).
func NewSweeper(dirs []string, oldest SeqProvider, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{dirs: dirs, oldest: oldest, logger: logger.With("component", "housekeeping")}
}

// Sweep removes segment files below the oldest sequence number any track's
// serving window still references. It never touches the staging tree;
// retention there belongs to the transcoder.
func (s *Sweeper) Sweep() {
	oldest, ok := s.oldest()
	if !ok {
		return
	}

	for _, dir := range s.dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			m := servingFilenameRe.FindStringSubmatch(entry.Name())
			if m == nil {
				continue
			}
			seq, err := strconv.ParseUint(m[1], 10, 64)
			if err != nil || seq >= oldest {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				s.logger.Warn("failed to prune stale serving segment", "path", path, "error", err)
			}
		}
	}
}

// Scheduler wraps a cron runner driving one Sweeper on the configured
// housekeeping schedule.
type Scheduler struct {
	cron *cron.Cron
}

// NewScheduler parses spec and registers sweeper.Sweep to run on that
// schedule. The returned Scheduler is not yet running; call Start.
func NewScheduler(spec string, sweeper *Sweeper) (*Scheduler, error) {
	c := cron.New()
	if _, err := c.AddFunc(spec, sweeper.Sweep); err != nil {
		return nil, fmt.Errorf("parsing housekeeping cron expression %q: %w", spec, err)
	}
	return &Scheduler{cron: c}, nil
}

// Start begins running the scheduled sweep in the background.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the scheduler, waiting for any in-flight sweep to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
