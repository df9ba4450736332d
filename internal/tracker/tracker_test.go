package tracker

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yidakra/rainwright/internal/timeline"
)

func writePlaylist(t *testing.T, dir string, names ...string) {
	t.Helper()
	content := "#EXTM3U\n"
	for _, n := range names {
		content += "#EXTINF:10.0,\n" + n + "\n"
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "playlist.m3u8"), []byte(content), 0o644))
}

func writeSegment(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("tsdata"), 0o644))
}

func newTestTracker(dir string, tl *timeline.Timeline) *Tracker {
	return New(Config{
		Dir:                    dir,
		PlaylistName:           "playlist.m3u8",
		Kind:                   KindVideo,
		SegmentDuration:        10,
		Timeline:               tl,
		MissingPlaylistRetries: 10,
		PeriodicRefreshEvery:   10,
	})
}

func TestPoll_SetsOriginOnFirstObservation(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "segment0.ts")
	writeSegment(t, dir, "segment1.ts")
	writePlaylist(t, dir, "segment0.ts", "segment1.ts")

	tl := timeline.New(10)
	tr := newTestTracker(dir, tl)
	tr.poll()

	assert.True(t, tl.HasOrigin())
	assert.Equal(t, uint64(0), tl.FirstSegmentSequence())
}

func TestPoll_EmitsAddedOnNewSegments(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "segment0.ts")
	writePlaylist(t, dir, "segment0.ts")

	tl := timeline.New(10)
	tr := newTestTracker(dir, tl)
	tr.poll()

	ev := <-tr.Changes()
	assert.Equal(t, []uint64{0}, ev.Added)
	assert.Equal(t, []uint64{0}, ev.Observed)

	writeSegment(t, dir, "segment1.ts")
	writePlaylist(t, dir, "segment0.ts", "segment1.ts")
	tr.poll()

	ev = <-tr.Changes()
	assert.Equal(t, []uint64{1}, ev.Added)
	assert.Empty(t, ev.Removed)
}

func TestPoll_RetentionDropsOnlyBelowMinimum(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"segment0.ts", "segment1.ts", "segment2.ts"} {
		writeSegment(t, dir, n)
	}
	writePlaylist(t, dir, "segment0.ts", "segment1.ts", "segment2.ts")

	tl := timeline.New(10)
	tr := newTestTracker(dir, tl)
	tr.poll()
	<-tr.Changes()

	// Transcoder retention advances: segment0 drops out of the playlist.
	writePlaylist(t, dir, "segment1.ts", "segment2.ts")
	tr.poll()

	ev := <-tr.Changes()
	assert.Equal(t, []uint64{0}, ev.Removed)
	assert.Empty(t, ev.Added)

	snap := tr.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, uint64(1), snap[0].Seq)
	assert.Equal(t, uint64(2), snap[1].Seq)
}

func TestPoll_SkipsUnrecognizedFilename(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "segment0.ts")
	writePlaylist(t, dir, "segment0.ts", "not-a-segment.ts")

	tl := timeline.New(10)
	tr := newTestTracker(dir, tl)
	tr.poll()

	ev := <-tr.Changes()
	assert.Equal(t, []uint64{0}, ev.Observed)
}

func TestPoll_SkipsSegmentNotYetOnDisk(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "segment0.ts")
	// segment1.ts is named in the playlist but hasn't been flushed yet.
	writePlaylist(t, dir, "segment0.ts", "segment1.ts")

	tl := timeline.New(10)
	tr := newTestTracker(dir, tl)
	tr.poll()

	ev := <-tr.Changes()
	assert.Equal(t, []uint64{0}, ev.Observed)
}

func TestPoll_MissingPlaylistDoesNotEmitOrPanic(t *testing.T) {
	dir := t.TempDir()
	tl := timeline.New(10)
	tr := newTestTracker(dir, tl)

	tr.poll()

	select {
	case ev := <-tr.Changes():
		t.Fatalf("unexpected event on missing playlist: %+v", ev)
	default:
	}
	assert.False(t, tl.HasOrigin())
}

func TestPoll_PeriodicEventFiresEveryNthTick(t *testing.T) {
	dir := t.TempDir()
	writeSegment(t, dir, "segment0.ts")
	writePlaylist(t, dir, "segment0.ts")

	tl := timeline.New(10)
	tr := New(Config{
		Dir:                  dir,
		PlaylistName:         "playlist.m3u8",
		Kind:                 KindVideo,
		SegmentDuration:      10,
		Timeline:             tl,
		PeriodicRefreshEvery: 2,
	})

	tr.poll()
	ev := <-tr.Changes()
	assert.False(t, ev.Periodic)

	tr.poll()
	ev = <-tr.Changes()
	assert.True(t, ev.Periodic)
}

func TestRun_StopsOnContextCancel(t *testing.T) {
	dir := t.TempDir()
	tl := timeline.New(10)
	tr := newTestTracker(dir, tl)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := tr.Run(ctx, 5*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
