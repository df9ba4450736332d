package housekeeping

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir, name string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
}

func TestSweeper_RemovesOnlySegmentsBelowOldest(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "segment1.ts")
	touch(t, dir, "segment2.ts")
	touch(t, dir, "segment3.ts")
	touch(t, dir, "playlist.m3u8")

	s := NewSweeper([]string{dir}, func() (uint64, bool) { return 3, true }, nil)
	s.Sweep()

	_, err1 := os.Stat(filepath.Join(dir, "segment1.ts"))
	_, err2 := os.Stat(filepath.Join(dir, "segment2.ts"))
	_, err3 := os.Stat(filepath.Join(dir, "segment3.ts"))
	_, errPlaylist := os.Stat(filepath.Join(dir, "playlist.m3u8"))

	assert.True(t, os.IsNotExist(err1))
	assert.True(t, os.IsNotExist(err2))
	assert.NoError(t, err3)
	assert.NoError(t, errPlaylist)
}

func TestSweeper_NoOpWhenOldestUnknown(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "segment1.ts")

	s := NewSweeper([]string{dir}, func() (uint64, bool) { return 0, false }, nil)
	s.Sweep()

	_, err := os.Stat(filepath.Join(dir, "segment1.ts"))
	assert.NoError(t, err)
}

func TestNewScheduler_RejectsInvalidExpression(t *testing.T) {
	s := NewSweeper(nil, func() (uint64, bool) { return 0, false }, nil)
	_, err := NewScheduler("not a cron expression", s)
	assert.Error(t, err)
}
