package captions

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppend_ClampsZeroOrNegativeDuration(t *testing.T) {
	s := New(10, []string{"ru"})
	s.Append("ru", Cue{StartRel: 5.0, EndRel: 5.0, Text: "hi"})

	cues := s.Overlapping("ru", 0, 100)
	require.Len(t, cues, 1)
	assert.Equal(t, 5.0, cues[0].StartRel)
	assert.Equal(t, 6.0, cues[0].EndRel)

	s.Append("ru", Cue{StartRel: 10.0, EndRel: 9.0, Text: "backwards"})
	cues = s.Overlapping("ru", 0, 100)
	require.Len(t, cues, 2)
	assert.Equal(t, 11.0, cues[1].EndRel)
}

func TestAppend_EvictsOldestAtCapacity(t *testing.T) {
	s := New(2, []string{"ru"})
	s.Append("ru", Cue{StartRel: 0, EndRel: 1, Text: "a"})
	s.Append("ru", Cue{StartRel: 1, EndRel: 2, Text: "b"})
	s.Append("ru", Cue{StartRel: 2, EndRel: 3, Text: "c"})

	assert.Equal(t, 2, s.Count("ru"))
	cues := s.Overlapping("ru", 0, 100)
	require.Len(t, cues, 2)
	assert.Equal(t, "b", cues[0].Text)
	assert.Equal(t, "c", cues[1].Text)
}

func TestOverlapping_InsertionOrderNotTimeOrder(t *testing.T) {
	s := New(10, []string{"ru"})
	s.Append("ru", Cue{StartRel: 5, EndRel: 6, Text: "later"})
	s.Append("ru", Cue{StartRel: 1, EndRel: 2, Text: "earlier"})

	cues := s.Overlapping("ru", 0, 100)
	require.Len(t, cues, 2)
	assert.Equal(t, "later", cues[0].Text)
	assert.Equal(t, "earlier", cues[1].Text)
}

func TestOverlapping_ExcludesCueStartingAtWindowEnd(t *testing.T) {
	s := New(10, []string{"ru"})
	s.Append("ru", Cue{StartRel: 10, EndRel: 12, Text: "after"})

	cues := s.Overlapping("ru", 0, 10)
	assert.Empty(t, cues)
}

func TestOverlapping_ExcludesCueEndingAtWindowStart(t *testing.T) {
	s := New(10, []string{"ru"})
	s.Append("ru", Cue{StartRel: 0, EndRel: 10, Text: "before"})

	cues := s.Overlapping("ru", 10, 20)
	assert.Empty(t, cues)
}

func TestOverlapping_IncludesPartialOverlap(t *testing.T) {
	s := New(10, []string{"ru"})
	s.Append("ru", Cue{StartRel: 8, EndRel: 15, Text: "straddles"})

	cues := s.Overlapping("ru", 0, 10)
	require.Len(t, cues, 1)
	assert.Equal(t, "straddles", cues[0].Text)
}

func TestLanguages_UnseenLanguageCreatedLazily(t *testing.T) {
	s := New(10, []string{"ru"})
	assert.ElementsMatch(t, []string{"ru"}, s.Languages())

	s.Append("en", Cue{StartRel: 0, EndRel: 1, Text: "hello"})
	assert.ElementsMatch(t, []string{"ru", "en"}, s.Languages())
}

func TestStatsFor_Empty(t *testing.T) {
	s := New(10, []string{"ru"})
	stats := s.StatsFor("ru")
	assert.False(t, stats.HasEntries)
	assert.Equal(t, 0, stats.Count)
}

func TestStatsFor_WithEntries(t *testing.T) {
	s := New(10, []string{"ru"})
	s.Append("ru", Cue{StartRel: 1, EndRel: 2, Text: "a"})
	s.Append("ru", Cue{StartRel: 3, EndRel: 4, Text: "b"})

	stats := s.StatsFor("ru")
	assert.True(t, stats.HasEntries)
	assert.Equal(t, 2, stats.Count)
	assert.Equal(t, 1.0, stats.OldestRel)
	assert.Equal(t, 3.0, stats.NewestRel)
}

func TestOnChange_FiresOnAppend(t *testing.T) {
	s := New(10, []string{"ru"})

	var gotLang string
	var gotStart, gotEnd float64
	calls := 0
	s.OnChange(func(lang string, start, end float64) {
		calls++
		gotLang = lang
		gotStart = start
		gotEnd = end
	})

	s.Append("ru", Cue{StartRel: 2, EndRel: 3, Text: "hi"})

	assert.Equal(t, 1, calls)
	assert.Equal(t, "ru", gotLang)
	assert.Equal(t, 2.0, gotStart)
	assert.Equal(t, 3.0, gotEnd)
}
