// Package timeline reconciles the two independent clocks the captioning
// pipeline observes — the media segmenter's sequence numbers and the speech
// provider's utterance timestamps — onto a single reference axis measured in
// seconds from stream origin.
package timeline

import "sync"

// Timeline assigns a monotonic position, in seconds from stream origin, to
// both media segments and provider utterances. The origin is latched once,
// at the first segment observation, and never moves again.
type Timeline struct {
	mu sync.Mutex

	segmentDuration float64 // seconds per media segment

	originSet          bool
	firstSegmentSeq    uint64
	utteranceOriginSet bool
	utteranceOrigin    float64 // U0: the first finalized utterance's provider timestamp
	utteranceOffset    float64 // additive seam for future drift compensation; 0 by default
}

// New creates a Timeline for a segmenter that emits segmentDuration-second
// segments.
func New(segmentDuration float64) *Timeline {
	return &Timeline{segmentDuration: segmentDuration}
}

// SetOrigin fixes T0 at firstSegmentSeq × segmentDuration. Only the first
// call has an effect; subsequent calls are no-ops.
func (t *Timeline) SetOrigin(firstSegmentSeq uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.originSet {
		return
	}
	t.originSet = true
	t.firstSegmentSeq = firstSegmentSeq
}

// HasOrigin reports whether SetOrigin has been called.
func (t *Timeline) HasOrigin() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.originSet
}

// FirstSegmentSequence returns the sequence number origin was latched to.
// Only meaningful once HasOrigin is true.
func (t *Timeline) FirstSegmentSequence() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.firstSegmentSeq
}

// ToRelativeSegmentTime returns (seq - first_segment_sequence) * segment_duration,
// i.e. the segment's start_rel. The origin must already be set; callers
// (the tracker) are the ones that set it.
func (t *Timeline) ToRelativeSegmentTime(seq uint64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.originSet {
		return 0
	}
	return float64(seq-t.firstSegmentSeq) * t.segmentDuration
}

// ToRelativeUtteranceTime normalizes a provider timestamp onto the shared
// timeline. On the first finalized utterance it records U0 := providerTS and
// returns 0 (plus any configured offset); thereafter it returns
// providerTS - U0 + offset. If no segment has been observed yet, it still
// normalizes against U0 — the cue is stored provider-relative and a reader
// re-derives overlap once T0 is later latched.
func (t *Timeline) ToRelativeUtteranceTime(providerTS float64) float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.utteranceOriginSet {
		t.utteranceOriginSet = true
		t.utteranceOrigin = providerTS
	}
	return providerTS - t.utteranceOrigin + t.utteranceOffset
}

// SetUtteranceOffset configures the additive offset applied by
// ToRelativeUtteranceTime. A drift-compensation component can call this
// periodically; absent one, it stays at its zero default.
func (t *Timeline) SetUtteranceOffset(offset float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.utteranceOffset = offset
}

// SegmentDuration returns the configured segment duration in seconds.
func (t *Timeline) SegmentDuration() float64 {
	return t.segmentDuration
}
