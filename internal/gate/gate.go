// Package gate implements the one-shot admission latch that delays public
// serving until enough material has accumulated to guarantee captioned
// playback from the first served segment. The latch is a single
// irreversible open transition; it never closes again.
package gate

import (
	"sync"
	"sync/atomic"
)

// Preconditions bundles the current readiness signals the gate evaluates.
// The caller (the activity driving segment polling and cue ingest) is
// responsible for keeping these current; Evaluate is pure given the inputs.
type Preconditions struct {
	ObservedSegments   []uint64 // distinct sequence numbers observed so far
	SourceLanguageCues int      // finalized cues stored in the source language
	LastWriteOK        bool     // most recent VTT write, every language, succeeded
}

// Config carries the admission thresholds.
type Config struct {
	RequiredBufferSegments int
	TranscriptionBufferMin int
}

// Gate is a one-shot latch: once Evaluate opens it, it never closes again.
type Gate struct {
	cfg Config

	opened          atomic.Bool
	closedCh        chan struct{}
	closeOnce       sync.Once
	firstServingSeq uint64
}

// New creates a Gate evaluating against cfg's thresholds.
func New(cfg Config) *Gate {
	return &Gate{cfg: cfg, closedCh: make(chan struct{})}
}

// Evaluate checks pre against the gate's thresholds and, if they hold and
// the gate is not already open, opens it and latches first_serving_segment
// to the minimum observed segment. Returns whether the gate is open after
// this call.
func (g *Gate) Evaluate(pre Preconditions) bool {
	if g.opened.Load() {
		return true
	}
	if len(pre.ObservedSegments) < g.cfg.RequiredBufferSegments {
		return false
	}
	if pre.SourceLanguageCues < g.cfg.TranscriptionBufferMin {
		return false
	}
	if !pre.LastWriteOK {
		return false
	}

	minSeq := pre.ObservedSegments[0]
	for _, seq := range pre.ObservedSegments {
		if seq < minSeq {
			minSeq = seq
		}
	}

	if g.opened.CompareAndSwap(false, true) {
		g.firstServingSeq = minSeq
		g.closeOnce.Do(func() { close(g.closedCh) })
	}
	return true
}

// IsOpen reports whether the gate has opened.
func (g *Gate) IsOpen() bool {
	return g.opened.Load()
}

// Opened returns a channel that is closed exactly once, the instant the
// gate opens. Callers can select on it to be notified without polling.
func (g *Gate) Opened() <-chan struct{} {
	return g.closedCh
}

// FirstServingSegment returns the latched first_serving_segment. Only
// meaningful once IsOpen is true.
func (g *Gate) FirstServingSegment() uint64 {
	return g.firstServingSeq
}
