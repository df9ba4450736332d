package observability

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/yidakra/rainwright/internal/captions"
	"github.com/yidakra/rainwright/internal/gate"
	"github.com/yidakra/rainwright/internal/tracker"
)

// LanguageStatus reports one caption language's current ring stats.
type LanguageStatus struct {
	Language  string  `json:"language"`
	Count     int     `json:"count"`
	OldestRel float64 `json:"oldest_rel,omitempty"`
	NewestRel float64 `json:"newest_rel,omitempty"`
}

// TrackStatus reports the most recently observed segment for one media kind.
type TrackStatus struct {
	Kind    string `json:"kind"`
	LastSeq uint64 `json:"last_seq"`
}

// HealthResponse reports the pipeline's component status for operators.
type HealthResponse struct {
	Status      string           `json:"status"`
	Uptime      string           `json:"uptime"`
	GateOpen    bool             `json:"gate_open"`
	FirstServed uint64           `json:"first_serving_segment,omitempty"`
	Languages   []LanguageStatus `json:"languages"`
	Tracks      []TrackStatus    `json:"tracks"`
}

// HealthHandler serves /healthz, reporting gate state, per-language cue
// counts, and the last observed segment sequence per media kind.
type HealthHandler struct {
	startTime time.Time
	gate      *gate.Gate
	store     *captions.Store
	trackers  []*tracker.Tracker
}

// NewHealthHandler creates a HealthHandler over the pipeline's live gate,
// caption store, and one segment tracker per media kind (video, audio).
func NewHealthHandler(g *gate.Gate, store *captions.Store, trackers ...*tracker.Tracker) *HealthHandler {
	return &HealthHandler{startTime: time.Now(), gate: g, store: store, trackers: trackers}
}

// ServeHTTP implements http.Handler so the caller can mount it directly on
// a chi router alongside the drip-feed server's read-only surface. Each
// response carries a fresh diagnostic session id so operators can correlate
// a single /healthz poll across log lines without the client needing to
// supply one.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("X-Diagnostic-Session-Id", uuid.NewString())

	resp := HealthResponse{
		Status:   "ok",
		Uptime:   time.Since(h.startTime).Round(time.Second).String(),
		GateOpen: h.gate.IsOpen(),
	}
	if resp.GateOpen {
		resp.FirstServed = h.gate.FirstServingSegment()
	}

	for _, lang := range h.store.Languages() {
		stats := h.store.StatsFor(lang)
		resp.Languages = append(resp.Languages, LanguageStatus{
			Language:  lang,
			Count:     stats.Count,
			OldestRel: stats.OldestRel,
			NewestRel: stats.NewestRel,
		})
	}

	for _, t := range h.trackers {
		segs := t.Snapshot()
		if len(segs) == 0 {
			continue
		}
		last := segs[len(segs)-1]
		resp.Tracks = append(resp.Tracks, TrackStatus{
			Kind:    string(last.MediaKind),
			LastSeq: last.Seq,
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
