// Package playlist wraps github.com/mogiioin/hls-m3u8 with the sliding-window
// mechanics and multi-track alignment the drip-feed server and VTT builder
// both need, so neither hand-rolls playlist string formatting.
package playlist

import (
	"fmt"
	"strings"
	"sync"

	hm3u8 "github.com/mogiioin/hls-m3u8/m3u8"

	"github.com/yidakra/rainwright/internal/ioutil"
)

// Writer drives one media playlist (video, audio, or one subtitle language)
// through identical Append/Remove calls so its EXT-X-MEDIA-SEQUENCE stays in
// lockstep with every other track sharing the same window size.
type Writer struct {
	mu              sync.Mutex
	mp              *hm3u8.MediaPlaylist
	segmentDuration float64
	extension       string // ".ts" or ".vtt"
	inWindow        map[uint64]bool
}

// NewWriter creates a Writer backed by a live (non-VOD) media playlist with
// the given sliding window size. Capacity is allocated one larger than the
// window so a new segment can be appended before the oldest is popped,
// matching the append-then-maybe-remove sequencing the drip-feed cadence
// and VTT builder both use.
func NewWriter(windowSize uint, segmentDuration float64, extension string) (*Writer, error) {
	mp, err := hm3u8.NewMediaPlaylist(windowSize, windowSize+1)
	if err != nil {
		return nil, fmt.Errorf("creating media playlist: %w", err)
	}
	mp.SetTargetDuration(uint(segmentDuration))
	return &Writer{mp: mp, segmentDuration: segmentDuration, extension: extension, inWindow: make(map[uint64]bool)}, nil
}

// Append adds seq to the tail of the window. It is a no-op if seq is
// already present, so rebuilding an already-windowed segment (e.g. the VTT
// builder's periodic refresh) never duplicates a playlist entry. Callers
// wanting sliding behavior pair this with Remove when the window exceeds
// its configured size; the two are kept separate (rather than using the
// library's own Slide) so the server can pop the same number of heads
// across all tracks in the same tick, keeping their EXT-X-MEDIA-SEQUENCE
// values identical.
func (w *Writer) Append(seq uint64) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.inWindow[seq] {
		return nil
	}
	uri := fmt.Sprintf("segment%d%s", seq, w.extension)
	if err := w.mp.Append(uri, w.segmentDuration, ""); err != nil {
		return err
	}
	w.inWindow[seq] = true
	return nil
}

// Remove drops the oldest segment from the window and advances SeqNo.
func (w *Writer) Remove() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	segs := w.mp.GetAllSegments()
	if len(segs) == 0 {
		return hm3u8.ErrPlaylistEmpty
	}
	head := segs[0]
	if err := w.mp.Remove(); err != nil {
		return err
	}
	delete(w.inWindow, seqFromURI(head.URI, w.extension))
	return nil
}

// Contains reports whether seq is currently in the window.
func (w *Writer) Contains(seq uint64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inWindow[seq]
}

func seqFromURI(uri, extension string) uint64 {
	name := strings.TrimSuffix(uri, extension)
	name = strings.TrimPrefix(name, "segment")
	var seq uint64
	for _, r := range name {
		if r < '0' || r > '9' {
			return 0
		}
		seq = seq*10 + uint64(r-'0')
	}
	return seq
}

// SeqNo returns the playlist's current EXT-X-MEDIA-SEQUENCE.
func (w *Writer) SeqNo() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mp.SeqNo
}

// Len returns the number of segments currently in the window.
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return int(w.mp.Count())
}

// Encode serializes the current playlist window to bytes.
func (w *Writer) Encode() []byte {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.mp.Encode().Bytes()
}

// WriteTo atomically writes the current playlist to path.
func (w *Writer) WriteTo(path string) error {
	return ioutil.WriteFileAtomic(path, w.Encode(), 0o644)
}

// MasterConfig names the tracks a master playlist advertises.
type MasterConfig struct {
	VideoURI         string
	AudioURI         string
	AudioGroupID     string
	SubtitleGroupID  string
	SubtitleURIs     map[string]string // language -> relative URI
	SourceLanguage   string
	VideoCodecs      string
}

// DefaultCodecs is the CODECS string advertised on the single
// EXT-X-STREAM-INF variant.
const DefaultCodecs = "avc1.64001f,mp4a.40.2,wvtt"

// BuildMaster assembles a master playlist advertising one audio alternative,
// one subtitle alternative per language (DEFAULT=YES only on the source
// language), and one STREAM-INF variant referencing the video playlist.
func BuildMaster(cfg MasterConfig) *hm3u8.MasterPlaylist {
	mp := hm3u8.NewMasterPlaylist()
	mp.SetVersion(3)
	mp.SetIndependentSegments(true)

	alternatives := []*hm3u8.Alternative{
		{
			Type:       "AUDIO",
			GroupId:    cfg.AudioGroupID,
			Name:       "audio",
			URI:        cfg.AudioURI,
			Default:    true,
			Autoselect: true,
		},
	}

	for _, lang := range sortedLanguages(cfg.SubtitleURIs) {
		alternatives = append(alternatives, &hm3u8.Alternative{
			Type:       "SUBTITLES",
			GroupId:    cfg.SubtitleGroupID,
			Name:       lang,
			Language:   lang,
			URI:        cfg.SubtitleURIs[lang],
			Default:    lang == cfg.SourceLanguage,
			Autoselect: true,
		})
	}

	codecs := cfg.VideoCodecs
	if codecs == "" {
		codecs = DefaultCodecs
	}

	mp.Append(cfg.VideoURI, nil, hm3u8.VariantParams{
		Codecs:       codecs,
		Audio:        cfg.AudioGroupID,
		Subtitles:    cfg.SubtitleGroupID,
		Alternatives: alternatives,
	})

	return mp
}

// EncodeMaster serializes a master playlist to bytes.
func EncodeMaster(mp *hm3u8.MasterPlaylist) []byte {
	return mp.Encode().Bytes()
}

// WriteMaster atomically writes a master playlist to path.
func WriteMaster(mp *hm3u8.MasterPlaylist, path string) error {
	return ioutil.WriteFileAtomic(path, EncodeMaster(mp), 0o644)
}

func sortedLanguages(m map[string]string) []string {
	langs := make([]string, 0, len(m))
	for lang := range m {
		langs = append(langs, lang)
	}
	// Simple insertion sort; language lists are tiny (single digits).
	for i := 1; i < len(langs); i++ {
		for j := i; j > 0 && langs[j] < langs[j-1]; j-- {
			langs[j], langs[j-1] = langs[j-1], langs[j]
		}
	}
	return langs
}
