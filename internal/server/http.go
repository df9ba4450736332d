package server

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/yidakra/rainwright/internal/gate"
)

// CORSConfig carries the CORS headers attached to every response.
type CORSConfig struct {
	AllowOrigin  string
	AllowMethods string
	MaxAge       int
}

// DefaultCORSConfig allows any origin to GET the published playlists.
func DefaultCORSConfig() CORSConfig {
	return CORSConfig{
		AllowOrigin:  "*",
		AllowMethods: "GET, OPTIONS",
		MaxAge:       86400,
	}
}

// Handler serves the read-only player-facing surface: the served
// master/media playlists, segments, and VTT files, falling back to the
// staging tree for .ts/.vtt only, gated by the admission Gate.
type Handler struct {
	gate        *gate.Gate
	servingRoot string
	stagingRoot string
	cors        CORSConfig
}

// NewHandler creates a Handler rooted at servingRoot (the drip-feed's
// serving/ tree) and stagingRoot (the transcoder/builder's output root).
func NewHandler(g *gate.Gate, servingRoot, stagingRoot string, cors CORSConfig) *Handler {
	return &Handler{gate: g, servingRoot: servingRoot, stagingRoot: stagingRoot, cors: cors}
}

// Routes mounts the handler's endpoints on a chi router.
func (h *Handler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.corsMiddleware)
	r.Get("/master.m3u8", h.serveMaster)
	r.Get("/*", h.serveAsset)
	r.Options("/*", h.preflight)
	return r
}

func (h *Handler) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", h.cors.AllowOrigin)
		w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) preflight(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Methods", h.cors.AllowMethods)
	w.Header().Set("Access-Control-Max-Age", strconv.Itoa(h.cors.MaxAge))
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) serveMaster(w http.ResponseWriter, r *http.Request) {
	if !h.gate.IsOpen() {
		http.Error(w, "media buffer initialization in progress", http.StatusNotFound)
		return
	}
	path := filepath.Join(h.servingRoot, "master.m3u8")
	data, err := os.ReadFile(path)
	if err != nil {
		http.Error(w, "media buffer initialization in progress", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Write(data)
}

// serveAsset serves any other path from the serving tree, falling back to
// the staging tree for .ts and .vtt requests only.
func (h *Handler) serveAsset(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(filepath.Clean(r.URL.Path), "/")
	if rel == "" || strings.HasPrefix(rel, "..") {
		http.NotFound(w, r)
		return
	}

	ext := filepath.Ext(rel)
	contentType := contentTypeFor(ext)

	if data, err := os.ReadFile(filepath.Join(h.servingRoot, rel)); err == nil {
		writeAsset(w, contentType, data)
		return
	}

	if ext == ".ts" || ext == ".vtt" {
		if data, err := os.ReadFile(filepath.Join(h.stagingRoot, rel)); err == nil {
			writeAsset(w, contentType, data)
			return
		}
	}

	http.NotFound(w, r)
}

func writeAsset(w http.ResponseWriter, contentType string, data []byte) {
	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	w.Write(data)
}

func contentTypeFor(ext string) string {
	switch ext {
	case ".m3u8":
		return "application/vnd.apple.mpegurl"
	case ".ts":
		return "video/mp2t"
	case ".vtt":
		return "text/vtt; charset=utf-8"
	default:
		return ""
	}
}

// ListenAndServe starts the HTTP server on addr, blocking until it stops.
// It returns nil after a graceful shutdown (http.ErrServerClosed) and the
// wrapped error otherwise.
func (h *Handler) ListenAndServe(addr string) error {
	srv := &http.Server{Addr: addr, Handler: h.Routes()}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
