// Package audio provides the seam between raw PCM capture and the provider
// ingest activity that forwards frames over the speech-provider websocket:
// an upstream extractor writes continuous 16-bit little-endian mono PCM to
// a named pipe or plain file, and a reader here consumes it in fixed-size
// chunks at real-time pace.
package audio

import (
	"context"
	"io"
	"log/slog"
	"os"
	"time"
)

// Source yields fixed-size PCM frames on a channel until ctx is cancelled
// or the underlying stream ends, then closes the channel.
type Source interface {
	Frames(ctx context.Context) <-chan []byte
}

// FileSource reads 16-bit little-endian mono PCM from a file (or named
// pipe) in fixed-size chunks, pacing reads to real time so the provider
// session receives audio no faster than it was captured. This is enough to
// drive the pipeline end-to-end against a pre-recorded or piped capture
// without a live capture device; a production deployment points Path at the
// named pipe the audio extractor writes.
type FileSource struct {
	Path       string
	SampleRate int           // samples per second
	BitDepth   int           // bits per sample; the pipeline captures 16
	Channels   int           // channel count; the pipeline captures mono
	ChunkSize  time.Duration // how much audio each frame carries; default 100ms
	Logger     *slog.Logger
}

// bytesPerSecond returns the PCM byte rate for the configured format.
func (s *FileSource) bytesPerSecond() int {
	return s.SampleRate * s.Channels * (s.BitDepth / 8)
}

// Frames opens Path and emits ChunkSize-duration frames, pacing each read
// to the wall-clock duration it represents. The returned channel is closed
// when ctx is cancelled, the file reaches EOF, or a read error occurs; read
// errors are logged, never fatal.
func (s *FileSource) Frames(ctx context.Context) <-chan []byte {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	out := make(chan []byte, 4)

	chunkSize := s.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 100 * time.Millisecond
	}
	frameBytes := int(float64(s.bytesPerSecond()) * chunkSize.Seconds())
	if frameBytes <= 0 {
		frameBytes = 3200 // 100ms @ 16kHz/16-bit/mono
	}

	go func() {
		defer close(out)

		f, err := os.Open(s.Path)
		if err != nil {
			logger.Error("failed to open pcm source", "path", s.Path, "error", err)
			return
		}
		defer f.Close()

		ticker := time.NewTicker(chunkSize)
		defer ticker.Stop()

		buf := make([]byte, frameBytes)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			n, err := io.ReadFull(f, buf)
			if n > 0 {
				frame := make([]byte, n)
				copy(frame, buf[:n])
				select {
				case out <- frame:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				if err != io.EOF && err != io.ErrUnexpectedEOF {
					logger.Error("pcm source read error", "path", s.Path, "error", err)
				}
				return
			}
		}
	}()

	return out
}
