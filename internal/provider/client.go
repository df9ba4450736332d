package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/yidakra/rainwright/internal/captions"
	"github.com/yidakra/rainwright/internal/timeline"
)

// sessionResponse is the REST handshake's result: a session id and the
// websocket URL to connect to for the streaming portion.
type sessionResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// languageConfig and streamingConfig describe the audio stream and the
// transcription/translation languages the session is opened with.
type languageConfig struct {
	Languages     []string `json:"languages"`
	CodeSwitching bool     `json:"code_switching"`
}

type streamingConfig struct {
	Encoding       string         `json:"encoding"`
	SampleRate     int            `json:"sample_rate"`
	BitDepth       int            `json:"bit_depth"`
	Channels       int            `json:"channels"`
	LanguageConfig languageConfig `json:"language_config"`
}

// Config bundles the speech-provider client's connection parameters and its
// downstream collaborators.
type Config struct {
	Endpoint   string
	APIKey     string
	SampleRate int
	Languages  []string // language_config.languages; Languages[0] is the source language

	SessionInitTimeout   time.Duration
	ReconnectBaseDelay   time.Duration
	ReconnectJitter      float64
	ReconnectMaxAttempts int

	Store    *captions.Store
	Timeline *timeline.Timeline
	// OnCueUpdated is called after each finalized cue is appended, so the
	// VTT builder can rebuild the overlapping segment windows immediately
	// rather than waiting for the next periodic refresh.
	OnCueUpdated func(lang string, start, end float64)

	Logger *slog.Logger

	httpClient *http.Client // overridable in tests
}

// Client owns one speech-provider session: REST handshake, websocket
// connect, PCM forwarding, and JSON message decoding.
type Client struct {
	cfg    Config
	logger *slog.Logger

	sourceLanguage string
	httpClient     *http.Client

	writeMu sync.Mutex // serializes websocket writes (audio frames vs. stop marker)
}

// New creates a Client. cfg.Languages[0] is treated as the source
// (transcription) language; the rest are translation targets.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	httpClient := cfg.httpClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	source := ""
	if len(cfg.Languages) > 0 {
		source = cfg.Languages[0]
	}
	return &Client{
		cfg:            cfg,
		logger:         logger.With("component", "provider_client"),
		sourceLanguage: source,
		httpClient:     httpClient,
	}
}

// Run drives the session reconnect loop: on a transport error it reconnects
// with jittered exponential back-off up to ReconnectMaxAttempts, after
// which it gives up permanently and
// returns an error — the gate stays closed and whatever is already
// published keeps serving. Run blocks until ctx is cancelled or the
// attempts are exhausted. frames is the bounded PCM channel; Run neither
// owns nor closes it.
func (c *Client) Run(ctx context.Context, frames <-chan []byte) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}

		err := c.runSession(ctx, frames)
		if err == nil {
			if ctx.Err() != nil {
				return nil
			}
			// The provider ended the session cleanly (e.g. after
			// post_final_transcript); treat that like any other
			// disconnect and reconnect for the next segment of audio.
			err = fmt.Errorf("provider session ended without error")
		}
		if ctx.Err() != nil {
			return nil
		}

		attempt++
		if attempt > c.cfg.ReconnectMaxAttempts {
			c.logger.Error("provider reconnect attempts exhausted, giving up", "attempts", attempt-1, "last_error", err)
			return fmt.Errorf("provider: exhausted %d reconnect attempts: %w", c.cfg.ReconnectMaxAttempts, err)
		}

		delay := c.backoff(attempt)
		c.logger.Warn("provider session lost, reconnecting", "attempt", attempt, "delay", delay, "error", err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil
		}
	}
}

// backoff computes attempt N's delay: base * 2^(N-1), jittered by ±jitter
// fraction of that value.
func (c *Client) backoff(attempt int) time.Duration {
	base := float64(c.cfg.ReconnectBaseDelay) * math.Pow(2, float64(attempt-1))
	spread := base * c.cfg.ReconnectJitter
	jittered := base + (rand.Float64()*2-1)*spread
	if jittered < 0 {
		jittered = float64(c.cfg.ReconnectBaseDelay)
	}
	return time.Duration(jittered)
}

// runSession performs one full session: REST handshake, websocket connect,
// concurrent audio forwarding and message processing, and a best-effort
// stop_recording signal on the way out. A nil return with ctx still live
// means the provider closed the session; the caller reconnects.
func (c *Client) runSession(ctx context.Context, frames <-chan []byte) error {
	initCtx, cancel := context.WithTimeout(ctx, c.cfg.SessionInitTimeout)
	sess, err := c.initSession(initCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("initiating provider session: %w", err)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, c.cfg.SessionInitTimeout)
	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, sess.URL, nil)
	dialCancel()
	if err != nil {
		return fmt.Errorf("dialing provider websocket: %w", err)
	}
	defer conn.Close()

	c.logger.Info("provider session established", "session_id", sess.ID)

	sessionCtx, stopSession := context.WithCancel(ctx)
	defer stopSession()

	// conn.ReadMessage blocks regardless of ctx; on shutdown, send the
	// end-of-session marker and force the read loop to unblock by closing
	// the connection out from under it.
	shutdown := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			c.sendStopRecording(conn)
			conn.Close()
		case <-shutdown:
		}
	}()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.forwardAudio(sessionCtx, conn, frames)
	}()

	readErr := c.readMessages(sessionCtx, conn)

	stopSession()
	close(shutdown)
	wg.Wait()

	if ctx.Err() != nil {
		return nil
	}
	return readErr
}

// initSession performs the REST handshake: POST the streaming
// configuration, get back a session id and websocket URL to connect to.
func (c *Client) initSession(ctx context.Context) (sessionResponse, error) {
	cfg := streamingConfig{
		Encoding:   "wav/pcm",
		SampleRate: c.cfg.SampleRate,
		BitDepth:   16,
		Channels:   1,
		LanguageConfig: languageConfig{
			Languages:     c.cfg.Languages,
			CodeSwitching: false,
		},
	}

	body, err := json.Marshal(cfg)
	if err != nil {
		return sessionResponse{}, fmt.Errorf("encoding session config: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.Endpoint, strings.NewReader(string(body)))
	if err != nil {
		return sessionResponse{}, fmt.Errorf("building session request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Gladia-Key", c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return sessionResponse{}, fmt.Errorf("calling session endpoint: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		errBody, _ := io.ReadAll(resp.Body)
		return sessionResponse{}, fmt.Errorf("session endpoint returned %d: %s", resp.StatusCode, errBody)
	}

	var out sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return sessionResponse{}, fmt.Errorf("decoding session response: %w", err)
	}
	return out, nil
}

// forwardAudio writes PCM frames to the websocket as binary messages until
// ctx is cancelled or frames is closed.
func (c *Client) forwardAudio(ctx context.Context, conn *websocket.Conn, frames <-chan []byte) {
	for {
		select {
		case <-ctx.Done():
			return
		case frame, ok := <-frames:
			if !ok {
				return
			}
			if err := c.writeMessage(conn, websocket.BinaryMessage, frame); err != nil {
				c.logger.Error("failed to write audio frame", "error", err)
				return
			}
		}
	}
}

// readMessages reads and dispatches provider messages until ctx is
// cancelled or the connection errors. A nil return with ctx still live
// means the remote side closed the connection.
func (c *Client) readMessages(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return nil
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil
			}
			return fmt.Errorf("reading provider message: %w", err)
		}
		c.handleMessage(raw)
	}
}

// handleMessage decodes and applies one provider message. Malformed
// messages and unrecognized types are logged and discarded; the ingest
// loop never dies on bad input.
func (c *Client) handleMessage(raw []byte) {
	msg, err := ParseMessage(raw)
	if err != nil {
		c.logger.Error("failed to decode provider message", "error", err)
		return
	}

	switch msg.Kind {
	case KindTranscriptFinal:
		c.appendCue(c.sourceLanguage, msg.Utterance)
	case KindTranslationV1, KindTranslationV2:
		lang := msg.Language
		if lang == "" {
			lang = c.sourceLanguage
		}
		c.appendCue(lang, msg.Utterance)
	case KindSessionEnd:
		c.logger.Info("provider reported end of transcript")
	case KindUnknown:
		c.logger.Debug("discarding unrecognized provider message")
	}
}

func (c *Client) appendCue(lang string, u Utterance) {
	start := c.cfg.Timeline.ToRelativeUtteranceTime(u.Start)
	end := c.cfg.Timeline.ToRelativeUtteranceTime(u.End)

	c.cfg.Store.Append(lang, captions.Cue{StartRel: start, EndRel: end, Text: u.Text})

	if c.cfg.OnCueUpdated != nil {
		c.cfg.OnCueUpdated(lang, start, end)
	}
}

// sendStopRecording sends the end-of-session marker, best effort.
func (c *Client) sendStopRecording(conn *websocket.Conn) {
	payload, _ := json.Marshal(map[string]string{"type": "stop_recording"})
	if err := c.writeMessage(conn, websocket.TextMessage, payload); err != nil {
		c.logger.Debug("failed to send stop_recording", "error", err)
	}
}

// writeMessage serializes writes to the connection; gorilla/websocket
// permits only one concurrent writer.
func (c *Client) writeMessage(conn *websocket.Conn, messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(messageType, data)
}
