package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"

	"github.com/yidakra/rainwright/internal/audio"
	"github.com/yidakra/rainwright/internal/captions"
	"github.com/yidakra/rainwright/internal/config"
	"github.com/yidakra/rainwright/internal/gate"
	"github.com/yidakra/rainwright/internal/housekeeping"
	"github.com/yidakra/rainwright/internal/observability"
	"github.com/yidakra/rainwright/internal/playlist"
	"github.com/yidakra/rainwright/internal/provider"
	"github.com/yidakra/rainwright/internal/server"
	"github.com/yidakra/rainwright/internal/timeline"
	"github.com/yidakra/rainwright/internal/tracker"
	"github.com/yidakra/rainwright/internal/version"
	"github.com/yidakra/rainwright/internal/vtt"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the rainwright captioning relay",
	Long: `Start the rainwright live-captioning relay.

This runs the five long-lived activities described by the synchronized
multi-track segmentation and delivery engine:
  - media segment polling (video and audio transcoder output)
  - speech-provider ingest (PCM forwarding, utterance decoding)
  - WebVTT segment building, triggered by new segments and finalized cues
  - the drip-feed cadence loop, publishing one segment per segment-duration
  - the read-only HTTP surface players fetch the published playlists through`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "HTTP bind host; overrides config")
	serveCmd.Flags().Int("port", 0, "HTTP bind port; overrides config")
	serveCmd.Flags().String("output-dir", "", "filesystem root for video/, audio/, subtitles/<lang>/, serving/; overrides config")
	serveCmd.Flags().String("pcm-source", "", "path to a raw PCM file or named pipe; overrides config")
	serveCmd.Flags().String("provider-endpoint", "", "speech-to-text provider session-init endpoint; overrides config")

	mustBindPFlag("server.host", serveCmd.Flags().Lookup("host"))
	mustBindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	mustBindPFlag("storage.output_dir", serveCmd.Flags().Lookup("output-dir"))
	mustBindPFlag("audio.source_path", serveCmd.Flags().Lookup("pcm-source"))
	mustBindPFlag("provider.endpoint", serveCmd.Flags().Lookup("provider-endpoint"))
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("output-dir") {
		cfg.Storage.OutputDir, _ = cmd.Flags().GetString("output-dir")
	}
	if cmd.Flags().Changed("pcm-source") {
		cfg.Audio.SourcePath, _ = cmd.Flags().GetString("pcm-source")
	}
	if cmd.Flags().Changed("provider-endpoint") {
		cfg.Provider.Endpoint, _ = cmd.Flags().GetString("provider-endpoint")
	}

	logger := slog.Default()
	logger.Info("starting rainwright", "version", version.Short(), "addr", cfg.Server.Address())

	root := cfg.Storage.OutputDir
	videoDir := filepath.Join(root, "video")
	audioDir := filepath.Join(root, "audio")
	subtitlesDir := filepath.Join(root, "subtitles")
	servingRoot := filepath.Join(root, "serving")

	segDuration := cfg.Pipeline.SegmentDuration.Seconds()

	tl := timeline.New(segDuration)
	store := captions.New(cfg.Pipeline.MaxCuesPerLanguage, cfg.Pipeline.Languages)
	admission := gate.New(gate.Config{
		RequiredBufferSegments: cfg.Pipeline.RequiredBufferSegments,
		TranscriptionBufferMin: cfg.Pipeline.TranscriptionBufferMin,
	})

	builder, err := vtt.New(vtt.Config{
		Store:           store,
		Timeline:        tl,
		OutputDir:       root,
		SegmentDuration: segDuration,
		WindowSize:      uint(cfg.Pipeline.WindowSize),
		Languages:       cfg.Pipeline.Languages,
		WriteAttempts:   cfg.Pipeline.WriteRetryAttempts,
		WriteDelay:      cfg.Pipeline.WriteRetryDelay,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("creating vtt builder: %w", err)
	}

	var observedMu sync.Mutex
	observed := make(map[uint64]bool)

	evaluateGate := func() {
		observedMu.Lock()
		segs := make([]uint64, 0, len(observed))
		for seq := range observed {
			segs = append(segs, seq)
		}
		observedMu.Unlock()
		admission.Evaluate(gate.Preconditions{
			ObservedSegments:   segs,
			SourceLanguageCues: store.Count(cfg.Pipeline.SourceLanguage()),
			LastWriteOK:        builder.AllLastWritesOK(),
		})
	}

	videoTracker := tracker.New(tracker.Config{
		Dir:                    videoDir,
		PlaylistName:           "playlist.m3u8",
		Kind:                   tracker.KindVideo,
		SegmentDuration:        segDuration,
		Timeline:               tl,
		MissingPlaylistRetries: cfg.Pipeline.TrackerMissingPlaylistRetries,
		PeriodicRefreshEvery:   cfg.Pipeline.PeriodicRefreshEvery,
		Logger:                 logger,
	})
	audioTracker := tracker.New(tracker.Config{
		Dir:                    audioDir,
		PlaylistName:           "playlist.m3u8",
		Kind:                   tracker.KindAudio,
		SegmentDuration:        segDuration,
		Timeline:               tl,
		MissingPlaylistRetries: cfg.Pipeline.TrackerMissingPlaylistRetries,
		PeriodicRefreshEvery:   cfg.Pipeline.PeriodicRefreshEvery,
		Logger:                 logger,
	})

	providerClient := provider.New(provider.Config{
		Endpoint:             cfg.Provider.Endpoint,
		APIKey:               cfg.Provider.APIKey,
		SampleRate:           cfg.Provider.SampleRate,
		Languages:            cfg.Pipeline.Languages,
		SessionInitTimeout:   cfg.Provider.SessionInitTimeout,
		ReconnectBaseDelay:   cfg.Provider.ReconnectBaseDelay,
		ReconnectJitter:      cfg.Provider.ReconnectJitter,
		ReconnectMaxAttempts: cfg.Provider.ReconnectMaxAttempts,
		Store:                store,
		Timeline:             tl,
		OnCueUpdated: func(lang string, start, end float64) {
			builder.BuildForCueWindow(lang, start, end)
			evaluateGate()
		},
		Logger: logger,
	})

	audioSource := &audio.FileSource{
		Path:       cfg.Audio.SourcePath,
		SampleRate: cfg.Provider.SampleRate,
		BitDepth:   16,
		Channels:   1,
		ChunkSize:  cfg.Audio.ChunkDuration,
		Logger:     logger,
	}

	masterCfg := playlist.MasterConfig{
		VideoURI:        "video/playlist.m3u8",
		AudioURI:        "audio/playlist.m3u8",
		AudioGroupID:    "audio",
		SubtitleGroupID: "subs",
		SubtitleURIs:    make(map[string]string, len(cfg.Pipeline.Languages)),
		SourceLanguage:  cfg.Pipeline.SourceLanguage(),
	}
	for _, lang := range cfg.Pipeline.Languages {
		masterCfg.SubtitleURIs[lang] = fmt.Sprintf("subtitles/%s/playlist.m3u8", lang)
	}

	cadence := server.NewCadence(server.Config{
		Gate:            admission,
		SegmentDuration: cfg.Pipeline.SegmentDuration,
		StallPoll:       cfg.Pipeline.StallPollInterval,
		ServingWindow:   cfg.Pipeline.ServingWindowSize,
		ServingRoot:     servingRoot,
		MasterConfig:    masterCfg,
		Logger:          logger,
	})

	videoWriter, err := playlist.NewWriter(uint(cfg.Pipeline.ServingWindowSize), segDuration, ".ts")
	if err != nil {
		return fmt.Errorf("creating video serving playlist: %w", err)
	}
	audioWriter, err := playlist.NewWriter(uint(cfg.Pipeline.ServingWindowSize), segDuration, ".ts")
	if err != nil {
		return fmt.Errorf("creating audio serving playlist: %w", err)
	}
	cadence.AddTrack(server.TrackVideo, videoWriter, videoDir, filepath.Join(servingRoot, "video"), ".ts")
	cadence.AddTrack(server.TrackAudio, audioWriter, audioDir, filepath.Join(servingRoot, "audio"), ".ts")

	subtitleDirs := make([]string, 0, len(cfg.Pipeline.Languages))
	for _, lang := range cfg.Pipeline.Languages {
		w, err := playlist.NewWriter(uint(cfg.Pipeline.ServingWindowSize), segDuration, ".vtt")
		if err != nil {
			return fmt.Errorf("creating %s serving subtitle playlist: %w", lang, err)
		}
		servingDir := filepath.Join(servingRoot, "subtitles", lang)
		cadence.AddTrack(server.SubtitleTrack(lang), w, filepath.Join(subtitlesDir, lang), servingDir, ".vtt")
		subtitleDirs = append(subtitleDirs, servingDir)
	}

	healthHandler := observability.NewHealthHandler(admission, store, videoTracker, audioTracker)

	cors := server.DefaultCORSConfig()
	if len(cfg.Server.CORSOrigins) > 0 && cfg.Server.CORSOrigins[0] != "*" {
		cors.AllowOrigin = strings.Join(cfg.Server.CORSOrigins, ", ")
	}
	assetHandler := server.NewHandler(admission, servingRoot, root, cors)

	router := chi.NewRouter()
	router.Get("/healthz", healthHandler.ServeHTTP)
	router.Mount("/", assetHandler.Routes())

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sweepDirs := append([]string{filepath.Join(servingRoot, "video"), filepath.Join(servingRoot, "audio")}, subtitleDirs...)
	sweeper := housekeeping.NewSweeper(sweepDirs, func() (uint64, bool) {
		if !cadence.IsPublishing() {
			return 0, false
		}
		return admission.FirstServingSegment() + cadence.ServingMediaSequence(), true
	}, logger)
	housekeeper, err := housekeeping.NewScheduler(cfg.Pipeline.HousekeepingCron, sweeper)
	if err != nil {
		return fmt.Errorf("scheduling housekeeping sweep: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	handleSegmentEvent := func(ev tracker.SegmentEvent) {
		observedMu.Lock()
		for _, seq := range ev.Observed {
			observed[seq] = true
		}
		observedMu.Unlock()
		for _, seq := range ev.Added {
			builder.BuildAllLanguages(seq)
		}
		if len(ev.Observed) > 0 {
			builder.PruneBelow(ev.Observed[0])
		}
		if ev.Periodic {
			builder.PeriodicRefresh()
		}
		evaluateGate()
	}

	wg.Add(3)
	go func() { defer wg.Done(); videoTracker.Run(ctx, cfg.Pipeline.TrackerPollInterval) }()
	go func() { defer wg.Done(); audioTracker.Run(ctx, cfg.Pipeline.TrackerPollInterval) }()
	go func() {
		defer wg.Done()
		videoCh := videoTracker.Changes()
		audioCh := audioTracker.Changes()
		for {
			select {
			case <-ctx.Done():
				return
			case ev := <-videoCh:
				handleSegmentEvent(ev)
			case ev := <-audioCh:
				handleSegmentEvent(ev)
			}
		}
	}()

	if cfg.Audio.SourcePath != "" && cfg.Provider.Endpoint != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			frames := audioSource.Frames(ctx)
			if err := providerClient.Run(ctx, frames); err != nil {
				logger.Error("provider ingest stopped", "error", err)
			}
		}()
	} else {
		logger.Warn("provider ingest disabled: configure audio.source_path and provider.endpoint to enable transcription")
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := cadence.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("drip-feed cadence stopped", "error", err)
		}
	}()

	housekeeper.Start()
	defer housekeeper.Stop()

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("http server shutdown error", "error", err)
		}
	}()

	serveErr := httpServer.ListenAndServe()
	wg.Wait()

	if serveErr != nil && serveErr != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", serveErr)
	}
	return nil
}
