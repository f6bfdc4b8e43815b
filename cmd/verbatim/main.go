// Command verbatim is the terminal front-end for the Verbatim streaming
// transcription engine. It transcribes a WAV file or a live source, printing
// speaker-tagged chunks to stdout as they are emitted and corrections as the
// diarizer refines its decisions.
//
// Exit codes: 0 on success, 1 on initialisation failure, 2 when processing
// produced no transcription output.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/verbatim-ai/verbatim/internal/config"
	"github.com/verbatim-ai/verbatim/internal/controller"
	"github.com/verbatim-ai/verbatim/internal/observe"
	"github.com/verbatim-ai/verbatim/internal/resilience"
	"github.com/verbatim-ai/verbatim/internal/store"
	pgstore "github.com/verbatim-ai/verbatim/internal/store/postgres"
	sqlitestore "github.com/verbatim-ai/verbatim/internal/store/sqlite"
	"github.com/verbatim-ai/verbatim/internal/wsbridge"
	"github.com/verbatim-ai/verbatim/pkg/asr"
	openaiasr "github.com/verbatim-ai/verbatim/pkg/asr/openai"
	"github.com/verbatim-ai/verbatim/pkg/asr/whispercpp"
	"github.com/verbatim-ai/verbatim/pkg/audio"
	"github.com/verbatim-ai/verbatim/pkg/embed"
	"github.com/verbatim-ai/verbatim/pkg/embed/logmel"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file")
	device := flag.String("device", "", "audio input device id (see enumeration; empty = default)")
	model := flag.String("model", "", "ASR model name or path (overrides config)")
	limitSeconds := flag.Int("limit-seconds", 0, "stop after this many seconds of wall time (0 = until EOF or Ctrl+C)")
	noASR := flag.Bool("no-asr", false, "disable transcription (diarization statistics only)")
	noDiar := flag.Bool("no-diar", false, "disable speaker diarization")
	threads := flag.Int("threads", 0, "ASR decode threads (0 = auto)")
	saveAudio := flag.String("save-audio", "", "record captured audio to this WAV file")
	archivePath := flag.String("archive", "", "persist the transcript to this SQLite file")
	playFile := flag.Bool("play-file", false, "pace file input at strict real time")
	verbose := flag.Bool("verbose", false, "enable debug logging")
	listDevices := flag.Bool("list-devices", false, "list audio devices and exit")
	flag.Parse()

	wavPath := flag.Arg(0)

	// ── Configuration ──────────────────────────────────────────────────────────
	cfg := &config.Config{}
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "verbatim: %v\n", err)
			return 1
		}
		cfg = loaded
	}

	// ── Logger ─────────────────────────────────────────────────────────────────
	level := cfg.Server.LogLevel
	if *verbose {
		level = config.LogDebug
	}
	slog.SetDefault(newLogger(level))

	if *listDevices {
		for _, d := range audio.Enumerate() {
			marker := " "
			if d.Default {
				marker = "*"
			}
			fmt.Printf("%s %-12s %-28s %s (%d Hz, %d ch)\n", marker, d.ID, d.Name, d.Driver, d.NativeRate, d.MaxChannels)
		}
		return 0
	}

	// ── Metrics ────────────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Server.ListenAddr != "" {
		shutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceName: "verbatim"})
		if err != nil {
			slog.Error("failed to initialise metrics provider", "err", err)
			return 1
		}
		defer func() {
			sdctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(sdctx)
		}()
	}

	// ── Engine and embedder ────────────────────────────────────────────────────
	engine, err := buildEngine(cfg, *noASR, *threads)
	if err != nil {
		slog.Error("failed to build ASR engine", "err", err)
		return 1
	}
	if engine != nil {
		defer engine.Close()
	}

	var embedder embed.Embedder
	if !*noDiar && !cfg.Transcription.DisableDiarization {
		embedder = logmel.New(0)
	}

	// ── Archive ────────────────────────────────────────────────────────────────
	if *archivePath != "" {
		cfg.Archive = config.ArchiveConfig{SQLitePath: *archivePath}
	}
	archive, err := buildArchive(ctx, cfg, embedder)
	if err != nil {
		slog.Error("failed to open archive", "err", err)
		return 1
	}
	if archive != nil {
		defer archive.Close()
	}

	// ── Controller ─────────────────────────────────────────────────────────────
	opts := []controller.Option{
		controller.WithMetrics(observe.DefaultMetrics()),
		controller.WithOpenConfig(audio.OpenConfig{
			FilePath:       wavPath,
			PlaybackPacing: *playFile,
		}),
	}
	if archive != nil {
		opts = append(opts, controller.WithArchive(archive))
	}
	if *saveAudio != "" {
		rec, err := audio.NewRecorder(*saveAudio, audio.SampleRate16k)
		if err != nil {
			slog.Error("failed to create recording", "err", err)
			return 1
		}
		defer rec.Close()
		opts = append(opts, controller.WithSourceOpener(recordingOpener(rec)))
	}

	ctrl := controller.New(engine, embedder, opts...)

	deviceID := *device
	if wavPath != "" && deviceID == "" {
		deviceID = "file"
	}
	if err := ctrl.SelectAudioDevice(deviceID); err != nil {
		slog.Error("failed to select device", "device", deviceID, "err", err)
		return 1
	}

	// ── Subscribers ────────────────────────────────────────────────────────────
	chunks, offChunks := ctrl.SubscribeChunks()
	defer offChunks()
	reclass, offReclass := ctrl.SubscribeReclassifications()
	defer offReclass()
	errs, offErrs := ctrl.SubscribeErrors()
	defer offErrs()

	printerDone := make(chan struct{})
	go func() {
		defer close(printerDone)
		for {
			select {
			case c, ok := <-chunks:
				if !ok {
					return
				}
				printChunk(c)
			case r, ok := <-reclass:
				if !ok {
					return
				}
				fmt.Printf("  ↻ %d chunk(s) reassigned S%d → S%d (%s)\n",
					len(r.ChunkIDs), r.OldSpeakerID, r.NewSpeakerID, r.Reason)
			case e, ok := <-errs:
				if !ok {
					return
				}
				fmt.Fprintf(os.Stderr, "verbatim: %s: %s\n", e.Severity, e.Message)
			}
		}
	}()

	// ── Event bridge ───────────────────────────────────────────────────────────
	var bridge *wsbridge.Server
	if cfg.Server.ListenAddr != "" {
		bridge = wsbridge.New(ctrl, cfg.Server.ListenAddr)
		go func() {
			if err := bridge.ListenAndServe(); err != nil {
				slog.Error("event bridge failed", "err", err)
			}
		}()
		slog.Info("event bridge listening", "addr", cfg.Server.ListenAddr)
	}

	// ── Session ────────────────────────────────────────────────────────────────
	sessionCfg := cfg.Transcription
	if *model != "" {
		sessionCfg.ASRModel = *model
	}
	if sessionCfg.ASRModel == "" {
		sessionCfg.ASRModel = cfg.Engine.Model
	}
	if sessionCfg.ASRModel == "" {
		sessionCfg.ASRModel = "tiny.en"
	}
	sessionCfg.DisableDiarization = embedder == nil

	if err := ctrl.Start(sessionCfg); err != nil {
		slog.Error("failed to start transcription", "err", err)
		return 1
	}

	var limit <-chan time.Time
	if *limitSeconds > 0 {
		timer := time.NewTimer(time.Duration(*limitSeconds) * time.Second)
		defer timer.Stop()
		limit = timer.C
	}

	select {
	case <-ctx.Done():
		slog.Info("interrupt received, stopping…")
	case <-limit:
		slog.Info("time limit reached, stopping…")
	case <-ctrl.Done():
	}
	ctrl.Stop()

	// Let the printer drain remaining buffered events.
	ctrl.ClearSubscriptions()
	<-printerDone

	if bridge != nil {
		sdctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = bridge.Shutdown(sdctx)
	}

	printSummary(ctrl)

	if engine != nil && len(ctrl.AllChunks()) == 0 {
		return 2
	}
	return 0
}

// buildEngine constructs the configured ASR backend (with its optional
// fallback chain), or nil when disabled.
func buildEngine(cfg *config.Config, noASR bool, threads int) (asr.Engine, error) {
	if noASR {
		return nil, nil
	}

	engine, err := newEngine(cfg.Engine)
	if err != nil {
		return nil, err
	}

	if cfg.Engine.Fallback != nil {
		backup, err := newEngine(*cfg.Engine.Fallback)
		if err != nil {
			return nil, fmt.Errorf("fallback engine: %w", err)
		}
		chain := resilience.NewFallbackEngine(string(engineKind(cfg.Engine)), engine, resilience.CircuitBreakerConfig{})
		chain.AddFallback(string(engineKind(*cfg.Engine.Fallback)), backup)
		engine = chain
	}

	if threads == 0 {
		threads = cfg.Engine.Threads
	}
	if threads > 0 {
		engine.SetThreads(threads)
	}
	if cfg.Engine.Language != "" {
		if err := engine.SetLanguage(cfg.Engine.Language); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// engineKind returns the block's kind with the default applied.
func engineKind(e config.EngineConfig) config.EngineKind {
	if e.Kind == "" {
		return config.EngineWhisperCPP
	}
	return e.Kind
}

// newEngine constructs a single ASR backend from one engine block.
func newEngine(e config.EngineConfig) (asr.Engine, error) {
	switch engineKind(e) {
	case config.EngineWhisperCPP:
		return whispercpp.New(), nil
	case config.EngineOpenAI:
		var opts []openaiasr.Option
		if e.BaseURL != "" {
			opts = append(opts, openaiasr.WithBaseURL(e.BaseURL))
		}
		return openaiasr.New(e.APIKey, opts...)
	default:
		return nil, fmt.Errorf("unknown engine kind %q", e.Kind)
	}
}

// buildArchive opens the configured transcript archive, or returns nil when
// none is configured.
func buildArchive(ctx context.Context, cfg *config.Config, embedder embed.Embedder) (store.Archive, error) {
	switch {
	case cfg.Archive.SQLitePath != "":
		return sqlitestore.Open(cfg.Archive.SQLitePath)
	case cfg.Archive.PostgresDSN != "":
		dim := logmel.DefaultMels
		if embedder != nil {
			dim = embedder.Dim()
		}
		return pgstore.New(ctx, cfg.Archive.PostgresDSN, dim)
	default:
		return nil, nil
	}
}

// recordingOpener wraps the default source opener so every captured chunk is
// also written to rec.
func recordingOpener(rec *audio.Recorder) func(audio.Device, audio.OpenConfig) (audio.Source, error) {
	return func(dev audio.Device, oc audio.OpenConfig) (audio.Source, error) {
		src, err := audio.Open(dev, oc)
		if err != nil {
			return nil, err
		}
		return &teeSource{Source: src, rec: rec}, nil
	}
}

// teeSource forwards a source's chunks while copying the samples into a WAV
// recording.
type teeSource struct {
	audio.Source
	rec *audio.Recorder

	out  chan audio.Chunk
	once bool
}

func (t *teeSource) Chunks() <-chan audio.Chunk {
	if !t.once {
		t.once = true
		t.out = make(chan audio.Chunk, 64)
		go func() {
			defer close(t.out)
			for c := range t.Source.Chunks() {
				mono := audio.DownmixMono(c.Samples, c.Channels)
				if err := t.rec.Write(audio.Resample16k(mono, c.SampleRate)); err != nil {
					slog.Warn("recording write failed", "err", err)
				}
				t.out <- c
			}
		}()
	}
	return t.out
}

// printChunk renders one transcription chunk.
func printChunk(c controller.TranscriptionChunk) {
	speaker := "S?"
	if c.SpeakerID >= 0 {
		speaker = fmt.Sprintf("S%d", c.SpeakerID)
	}
	fmt.Printf("[%s %s–%s] %s\n",
		speaker, formatMs(c.StartMs), formatMs(c.EndMs), c.Text)
}

// printSummary renders the per-speaker totals at session end.
func printSummary(ctrl *controller.Controller) {
	stats := ctrl.SpeakerStatsList()
	if len(stats) == 0 {
		return
	}
	fmt.Println("\n── speakers ─────────────────────────────")
	for _, s := range stats {
		fmt.Printf("  S%d: %2d segment(s), %6.1fs speaking time\n",
			s.SpeakerID, s.SegmentCount, float64(s.TotalSpeakingTimeMs)/1000)
	}
}

// formatMs renders milliseconds as m:ss.mmm.
func formatMs(ms int64) string {
	if ms < 0 {
		ms = 0
	}
	return fmt.Sprintf("%d:%02d.%03d", ms/60000, (ms/1000)%60, ms%1000)
}

// newLogger builds the process-wide slog logger at the configured level.
func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
