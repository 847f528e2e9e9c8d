package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/snarg/subcheck"
	"github.com/snarg/subcheck/internal/api"
	"github.com/snarg/subcheck/internal/audio"
	"github.com/snarg/subcheck/internal/captions"
	"github.com/snarg/subcheck/internal/config"
	"github.com/snarg/subcheck/internal/database"
	"github.com/snarg/subcheck/internal/events"
	"github.com/snarg/subcheck/internal/fetch"
	"github.com/snarg/subcheck/internal/metrics"
	"github.com/snarg/subcheck/internal/mqttclient"
	"github.com/snarg/subcheck/internal/pipeline"
	"github.com/snarg/subcheck/internal/report"
	"github.com/snarg/subcheck/internal/scoring"
	"github.com/snarg/subcheck/internal/segment"
	"github.com/snarg/subcheck/internal/storage"
	"github.com/snarg/subcheck/internal/transcribe"
	"github.com/snarg/subcheck/internal/vad"
	"github.com/snarg/subcheck/internal/watcher"
)

var version = "dev"

func main() {
	startTime := time.Now()

	var overrides config.Overrides
	flag.StringVar(&overrides.EnvFile, "env-file", "", "Path to .env file (default: .env)")
	flag.StringVar(&overrides.HTTPAddr, "listen", "", "HTTP listen address")
	flag.StringVar(&overrides.LogLevel, "log-level", "", "Log level (debug, info, warn, error)")
	flag.StringVar(&overrides.DatabaseURL, "database-url", "", "Report database URL (postgres:// or sqlite://)")
	flag.StringVar(&overrides.WorkDir, "work-dir", "", "Directory for job scratch files")
	flag.StringVar(&overrides.WatchDir, "watch-dir", "", "Inbox directory scanned for *.job.json requests")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}

	// Config
	cfg, err := config.Load(overrides)
	if err != nil {
		early := zerolog.New(os.Stderr).With().Timestamp().Logger()
		early.Fatal().Err(err).Msg("failed to load config")
	}

	// Logger
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	log.Info().Str("version", version).Msg("subcheck starting")

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if !audio.CheckFFmpeg() && !audio.CheckSox() {
		log.Warn().Msg("neither ffmpeg nor sox found in PATH, jobs will fail at conversion")
	}

	// Report storage
	storeLog := log.With().Str("component", "storage").Logger()
	store, services, err := storage.New(cfg.S3, cfg.ReportDir, storeLog)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize report storage")
	}
	var uploads metrics.UploadStats
	for _, svc := range services {
		svc.Start()
		defer svc.Stop()
		if u, ok := svc.(metrics.UploadStats); ok {
			uploads = u
		}
	}
	archive := report.NewArchive(store, storeLog)
	sinks := []pipeline.ReportSink{archive}

	// Database
	var db database.Store
	if cfg.DatabaseURL != "" {
		dbLog := log.With().Str("component", "database").Logger()
		db, err = database.Open(ctx, cfg.DatabaseURL, dbLog)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open report database")
		}
		defer db.Close()
		sinks = append(sinks, db)
	} else {
		log.Info().Msg("DATABASE_URL not set, reports are kept in storage only")
	}

	// Speech detection
	var detector pipeline.SpeechDetector = &vad.Energy{}
	if cfg.Models.VADURL != "" {
		detector = vad.NewClient(cfg.Models.VADURL, cfg.Models.WhisperTimeout)
		log.Info().Str("url", cfg.Models.VADURL).Msg("using remote VAD")
	} else {
		log.Info().Msg("VAD_URL not set, using energy-based speech detection")
	}

	// Scoring
	var sim scoring.Similarity = scoring.LexicalSimilarity{}
	if cfg.Models.EmbeddingURL != "" {
		sim = scoring.NewEmbeddingClient(cfg.Models.EmbeddingURL, cfg.Models.EmbeddingModel, 30*time.Second)
	}
	engine := scoring.NewEngine(sim, cfg.Pipeline.HybridAlpha, 30*time.Second)

	backends := transcribe.Backends{
		WhisperURL:    cfg.Models.WhisperURL,
		Timeout:       cfg.Models.WhisperTimeout,
		DeepInfraKey:  cfg.Models.DeepInfraKey,
		ElevenLabsKey: cfg.Models.ElevenLabsKey,
	}

	var searchDirs []string
	if cfg.WatchDir != "" {
		searchDirs = append(searchDirs, cfg.WatchDir)
	}

	// Live events and MQTT
	bus := events.NewBus(1024)
	var mqtt *mqttclient.Client
	var publisher events.Publisher
	if cfg.MQTT.Enabled() {
		mqtt, err = mqttclient.Connect(mqttclient.Options{
			BrokerURL: cfg.MQTT.BrokerURL,
			ClientID:  cfg.MQTT.ClientID,
			Topics:    events.SubmitTopic(cfg.MQTT.TopicPrefix),
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,

			AvailabilityTopic: cfg.MQTT.TopicPrefix + "/availability",

			Log: log,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to mqtt broker")
		}
		defer mqtt.Close()
		publisher = mqtt
	}
	notifier := events.NewNotifier(bus, publisher, cfg.MQTT.TopicPrefix, log)
	observer := metrics.NewJobObserver()

	// Pipeline
	orch := pipeline.New(pipeline.Options{
		WorkDir:      cfg.WorkDir,
		JobWorkers:   cfg.Pipeline.JobWorkers,
		QueueSize:    cfg.Pipeline.JobQueueSize,
		ChunkWorkers: cfg.Pipeline.ChunkWorkers,
		ChunkTimeout: cfg.Pipeline.ChunkTimeout,
		Retention:    cfg.Pipeline.Retention,
		Segment: segment.Options{
			Threshold:   cfg.Pipeline.SpeechThreshold,
			MergeGap:    cfg.Pipeline.MergeGap,
			TargetChunk: cfg.Pipeline.ChunkDuration,
			MinSpeech:   cfg.Pipeline.MinSpeech,
		},
		DefaultModel:    cfg.Models.DefaultModel,
		DefaultLanguage: cfg.Models.DefaultLanguage,
		Fetcher:         fetch.New(10*time.Minute, log, searchDirs...),
		Converter:       &audio.Converter{},
		Detector:        detector,
		Captions:        &captions.Source{YouTube: captions.NewYouTube(30*time.Second, log)},
		Transcribers: func(model string) (pipeline.Transcriber, error) {
			return backends.Provider(model)
		},
		Engine: engine,
		Sinks:  sinks,
		OnUpdate: func(s pipeline.Snapshot) {
			notifier.JobUpdated(s)
			observer.Observe(s)
		},
		Log: log,
	})
	orch.Start()
	defer orch.Stop()

	if mqtt != nil {
		mqtt.SetMessageHandler(events.SubmitHandler(orch, bus, publisher, cfg.MQTT.TopicPrefix, log))
	}

	pruner := storage.NewWorkPruner(cfg.WorkDir, cfg.Pipeline.Retention, log)
	pruner.Start()
	defer pruner.Stop()

	// Inbox watcher
	var inbox *watcher.Watcher
	if cfg.WatchDir != "" {
		inbox = watcher.New(cfg.WatchDir, orch, log)
		if err := inbox.Start(); err != nil {
			log.Fatal().Err(err).Str("dir", cfg.WatchDir).Msg("failed to start inbox watcher")
		}
		defer inbox.Stop()
	}

	// Metrics
	sources := metrics.Sources{Pipeline: orch, Uploads: uploads, Events: bus}
	if pg, ok := db.(*database.DB); ok {
		sources.Pool = pg.Pool
	}
	prometheus.MustRegister(metrics.NewCollector(sources))

	// HTTP Server
	healthDeps := api.HealthDeps{Jobs: orch}
	if db != nil {
		healthDeps.Database = db
	}
	if mqtt != nil {
		healthDeps.MQTT = mqtt
	}
	if inbox != nil {
		healthDeps.Watcher = inbox
	}
	var history api.History
	if db != nil {
		history = db
	}

	httpLog := log.With().Str("component", "http").Logger()
	srv := api.NewServer(api.ServerOptions{
		Addr:         cfg.HTTPAddr,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
		AuthToken:    cfg.AuthToken,
		CORSOrigins:  cfg.CORSOrigins,
		Jobs:         orch,
		Artifacts:    archive,
		History:      history,
		Events:       bus,
		Health:       api.NewHealthHandler(healthDeps, version, startTime),
		OpenAPI:      subcheck.OpenAPISpec,
		Log:          httpLog,
	})

	// Start HTTP server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	// Wait for shutdown signal or server error
	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server error")
		}
	}

	// Graceful shutdown with 10s timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http server shutdown error")
	}

	log.Info().Msg("subcheck stopped")
}
