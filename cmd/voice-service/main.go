// main package for the voice-service
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/book-expert/logger"
	"github.com/book-expert/voice-service/internal/artifact"
	"github.com/book-expert/voice-service/internal/audio"
	"github.com/book-expert/voice-service/internal/config"
	"github.com/book-expert/voice-service/internal/core"
	"github.com/book-expert/voice-service/internal/dispatch"
	"github.com/book-expert/voice-service/internal/engine"
	"github.com/book-expert/voice-service/internal/notify"
	"github.com/book-expert/voice-service/internal/objectstore"
	"github.com/book-expert/voice-service/internal/reaper"
	"github.com/book-expert/voice-service/internal/task"
	"github.com/book-expert/voice-service/internal/tts"
	"github.com/book-expert/voice-service/internal/voice"
	"github.com/book-expert/voice-service/internal/worker"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"
)

func setupLogger(logPath, fileName string) (*logger.Logger, error) {
	log, err := logger.New(logPath, fileName)
	if err != nil {
		return nil, fmt.Errorf("failed to create logger in %s: %w", logPath, err)
	}

	return log, nil
}

func run() error {
	bootstrapLog, err := setupLogger(os.TempDir(), "voice-service-bootstrap.log")
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: Failed to create bootstrap logger: %v\n", err)

		return err
	}

	bootstrapLog.Info("Bootstrap logger created.")

	config.LoadEnv(bootstrapLog)

	cfg, err := config.Load(bootstrapLog)
	if err != nil {
		bootstrapLog.Error("Failed to load configuration: %v", err)

		return fmt.Errorf("failed to load configuration: %w", err)
	}

	bootstrapLog.Info("Configuration loaded successfully.")

	finalLog, err := setupLogger(cfg.Paths.BaseLogsDir, "voice-service.log")
	if err != nil {
		bootstrapLog.Error("Failed to create final logger: %v", err)

		return fmt.Errorf("failed to create final logger: %w", err)
	}

	defer func() {
		closeErr := finalLog.Close()
		if closeErr != nil {
			fmt.Fprintf(os.Stderr, "error closing final logger: %v\n", closeErr)
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg, finalLog)
}

// serve wires the components and blocks until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	limits := audio.Limits{
		MaxSize:     cfg.Voices.MaxFileSizeBytes,
		MinDuration: cfg.Voices.MinAudioDuration(),
		MaxDuration: cfg.Voices.MaxAudioDuration(),
	}

	voices := voice.New(voice.Options{
		MetadataDir: cfg.Paths.VoiceMetadataDir,
		AudioDir:    cfg.Paths.VoiceAudioDir,
		Limits:      limits,
	}, log)

	err := voices.Load()
	if err != nil {
		return fmt.Errorf("failed to load voices: %w", err)
	}

	defer func() {
		closeErr := voices.Close()
		if closeErr != nil {
			log.Error("Failed to flush voice registry: %v", closeErr)
		}
	}()

	var natsConnection *nats.Conn

	if cfg.NATS.Enabled() {
		natsConnection, err = nats.Connect(cfg.NATS.URL, nats.Name("voice-service"))
		if err != nil {
			return fmt.Errorf("failed to connect to NATS at %s: %w", cfg.NATS.URL, err)
		}

		defer func() {
			drainErr := natsConnection.Drain()
			if drainErr != nil {
				log.Warn("Failed to drain NATS connection: %v", drainErr)
			}
		}()
	}

	artifacts, err := newArtifactStore(cfg, natsConnection)
	if err != nil {
		return err
	}

	gateway := engine.New(tts.NewHTTPClient(cfg.Engine.ServiceURL, cfg.Engine.Timeout()), engine.Options{
		Slots:         cfg.Engine.Workers,
		Timeout:       cfg.Engine.Timeout(),
		HealthTimeout: cfg.Engine.HealthCheckTimeout(),
	}, log)

	err = gateway.Start(ctx)
	if err != nil {
		log.Error("Engine at %s is unavailable; submissions will be rejected: %v", cfg.Engine.ServiceURL, err)
	}

	notifiers := []core.Notifier{notify.NewCallbackNotifier(cfg.Dispatch.CallbackTimeout())}
	if natsConnection != nil {
		notifiers = append(notifiers, notify.NewNatsPublisher(natsConnection, cfg.NATS.EventsSubjectPrefix))
	}

	registry := task.NewRegistry()

	dispatcher := dispatch.New(dispatch.Deps{
		Registry:  registry,
		Voices:    voices,
		Engine:    gateway,
		Encoder:   audio.WAVEncoder{},
		Artifacts: artifacts,
		Notifier:  notify.NewFanout(log, notifiers...),
	}, dispatch.Options{
		Workers:       cfg.Engine.Workers,
		QueueCapacity: cfg.Dispatch.QueueCapacity,
		MaxTextLength: cfg.Dispatch.MaxTextLength,
		DefaultSpeed:  cfg.Dispatch.DefaultSpeed,
		SampleRate:    cfg.Engine.SampleRate,
		PromptLimits:  limits,
	}, log)

	sweeper := reaper.New(registry, artifacts, voices, reaper.Options{
		Interval: cfg.Reaper.Interval(),
		TTL:      cfg.Reaper.TaskTTL(),
	}, log)

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error { return dispatcher.Run(groupCtx) })
	group.Go(func() error { return sweeper.Run(groupCtx) })

	if natsConnection != nil {
		intake := worker.NewNatsWorker(natsConnection, cfg.NATS.SubmitSubject, dispatcher, log)
		control := worker.NewControlWorker(natsConnection, cfg.NATS.ControlPrefix, voices, dispatcher, gateway, log)

		group.Go(func() error { return intake.Run(groupCtx) })
		group.Go(func() error { return control.Run(groupCtx) })
	}

	log.System("Voice-Service initialized: %d workers, queue capacity %d, %d voices",
		cfg.Engine.Workers, cfg.Dispatch.QueueCapacity, voices.Stats().Total)

	err = group.Wait()

	log.System("Voice-Service stopped. Final task stats: %+v", dispatcher.Stats())

	return err
}

func newArtifactStore(cfg *config.Config, natsConnection *nats.Conn) (core.ArtifactStore, error) {
	if !cfg.NATS.ArtifactsInObjectStore() || natsConnection == nil {
		store, err := artifact.NewFileStore(cfg.Paths.OutputDir)
		if err != nil {
			return nil, fmt.Errorf("failed to open output directory: %w", err)
		}

		return store, nil
	}

	jetstreamContext, err := natsConnection.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	store, err := objectstore.New(jetstreamContext, cfg.NATS.ArtifactBucket)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact bucket: %w", err)
	}

	return store, nil
}

func main() {
	err := run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Service exited with error: %v\n", err)
		os.Exit(1)
	}
}
