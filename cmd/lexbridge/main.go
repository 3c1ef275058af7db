package main

import (
	"context"
	"errors"
	stdlog "log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"lexbridge/config"
	"lexbridge/internal/api"
	"lexbridge/internal/credstore"
	"lexbridge/internal/db"
	"lexbridge/internal/inbound"
	"lexbridge/internal/media"
	"lexbridge/internal/outbound"
	"lexbridge/internal/realtime"
	"lexbridge/internal/scheduler"
	"lexbridge/internal/session"
	"lexbridge/internal/wa"
	"lexbridge/pkg/logger"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	logger.InitLogger(cfg.LogLevel, cfg.LogFormat)

	ctx := context.Background()

	store, err := db.Open(ctx, cfg.DBType, cfg.DatabaseURL)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}
	defer store.Close()

	credentials, err := credstore.Open(ctx, cfg.DBType, cfg.SessionDBURL, store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize credential store")
	}
	log.Info().Msg("Credential store initialized successfully")

	var blobs media.BlobStore
	if cfg.S3.Enabled {
		s3Store, err := media.NewS3Store(cfg.S3)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize S3 blob store")
		}
		if err := s3Store.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("bucket", cfg.S3.Bucket).Msg("S3 bucket check failed")
		}
		blobs = s3Store
	} else {
		local, err := media.NewLocalStore(cfg.MediaDir)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to initialize local blob store")
		}
		blobs = local
	}

	var sinks []realtime.Sink
	if cfg.RabbitMQURL != "" {
		rabbit, err := realtime.DialRabbitMQ(cfg.RabbitMQURL, cfg.RabbitMQQueue, cfg.RabbitMQQueuePrefix, cfg.RabbitMQTopicQueues)
		if err != nil {
			log.Error().Err(err).Msg("RabbitMQ unavailable, realtime events will not be queued")
		} else {
			defer rabbit.Close()
			sinks = append(sinks, rabbit)
		}
	}
	if cfg.WebhookURL != "" {
		sinks = append(sinks, realtime.NewWebhook(cfg.WebhookURL, cfg.WebhookFormat))
	}
	fanout := realtime.NewFanout(sinks...)
	fanout.Start()
	defer fanout.Stop()

	manager := session.NewManager(session.Options{
		Store:            store,
		Opener:           wa.NewFactory(credentials, "lexbridge"),
		Credentials:      credentials,
		Publisher:        fanout,
		ReconnectDelay:   cfg.ReconnectDelay,
		IdentityCacheTTL: cfg.IdentityCacheTTL,
		CountryCode:      cfg.DefaultCountryCode,
		QRTerminal:       cfg.QRTerminal,
	})
	manager.SetHandler(inbound.NewPipeline(store, blobs, credentials, fanout))

	dispatcher := outbound.NewDispatcher(outbound.Options{
		Store:              store,
		Sessions:           manager,
		Blobs:              blobs,
		Publisher:          fanout,
		PresenceDelay:      cfg.PresenceDelay,
		AudioPresenceDelay: cfg.AudioPresenceDelay,
		SendRate:           cfg.SendRate,
		SendBurst:          cfg.SendBurst,
	})

	sweep := scheduler.NewSweep(store, dispatcher, cfg.SweepInterval)
	sweep.Start()

	if err := manager.RestoreAll(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to restore sessions")
	}

	httpLog := logger.Component("http")
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.New(manager, dispatcher, fanout, store, blobs, cfg.APIToken),
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          stdlog.New(httpLog, "", 0),
	}
	go func() {
		log.Info().Str("port", cfg.Port).Msg("Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	sig := <-stop
	log.Info().Str("signal", sig.String()).Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	sweep.Stop()
	manager.Shutdown()
}
