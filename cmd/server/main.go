package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/cors"

	"github.com/example/ride-dispatcher/internal/config"
	"github.com/example/ride-dispatcher/internal/dispatch"
	"github.com/example/ride-dispatcher/internal/drivers"
	"github.com/example/ride-dispatcher/internal/eta"
	"github.com/example/ride-dispatcher/internal/events"
	"github.com/example/ride-dispatcher/internal/geo"
	httpapi "github.com/example/ride-dispatcher/internal/http"
	"github.com/example/ride-dispatcher/internal/ingest"
	"github.com/example/ride-dispatcher/internal/logging"
	"github.com/example/ride-dispatcher/internal/matcher"
	"github.com/example/ride-dispatcher/internal/observability"
	"github.com/example/ride-dispatcher/internal/rides"
	"github.com/example/ride-dispatcher/internal/storage"
	"github.com/example/ride-dispatcher/internal/timer"
)

func main() {
	envErr := godotenv.Load()
	cfg, err := config.LoadServerConfig()
	logger := logging.NewLogger(cfg.LogLevel)
	if envErr != nil {
		logger.Debug("no .env file loaded", "error", envErr)
	}
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := observability.SetupTracing(ctx, cfg.OTLPEndpoint, cfg.TraceSampleRatio)
	if err != nil {
		logger.Error("tracing setup failed", "endpoint", cfg.OTLPEndpoint, "error", err)
		os.Exit(1)
	}

	store := storage.NewMemoryStore()

	var index geo.Geo = geo.NewIndex()
	var redisGeo *geo.RedisGeo
	if cfg.RedisAddr != "" {
		redisGeo = geo.NewRedisGeo(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoPrefix)
		if err := redisGeo.Ping(ctx); err != nil {
			logger.Error("redis unreachable", "addr", cfg.RedisAddr, "error", err)
			os.Exit(1)
		}
		index = redisGeo
		logger.Info("using redis geo index", "addr", cfg.RedisAddr, "prefix", cfg.RedisGeoPrefix)
	}

	var sinks []events.Sink
	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaEventsTopic)
		sinks = append(sinks, producer)
	}
	var journal *storage.PostgresJournal
	if cfg.PGDSN != "" {
		journal, err = storage.NewPostgresJournal(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres journal unavailable", "error", err)
			os.Exit(1)
		}
		if cfg.RunMigrations {
			if err := journal.Migrate(ctx); err != nil {
				logger.Error("migration failed", "error", err)
				os.Exit(1)
			}
			logger.Info("migration applied", "table", "ride_events")
		}
		sinks = append(sinks, journal)
	}
	bus := events.NewBus(1024, logger, sinks...)

	timers := timer.NewManager(cfg.TimerWorkers, logger)
	ws := dispatch.NewWSRegistry()

	estimator := &eta.Estimator{Cache: eta.NewCache(cfg.ETACacheTTL), DefaultSpeedMps: cfg.DefaultSpeedMps}
	switch {
	case cfg.OSRMURL != "":
		estimator.Client = eta.NewOSRMClient(cfg.OSRMURL)
	case cfg.GoogleMapsAPIKey != "":
		gc, err := eta.NewGoogleClient(cfg.GoogleMapsAPIKey)
		if err != nil {
			logger.Error("google maps client", "error", err)
			os.Exit(1)
		}
		estimator.Client = gc
	}

	m := &matcher.Service{
		Geo:         index,
		Store:       store,
		Timers:      timers,
		Notifier:    dispatch.NewPushNotifier(cfg.PingWebhookURL, ws),
		ETA:         estimator,
		Events:      bus,
		Logger:      logger,
		LockTimeout: cfg.LockTimeout,
		PingTimeout: cfg.PingTimeout,
		MaxRings:    cfg.MaxRings,
	}
	rideSvc := &rides.Service{
		Store:   store,
		Matcher: m,
		Timers:  timers,
		Events:  bus,
		Logger:  logger,
		Stages: rides.Stages{
			Arriving: cfg.ArrivingDelay,
			OnTrip:   cfg.OnTripDelay,
			Complete: cfg.CompleteDelay,
		},
		LockTimeout:         cfg.LockTimeout,
		ValidateCoordinates: cfg.ValidateCoordinates,
	}
	driverSvc := &drivers.Service{
		Store:               store,
		Geo:                 index,
		Logger:              logger,
		LockTimeout:         cfg.LockTimeout,
		ValidateCoordinates: cfg.ValidateCoordinates,
	}
	observability.TrackDriversOnline(driverSvc.CountOnline)

	go m.Run(ctx, cfg.RetryInterval)

	var consumer *ingest.LocationConsumer
	if len(cfg.KafkaBrokers) > 0 {
		consumer = ingest.NewLocationConsumer(cfg.KafkaBrokers, cfg.KafkaLocationsTopic, cfg.KafkaGroup, driverSvc, logger)
		go func() {
			if err := consumer.Run(ctx); err != nil {
				logger.Error("location consumer stopped", "error", err)
			}
		}()
		logger.Info("consuming driver locations", "topic", cfg.KafkaLocationsTopic, "brokers", cfg.KafkaBrokers, "group", cfg.KafkaGroup)
	}

	api := httpapi.NewServer(rideSvc, driverSvc, ws, logger)
	if redisGeo != nil {
		api.AddReadinessCheck("redis", redisGeo.Ping)
	}
	if journal != nil {
		api.History = journal
	}
	c := cors.New(cors.Options{
		AllowedOrigins: cfg.CORSAllowedOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "X-Request-ID"},
		ExposedHeaders: []string{"X-Request-ID"},
	})
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      c.Handler(api),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	go func() {
		logger.Info("ride-dispatcher listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("http shutdown", "error", err)
	}
	timers.Stop()
	bus.Close()
	if consumer != nil {
		_ = consumer.Close()
	}
	if producer != nil {
		_ = producer.Close()
	}
	if journal != nil {
		_ = journal.Close()
	}
	if redisGeo != nil {
		_ = redisGeo.Close()
	}
	if err := shutdownTracing(shutdownCtx); err != nil {
		logger.Error("tracing shutdown", "error", err)
	}
}
