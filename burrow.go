package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/burrowql/burrow/admin"
	"github.com/burrowql/burrow/catalog"
	"github.com/burrowql/burrow/cfg"
	"github.com/burrowql/burrow/events"
	"github.com/burrowql/burrow/livequery"
	"github.com/burrowql/burrow/notify"
	"github.com/burrowql/burrow/schema"
	"github.com/burrowql/burrow/store"
	"github.com/burrowql/burrow/telemetry"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Exit codes for supervisors: 3 means the durable store could not be opened
// or migrated, 4 means the first schema build failed.
const (
	exitStoreFailure      = 3
	exitFirstBuildFailure = 4
)

func main() {
	flag.Parse()

	// Load configuration
	err := cfg.Load(*cfg.ConfigPathFlag)
	if err != nil {
		panic(err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("Invalid configuration: %v", err))
	}

	// Setup logging
	var writer io.Writer = zerolog.NewConsoleWriter()
	if cfg.Config.Logging.Format == "json" {
		writer = os.Stdout
	}
	gLog := zerolog.New(writer).
		With().
		Timestamp().
		Str("instance_id", cfg.Config.InstanceID).
		Logger()

	if cfg.Config.Logging.Verbose {
		log.Logger = gLog.Level(zerolog.DebugLevel)
	} else {
		log.Logger = gLog.Level(zerolog.InfoLevel)
	}

	log.Info().Msg("Burrow - Metadata-Driven Query & Event Core")
	log.Debug().Msg("Initializing telemetry")
	telemetry.InitializeTelemetry()
	telemetry.InitMetrics()

	// Open the shared durable store and run migrations
	log.Info().Str("path", cfg.Config.Store.Path).Msg("Opening durable store")
	st, err := store.Open(cfg.Config.Store.Path, cfg.Config.Store.BusyTimeoutMS)
	if err != nil {
		log.Error().Err(err).Msg("Failed to open durable store")
		os.Exit(exitStoreFailure)
	}
	defer st.Close()

	// Metadata version notifier: in-process hub, or NATS when instances
	// span processes
	notifier := buildNotifier()
	defer notifier.Close()

	// Schema cache
	pool := catalog.NewPool()
	defer pool.Close()

	manager := schema.NewManager(catalog.NewSQLiteIntrospector(pool))
	pollInterval := time.Duration(cfg.Config.Sync.PollIntervalSecs) * time.Second
	syncer := schema.NewSyncer(st, manager, notifier, pollInterval)

	// First build before serving anything. A fresh store with no metadata is
	// fine; a stored document that cannot build is not.
	buildCtx, cancelBuild := context.WithTimeout(context.Background(), 30*time.Second)
	err = syncer.ApplyLatest(buildCtx)
	cancelBuild()
	if err != nil {
		log.Error().Err(err).Msg("First schema build failed")
		os.Exit(exitFirstBuildFailure)
	}
	syncer.Start()
	defer syncer.Stop()

	// Live query engine
	transport := livequery.NewLocalTransport()
	defer transport.Close()

	lqEngine, err := livequery.NewEngine(
		manager,
		catalog.NewSQLCompiler(),
		catalog.NewSQLExecutor(pool),
		transport,
		livequery.Config{
			PollInterval:  time.Duration(cfg.Config.LiveQuery.PollIntervalMS) * time.Millisecond,
			GracePeriod:   time.Duration(cfg.Config.LiveQuery.GracePeriodSecs) * time.Second,
			PlanCacheSize: cfg.Config.LiveQuery.PlanCacheSize,
			BatchMaxSize:  cfg.Config.LiveQuery.BatchMaxSize,
		},
	)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create live query engine")
		return
	}
	defer lqEngine.Stop()

	// Event delivery: shared latch, registry and webhook deliverer feeding
	// one engine per class
	latch := events.NewLatch()
	registry := events.NewRegistry()
	deliverer := events.NewDeliverer(st, events.RetryPolicy{
		MaxTries:       cfg.Config.Events.MaxTries,
		AttemptTimeout: time.Duration(cfg.Config.Events.DeliveryTimeoutMS) * time.Millisecond,
		Initial:        time.Duration(cfg.Config.Events.RetryInitialMS) * time.Millisecond,
		Max:            time.Duration(cfg.Config.Events.RetryMaxMS) * time.Millisecond,
		Multiplier:     cfg.Config.Events.RetryMultiplier,
	})

	instance := cfg.Config.InstanceID
	triggerSource := events.NewTriggerSource(st, deliverer, manager, instance)
	cronSource := events.NewCronSource(st, deliverer, instance)
	scheduledSource := events.NewScheduledSource(st, deliverer, instance)

	engines := []*events.Engine{
		events.NewEngine(triggerSource, registry, latch, engineConfig(cfg.Config.Events.Trigger)),
		events.NewEngine(cronSource, registry, latch, engineConfig(cfg.Config.Events.Cron)),
		events.NewEngine(scheduledSource, registry, latch, engineConfig(cfg.Config.Events.Scheduled)),
	}
	for _, engine := range engines {
		engine.Start()
	}

	generator := events.NewCronGenerator(st, manager, latch,
		time.Duration(cfg.Config.Events.CronHorizonSecs)*time.Second)
	generator.Start()

	sweeper := events.NewSweeper(st, latch, cfg.Config.Events.StaleLockThreshold())
	sweeper.Start()

	// Admin API
	var adminServer *admin.Server
	if cfg.Config.Admin.Enabled {
		handlers := admin.NewHandlers(st, manager, syncer, lqEngine, registry)
		adminServer = admin.NewServer(handlers)
		adminServer.Start()
	}

	log.Info().
		Str("instance_id", instance).
		Str("store", cfg.Config.Store.Path).
		Int64("schema_version", syncer.AppliedVersion()).
		Msg("Burrow is operational")

	// Wait for termination
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	sig := <-signals
	log.Info().Str("signal", sig.String()).Msg("Termination signal received")

	// Trip the latch: loops stop claiming new work, then drain in-flight
	// deliveries within the budget
	latch.Trip()
	for _, engine := range engines {
		engine.WaitStopped()
	}
	generator.WaitStopped()
	sweeper.WaitStopped()

	coordinator := events.NewCoordinator(registry, st, instance, cfg.Config.Events.ShutdownBudget())
	coordinator.Drain()

	if adminServer != nil {
		stopCtx, cancelStop := context.WithTimeout(context.Background(), 5*time.Second)
		adminServer.Stop(stopCtx)
		cancelStop()
	}

	log.Info().Msg("Burrow stopped")
}

// buildNotifier selects the metadata version notifier from configuration.
// A NATS connection failure degrades to the in-process hub: sync then relies
// on the fallback poll alone.
func buildNotifier() notify.Notifier {
	if cfg.Config.Sync.NotifierType == "nats" {
		notifier, err := notify.NewNatsNotifier(cfg.Config.Sync.NatsURL, cfg.Config.Sync.NatsSubject)
		if err == nil {
			return notifier
		}
		log.Warn().Err(err).Msg("NATS notifier unavailable, falling back to poll-only sync")
	}
	return notify.NewHub()
}

func engineConfig(class cfg.EventClassConfiguration) events.EngineConfig {
	return events.EngineConfig{
		FetchInterval: time.Duration(class.FetchIntervalMS) * time.Millisecond,
		BatchSize:     class.FetchBatchSize,
		PoolSize:      class.PoolSize,
	}
}
