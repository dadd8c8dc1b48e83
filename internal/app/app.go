// Package app assembles the rotator's services from configuration: stores,
// queue, engine, worker pool, progress pipeline and the HTTP API. Build
// constructs everything once at startup; the commands then run the wired
// App in batch or serve mode.
package app

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	gstorage "cloud.google.com/go/storage"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/JakeFAU/proxy-session-rotator/internal/api"
	"github.com/JakeFAU/proxy-session-rotator/internal/clock/system"
	"github.com/JakeFAU/proxy-session-rotator/internal/config"
	"github.com/JakeFAU/proxy-session-rotator/internal/detector"
	"github.com/JakeFAU/proxy-session-rotator/internal/dispatcher"
	collyfetcher "github.com/JakeFAU/proxy-session-rotator/internal/fetcher/colly"
	headlessfetcher "github.com/JakeFAU/proxy-session-rotator/internal/fetcher/headless"
	"github.com/JakeFAU/proxy-session-rotator/internal/fingerprint"
	"github.com/JakeFAU/proxy-session-rotator/internal/hash/sha256"
	idgen "github.com/JakeFAU/proxy-session-rotator/internal/id/uuid"
	"github.com/JakeFAU/proxy-session-rotator/internal/metrics"
	"github.com/JakeFAU/proxy-session-rotator/internal/policy/bypass"
	"github.com/JakeFAU/proxy-session-rotator/internal/policy/ratelimit"
	"github.com/JakeFAU/proxy-session-rotator/internal/progress"
	"github.com/JakeFAU/proxy-session-rotator/internal/progress/sinks"
	memqueue "github.com/JakeFAU/proxy-session-rotator/internal/queue/memory"
	pubsubqueue "github.com/JakeFAU/proxy-session-rotator/internal/queue/pubsub"
	memorypublisher "github.com/JakeFAU/proxy-session-rotator/internal/publisher/memory"
	pubsubpublisher "github.com/JakeFAU/proxy-session-rotator/internal/publisher/pubsub"
	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
	"github.com/JakeFAU/proxy-session-rotator/internal/storage/gcs"
	"github.com/JakeFAU/proxy-session-rotator/internal/storage/local"
	memstore "github.com/JakeFAU/proxy-session-rotator/internal/storage/memory"
	"github.com/JakeFAU/proxy-session-rotator/internal/storage/postgres"
	"github.com/JakeFAU/proxy-session-rotator/internal/store"
	"github.com/JakeFAU/proxy-session-rotator/internal/worker"
)

// App holds the shared, long-lived services for one process. Fields are
// populated by Build and released by Close in reverse dependency order.
type App struct {
	cfg    config.Config
	logger *zap.Logger
	runID  uuid.UUID

	clock rotation.Clock
	idGen rotation.IDGenerator

	requests  rotation.RequestStore
	blobs     rotation.BlobStore
	runs      store.RunRepository
	queue     rotation.Queue
	publisher rotation.Publisher
	hub       *progress.Hub
	engine    *rotation.Engine
	dispatch  *dispatcher.Dispatcher
	server    *api.Server

	// closers run in reverse order on Close; each owns one resource.
	closers []func(ctx context.Context)
}

// newTransport builds the plain HTTP transport. A variable so tests can
// substitute a canned transport without touching the rest of the wiring.
var newTransport = func(cfg config.Config) rotation.Transport {
	return collyfetcher.New(collyfetcher.Config{
		Timeout:     cfg.HTTPTimeout(),
		MaxBodySize: cfg.HTTP.MaxBodyBytes,
	})
}

// metricsRegistry receives the progress collectors. Tests swap in a fresh
// registry so repeated Builds do not collide on collector names.
var metricsRegistry prometheus.Registerer = prometheus.DefaultRegisterer

// Build wires every service the rotator needs from the loaded config. It
// fails fast: any backend that cannot be reached surfaces here, not on the
// first dispatch.
func Build(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	metrics.Init()

	idGen := idgen.NewUUIDGenerator()
	runID, err := idGen.NewRawID()
	if err != nil {
		return nil, fmt.Errorf("mint run id: %w", err)
	}

	a := &App{
		cfg:    cfg,
		logger: logger,
		runID:  runID,
		clock:  system.New(),
		idGen:  idGen,
	}

	if err := a.setupStores(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	if err := a.setupPipeline(ctx); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	if err := a.setupEngine(); err != nil {
		a.Close(context.Background())
		return nil, err
	}
	a.setupWorkers()

	a.server = api.NewServer(cfg, api.ServerDeps{
		Requests: a.requests,
		Pool:     a.engine.Pool(),
		Dispatch: a.dispatch,
		Runs:     a.runs,
		IDGen:    a.idGen,
		Clock:    a.clock,
		Logger:   logger.Named("api"),
	})

	logger.Info("services initialized",
		zap.String("run_id", a.runID.String()),
		zap.String("storage", cfg.Storage.Backend),
		zap.Bool("proxy", cfg.Proxy.Enabled),
		zap.Bool("headless", cfg.Headless.Enabled),
		zap.Int("workers", cfg.Workers.Count))
	return a, nil
}

// RunID identifies this process run in records and progress events.
func (a *App) RunID() uuid.UUID {
	return a.runID
}

// Logger returns the root logger for command-level messages.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// setupStores chooses the request, blob and run stores from config.
func (a *App) setupStores(ctx context.Context) error {
	a.requests = memstore.NewRequestStore()

	switch a.cfg.Storage.Backend {
	case "memory", "":
		a.blobs = memstore.NewBlobStore()
	case "local":
		blobs, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("init local storage: %w", err)
		}
		a.blobs = blobs
	case "gcs":
		client, err := gstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("init gcs client: %w", err)
		}
		closeClient := func(context.Context) {
			if cerr := client.Close(); cerr != nil {
				a.logger.Warn("gcs client close failed", zap.Error(cerr))
			}
		}
		blobs, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket})
		if err != nil {
			closeClient(ctx)
			return fmt.Errorf("init gcs storage: %w", err)
		}
		a.blobs = blobs
		a.closers = append(a.closers, closeClient)
	default:
		return fmt.Errorf("unknown storage backend %q", a.cfg.Storage.Backend)
	}

	if a.cfg.DB.DSN == "" {
		a.runs = memstore.NewRunRepo()
		return nil
	}
	runs, err := postgres.NewRunStore(ctx, postgres.RunStoreConfig{
		DSN:             a.cfg.DB.DSN,
		SessionTable:    a.cfg.DB.SessionTable,
		MaxConns:        a.cfg.DB.MaxConns,
		MinConns:        a.cfg.DB.MinConns,
		MaxConnLifetime: time.Duration(a.cfg.DB.ConnLifetimeMin) * time.Minute,
	})
	if err != nil {
		return fmt.Errorf("init run store: %w", err)
	}
	a.runs = runs
	a.closers = append(a.closers, func(context.Context) {
		runs.Close()
	})
	return nil
}

// setupPipeline wires the queue, the result publisher and the progress hub.
// When Pub/Sub is configured the queue and publisher share one client.
func (a *App) setupPipeline(ctx context.Context) error {
	if a.cfg.PubSub.ProjectID != "" {
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("init pubsub client: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) {
			if cerr := client.Close(); cerr != nil {
				a.logger.Warn("pubsub client close failed", zap.Error(cerr))
			}
		})
		queue, err := pubsubqueue.NewWithClient(ctx, client, pubsubqueue.Config{
			ProjectID:      a.cfg.PubSub.ProjectID,
			TopicID:        a.cfg.PubSub.TopicID,
			SubscriptionID: a.cfg.PubSub.SubscriptionID,
			MaxOutstanding: a.cfg.PubSub.MaxOutstanding,
		}, a.logger.Named("queue"))
		if err != nil {
			return fmt.Errorf("init pubsub queue: %w", err)
		}
		a.queue = queue
		pub := pubsubpublisher.New(client)
		a.publisher = pub
		a.closers = append(a.closers, func(context.Context) {
			pub.Close()
		})
	} else {
		a.queue = memqueue.NewQueue(a.cfg.Workers.QueueCapacity)
		a.publisher = memorypublisher.New()
	}

	sinkList := []progress.Sink{sinks.NewLogSink(a.logger.Named("progress"))}
	promSink, err := sinks.NewPrometheusSink(metricsRegistry)
	if err != nil {
		return fmt.Errorf("init prometheus sink: %w", err)
	}
	sinkList = append(sinkList, promSink)
	sinkList = append(sinkList, sinks.NewStoreSink(a.runs, a.logger.Named("progress")))

	a.hub = progress.NewHub(progress.Config{
		BufferSize:     a.cfg.Progress.BufferSize,
		MaxBatchEvents: a.cfg.Progress.BatchSize,
		MaxBatchWait:   time.Duration(a.cfg.Progress.FlushSeconds) * time.Second,
		Logger:         a.logger.Named("progress"),
	}, sinkList...)
	return nil
}

// setupEngine builds the rotation engine with its transports and policies.
func (a *App) setupEngine() error {
	hasher := sha256.New()
	fingerprints, err := fingerprint.New(
		fingerprint.DefaultProfiles(), a.cfg.Rotation.Seed, hasher, a.logger.Named("fingerprint"))
	if err != nil {
		return fmt.Errorf("init fingerprints: %w", err)
	}

	var credential rotation.Credential
	if a.cfg.Proxy.Enabled {
		credential = a.cfg.ProxyCredential()
	}

	var headless rotation.Transport
	if a.cfg.Headless.Enabled {
		proxyAddr := ""
		if a.cfg.Proxy.Enabled {
			proxyAddr = fmt.Sprintf("%s:%d", credential.Host, credential.Port)
		}
		chrome, herr := headlessfetcher.NewChromedp(headlessfetcher.Config{
			MaxParallel:       a.cfg.Headless.MaxParallel,
			NavigationTimeout: a.cfg.NavTimeout(),
			ProxyAddr:         proxyAddr,
		})
		if herr != nil {
			a.logger.Warn("headless transport init failed, staying on the fast path", zap.Error(herr))
		} else {
			headless = chrome
			a.closers = append(a.closers, func(context.Context) {
				chrome.Close()
			})
		}
	}

	runID := progress.UUIDToBytes(a.runID)
	engine, err := rotation.NewEngine(a.cfg.EngineConfig(), rotation.EngineDeps{
		Credential:   credential,
		Fingerprints: fingerprints,
		Transport:    newTransport(a.cfg),
		Headless:     headless,
		Detector: detector.NewHeuristic(
			a.cfg.Detector.MinBodyBytes, a.cfg.Detector.Markers, a.cfg.Detector.Keywords),
		HostGate: ratelimit.New(ratelimit.Config{
			DefaultRPS:   a.cfg.RateLimit.RPS,
			DefaultBurst: a.cfg.RateLimit.Burst,
			MaxPerHost:   a.cfg.RateLimit.MaxPerHost,
		}),
		Bypass:       bypass.New(a.cfg.Bypass.Names...),
		RetryPolicy:  rotation.NewExponentialBackoff(a.cfg.Rotation.MaxRetries),
		Pause:        rotation.TimerPause{},
		Clock:        a.clock,
		IDs:          a.idGen,
		Logger:       a.logger.Named("rotation"),
		Observer:     poolObserver{hub: a.hub, runID: runID, clock: a.clock},
		PostResponse: retryHook(a.hub, runID, a.clock),
	})
	if err != nil {
		return fmt.Errorf("init engine: %w", err)
	}
	a.engine = engine
	return nil
}

// setupWorkers builds the worker pool and the dispatcher over the queue.
func (a *App) setupWorkers() {
	count := a.cfg.Workers.Count
	if count <= 0 {
		count = 1
	}
	workerCfg := worker.Config{
		ContentType: a.cfg.Storage.ContentType,
		BlobPrefix:  a.cfg.Storage.Prefix,
		Topic:       a.cfg.Publisher.Topic,
		RunID:       a.runID,
	}
	workers := make([]*worker.Worker, 0, count)
	for i := 0; i < count; i++ {
		workers = append(workers, worker.New(
			a.queue,
			a.requests,
			a.engine,
			a.blobs,
			a.publisher,
			sha256.New(),
			a.clock,
			a.hub,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	a.dispatch = dispatcher.New(a.queue, workers)
}

// Close shuts the services down. The hub goes first so buffered progress
// events still reach the stores that close afterwards.
func (a *App) Close(ctx context.Context) {
	if a.hub != nil {
		if err := a.hub.Close(ctx); err != nil {
			a.logger.Warn("progress hub close failed", zap.Error(err))
		}
	}
	if a.engine != nil {
		a.engine.Close()
	}
	a.closeQueue()
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i](ctx)
	}
}

// closeQueue ends the queue's feed so draining workers observe
// rotation.ErrQueueClosed. Both queue implementations tolerate repeat
// closes.
func (a *App) closeQueue() {
	switch q := a.queue.(type) {
	case *memqueue.Queue:
		q.Close()
	case interface{ Close() error }:
		if err := q.Close(); err != nil {
			a.logger.Warn("queue close failed", zap.Error(err))
		}
	}
}
