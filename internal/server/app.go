// Package server builds the msgbridge application graph and runs it.
package server

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"cloud.google.com/go/storage"
	backend "github.com/redis/go-redis/v9"
	"github.com/spf13/afero"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/msgbridge/internal/api"
	"github.com/JakeFAU/msgbridge/internal/clock/system"
	"github.com/JakeFAU/msgbridge/internal/config"
	"github.com/JakeFAU/msgbridge/internal/dispatcher"
	"github.com/JakeFAU/msgbridge/internal/id/uuid"
	"github.com/JakeFAU/msgbridge/internal/job"
	"github.com/JakeFAU/msgbridge/internal/metrics"
	"github.com/JakeFAU/msgbridge/internal/provision"
	memorypublisher "github.com/JakeFAU/msgbridge/internal/publisher/memory"
	gcppublisher "github.com/JakeFAU/msgbridge/internal/publisher/pubsub"
	queueMemory "github.com/JakeFAU/msgbridge/internal/queue/memory"
	"github.com/JakeFAU/msgbridge/internal/ratelimit"
	"github.com/JakeFAU/msgbridge/internal/telemetry"
	gcsstorage "github.com/JakeFAU/msgbridge/internal/storage/gcs"
	localstorage "github.com/JakeFAU/msgbridge/internal/storage/local"
	memoryStorage "github.com/JakeFAU/msgbridge/internal/storage/memory"
	pgstore "github.com/JakeFAU/msgbridge/internal/storage/postgres"
	"github.com/JakeFAU/msgbridge/internal/worker"
)

// Options carries the inputs Build cannot read from Config.
type Options struct {
	// Mode is the resolved deployment mode for the boot-time install.
	Mode provision.Mode
	// FS backs the installer and the local blob store. Nil uses the OS filesystem.
	FS afero.Fs
}

// App contains the application's dependencies.
type App struct {
	cfg       config.Config
	mode      provision.Mode
	logger    *zap.Logger
	apiServer *api.Server
	dispatch  *dispatcher.Dispatcher
	queue     *queueMemory.Queue
	readiness *api.Readiness
	installer *provision.Installer
	handler   http.Handler

	shutdownTracing func(context.Context) error
	storage         *storage.Client
	publisher       *gcppublisher.Publisher
	jobStore        *pgstore.JobStore
	redisClient     *backend.Client
}

// Build creates the application's dependencies. Call Close when Build succeeds.
func Build(ctx context.Context, cfg config.Config, opts Options, logger *zap.Logger) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.FS == nil {
		opts.FS = afero.NewOsFs()
	}
	metrics.Init()
	app := &App{
		cfg:       cfg,
		mode:      opts.Mode,
		logger:    logger,
		readiness: api.NewReadiness(),
	}
	logger.Info("building application dependencies",
		zap.Int("port", cfg.Server.Port),
		zap.Stringer("mode", opts.Mode),
		zap.String("storage_backend", cfg.Storage.Backend),
	)

	built := false
	defer func() {
		if !built {
			app.closeInfrastructure()
		}
	}()

	if err := app.setupTelemetry(ctx); err != nil {
		return nil, err
	}
	blobStore, err := app.setupStorage(ctx, opts.FS)
	if err != nil {
		return nil, err
	}
	jobStore, err := app.setupJobStore(ctx)
	if err != nil {
		return nil, err
	}
	publisher, err := app.setupPublisher(ctx)
	if err != nil {
		return nil, err
	}
	limiter, err := app.setupLimiter()
	if err != nil {
		return nil, err
	}
	app.installer, err = NewInstaller(cfg.Browser, opts.FS, logger.Named("installer"))
	if err != nil {
		return nil, err
	}

	clock := system.New()
	app.queue = queueMemory.NewQueue(cfg.Queue.Depth)
	app.dispatch = app.setupDispatcher(jobStore, blobStore, publisher, clock)

	app.apiServer = api.NewServer(api.Deps{
		Jobs:      jobStore,
		Blobs:     blobStore,
		Queue:     app.dispatch,
		IDs:       uuid.New(),
		Clock:     clock,
		Readiness: app.readiness,
		Limiter:   limiter,
	}, cfg, logger.Named("api"))
	app.handler = app.apiServer.Handler()
	if cfg.Telemetry.Enabled {
		app.handler = otelhttp.NewHandler(app.handler, "http.server",
			otelhttp.WithFilter(traced),
			otelhttp.WithSpanNameFormatter(telemetry.SpanNameFormatter),
		)
	}

	built = true
	return app, nil
}

// Handler exposes the HTTP handler, mainly for tests.
func (a *App) Handler() http.Handler {
	return a.handler
}

// traced excludes probes and scrapes from request tracing.
func traced(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/readyz", "/metrics":
		return false
	}
	return true
}

// Readiness reports the boot-time install state.
func (a *App) Readiness() *api.Readiness {
	return a.readiness
}

// Run listens on the configured port and blocks until SIGINT, SIGTERM or ctx ends.
func (a *App) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", a.cfg.Server.Port))
	if err != nil {
		return fmt.Errorf("listen on port %d: %w", a.cfg.Server.Port, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the installer, the workers and the HTTP server on ln until ctx ends, then
// drains them within the shutdown budget.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	ctx, stop := context.WithCancel(ctx)
	defer stop()

	a.startInstall(ctx)

	// Workers outlive ctx so in-flight exports can finish during the drain.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()
	var workers sync.WaitGroup
	workers.Add(1)
	go func() {
		defer workers.Done()
		a.logger.Info("dispatcher started", zap.Int("workers", a.dispatch.Size()))
		a.dispatch.Run(workCtx)
	}()

	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: a.cfg.Server.ReadHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("http server started", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("http server error", zap.Error(err))
			serveErr <- err
			stop()
		}
	}()

	<-ctx.Done()
	a.logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownBudget())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}

	a.queue.Close()
	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-shutdownCtx.Done():
		a.logger.Warn("workers did not drain before the shutdown budget; canceling")
		cancelWork()
		<-drained
	}

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

func (a *App) startInstall(ctx context.Context) {
	if !a.cfg.Browser.InstallOnBoot {
		a.logger.Info("boot-time browser install disabled")
		a.readiness.MarkReady(a.mode)
		return
	}
	go a.readiness.Watch(a.installer.Start(ctx, a.mode))
}

// Close releases external clients. It is safe to call more than once.
func (a *App) Close() error {
	if a.queue != nil {
		a.queue.Close()
	}
	a.closeInfrastructure()
	if err := a.logger.Sync(); err != nil {
		a.logger.Debug("logger sync failed", zap.Error(err))
	}
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.shutdownTracing != nil {
		ctx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownBudget())
		if err := a.shutdownTracing(ctx); err != nil {
			a.logger.Warn("tracer provider shutdown failed", zap.Error(err))
		}
		cancel()
		a.shutdownTracing = nil
	}
	if a.publisher != nil {
		if err := a.publisher.Close(); err != nil {
			a.logger.Warn("pubsub publisher close failed", zap.Error(err))
		}
		a.publisher = nil
	}
	if a.storage != nil {
		if err := a.storage.Close(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
		a.storage = nil
	}
	if a.jobStore != nil {
		a.jobStore.Close()
		a.jobStore = nil
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.logger.Warn("redis client close failed", zap.Error(err))
		}
		a.redisClient = nil
	}
}

func (a *App) setupTelemetry(ctx context.Context) error {
	tc := a.cfg.Telemetry
	if !tc.Enabled {
		a.logger.Info("tracing disabled")
		return nil
	}
	exporter, err := telemetry.NewExporter(tc, os.Stdout)
	if err != nil {
		return fmt.Errorf("trace exporter init failed: %w", err)
	}
	tp, err := telemetry.Init(ctx, tc, exporter)
	if err != nil {
		return fmt.Errorf("tracing init failed: %w", err)
	}
	a.shutdownTracing = tp.Shutdown
	a.logger.Info("tracing initialized",
		zap.String("service", tc.ServiceName),
		zap.String("exporter", tc.Exporter),
		zap.Float64("sample_ratio", tc.SampleRatio),
	)
	return nil
}

func (a *App) setupStorage(ctx context.Context, fs afero.Fs) (job.BlobStore, error) {
	switch a.cfg.Storage.Backend {
	case "gcs":
		a.logger.Info("using GCS storage backend", zap.String("bucket", a.cfg.Storage.Bucket))
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client init failed: %w", err)
		}
		a.storage = client
		blobStore, err := gcsstorage.New(client, gcsstorage.Config{Bucket: a.cfg.Storage.Bucket})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		if err := blobStore.Check(ctx); err != nil {
			return nil, fmt.Errorf("gcs bucket check failed: %w", err)
		}
		return blobStore, nil
	case "local":
		a.logger.Info("using local storage backend", zap.String("path", a.cfg.Storage.LocalBaseDir))
		blobStore, err := localstorage.New(fs, localstorage.Config{BaseDir: a.cfg.Storage.LocalBaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		return blobStore, nil
	default:
		a.logger.Info("using in-memory storage backend")
		return memoryStorage.NewBlobStore(), nil
	}
}

func (a *App) setupJobStore(ctx context.Context) (job.Store, error) {
	if a.cfg.DB.DSN == "" {
		a.logger.Warn("no DSN specified for database, using in-memory job store")
		return memoryStorage.NewJobStore(), nil
	}
	store, err := pgstore.NewJobStore(ctx, pgstore.Config{
		DSN:             a.cfg.DB.DSN,
		Table:           a.cfg.DB.Table,
		MaxConns:        a.cfg.DB.MaxConns,
		MaxConnLifetime: a.cfg.DB.MaxConnLifetime,
	})
	if err != nil {
		return nil, fmt.Errorf("job store init failed: %w", err)
	}
	a.jobStore = store
	if err := store.EnsureSchema(ctx); err != nil {
		return nil, fmt.Errorf("job store schema: %w", err)
	}
	a.logger.Info("postgres job store initialized", zap.String("table", a.cfg.DB.Table))
	return store, nil
}

func (a *App) setupPublisher(ctx context.Context) (job.Publisher, error) {
	if a.cfg.PubSub.TopicName == "" || a.cfg.PubSub.ProjectID == "" {
		a.logger.Warn("no Pub/Sub topic configured, using in-memory publisher")
		return memorypublisher.New(), nil
	}
	publisher, err := gcppublisher.NewFromProject(ctx, a.cfg.PubSub.ProjectID, a.cfg.PubSub.TopicName)
	if err != nil {
		return nil, fmt.Errorf("pubsub publisher init failed: %w", err)
	}
	a.publisher = publisher
	a.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", a.cfg.PubSub.ProjectID),
		zap.String("topic", a.cfg.PubSub.TopicName),
	)
	return publisher, nil
}

func (a *App) setupLimiter() (ratelimit.Limiter, error) {
	rl := a.cfg.RateLimit
	if !rl.Enabled {
		a.logger.Info("rate limiter disabled")
		return nil, nil
	}
	if rl.Backend == "redis" {
		a.redisClient = backend.NewClient(&backend.Options{Addr: rl.RedisAddr})
		limit := redisLimit(rl)
		limiter, err := ratelimit.NewRedis(a.redisClient, ratelimit.RedisConfig{
			Limit:  limit,
			Window: rl.Window,
			Prefix: rl.KeyPrefix,
		})
		if err != nil {
			return nil, fmt.Errorf("redis rate limiter init failed: %w", err)
		}
		a.logger.Info("redis rate limiter enabled",
			zap.String("addr", rl.RedisAddr),
			zap.Int("limit", limit),
			zap.Duration("window", rl.Window),
		)
		return limiter, nil
	}
	a.logger.Info("rate limiter enabled",
		zap.Float64("rps", rl.RPS),
		zap.Int("burst", rl.Burst),
	)
	return ratelimit.NewMemory(ratelimit.Config{RPS: rl.RPS, Burst: rl.Burst}), nil
}

// redisLimit converts the token-bucket settings into a per-window count so both
// backends admit roughly the same traffic.
func redisLimit(rl config.RateLimitConfig) int {
	limit := int(math.Ceil(rl.RPS * rl.Window.Seconds()))
	if limit < rl.Burst {
		limit = rl.Burst
	}
	if limit < 1 {
		limit = 1
	}
	return limit
}

func (a *App) setupDispatcher(
	jobStore job.Store,
	blobStore job.BlobStore,
	publisher job.Publisher,
	clock job.Clock,
) *dispatcher.Dispatcher {
	workerCfg := worker.Config{
		UploadPrefix:   a.cfg.Storage.UploadPrefix,
		ExportPrefix:   a.cfg.Storage.ExportPrefix,
		Topic:          a.cfg.PubSub.TopicName,
		JobTimeout:     a.cfg.Queue.JobTimeout,
		MaxUploadBytes: a.cfg.Storage.MaxUploadBytes,
	}
	a.logger.Info("worker config",
		zap.String("upload_prefix", workerCfg.UploadPrefix),
		zap.String("export_prefix", workerCfg.ExportPrefix),
		zap.String("topic", workerCfg.Topic),
		zap.Duration("job_timeout", workerCfg.JobTimeout),
	)

	runners := make([]dispatcher.Runner, 0, a.cfg.Queue.Workers)
	for i := 0; i < a.cfg.Queue.Workers; i++ {
		runners = append(runners, worker.New(
			a.queue,
			jobStore,
			blobStore,
			publisher,
			clock,
			workerCfg,
			a.logger.Named("worker").With(zap.Int("index", i)),
		))
	}
	return dispatcher.New(a.queue, runners)
}
