package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"labreserve/internal/api"
	"labreserve/internal/config"
	"labreserve/internal/database"
	"labreserve/internal/domain"
	"labreserve/internal/events"
	"labreserve/internal/google"
	"labreserve/internal/lock"
	"labreserve/internal/logging"
	"labreserve/internal/metrics"
	"labreserve/internal/notify"
	"labreserve/internal/repository"
	"labreserve/internal/service"
	"labreserve/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run() error {
	cfg, base, closer, err := loadConfigAndLogger()
	if err != nil {
		return err
	}
	if closer != nil {
		defer (func() { _ = closer.Close() })()
	}
	logger := logging.Component(base, "api-main")

	db, err := initDatabase(cfg, base)
	if err != nil {
		return err
	}
	defer db.Close()

	redisClient := initRedis(cfg, logger)
	if redisClient != nil {
		defer redisClient.Close()
	}

	locker, err := lock.New(cfg.Locking, redisClient, logging.Component(base, "lock"))
	if err != nil {
		logger.Error().Err(err).Str("backend", cfg.Locking.Backend).Msg("init locker")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := events.NewEventBus()

	engine := service.NewApprovalEngine(db, db, locker, bus, logging.Component(base, "approval"))
	approvals := worker.NewApprovalWorker(db, engine, redisClient, cfg.Approval, logging.Component(base, "approval-worker"))

	deps := service.BookingDeps{
		Repo:      db,
		Tx:        db,
		Labs:      db,
		Locker:    locker,
		Events:    bus,
		Approvals: approvals,
		Location:  cfg.App.Location(),
	}
	if cache := initScheduleCache(cfg, db, redisClient, bus, base); cache != nil {
		deps.Schedules = cache
	}
	booking := service.NewBookingService(deps, cfg.Booking, logging.Component(base, "booking"))

	sinks, closeSinks := initSinks(ctx, cfg, logger)
	defer closeSinks()
	dispatcher := notify.NewDispatcher(db, cfg.Notifications, base, sinks...)
	dispatcher.Subscribe(bus)

	startMetrics(ctx, cfg, logger)

	backup := database.NewBackupService(db, cfg.Backup, logging.Component(base, "backup"))

	var grpcServer *api.GRPCServer
	if cfg.API.GRPC.Enabled {
		grpcServer, err = api.NewGRPCServer(&cfg.API, booking, logging.Component(base, "grpc"))
		if err != nil {
			logger.Error().Err(err).Msg("create grpc server")
			return err
		}
	}

	var httpServer *api.HTTPServer
	if cfg.API.HTTP.Enabled {
		httpServer = api.NewHTTPServer(cfg.API, api.Services{
			Booking:   booking,
			Approvals: engine,
			Tasks:     approvals,
		}, logging.Component(base, "http"))
	}

	background := []func(context.Context){approvals.Start, dispatcher.Start, backup.Start}
	done := make(chan struct{}, len(background))
	for _, start := range background {
		go func(start func(context.Context)) {
			start(ctx)
			done <- struct{}{}
		}(start)
	}

	err = startServers(ctx, grpcServer, httpServer, cfg, logger)

	for range background {
		<-done
	}
	logger.Info().Msg("background workers stopped")
	return err
}

func loadConfigAndLogger() (*config.Config, *zerolog.Logger, io.Closer, error) {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}

	baseLogger, closer, err := logging.New(cfg.Logging, cfg.App)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("init logger: %w", err)
	}

	return cfg, baseLogger, closer, nil
}

func initDatabase(cfg *config.Config, base *zerolog.Logger) (*database.DB, error) {
	logger := logging.Component(base, "api-main")
	labsPath := cfg.Booking.LabsFile
	if env := os.Getenv("LABS_PATH"); env != "" {
		labsPath = env
	}
	if labsPath == "" {
		labsPath = "configs/labs.yaml"
	}

	labs, err := config.LoadLabs(labsPath)
	if err != nil {
		logger.Error().Err(err).Str("labs_path", labsPath).Msg("load labs")
		return nil, err
	}

	db, err := database.NewDB(cfg.Database.Path, logging.Component(base, "database"))
	if err != nil {
		logger.Error().Err(err).Str("db_path", cfg.Database.Path).Msg("init database")
		return nil, err
	}
	db.SetLabs(labs)

	logger.Info().Int("labs", len(labs)).Str("db_path", cfg.Database.Path).Msg("database ready")
	return db, nil
}

func initRedis(cfg *config.Config, logger *zerolog.Logger) *redis.Client {
	if cfg.Redis.Address == "" {
		return nil
	}

	client := repository.NewRedisClient(cfg.Redis)
	pingCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := repository.Ping(pingCtx, client); err != nil {
		if cfg.Locking.Backend == config.LockBackendRedis {
			logger.Warn().Err(err).Msg("redis unreachable at startup, lock calls will fail until it recovers")
			return client
		}
		logger.Warn().Err(err).Msg("redis connection failed, continuing without redis")
		_ = client.Close()
		return nil
	}

	logger.Info().Str("addr", cfg.Redis.Address).Msg("redis connected")
	return client
}

func initScheduleCache(
	cfg *config.Config,
	db *database.DB,
	redisClient *redis.Client,
	bus *events.EventBus,
	base *zerolog.Logger,
) *repository.ScheduleCache {
	if !cfg.Cache.Enabled {
		return nil
	}

	var store domain.ScheduleStore = repository.NewMemoryScheduleStore(cfg.Cache.ScheduleTTL)
	if redisClient != nil {
		store = repository.NewFailoverScheduleStore(
			repository.NewRedisScheduleStore(redisClient, cfg.Cache.ScheduleTTL),
			store,
			logging.Component(base, "schedule-store"),
		)
	}

	cache := repository.NewScheduleCache(store, db, logging.Component(base, "schedule-cache"))
	cache.Subscribe(bus)
	return cache
}

// initSinks builds every enabled notification sink. A sink that fails to start is
// skipped; reservations keep flowing without it.
func initSinks(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) ([]notify.Sink, func()) {
	var (
		sinks   []notify.Sink
		closers []io.Closer
	)
	n := cfg.Notifications

	if n.Telegram.Enabled {
		bot, err := notify.NewTelegramBot(n.Telegram)
		if err != nil {
			logger.Warn().Err(err).Msg("telegram init failed, continuing without telegram")
		} else {
			sinks = append(sinks, notify.NewTelegramSink(bot, n.Telegram.ChatIDs))
			logger.Info().Str("bot", bot.Self.UserName).Msg("telegram notifications enabled")
		}
	}

	if n.AMQP.Enabled {
		sink, err := notify.DialAMQP(n.AMQP)
		if err != nil {
			logger.Warn().Err(err).Msg("amqp init failed, continuing without amqp")
		} else {
			sinks = append(sinks, sink)
			closers = append(closers, sink)
			logger.Info().Str("queue", n.AMQP.Queue).Msg("amqp notifications enabled")
		}
	}

	if n.Sheets.Enabled {
		sheets, err := google.NewSheetsService(ctx, n.Sheets.CredentialsFile, n.Sheets.SpreadsheetID, n.Sheets.SheetName)
		if err == nil {
			err = sheets.WarmUpCache(ctx)
		}
		if err != nil {
			logger.Warn().Err(err).Msg("google sheets init failed, continuing without sheets")
		} else {
			sinks = append(sinks, notify.NewSheetsSink(sheets))
			logger.Info().Str("sheet", n.Sheets.SheetName).Msg("google sheets mirror enabled")
		}
	}

	return sinks, func() {
		for _, c := range closers {
			if err := c.Close(); err != nil {
				logger.Warn().Err(err).Msg("close notification sink")
			}
		}
	}
}

func startMetrics(ctx context.Context, cfg *config.Config, logger *zerolog.Logger) {
	if !cfg.Monitoring.PrometheusEnabled {
		return
	}

	metrics.Register()
	go startMetricsServer(ctx, cfg.Monitoring.PrometheusPort, logger)
}

func startServers(
	ctx context.Context,
	grpcServer *api.GRPCServer,
	httpServer *api.HTTPServer,
	cfg *config.Config,
	logger *zerolog.Logger,
) error {
	if grpcServer != nil {
		go func() {
			if err := grpcServer.Serve(); err != nil {
				logger.Error().Err(err).Msg("grpc server stopped")
			}
		}()
		logger.Info().Str("grpc_addr", grpcServer.Addr()).Msg("grpc server started")
	}

	if httpServer != nil {
		go func() {
			if err := httpServer.Start(); err != nil {
				logger.Error().Err(err).Msg("http server stopped")
			}
		}()
		logger.Info().Int("http_port", cfg.API.HTTP.Port).Msg("http server started")
	}

	<-ctx.Done()
	logger.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if grpcServer != nil {
		grpcServer.Shutdown(shutdownCtx)
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("http shutdown")
		}
	}

	logger.Info().Msg("API server stopped")
	return nil
}

func startMetricsServer(ctx context.Context, port int, logger *zerolog.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error().Err(err).Msg("metrics server error")
	}
}
