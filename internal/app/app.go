// Package app собирает витрину: хранилища, сервисы, HTTP/gRPC-интерфейсы и фоновые воркеры.
package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	promgrpc "github.com/grpc-ecosystem/go-grpc-prometheus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/vladislavdragonenkov/storefront/internal/clock"
	"github.com/vladislavdragonenkov/storefront/internal/domain"
	healthcheck "github.com/vladislavdragonenkov/storefront/internal/health"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/audit"
	"github.com/vladislavdragonenkov/storefront/internal/service/checkout"
	grpcsvc "github.com/vladislavdragonenkov/storefront/internal/service/grpc"
	"github.com/vladislavdragonenkov/storefront/internal/service/httpapi"
	"github.com/vladislavdragonenkov/storefront/internal/service/ledger"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/service/ratelimit"
	"github.com/vladislavdragonenkov/storefront/internal/service/reservation"
	"github.com/vladislavdragonenkov/storefront/internal/version"
)

// Событие аудита, ждущее доставки дольше этого срока, переводит /healthz в degraded.
const outboxBacklogMaxAge = 5 * time.Minute

// Run запускает сервис и блокируется до отмены ctx или падения одного из серверов.
func Run(ctx context.Context, cfg Config) error {
	logger := log.WithField("component", "app")
	storefrontMetrics := metrics.NewStorefront()

	products, err := parseSeedProducts(cfg.SeedProducts)
	if err != nil {
		return err
	}

	deps, err := initRuntimeDependencies(ctx, cfg, logger.WithField("layer", "storage"))
	if err != nil {
		return err
	}
	defer deps.close(logger)

	if err := seedProducts(ctx, deps.products, products, logger); err != nil {
		return err
	}

	limits, err := initRateLimiter(ctx, cfg, storefrontMetrics, logger.WithField("layer", "rate-limit"))
	if err != nil {
		return err
	}
	defer limits.close(logger)

	// Без Kafka события аудита всё равно проходят outbox и пишутся в лог.
	kafkaProducer, _ := initKafkaProducer(cfg.KafkaBrokers, cfg.KafkaClientID, logger.WithField("layer", "kafka"))
	defer closeKafka(kafkaProducer, logger)
	publisher, dlqPublisher := outboxPublishers(kafkaProducer, cfg, logger)

	dispatcher := audit.NewDispatcher(deps.outboxRepo,
		audit.WithLogger(logger.WithField("layer", "audit")),
		audit.WithMetrics(storefrontMetrics),
		audit.WithQueueSize(cfg.AuditQueueSize),
	)

	systemClock := clock.System{}
	engine := reservation.NewEngine(deps.reservations,
		reservation.WithClock(systemClock),
		reservation.WithAudit(dispatcher),
		reservation.WithLogger(logger.WithField("layer", "reservation")),
		reservation.WithMetrics(storefrontMetrics),
	)
	ledgerService := ledger.NewService(deps.ledgerRepo, deps.giftCards,
		ledger.WithClock(systemClock),
		ledger.WithAudit(dispatcher),
		ledger.WithLogger(logger.WithField("layer", "ledger")),
		ledger.WithMetrics(storefrontMetrics),
		ledger.WithCurrency(cfg.Currency),
	)
	retry := checkout.DefaultRetryConfig()
	if cfg.CheckoutMaxAttempts > 0 {
		retry.MaxAttempts = cfg.CheckoutMaxAttempts
	}
	checkoutService := checkout.NewService(engine, ledgerService,
		checkout.WithRetryConfig(retry),
		checkout.WithClock(systemClock),
		checkout.WithAudit(dispatcher),
		checkout.WithLogger(logger.WithField("layer", "checkout")),
		checkout.WithMetrics(storefrontMetrics),
	)

	policies := httpapi.DefaultPolicies()
	if err := httpapi.ValidatePolicies(policies); err != nil {
		return err
	}

	workersCtx, stopWorkers := context.WithCancel(context.Background())
	workersDone := startWorkers(workersCtx, cfg, deps, limits, dispatcher, publisher, dlqPublisher, logger)

	apiHandler := httpapi.NewHandler(httpapi.Services{
		Reservations: engine,
		Ledger:       ledgerService,
		Checkout:     checkoutService,
		Limiter:      limits.limiter,
	},
		httpapi.WithLogger(logger.WithField("layer", "http")),
		httpapi.WithMetrics(storefrontMetrics),
		httpapi.WithPolicies(policies),
	)

	grpcMetrics := promgrpc.NewServerMetrics()
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(
		grpcMetrics.UnaryServerInterceptor(),
		grpcsvc.RateLimitInterceptor(limits.limiter, policies),
	))
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcsvc.Register(grpcServer, grpcsvc.NewServer(engine, ledgerService, logger.WithField("layer", "grpc")))
	grpcMetrics.InitializeMetrics(grpcServer)
	reflection.Register(grpcServer)

	healthServer := health.NewServer()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	healthServer.SetServingStatus(grpcsvc.ServiceName, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(grpcServer, healthServer)

	healthHandler := healthcheck.NewHandler(version.GetVersion())
	if deps.storageChecker != nil {
		healthHandler.RegisterChecker("storage", deps.storageChecker)
	}
	if limits.checker != nil {
		healthHandler.RegisterChecker("redis", limits.checker)
	}
	if kafkaProducer != nil {
		// Недоступный брокер не блокирует покупки: события копятся в outbox.
		healthHandler.RegisterChecker("kafka", healthcheck.NewOptionalChecker("kafka", kafkaProducer.Ping))
	}
	healthHandler.RegisterChecker("outbox",
		healthcheck.NewOutboxBacklogChecker(deps.outboxRepo.Stats, outboxBacklogMaxAge, systemClock.Now))

	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)
	apiSrv := &http.Server{Addr: cfg.HTTPAddr, Handler: apiHandler, ReadHeaderTimeout: 5 * time.Second}

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		shutdownHTTP(metricsSrv, logger)
		shutdownWorkers(stopWorkers, workersDone, cfg.ShutdownTimeout, logger)
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("gRPC сервер слушает %s", cfg.GRPCAddr)
		errCh <- grpcServer.Serve(lis)
	}()
	go func() {
		logger.Infof("HTTP API слушает %s", cfg.HTTPAddr)
		if err := apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		runErr = ctx.Err()
	case err := <-errCh:
		if !errors.Is(err, grpc.ErrServerStopped) {
			runErr = err
		}
	}

	healthServer.Shutdown()
	shutdownHTTP(apiSrv, logger)
	stopGRPC(grpcServer, cfg.ShutdownTimeout, logger)
	shutdownHTTP(metricsSrv, logger)
	shutdownWorkers(stopWorkers, workersDone, cfg.ShutdownTimeout, logger)

	return runErr
}

// startWorkers запускает фоновые задачи; канал закрывается, когда все они завершились.
func startWorkers(
	ctx context.Context,
	cfg Config,
	deps *runtimeDependencies,
	limits *rateLimitDependencies,
	dispatcher *audit.Dispatcher,
	publisher, dlqPublisher domain.OutboxPublisher,
	logger *log.Entry,
) <-chan struct{} {
	var wg sync.WaitGroup
	run := func(fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn(ctx)
		}()
	}

	sweeper := reservation.NewSweeper(deps.reservations,
		reservation.WithSweepInterval(cfg.ReservationSweepInterval),
		reservation.WithSweepBatchSize(cfg.ReservationSweepBatchSize),
		reservation.WithSweepLogger(logger.WithField("layer", "reservation-sweeper")),
	)
	run(sweeper.Run)

	if limits.sweeper != nil {
		janitor := ratelimit.NewJanitor(limits.sweeper, cfg.RateLimitSweepInterval, clock.System{}, logger.WithField("layer", "rate-limit-janitor"))
		run(janitor.Run)
	}

	worker := outbox.NewWorker(deps.outboxRepo, publisher,
		outbox.WithDLQPublisher(dlqPublisher),
		outbox.WithPollInterval(cfg.OutboxPollInterval),
		outbox.WithBatchSize(cfg.OutboxBatchSize),
		outbox.WithMaxAttempts(cfg.OutboxMaxAttempts),
		outbox.WithRetryBaseDelay(cfg.OutboxRetryDelay),
		outbox.WithClaimLease(cfg.OutboxClaimLease),
		outbox.WithRetention(cfg.OutboxRetention),
		outbox.WithLogger(logger.WithField("layer", "outbox")),
	)
	run(worker.Run)
	run(dispatcher.Run)

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

// shutdownWorkers отменяет воркеры и ждёт их не дольше timeout.
func shutdownWorkers(cancel context.CancelFunc, done <-chan struct{}, timeout time.Duration, logger *log.Entry) {
	if cancel != nil {
		cancel()
	}
	if done == nil {
		return
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("фоновые воркеры не остановились за отведённое время")
	}
}

func stopGRPC(server *grpc.Server, timeout time.Duration, logger *log.Entry) {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	stopped := make(chan struct{})
	go func() {
		server.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(timeout):
		logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
		server.Stop()
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics и health-пробы.
// opsHandler собирает служебные эндпоинты: метрики и пробы.
func opsHandler(healthHandler *healthcheck.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /healthz", healthHandler)
	mux.HandleFunc("GET /livez", healthcheck.LivenessHandler)
	mux.HandleFunc("GET /readyz", healthHandler.ReadinessHandler)
	return mux
}

func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	srv := &http.Server{Addr: addr, Handler: opsHandler(healthHandler), ReadHeaderTimeout: 5 * time.Second}
	go func() {
		logger.Infof("метрики доступны по адресу %s/metrics", addr)
		logger.Infof("health checks: %s/healthz, %s/livez, %s/readyz", addr, addr, addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Warn("metrics server failed")
		}
	}()

	go func() {
		<-ctx.Done()
		shutdownHTTP(srv, logger)
	}()

	return srv
}

// shutdownHTTP аккуратно останавливает HTTP-сервер.
func shutdownHTTP(srv *http.Server, logger *log.Entry) {
	if srv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
