package app

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"
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

	healthcheck "github.com/vladislavdragonenkov/marketplace/internal/health"
	"github.com/vladislavdragonenkov/marketplace/internal/tracing"
	"github.com/vladislavdragonenkov/marketplace/internal/version"
)

const (
	shutdownTimeout       = 5 * time.Second
	readHeaderTimeout     = 5 * time.Second
	grpcHealthSyncPeriod  = 10 * time.Second
	tracingShutdownBudget = 5 * time.Second
)

// closers копит функции освобождения ресурсов и вызывает их в обратном порядке.
type closers []func()

func (c *closers) add(fn func()) {
	*c = append(*c, fn)
}

func (c *closers) run() {
	for i := len(*c) - 1; i >= 0; i-- {
		(*c)[i]()
	}
	*c = nil
}

// goWorker запускает фоновый процесс и учитывает его в wg.
func goWorker(ctx context.Context, wg *sync.WaitGroup, run func(context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		run(ctx)
	}()
}

// setupTracing включает OTel. Ошибка экспортёра не мешает сервису работать.
func setupTracing(ctx context.Context, cfg Config, logger *log.Entry) func() {
	endpoint, insecure := cfg.OTelEndpoint, cfg.OTelInsecure
	switch {
	case strings.HasPrefix(endpoint, "http://"):
		endpoint, insecure = strings.TrimPrefix(endpoint, "http://"), true
	case strings.HasPrefix(endpoint, "https://"):
		endpoint, insecure = strings.TrimPrefix(endpoint, "https://"), false
	}
	shutdown, err := tracing.Setup(ctx, tracing.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: version.GetVersion(),
		Endpoint:       strings.TrimRight(endpoint, "/"),
		Insecure:       insecure,
		SampleRatio:    cfg.TraceSampleRatio,
	})
	if err != nil {
		logger.WithError(err).Warn("failed to set up tracing, continuing without trace export")
		return func() {}
	}
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), tracingShutdownBudget)
		defer cancel()
		if err := shutdown(shutdownCtx); err != nil {
			logger.WithError(err).Warn("tracing shutdown with error")
		}
	}
}

// serve обслуживает REST API на HTTPAddr, gRPC health на GRPCAddr и метрики на MetricsAddr
// до отмены ctx или падения одного из серверов.
func serve(ctx context.Context, cfg Config, handler http.Handler, healthHandler *healthcheck.Handler, logger *log.Entry) error {
	httpLis, err := net.Listen("tcp", cfg.HTTPAddr)
	if err != nil {
		return err
	}
	grpcLis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		_ = httpLis.Close()
		return err
	}

	grpcServer, grpcHealth := newGRPCServer(logger)
	apiSrv := &http.Server{Handler: handler, ReadHeaderTimeout: readHeaderTimeout}
	metricsSrv := startMetricsServer(ctx, cfg.MetricsAddr, logger, healthHandler)

	syncCtx, stopSync := context.WithCancel(ctx)
	defer stopSync()
	go syncGRPCHealth(syncCtx, grpcHealth, healthHandler, cfg.ServiceName, grpcHealthSyncPeriod)

	errCh := make(chan error, 2)
	go func() {
		logger.Infof("HTTP API слушает %s", httpLis.Addr())
		errCh <- apiSrv.Serve(httpLis)
	}()
	go func() {
		logger.Infof("gRPC сервер слушает %s", grpcLis.Addr())
		errCh <- grpcServer.Serve(grpcLis)
	}()

	stop := func() {
		grpcHealth.Shutdown()
		shutdownHTTP(apiSrv, logger)
		stoppedCh := make(chan struct{})
		go func() {
			grpcServer.GracefulStop()
			close(stoppedCh)
		}()
		select {
		case <-stoppedCh:
		case <-time.After(shutdownTimeout):
			logger.Warn("graceful stop превысил таймаут, принудительно останавливаем")
			grpcServer.Stop()
		}
		shutdownHTTP(metricsSrv, logger)
	}

	select {
	case <-ctx.Done():
		logger.Info("получен сигнал остановки, останавливаем серверы")
		stop()
		return ctx.Err()
	case err := <-errCh:
		stop()
		if errors.Is(err, grpc.ErrServerStopped) || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

// newGRPCServer создаёт gRPC сервер со стандартным health-сервисом и reflection.
func newGRPCServer(logger *log.Entry) (*grpc.Server, *health.Server) {
	grpcMetrics := promgrpc.NewServerMetrics()
	if err := prometheus.Register(grpcMetrics); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok2 := are.ExistingCollector.(*promgrpc.ServerMetrics); ok2 {
				grpcMetrics = existing
			}
		} else {
			logger.WithError(err).Warn("failed to register grpc metrics")
		}
	}

	grpcServer := grpc.NewServer(
		grpc.ChainUnaryInterceptor(grpcMetrics.UnaryServerInterceptor()),
		grpc.ChainStreamInterceptor(grpcMetrics.StreamServerInterceptor()),
	)
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)
	grpcMetrics.InitializeMetrics(grpcServer)
	return grpcServer, healthServer
}

// syncGRPCHealth переносит итог HTTP health-проверок в статус gRPC health-сервиса.
func syncGRPCHealth(ctx context.Context, server *health.Server, checks *healthcheck.Handler, service string, period time.Duration) {
	apply := func() {
		status := healthpb.HealthCheckResponse_SERVING
		if checks.Evaluate(ctx).Status == healthcheck.StatusUnhealthy {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		server.SetServingStatus("", status)
		server.SetServingStatus(service, status)
	}

	apply()
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			apply()
		}
	}
}

// startMetricsServer запускает HTTP-обработчик /metrics для Prometheus и health-пробы.
func startMetricsServer(ctx context.Context, addr string, logger *log.Entry, healthHandler *healthcheck.Handler) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Handle("/healthz", healthHandler)
	mux.HandleFunc("/livez", healthcheck.LivenessHandler)
	mux.HandleFunc("/readyz", healthHandler.ReadinessHandler)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: readHeaderTimeout}
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
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.WithError(err).Warn("http shutdown with error")
	}
}
