package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"

	"github.com/bitechdev/channelhub/pkg/api"
	"github.com/bitechdev/channelhub/pkg/config"
	"github.com/bitechdev/channelhub/pkg/errortracking"
	"github.com/bitechdev/channelhub/pkg/gateway"
	"github.com/bitechdev/channelhub/pkg/logger"
	"github.com/bitechdev/channelhub/pkg/metrics"
	"github.com/bitechdev/channelhub/pkg/middleware"
	"github.com/bitechdev/channelhub/pkg/registry"
	"github.com/bitechdev/channelhub/pkg/server"
	"github.com/bitechdev/channelhub/pkg/tracing"
	"github.com/bitechdev/channelhub/pkg/transport"
)

func main() {
	configFile := flag.String("config", "", "path to a config file (default: search channelhub.yaml)")
	flag.Parse()

	var opts []config.Option
	if *configFile != "" {
		opts = append(opts, config.WithConfigFile(*configFile))
	}
	cfgMgr := config.NewManagerWithOptions(opts...)
	if err := cfgMgr.Load(); err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	cfg, err := cfgMgr.GetConfig()
	if err != nil {
		log.Fatalf("Failed to get configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	logger.Init(cfg.Logger.Dev)
	if cfg.Logger.Path != "" {
		logger.UpdateLoggerPath(cfg.Logger.Path, cfg.Logger.Dev)
	}
	defer logger.Sync()
	if used := cfgMgr.ConfigFileUsed(); used != "" {
		logger.Info("Loaded configuration from %s", used)
	}

	tracker, err := errortracking.NewProviderFromConfig(cfg.ErrorTracking)
	if err != nil {
		logger.Error("Failed to initialize error tracking: %v", err)
		os.Exit(1)
	}
	logger.InitErrorTracking(tracker)

	metricsProvider := metrics.NewProviderFromConfig(cfg.Metrics)
	metrics.SetProvider(metricsProvider)

	shutdownTracer, err := tracing.InitTracer(cfg.Tracing)
	if err != nil {
		logger.Error("Failed to initialize tracing: %v", err)
		os.Exit(1)
	}

	if err := run(cfg, metricsProvider); err != nil {
		logger.Error("channelhub stopped with error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := shutdownTracer(ctx); err != nil {
		logger.Warn("Failed to shut down tracer: %v", err)
	}
	if err := logger.CloseErrorTracking(); err != nil {
		logger.Warn("Failed to close error tracking: %v", err)
	}
}

func run(cfg *config.Config, metricsProvider metrics.Provider) error {
	t, err := transport.NewFromConfig(cfg.Transport)
	if err != nil {
		return err
	}

	reg := registry.New(t,
		registry.WithOperationTimeout(cfg.Transport.OperationTimeout),
		registry.WithMetrics(metricsProvider),
	)

	initCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err = reg.Init(initCtx)
	cancel()
	if err != nil {
		return err
	}
	logger.Info("Channel registry running on %s transport", reg.TransportName())

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	opts := api.RouterOptions{
		Middleware: httpMiddleware(ctx, cfg, metricsProvider),
	}
	var gw *gateway.Gateway
	if cfg.Gateway.Enabled {
		gw = gateway.New(reg, cfg.Gateway)
		opts.Gateway = gw
		opts.GatewayPath = cfg.Gateway.Path
	}
	if cfg.Metrics.Enabled {
		opts.Metrics = metricsProvider.Handler()
		opts.MetricsPath = cfg.Metrics.Path
	}

	// The router needs the server's probes, so it is resolved per request
	var router *mux.Router
	srv := server.NewGracefulServer(server.FromServerConfig(cfg.Server,
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			router.ServeHTTP(w, r)
		})))
	srv.SetReadyCheck(reg.Running)
	opts.Health = srv.HealthCheckHandler()
	opts.Ready = srv.ReadinessHandler()
	router = api.NewRouter(api.NewHandler(reg), opts)

	if gw != nil {
		srv.RegisterShutdownCallback(func(ctx context.Context) error {
			gw.Shutdown()
			return nil
		})
	}
	srv.RegisterShutdownCallback(reg.Teardown)

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-serveErr:
		teardownErr := reg.Teardown(context.Background())
		if gw != nil {
			gw.Shutdown()
		}
		return errors.Join(err, teardownErr)
	case sig := <-sigChan:
		logger.Info("Received signal: %v, initiating graceful shutdown", sig)
	}

	if err := srv.Shutdown(context.Background()); err != nil {
		return err
	}
	return <-serveErr
}

func httpMiddleware(ctx context.Context, cfg *config.Config, metricsProvider metrics.Provider) []mux.MiddlewareFunc {
	chain := []mux.MiddlewareFunc{middleware.PanicRecovery, tracing.Middleware}

	cors := middleware.DefaultCORSConfig()
	if len(cfg.Gateway.AllowedOrigins) > 0 {
		cors.AllowedOrigins = cfg.Gateway.AllowedOrigins
	}
	chain = append(chain, mux.MiddlewareFunc(middleware.CORS(cors)))

	if prom, ok := metricsProvider.(*metrics.PrometheusProvider); ok {
		chain = append(chain, mux.MiddlewareFunc(prom.Middleware(routeTemplate)))
	}

	if cfg.Middleware.RateLimitRPS > 0 {
		limiter := middleware.NewRateLimiter(cfg.Middleware.RateLimitRPS, cfg.Middleware.RateLimitBurst)
		go limiter.Run(ctx)
		chain = append(chain, limiter.Middleware)
	}
	if cfg.Middleware.MaxRequestSize > 0 {
		chain = append(chain, mux.MiddlewareFunc(middleware.MaxRequestSize(cfg.Middleware.MaxRequestSize)))
	}
	return chain
}

func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tmpl, err := route.GetPathTemplate(); err == nil {
			return tmpl
		}
	}
	return "unmatched"
}
