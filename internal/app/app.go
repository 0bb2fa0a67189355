package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/kart-voucher/internal/domain/order"
	"github.com/xenking/kart-voucher/internal/domain/stock"
	"github.com/xenking/kart-voucher/internal/domain/voucher"
	"github.com/xenking/kart-voucher/internal/handler"
	"github.com/xenking/kart-voucher/internal/outbox"
	"github.com/xenking/kart-voucher/pkg/health"
	"github.com/xenking/kart-voucher/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the outbox relay,
// and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing", zap.String("addr", cfg.Addr), zap.String("storage", cfg.Storage))
	ctx = zctx.Base(ctx, lg)

	b, err := openBackend(ctx, lg, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	// Health check service.
	healthSvc := health.New()
	for name, fn := range b.checks {
		healthSvc.AddReadinessCheck(name, 5*time.Second, fn)
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)

	// Domain services.
	orderService, err := order.NewService(
		b.users,
		b.catalog,
		stock.NewValidator(cfg.Stock.Rules()),
		voucher.NewService(b.vouchers),
		b.tx,
		order.WithMeterProvider(m.MeterProvider()),
		order.WithTracerProvider(m.TracerProvider()),
	)
	if err != nil {
		return errors.Wrap(err, "create order service")
	}

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20,
		Addr:              cfg.Addr,
		Handler: httpmiddleware.Wrap(NewRouter(healthSvc, handler.NewHandler(orderService)),
			httpmiddleware.Recovery(),
			httpmiddleware.RateLimitWithCleanup(ctx, httpmiddleware.RateLimitConfig{
				Max:    cfg.RateLimit.Max,
				Window: cfg.RateLimit.Window,
			}),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(lg),
			httpmiddleware.Instrument("voucher-api", m),
			httpmiddleware.LogRequests(),
		),
	}

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Outbox.Brokers != "" {
		pub, err := outbox.NewKafkaPublisher(cfg.Outbox.Brokers)
		if err != nil {
			return errors.Wrap(err, "create kafka publisher")
		}
		defer func() {
			if err := pub.Close(); err != nil {
				lg.Warn("Kafka publisher close error", zap.Error(err))
			}
		}()
		relay := outbox.NewRelay(b.outbox, pub, outbox.RelayConfig{
			Interval:  cfg.Outbox.Interval,
			BatchSize: cfg.Outbox.BatchSize,
		})
		g.Go(func() error {
			lg.Info("Outbox relay started", zap.String("brokers", cfg.Outbox.Brokers))
			return relay.Run(gCtx)
		})
	}

	// Graceful shutdown: wait for context cancellation, drain, then stop.
	g.Go(func() error {
		<-gCtx.Done()
		healthSvc.SetReady(false)
		lg.Info("Readiness set to false, draining", zap.Duration("delay", cfg.Graceful.ReadinessDelay))
		time.Sleep(cfg.Graceful.ReadinessDelay)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Graceful.ShutdownTimeout)
		defer cancel()

		lg.Info("Shutting down server", zap.Duration("timeout", cfg.Graceful.ShutdownTimeout))
		if err := server.Shutdown(shutdownCtx); err != nil {
			lg.Error("Server shutdown error", zap.Error(err))
		}
		healthSvc.Stop()
		return nil
	})

	g.Go(func() error {
		healthSvc.SetReady(true)
		lg.Info("Server listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "server")
		}
		return nil
	})

	return g.Wait()
}

// NewRouter serves the probes at the root and the API under /api.
func NewRouter(h *health.Health, api *handler.Handler) http.Handler {
	r := chi.NewRouter()
	h.Routes(r)
	r.Route("/api", api.Routes)
	return r
}
