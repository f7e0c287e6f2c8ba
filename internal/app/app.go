package app

import (
	"context"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/app"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/xenking/eventkart/internal/domain/checkout"
	"github.com/xenking/eventkart/internal/domain/order"
	"github.com/xenking/eventkart/internal/handler"
	"github.com/xenking/eventkart/internal/kafka"
	"github.com/xenking/eventkart/internal/outbox"
	"github.com/xenking/eventkart/internal/storage/postgres"
	"github.com/xenking/eventkart/internal/vipps"
	"github.com/xenking/eventkart/pkg/health"
	"github.com/xenking/eventkart/pkg/httpmiddleware"
)

// Run creates all dependencies, starts the HTTP server and the outbox relay,
// and handles graceful shutdown. It is the single wiring point for the
// application.
func Run(ctx context.Context, lg *zap.Logger, m *app.Telemetry, cfg *Config) error {
	lg.Info("Initializing",
		zap.String("addr", cfg.Addr),
		zap.String("organization", cfg.IssuingOrganization),
		zap.String("currency", cfg.Currency),
	)

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "create db pool")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	kc := kafka.NewClient(cfg.Kafka.Brokers)

	healthSvc := health.New()
	healthSvc.AddReadinessCheck("postgres", 5*time.Second, health.PingCheck(pool))
	if kc.Enabled() {
		// Kafka outages only delay the outbox, so they never fail readiness fast.
		healthSvc.AddReadinessCheck("kafka", 5*time.Second, health.PingCheck(kc), health.FailureThreshold(6))
	}
	healthSvc.AddLivenessCheck("goroutines", time.Second, health.GoroutineCountCheck(10000))
	healthSvc.Start(ctx, 10*time.Second)

	// Repositories.
	productRepo := postgres.NewProductRepository(pool)
	orderRepo := postgres.NewOrderRepository(pool)
	registrationRepo := postgres.NewRegistrationRepository(pool)
	userRepo := postgres.NewUserRepository(pool)
	cartRepo := postgres.NewCartRepository(pool)
	checkoutStore := postgres.NewCheckoutStore(pool)
	auditRepo := postgres.NewAuditRepository(pool)
	apikeyRepo := postgres.NewAPIKeyRepository(pool)

	// Messaging.
	var (
		mailer checkout.Mailer
		relay  *outbox.Relay
	)
	if kc.Enabled() {
		// Emails are sent from payment callbacks; the payer must not wait on Kafka.
		emailWriter := kc.NewAsyncWriter(cfg.Kafka.EmailTopic, lg)
		defer func() { _ = emailWriter.Close() }()
		auditWriter := kc.NewWriter(cfg.Kafka.AuditTopic)
		defer func() { _ = auditWriter.Close() }()

		mailer = kafka.NewMailer(emailWriter)
		relay = outbox.NewRelay(auditRepo, auditWriter, cfg.Outbox.Interval, cfg.Outbox.BatchSize)
	} else {
		lg.Warn("Kafka brokers not configured, emails and audit publishing disabled")
	}

	provider, err := vipps.New(vipps.Config{
		BaseURL:              cfg.Vipps.BaseURL,
		ClientID:             cfg.Vipps.ClientID,
		ClientSecret:         cfg.Vipps.ClientSecret,
		SubscriptionKey:      cfg.Vipps.SubscriptionKey,
		MerchantSerialNumber: cfg.Vipps.MerchantSerialNumber,
		Timeout:              cfg.Vipps.Timeout,
	})
	if err != nil {
		return errors.Wrap(err, "create vipps client")
	}

	metrics, err := checkout.NewMetrics(m.MeterProvider().Meter("eventkart/checkout"))
	if err != nil {
		return errors.Wrap(err, "create checkout metrics")
	}

	// Domain services.
	orderService := order.NewService(orderRepo, registrationRepo, productRepo, userRepo, auditRepo, cfg.Currency)
	checkoutService := checkout.NewService(checkout.ServiceConfig{
		Currency:     cfg.Currency,
		ReturnURL:    cfg.Vipps.ReturnURL,
		Organization: cfg.IssuingOrganization,
	}, cartRepo, productRepo, provider)
	materializer := checkout.NewMaterializer(checkout.MaterializerOptions{
		Store:      checkoutStore,
		Carts:      cartRepo,
		Orders:     orderRepo,
		Users:      userRepo,
		Products:   productRepo,
		Provider:   provider,
		Audit:      auditRepo,
		Mailer:     mailer,
		Metrics:    metrics,
		AlertEmail: cfg.OrphanAlertEmail,
	})

	// HTTP.
	h := handler.New(handler.Config{WebhookSecret: cfg.Vipps.WebhookSecret},
		orderService, checkoutService, materializer, auditRepo,
	)
	authn := handler.NewAuthenticator(apikeyRepo, []byte(cfg.APIKeyPepper))

	api := http.NewServeMux()
	h.Register(api)

	mux := http.NewServeMux()
	mux.Handle("/livez", httpmiddleware.Route("/livez", http.HandlerFunc(healthSvc.LiveEndpoint)))
	mux.Handle("/readyz", httpmiddleware.Route("/readyz", http.HandlerFunc(healthSvc.ReadyEndpoint)))
	mux.Handle("/api/", authn.Middleware(api))

	server := &http.Server{
		ReadHeaderTimeout: time.Second,
		ReadTimeout:       5 * time.Second,
		// Payment callbacks wait on the provider.
		WriteTimeout:   cfg.Vipps.Timeout + 10*time.Second,
		IdleTimeout:    120 * time.Second,
		MaxHeaderBytes: 1 << 20,
		Addr:           cfg.Addr,
		Handler: httpmiddleware.Wrap(mux,
			httpmiddleware.Recovery(),
			httpmiddleware.RequestID(),
			httpmiddleware.InjectLogger(zctx.From(ctx)),
			httpmiddleware.Instrument("eventkart-api", m),
			httpmiddleware.LogRequests(),
		),
	}

	g, gctx := errgroup.WithContext(ctx)
	if relay != nil {
		g.Go(func() error {
			return relay.Run(gctx)
		})
	}
	g.Go(func() error {
		<-gctx.Done()
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
