package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/partsdesk/api/internal/handlers"
	"github.com/partsdesk/api/internal/payments"
	"github.com/partsdesk/api/internal/platform/auth"
	"github.com/partsdesk/api/internal/platform/config"
	"github.com/partsdesk/api/internal/platform/idempotency"
	"github.com/partsdesk/api/internal/platform/mail"
	"github.com/partsdesk/api/internal/platform/observability"
	"github.com/partsdesk/api/internal/platform/ratelimit"
	"github.com/partsdesk/api/internal/services"
)

func main() {
	ctx := context.Background()
	startedAt := time.Now().UTC()

	envValues, err := config.EnvironmentValues()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read environment values: %v\n", err)
		os.Exit(1)
	}

	baseLogger, err := observability.NewLogger(envValues["LOG_LEVEL"])
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = baseLogger.Sync()
	}()

	logger := baseLogger.Named("api")
	ctx = observability.WithLogger(ctx, logger)

	fetcher, err := newSecretFetcher(ctx, logger, envValues)
	if err != nil {
		logger.Fatal("failed to initialise secret fetcher", zap.Error(err))
	}
	defer func() {
		if err := fetcher.Close(); err != nil {
			logger.Warn("secret fetcher close error", zap.Error(err))
		}
	}()

	cfg, err := config.Load(ctx,
		config.WithSecretResolver(fetcher),
		config.WithRequiredSecrets(requiredSecretNames(envValues)...),
	)
	if err != nil {
		var missing *config.MissingSecretsError
		if errors.As(err, &missing) {
			logger.Fatal("missing required secrets", zap.Strings("secrets", missing.RedactedNames()))
		}
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	buildInfo := buildInfoFromEnv(envValues, cfg, startedAt)
	newID := func() string { return ulid.Make().String() }

	metrics, err := observability.NewMetrics(otel.GetMeterProvider())
	if err != nil {
		logger.Fatal("failed to register metrics", zap.Error(err))
	}

	rdb := newRedisClient(cfg.Redis)
	if rdb != nil {
		defer func() {
			if err := rdb.Close(); err != nil {
				logger.Warn("redis close error", zap.Error(err))
			}
		}()
	}

	backend, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("failed to open store", zap.String("driver", cfg.Store.Driver), zap.Error(err))
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := backend.store.Close(closeCtx); err != nil {
			logger.Warn("store close error", zap.Error(err))
		}
	}()
	store := backend.store

	mailer, err := newMailSender(ctx, cfg, logger, newID)
	if err != nil {
		logger.Fatal("failed to initialise mail transport", zap.String("transport", cfg.Mail.Transport), zap.Error(err))
	}
	defer mailer.close()

	magicLinks, err := auth.NewMagicLinks(cfg.MagicLink.SigningKey, cfg.MagicLink.TTL, time.Now)
	if err != nil {
		logger.Fatal("failed to initialise magic links", zap.Error(err))
	}
	identities, err := services.NewIdentityResolver(services.IdentityResolverDeps{
		MagicLinks:    magicLinks,
		PublicBaseURL: cfg.Shop.Brand.PublicBaseURL,
	})
	if err != nil {
		logger.Fatal("failed to initialise identity resolver", zap.Error(err))
	}

	authenticator := newAuthenticator(ctx, cfg, logger)

	paymentManager, stripeProvider, err := newPaymentManager(cfg, logger)
	if err != nil {
		logger.Fatal("failed to initialise payment providers", zap.Error(err))
	}

	pricing := services.NewPricingEngine(cfg.Shop, time.Now)

	dispatcher, err := services.NewNotificationDispatcher(services.NotificationDispatcherDeps{
		Notifications: store.Notifications(),
		Mail:          mailer.sender,
		Links:         identities,
		Shop:          cfg.Shop,
		Metrics:       metrics,
		Clock:         time.Now,
		IDGenerator:   newID,
		Logger:        observability.EventLogger(logger, "notifications"),
	})
	if err != nil {
		logger.Fatal("failed to initialise notification dispatcher", zap.Error(err))
	}

	orderDeps := services.OrderServiceDeps{
		Orders:        store.Orders(),
		Offers:        store.Offers(),
		Selections:    store.Selections(),
		Payments:      store.Payments(),
		Comments:      store.Comments(),
		Counters:      store.Counters(),
		Links:         identities,
		Mail:          mailer.sender,
		Notifications: dispatcher,
		Metrics:       metrics,
		Shop:          cfg.Shop,
		Clock:         time.Now,
		IDGenerator:   newID,
		Logger:        observability.EventLogger(logger, "orders"),
	}
	if photos := newPhotoURLs(cfg.Storage, logger); photos != nil {
		orderDeps.Photos = photos
	}
	orderService, err := services.NewOrderService(orderDeps)
	if err != nil {
		logger.Fatal("failed to initialise order service", zap.Error(err))
	}

	offerService, err := services.NewOfferService(services.OfferServiceDeps{
		Orders:        store.Orders(),
		Offers:        store.Offers(),
		Notifications: dispatcher,
		Metrics:       metrics,
		Clock:         time.Now,
		IDGenerator:   newID,
		Logger:        observability.EventLogger(logger, "offers"),
	})
	if err != nil {
		logger.Fatal("failed to initialise offer service", zap.Error(err))
	}

	selectionService, err := services.NewSelectionService(services.SelectionServiceDeps{
		Orders:     store.Orders(),
		Offers:     store.Offers(),
		Selections: store.Selections(),
		Pricing:    pricing,
		Clock:      time.Now,
		Logger:     observability.EventLogger(logger, "selection"),
	})
	if err != nil {
		logger.Fatal("failed to initialise selection service", zap.Error(err))
	}

	checkoutService, err := services.NewCheckoutService(services.CheckoutServiceDeps{
		Orders:      store.Orders(),
		Offers:      store.Offers(),
		Selections:  store.Selections(),
		Payments:    store.Payments(),
		Pricing:     pricing,
		Sessions:    paymentManager,
		Links:       identities,
		Shop:        cfg.Shop,
		Clock:       time.Now,
		IDGenerator: newID,
		Logger:      observability.EventLogger(logger, "checkout"),
	})
	if err != nil {
		logger.Fatal("failed to initialise checkout service", zap.Error(err))
	}

	webhookService, err := services.NewPaymentWebhookService(services.PaymentWebhookServiceDeps{
		Orders:        store.Orders(),
		Payments:      store.Payments(),
		OrderService:  orderService,
		Notifications: dispatcher,
		Clock:         time.Now,
		Logger:        observability.EventLogger(logger, "payments"),
	})
	if err != nil {
		logger.Fatal("failed to initialise payment webhook service", zap.Error(err))
	}

	notificationService, err := services.NewNotificationService(store.Notifications())
	if err != nil {
		logger.Fatal("failed to initialise notification service", zap.Error(err))
	}

	buildInfo.Backends = describeBackends(cfg, rdb, backend, paymentManager)
	systemService, err := newSystemService(store, rdb, fetcher, buildInfo)
	if err != nil {
		logger.Warn("health: system service init failed", zap.Error(err))
	}

	idempotencyStore := newIdempotencyStore(rdb, backend)
	idempotencyMiddleware := idempotency.Middleware(
		idempotencyStore,
		idempotency.WithHeader(cfg.Idempotency.Header),
		idempotency.WithTTL(cfg.Idempotency.TTL),
		idempotency.WithLogger(observability.NewPrintfAdapter(logger.Named("idempotency"))),
	)

	cleanupCtx, cleanupCancel := context.WithCancel(context.Background())
	var cleanupWG sync.WaitGroup
	cleanupTicker := time.NewTicker(cfg.Idempotency.CleanupInterval)
	cleanupWG.Add(1)
	go func() {
		defer cleanupWG.Done()
		cleanupLogger := logger.Named("idempotency")
		for {
			select {
			case <-cleanupTicker.C:
				runCtx, cancel := context.WithTimeout(cleanupCtx, time.Minute)
				removed, err := idempotencyStore.CleanupExpired(runCtx, time.Now().UTC(), cfg.Idempotency.CleanupBatchSize)
				cancel()
				if err != nil {
					cleanupLogger.Error("idempotency cleanup error", zap.Error(err))
					continue
				}
				if removed > 0 {
					cleanupLogger.Info("idempotency cleanup removed records", zap.Int("count", removed))
				}
			case <-cleanupCtx.Done():
				return
			}
		}
	}()

	intakeLimiter, tokenLimiter := newLimiters(cfg.RateLimits, rdb)

	money, err := mail.NewMoneyFormatter(cfg.Shop.Brand.Locale, cfg.Shop.Currency)
	if err != nil {
		logger.Fatal("failed to initialise money formatter", zap.Error(err))
	}

	orderHandlers := handlers.NewOrderHandlers(handlers.OrderHandlersDeps{
		Authenticator: authenticator,
		Principals:    identities,
		Orders:        orderService,
		Selections:    selectionService,
		Checkout:      checkoutService,
		IntakeLimiter: intakeLimiter,
		TokenLimiter:  tokenLimiter,
		Money:         money,
	})
	adminHandlers := handlers.NewAdminHandlers(handlers.AdminHandlersDeps{
		Authenticator: authenticator,
		Principals:    identities,
		Orders:        orderService,
		Offers:        offerService,
		Notifications: notificationService,
		Money:         money,
	})
	meHandlers := handlers.NewMeHandlers(authenticator, identities, notificationService)

	webhookOpts := []handlers.WebhookOption{}
	if stripeProvider != nil {
		webhookOpts = append(webhookOpts, handlers.WithStripeParser(stripeProvider))
	}
	if hmacMiddleware := buildHMACMiddleware(logger.Named("auth"), cfg, rdb); hmacMiddleware != nil {
		webhookOpts = append(webhookOpts, handlers.WithSignedProviders(hmacMiddleware))
	}
	webhookHandlers := handlers.NewPaymentWebhookHandlers(webhookService, webhookOpts...)
	internalHandlers := handlers.NewInternalHandlers(idempotencyStore, time.Now)

	projectID := traceProjectID(cfg)
	middlewares := []func(http.Handler) http.Handler{
		observability.InjectLoggerMiddleware(logger.Named("http")),
		observability.TraceMiddleware(projectID),
		observability.RecoveryMiddleware(logger.Named("http")),
		observability.RequestLoggerMiddleware(),
	}

	healthOpts := []handlers.HealthOption{handlers.WithHealthBuildInfo(buildInfo)}
	if systemService != nil {
		healthOpts = append(healthOpts, handlers.WithHealthSystemService(systemService))
	}

	opts := []handlers.Option{
		handlers.WithMiddlewares(middlewares...),
		handlers.WithRequestTimeout(cfg.Server.RequestTimeout),
		handlers.WithHealthHandlers(handlers.NewHealthHandlers(healthOpts...)),
		handlers.WithMutatingMiddlewares(idempotencyMiddleware),
		handlers.WithRoutes(handlers.GroupOrders, orderHandlers.Routes),
		handlers.WithRoutes(handlers.GroupMe, meHandlers.Routes),
		handlers.WithRoutes(handlers.GroupAdmin, adminHandlers.Routes),
		handlers.WithRoutes(handlers.GroupWebhooks, webhookHandlers.Routes),
		handlers.WithRoutes(handlers.GroupInternal, internalHandlers.Routes),
	}
	if oidcMiddleware := buildOIDCMiddleware(logger.Named("auth"), cfg); oidcMiddleware != nil {
		opts = append(opts, handlers.WithGroupMiddlewares(handlers.GroupInternal, oidcMiddleware))
	}

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      handlers.NewRouter(opts...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	serverLogger := logger.Named("http").With(
		zap.String("addr", server.Addr),
		zap.String("store", cfg.Store.Driver),
		zap.String("mail", cfg.Mail.Transport),
	)
	go func() {
		serverLogger.Info("partsdesk api listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverLogger.Fatal("http server error", zap.Error(err))
		}
	}()

	<-shutdown
	logger.Info("shutdown signal received; draining requests")

	cleanupTicker.Stop()
	cleanupCancel()
	cleanupWG.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown failed", zap.Error(err))
	}
}

func buildInfoFromEnv(env map[string]string, cfg config.Config, started time.Time) services.BuildInfo {
	version := strings.TrimSpace(env["API_BUILD_VERSION"])
	if version == "" {
		version = "dev"
	}
	commit := strings.TrimSpace(env["API_BUILD_COMMIT_SHA"])
	if commit == "" {
		commit = "unknown"
	}
	environment := strings.TrimSpace(cfg.Security.Environment)
	if environment == "" {
		environment = "local"
	}
	return services.BuildInfo{
		Version:     version,
		CommitSHA:   commit,
		Environment: environment,
		StartedAt:   started,
	}
}

// describeBackends names the implementation picked for each pluggable concern. It mirrors the
// choices made by openStore, newIdempotencyStore, newLimiters and newPaymentManager.
func describeBackends(cfg config.Config, rdb *redis.Client, b backend, manager *payments.Manager) map[string]string {
	backends := map[string]string{
		"store":       cfg.Store.Driver,
		"mail":        cfg.Mail.Transport,
		"idempotency": "memory",
		"ratelimit":   "memory",
	}
	switch {
	case rdb != nil:
		backends["idempotency"] = "redis"
		backends["ratelimit"] = "redis"
	case b.firestore != nil:
		backends["idempotency"] = "firestore"
	}
	var psp []string
	for _, name := range []string{"stripe", "bank_transfer"} {
		if manager != nil && manager.Has(name) {
			psp = append(psp, name)
		}
	}
	backends["payments"] = strings.Join(psp, ",")
	return backends
}

func newLimiters(cfg config.RateLimitConfig, rdb *redis.Client) (intake, token ratelimit.Limiter) {
	if rdb != nil {
		return ratelimit.NewRedisLimiter(rdb, "ratelimit:intake", cfg.IntakePerWindow, cfg.Window),
			ratelimit.NewRedisLimiter(rdb, "ratelimit:token", cfg.TokenPerWindow, cfg.Window)
	}
	return ratelimit.NewMemoryLimiter(cfg.IntakePerWindow, cfg.Window, time.Now),
		ratelimit.NewMemoryLimiter(cfg.TokenPerWindow, cfg.Window, time.Now)
}

func buildOIDCMiddleware(logger *zap.Logger, cfg config.Config) func(http.Handler) http.Handler {
	if strings.TrimSpace(cfg.Security.OIDC.JWKSURL) == "" {
		return nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	adapter := observability.NewPrintfAdapter(logger)
	validator := auth.NewOIDCValidator(auth.NewJWKSCache(cfg.Security.OIDC.JWKSURL), adapter)

	audience := strings.TrimSpace(cfg.Security.OIDC.Audience)
	if audience == "" {
		logger.Warn("auth: OIDC audience not configured; internal routes will reject requests")
	}
	return validator.RequireOIDC(audience, cfg.Security.OIDC.Issuers)
}

// buildHMACMiddleware guards /webhooks/payments/{provider}. Secrets are keyed by provider name.
func buildHMACMiddleware(logger *zap.Logger, cfg config.Config, rdb *redis.Client) func(http.Handler) http.Handler {
	secrets := make(map[string]string)
	for key, value := range cfg.Security.HMAC.Secrets {
		if strings.TrimSpace(value) == "" {
			continue
		}
		secrets[strings.ToLower(strings.TrimSpace(key))] = value
	}
	if len(secrets) == 0 {
		return nil
	}

	var nonces auth.NonceStore = auth.NewInMemoryNonceStore()
	if rdb != nil {
		nonces = auth.NewRedisNonceStore(rdb)
	}
	validator := auth.NewHMACValidator(secrets, nonces,
		auth.WithHMACLogger(observability.NewPrintfAdapter(logger)),
		auth.WithHMACHeaders(cfg.Security.HMAC.SignatureHeader, cfg.Security.HMAC.TimestampHeader, cfg.Security.HMAC.NonceHeader),
		auth.WithHMACWindow(cfg.Security.HMAC.ClockSkew, cfg.Security.HMAC.NonceTTL),
	)
	return validator.RequireHMAC(func(r *http.Request) string {
		return chi.URLParam(r, "provider")
	})
}

func traceProjectID(cfg config.Config) string {
	if id := strings.TrimSpace(cfg.Firebase.ProjectID); id != "" {
		return id
	}
	return strings.TrimSpace(cfg.Firestore.ProjectID)
}
