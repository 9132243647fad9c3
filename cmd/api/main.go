package main

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"net/http/pprof"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/hibiken/asynq"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/extra/redisotel/v9"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	limiter "github.com/ulule/limiter/v3"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/noah-isme/toko-pricing/internal/auth"
	"github.com/noah-isme/toko-pricing/internal/catalog"
	"github.com/noah-isme/toko-pricing/internal/common"
	"github.com/noah-isme/toko-pricing/internal/config"
	"github.com/noah-isme/toko-pricing/internal/coupon"
	"github.com/noah-isme/toko-pricing/internal/events"
	"github.com/noah-isme/toko-pricing/internal/health"
	"github.com/noah-isme/toko-pricing/internal/lock"
	"github.com/noah-isme/toko-pricing/internal/obs"
	"github.com/noah-isme/toko-pricing/internal/order"
	"github.com/noah-isme/toko-pricing/internal/payment"
	"github.com/noah-isme/toko-pricing/internal/ratelimit"
	"github.com/noah-isme/toko-pricing/internal/resilience"
	"github.com/noah-isme/toko-pricing/internal/security"
	"github.com/noah-isme/toko-pricing/internal/shipping"
	"github.com/noah-isme/toko-pricing/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}

	logger := obs.NewLogger(cfg.LogFormat, cfg.LogLevel, "toko-pricing-api").With().Str("env", cfg.AppEnv).Logger()
	obs.MustRegisterDomainMetrics(cfg.MetricsNamespace, nil)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tracingEnabled := strings.ToLower(cfg.TracingExporter) != "none"
	shutdownTracer, err := obs.InitTracer(ctx, obs.TracingConfig{
		ServiceName:   "toko-pricing-api",
		Endpoint:      cfg.OTLPEndpoint,
		Exporter:      cfg.TracingExporter,
		SamplingRatio: cfg.TracingSampling,
		Environment:   cfg.AppEnv,
	})
	if err != nil {
		logger.Error().Err(err).Msg("initialise tracing")
		tracingEnabled = false
	} else {
		defer func() {
			if err := shutdownTracer(context.Background()); err != nil {
				logger.Error().Err(err).Msg("shutdown tracer")
			}
		}()
	}

	connectCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := store.Open(connectCtx, cfg.DatabaseURL, store.PoolConfig{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		logger.Fatal().Err(err).Msg("connect database")
	}
	defer pool.Close()
	db := store.New(pool)
	if err := db.Ping(connectCtx); err != nil {
		logger.Fatal().Err(err).Msg("ping database")
	}

	redisClient := mustInitRedis(connectCtx, cfg, logger)
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close redis")
		}
	}()

	asynqOpt, err := asynq.ParseRedisURI(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse asynq redis url")
	}
	asynqClient := asynq.NewClient(asynqOpt)
	defer func() {
		if err := asynqClient.Close(); err != nil {
			logger.Error().Err(err).Msg("close asynq client")
		}
	}()

	bus := &events.Bus{
		Store:     db,
		Notifiers: []events.Notifier{events.LogNotifier{Logger: logger.With().Str("component", "events").Logger()}},
	}

	catalogSvc := &catalog.Service{
		Q:      db,
		Cache:  catalog.NewCache(redisClient, cfg.CatalogCacheTTL),
		Logger: logger,
	}
	shipSvc := &shipping.Service{
		Store:   db,
		Cache:   catalog.NewCache(redisClient, cfg.ZoneCacheTTL),
		Weights: shipping.Aggregator{HamperSurchargeGrams: cfg.HamperSurchargeGrams},
		Logger:  logger,
	}
	couponSvc := &coupon.Service{Q: db, Logger: logger}
	orderSvc := &order.Service{
		Store:         db,
		Tx:            db,
		Catalog:       catalogSvc,
		Coupons:       couponSvc,
		Delivery:      shipSvc,
		Events:        bus,
		Expiry:        order.AsynqScheduler{Client: asynqClient, Queue: cfg.ExpiryQueue},
		PaymentWindow: cfg.PaymentWindow,
		Currency:      cfg.CurrencyCode,
		Logger:        logger,
	}
	paymentSvc := &payment.Service{
		Orders:   orderSvc,
		Provider: newProvider(cfg, logger),
		Fees:     cfg.Fees,
		Locker:   lock.Locker{R: redisClient, Prefix: "lock:", MaxWait: cfg.PaymentLockTTL},
		LockTTL:  cfg.PaymentLockTTL,
		Logger:   logger,
	}

	verifier, err := auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer, "")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise token verifier")
	}
	authMiddleware := auth.Middleware{Tokens: verifier}
	requireAdmin := auth.RequireRole(auth.RoleAdmin)

	limiterStore, err := ratelimit.NewStore(redisClient, "ratelimit")
	if err != nil {
		logger.Fatal().Err(err).Msg("initialise rate limiter store")
	}
	quoteLimit := mustLimiter(limiterStore, cfg.QuoteRateLimit, "quote", logger)
	deliveryLimit := mustLimiter(limiterStore, cfg.DeliveryRateLimit, "delivery", logger)

	idem := common.Idem{R: redisClient, TTL: cfg.IdempotencyTTL}

	catalogHandler := &catalog.Handler{Svc: catalogSvc}
	shipHandler := &shipping.Handler{Svc: shipSvc, Catalog: catalogSvc}
	couponHandler := &coupon.Handler{Svc: couponSvc}
	orderHandler := &order.Handler{Svc: orderSvc}
	orderAdmin := &order.AdminHandler{Svc: orderSvc}
	paymentHandler := &payment.Handler{Svc: paymentSvc, Replay: redisClient, ReplayTTL: cfg.WebhookReplayTTL}

	healthHandler := health.Handler{
		Probes: []health.Probe{health.PostgresProbe(db), health.RedisProbe(redisClient)},
		Logger: logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if tracingEnabled {
		r.Use(obs.TracingMiddleware)
	}
	r.Use(obs.HTTPObs{Metrics: obs.NewHTTPMetrics(cfg.MetricsNamespace, obs.ParseBucketsCSV(cfg.MetricsBucketsMS), nil)}.Middleware)
	r.Use(obs.RequestLogger{Logger: logger}.Middleware)
	r.Use(security.Headers{EnableHSTS: cfg.EnableHSTS}.Middleware)
	r.Use(security.BodyLimit{Max: cfg.MaxBodyBytes}.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins(cfg),
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders: []string{"X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		MaxAge:         300,
	}))

	r.Handle("/metrics", promhttp.Handler())
	if cfg.EnablePprof {
		r.Mount("/debug/pprof", protectPprof(newPprofMux(), cfg.PprofUser, cfg.PprofPass))
	}
	r.Get("/health/live", healthHandler.Live)
	r.Get("/health/ready", healthHandler.Ready)

	r.Route("/api/v1", func(v chi.Router) {
		v.Get("/products/{productId}", catalogHandler.ProductDetail)

		v.Route("/delivery", func(d chi.Router) {
			d.Use(deliveryLimit.Middleware)
			d.Post("/availability", shipHandler.Availability)
			d.Post("/quote", shipHandler.Quote)
		})

		// Gateway callbacks authenticate by signature, not bearer token.
		v.Post("/payments/webhook", paymentHandler.Webhook)

		v.Group(func(authR chi.Router) {
			authR.Use(authMiddleware.RequireAuth)

			authR.With(quoteLimit.Middleware).Post("/coupons/quote", couponHandler.Quote)
			authR.With(quoteLimit.Middleware).Post("/quote", orderHandler.QuoteCart)

			authR.With(idem.Middleware).Post("/orders", orderHandler.Place)
			authR.Get("/orders", orderHandler.List)
			authR.Get("/orders/{orderId}", orderHandler.Get)

			authR.With(idem.Middleware).Post("/payments/orders", paymentHandler.CreateOrder)
			authR.Post("/payments/verify", paymentHandler.Verify)
		})

		v.Route("/admin", func(admin chi.Router) {
			admin.Use(authMiddleware.RequireAuth)
			admin.Use(requireAdmin)
			admin.Get("/zones", shipHandler.AdminListZones)
			admin.Put("/zones", shipHandler.AdminReplaceZones)
			admin.Post("/coupons", couponHandler.AdminCreate)
			admin.Get("/coupons", couponHandler.AdminList)
			admin.Get("/coupons/{code}", couponHandler.AdminGet)
			admin.Delete("/coupons/{code}", couponHandler.AdminDelete)
			admin.Patch("/orders/{id}/status", orderAdmin.PatchStatus)
		})
	})

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		health.SetReady(false)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error().Err(err).Msg("graceful shutdown")
		}
	}()

	logger.Info().Str("addr", srv.Addr).Str("payment_provider", paymentSvc.Provider.Name()).Msg("server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal().Err(err).Msg("server exited unexpectedly")
	}
	logger.Info().Msg("server stopped")
}

func mustInitRedis(ctx context.Context, cfg *config.Config, logger zerolog.Logger) *redis.Client {
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("parse redis url")
	}
	redisClient := redis.NewClient(redisOpts)
	if err := redisotel.InstrumentTracing(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis tracing")
	}
	if err := redisotel.InstrumentMetrics(redisClient); err != nil {
		logger.Error().Err(err).Msg("instrument redis metrics")
	}
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal().Err(err).Msg("ping redis")
	}
	return redisClient
}

// newProvider returns Razorpay when keys are configured and the offline mock
// otherwise.
func newProvider(cfg *config.Config, logger zerolog.Logger) payment.Provider {
	if !cfg.UsesRazorpay() {
		logger.Warn().Msg("razorpay keys not configured, using mock payment provider")
		return payment.Mock{Secret: cfg.PaymentMockSecret}
	}
	breaker := resilience.NewBreaker("razorpay", 10, 0.5, 30*time.Second).
		WithMetrics(resilience.NewMetrics(cfg.MetricsNamespace, nil)).
		WithLogger(logger)
	return payment.Razorpay{
		KeyID:         cfg.RazorpayKeyID,
		KeySecret:     cfg.RazorpayKeySecret,
		WebhookSecret: cfg.RazorpayWebhookSecret,
		BaseURL:       cfg.RazorpayBaseURL,
		HTTP: resilience.HTTPClient{
			Client:      &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
			Breaker:     breaker,
			MaxAttempts: 3,
			BaseBackoff: 200 * time.Millisecond,
			Jitter:      0.2,
			Timeout:     cfg.GatewayTimeout,
		},
	}
}

func mustLimiter(st limiter.Store, rate, scope string, logger zerolog.Logger) ratelimit.Handler {
	lim, err := ratelimit.New(st, rate)
	if err != nil {
		logger.Fatal().Err(err).Str("scope", scope).Msg("initialise rate limiter")
	}
	return ratelimit.Handler{Limiter: lim, Scope: scope, Logger: logger}
}

func allowedOrigins(cfg *config.Config) []string {
	if len(cfg.CORSAllowedOrigins) == 0 {
		return []string{"*"}
	}
	return cfg.CORSAllowedOrigins
}

func newPprofMux() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", pprof.Index)
	mux.HandleFunc("/cmdline", pprof.Cmdline)
	mux.HandleFunc("/profile", pprof.Profile)
	mux.HandleFunc("/symbol", pprof.Symbol)
	mux.HandleFunc("/trace", pprof.Trace)
	mux.Handle("/heap", pprof.Handler("heap"))
	mux.Handle("/goroutine", pprof.Handler("goroutine"))
	return mux
}

func protectPprof(handler http.Handler, user, pass string) http.Handler {
	if user == "" {
		return handler
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u, p, ok := r.BasicAuth()
		if !ok || subtle.ConstantTimeCompare([]byte(u), []byte(user)) != 1 || subtle.ConstantTimeCompare([]byte(p), []byte(pass)) != 1 {
			w.Header().Set("WWW-Authenticate", "Basic realm=restricted")
			http.Error(w, "unauthorised", http.StatusUnauthorized)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
