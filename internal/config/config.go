package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"

	"github.com/noah-isme/toko-pricing/internal/pricing"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	AppEnv             string
	Port               string
	DatabaseURL        string
	RedisURL           string
	JWTSecret          string
	JWTIssuer          string
	CORSAllowedOrigins []string
	LogFormat          string
	LogLevel           string
	MetricsNamespace   string
	MetricsBucketsMS   string
	TracingExporter    string
	TracingSampling    float64
	OTLPEndpoint       string
	MaxBodyBytes       int64
	EnableHSTS         bool
	EnablePprof        bool
	PprofUser          string
	PprofPass          string
	DBMaxConns         int32
	DBMinConns         int32

	CurrencyCode         string
	Fees                 pricing.FeeSchedule
	HamperSurchargeGrams int
	PaymentWindow        time.Duration
	CatalogCacheTTL      time.Duration
	ZoneCacheTTL         time.Duration

	RazorpayKeyID         string
	RazorpayKeySecret     string
	RazorpayWebhookSecret string
	PaymentMockSecret     string
	RazorpayBaseURL       string
	GatewayTimeout        time.Duration
	PaymentLockTTL        time.Duration
	WebhookReplayTTL      time.Duration
	IdempotencyTTL        time.Duration

	QuoteRateLimit    string
	DeliveryRateLimit string

	WorkerConcurrency int
	ExpiryQueue       string
}

// Load reads configuration from the process environment, after merging an
// optional .env file.
func Load() (*Config, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if err := k.Load(env.Provider("", ".", func(s string) string { return s }), nil); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	return build(k)
}

// MustLoad is Load for command entrypoints.
func MustLoad() *Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// LoadForTests builds a Config from vars alone, ignoring the process
// environment and any .env file.
func LoadForTests(vars map[string]string) (*Config, error) {
	k := koanf.New(".")
	if err := k.Load(mapProvider(vars), nil); err != nil {
		return nil, err
	}
	return build(k)
}

func build(k *koanf.Koanf) (*Config, error) {
	r := &reader{k: k}
	cfg := &Config{
		AppEnv:             r.str("APP_ENV", "development"),
		Port:               r.str("PORT", "8080"),
		DatabaseURL:        r.required("DATABASE_URL"),
		RedisURL:           r.required("REDIS_URL"),
		JWTSecret:          r.required("JWT_SECRET"),
		JWTIssuer:          r.str("JWT_ISSUER", ""),
		CORSAllowedOrigins: r.list("CORS_ALLOWED_ORIGINS", ""),
		LogFormat:          r.str("LOG_FORMAT", "json"),
		LogLevel:           r.str("LOG_LEVEL", "info"),
		MetricsNamespace:   r.str("METRICS_NAMESPACE", "toko_pricing"),
		MetricsBucketsMS:   r.str("METRICS_BUCKETS_MS", ""),
		TracingExporter:    r.str("TRACING_EXPORTER", "none"),
		TracingSampling:    r.number("TRACING_SAMPLING_RATIO", 1),
		OTLPEndpoint:       r.str("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		MaxBodyBytes:       int64(r.integer("MAX_BODY_BYTES", 1<<20)),
		EnableHSTS:         r.flag("ENABLE_HSTS"),
		EnablePprof:        r.flag("ENABLE_PPROF"),
		PprofUser:          r.str("PPROF_BASIC_AUTH_USER", ""),
		PprofPass:          r.str("PPROF_BASIC_AUTH_PASS", ""),
		DBMaxConns:         int32(r.integer("DB_MAX_CONNS", 0)),
		DBMinConns:         int32(r.integer("DB_MIN_CONNS", 0)),

		CurrencyCode:         strings.ToUpper(r.str("CURRENCY_CODE", "INR")),
		HamperSurchargeGrams: r.integer("HAMPER_SURCHARGE_GRAMS", 250),
		PaymentWindow:        r.duration("PAYMENT_WINDOW", 30*time.Minute),
		CatalogCacheTTL:      r.duration("CATALOG_CACHE_TTL", 5*time.Minute),
		ZoneCacheTTL:         r.duration("ZONE_CACHE_TTL", 10*time.Minute),

		RazorpayKeyID:         r.str("RAZORPAY_KEY_ID", ""),
		RazorpayKeySecret:     r.str("RAZORPAY_KEY_SECRET", ""),
		RazorpayWebhookSecret: r.str("RAZORPAY_WEBHOOK_SECRET", ""),
		PaymentMockSecret:     r.str("PAYMENT_MOCK_SECRET", ""),
		RazorpayBaseURL:       r.str("RAZORPAY_BASE_URL", "https://api.razorpay.com"),
		GatewayTimeout:        r.duration("GATEWAY_TIMEOUT", 5*time.Second),
		PaymentLockTTL:        r.duration("PAYMENT_LOCK_TTL", 15*time.Second),
		WebhookReplayTTL:      r.duration("WEBHOOK_REPLAY_TTL", 24*time.Hour),
		IdempotencyTTL:        r.duration("IDEMPOTENCY_TTL", 24*time.Hour),

		QuoteRateLimit:    r.str("RATE_LIMIT_QUOTE", "30-M"),
		DeliveryRateLimit: r.str("RATE_LIMIT_DELIVERY", "60-M"),

		WorkerConcurrency: r.integer("WORKER_CONCURRENCY", 10),
		ExpiryQueue:       r.str("EXPIRY_QUEUE", "default"),
	}

	fees, err := pricing.NewFeeSchedule(
		r.str("PAYMENT_FEE_RATE", "0.02"),
		r.str("PAYMENT_FEE_TAX_RATE", "0.18"),
		r.list("PAYMENT_FEE_EXEMPT_METHODS", "UPI"),
	)
	if err != nil {
		r.fail(fmt.Errorf("payment fee: %w", err))
	}
	cfg.Fees = fees

	if cfg.HamperSurchargeGrams < 0 {
		r.fail(errors.New("HAMPER_SURCHARGE_GRAMS must not be negative"))
	}
	if cfg.PaymentWindow <= 0 {
		r.fail(errors.New("PAYMENT_WINDOW must be positive"))
	}
	if !cfg.UsesRazorpay() && cfg.PaymentMockSecret == "" {
		r.fail(errors.New("PAYMENT_MOCK_SECRET is required when RAZORPAY_KEY_ID/RAZORPAY_KEY_SECRET are not set"))
	}
	if err := errors.Join(r.errs...); err != nil {
		return nil, err
	}
	return cfg, nil
}

// HTTPAddr returns the address the HTTP server should bind to.
func (c *Config) HTTPAddr() string {
	port := strings.TrimSpace(c.Port)
	if port == "" {
		port = "8080"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return ":" + port
}

// UsesRazorpay reports whether live gateway credentials are configured.
// Without them the API signs gateway orders with the mock provider.
func (c *Config) UsesRazorpay() bool {
	return c.RazorpayKeyID != "" && c.RazorpayKeySecret != ""
}

// reader pulls typed values out of koanf, collecting every malformed or
// missing value instead of stopping at the first.
type reader struct {
	k    *koanf.Koanf
	errs []error
}

func (r *reader) fail(err error) { r.errs = append(r.errs, err) }

func (r *reader) str(key, def string) string {
	if v := strings.TrimSpace(r.k.String(key)); v != "" {
		return v
	}
	return def
}

func (r *reader) required(key string) string {
	v := r.str(key, "")
	if v == "" {
		r.fail(fmt.Errorf("%s is required", key))
	}
	return v
}

func (r *reader) list(key, def string) []string {
	var out []string
	for _, part := range strings.Split(r.str(key, def), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (r *reader) integer(key string, def int) int {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		r.fail(fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func (r *reader) number(key string, def float64) float64 {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.fail(fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}

func (r *reader) flag(key string) bool {
	switch strings.ToLower(r.str(key, "false")) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	r.fail(fmt.Errorf("%s: not a boolean", key))
	return false
}

func (r *reader) duration(key string, def time.Duration) time.Duration {
	raw := r.str(key, "")
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		r.fail(fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

// mapProvider is a koanf.Provider over a flat string map.
type mapProvider map[string]string

func (m mapProvider) Read() (map[string]any, error) {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out, nil
}

func (mapProvider) ReadBytes() ([]byte, error) {
	return nil, errors.New("config: mapProvider does not support ReadBytes")
}
