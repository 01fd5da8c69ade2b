// Package config содержит логику чтения конфигурации сервиса оплаты услуг криптовалютой.
package config

import (
	"errors"
	"flag"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/shopspring/decimal"
)

// Config содержит параметры конфигурации сервиса.
type Config struct {
	RunAddress   string `env:"RUN_ADDRESS"`
	DatabaseURI  string `env:"DATABASE_URI"`
	GatewayURL   string `env:"GATEWAY_URL"`
	RedisAddress string `env:"REDIS_ADDRESS"`

	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisCluster  bool   `env:"REDIS_CLUSTER"`

	GatewayAPIKey        string        `env:"GATEWAY_API_KEY"`
	GatewaySecret        string        `env:"GATEWAY_SECRET"`
	GatewayCallbackURL   string        `env:"GATEWAY_CALLBACK_URL"`
	GatewayReturnURL     string        `env:"GATEWAY_RETURN_URL"`
	GatewayRetryMax      int           `env:"GATEWAY_RETRY_MAX" envDefault:"3"`
	GatewayRetryWait     time.Duration `env:"GATEWAY_RETRY_WAIT" envDefault:"500ms"`
	GatewayTimeout       time.Duration `env:"GATEWAY_TIMEOUT" envDefault:"15s"`
	PaymentExpiryMinutes int           `env:"PAYMENT_EXPIRY_MINUTES" envDefault:"30"`

	CryptoCurrency string `env:"CRYPTO_CURRENCY" envDefault:"BTC"`
	FiatCurrency   string `env:"FIAT_CURRENCY" envDefault:"NGN"`

	RateSourceURL string        `env:"RATE_SOURCE_URL" envDefault:"https://api.coingecko.com"`
	RateCoinID    string        `env:"RATE_COIN_ID" envDefault:"bitcoin"`
	RateAPIKey    string        `env:"RATE_API_KEY"`
	RateCacheTTL  time.Duration `env:"RATE_CACHE_TTL" envDefault:"5m"`
	RateStaleTTL  time.Duration `env:"RATE_STALE_TTL" envDefault:"24h"`

	MinAmount decimal.Decimal `env:"MIN_AMOUNT" envDefault:"50"`
	MaxAmount decimal.Decimal `env:"MAX_AMOUNT" envDefault:"50000"`

	OrderCacheTTL   time.Duration `env:"ORDER_CACHE_TTL" envDefault:"5s"`
	PlansCacheTTL   time.Duration `env:"PLANS_CACHE_TTL" envDefault:"1h"`
	CacheSize       int           `env:"CACHE_SIZE" envDefault:"10000"`
	CacheDefaultTTL time.Duration `env:"CACHE_DEFAULT_TTL" envDefault:"5m"`

	Providers         []string `env:"PROVIDERS" envSeparator:"," envDefault:"vtpass,clubkonnect"`
	VTPassURL         string   `env:"VTPASS_URL" envDefault:"https://vtpass.com"`
	VTPassAPIKey      string   `env:"VTPASS_API_KEY"`
	VTPassSecretKey   string   `env:"VTPASS_SECRET_KEY"`
	VTPassPublicKey   string   `env:"VTPASS_PUBLIC_KEY"`
	ClubKonnectURL    string   `env:"CLUBKONNECT_URL" envDefault:"https://www.nellobytesystems.com"`
	ClubKonnectUserID string   `env:"CLUBKONNECT_USER_ID"`
	ClubKonnectAPIKey string   `env:"CLUBKONNECT_API_KEY"`
	ProviderRetryMax  int      `env:"PROVIDER_RETRY_MAX" envDefault:"2"`
	AirtimeEnabled    bool     `env:"AIRTIME_ENABLED" envDefault:"true"`
	DataEnabled       bool     `env:"DATA_ENABLED" envDefault:"true"`

	AllowedOrigins []string `env:"ALLOWED_ORIGINS" envSeparator:","`
	AdminSecret    string   `env:"ADMIN_SECRET"`
	KafkaBrokers   []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic     string   `env:"KAFKA_TOPIC" envDefault:"order-updates"`

	ReconcileInterval time.Duration `env:"RECONCILE_INTERVAL" envDefault:"2m"`
	ShutdownTimeout   time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Parse считывает конфигурацию из флагов командной строки и переменных окружения.
// Переменные окружения имеют приоритет над флагами.
func Parse() (*Config, error) {
	cfg := &Config{}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	envRunAddress := cfg.RunAddress
	envDatabaseURI := cfg.DatabaseURI
	envGatewayURL := cfg.GatewayURL
	envRedisAddress := cfg.RedisAddress

	flag.StringVar(&cfg.RunAddress, "a", "localhost:8080", "address and port for HTTP server")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "database URI, in-memory storage when empty")
	flag.StringVar(&cfg.GatewayURL, "g", "", "payment gateway base URL")
	flag.StringVar(&cfg.RedisAddress, "r", "", "redis address, in-process cache when empty")

	flag.Parse()

	if envRunAddress != "" {
		cfg.RunAddress = envRunAddress
	}
	if envDatabaseURI != "" {
		cfg.DatabaseURI = envDatabaseURI
	}
	if envGatewayURL != "" {
		cfg.GatewayURL = envGatewayURL
	}
	if envRedisAddress != "" {
		cfg.RedisAddress = envRedisAddress
	}

	if cfg.RunAddress == "" {
		cfg.RunAddress = "localhost:8080"
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate проверяет согласованность параметров.
func (c *Config) Validate() error {
	var errs []error

	if c.GatewayURL == "" {
		errs = append(errs, errors.New("payment gateway URL is required"))
	}
	if !c.MinAmount.IsPositive() {
		errs = append(errs, errors.New("MIN_AMOUNT must be positive"))
	}
	if c.MaxAmount.LessThan(c.MinAmount) {
		errs = append(errs, fmt.Errorf("MAX_AMOUNT %s is less than MIN_AMOUNT %s", c.MaxAmount, c.MinAmount))
	}
	if c.PaymentExpiryMinutes <= 0 {
		errs = append(errs, errors.New("PAYMENT_EXPIRY_MINUTES must be positive"))
	}
	if len(c.Providers) == 0 {
		errs = append(errs, errors.New("at least one provider is required"))
	}
	for _, p := range c.Providers {
		switch strings.ToLower(strings.TrimSpace(p)) {
		case "vtpass", "clubkonnect":
		default:
			errs = append(errs, fmt.Errorf("unknown provider %q", p))
		}
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaTopic == "" {
		errs = append(errs, errors.New("KAFKA_TOPIC is required with KAFKA_BROKERS"))
	}

	return errors.Join(errs...)
}
