// Package main запускает HTTP-сервер сервиса оплаты связи и интернета криптовалютой.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/cryptotopup/internal/cache"
	"github.com/mmeshcher/cryptotopup/internal/config"
	"github.com/mmeshcher/cryptotopup/internal/gateway"
	"github.com/mmeshcher/cryptotopup/internal/handler"
	"github.com/mmeshcher/cryptotopup/internal/httpclient"
	"github.com/mmeshcher/cryptotopup/internal/middleware"
	"github.com/mmeshcher/cryptotopup/internal/notify"
	"github.com/mmeshcher/cryptotopup/internal/provider"
	"github.com/mmeshcher/cryptotopup/internal/provider/clubkonnect"
	"github.com/mmeshcher/cryptotopup/internal/provider/vtpass"
	"github.com/mmeshcher/cryptotopup/internal/rate"
	"github.com/mmeshcher/cryptotopup/internal/repository"
	"github.com/mmeshcher/cryptotopup/internal/service"
)

type storage interface {
	service.Repository
	Ping(ctx context.Context) error
}

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		sugar.Warnw("failed to load .env", "error", err.Error())
	}

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	var repo storage
	if cfg.DatabaseURI != "" {
		repo, err = repository.NewPostgresRepository(cfg.DatabaseURI)
		if err != nil {
			sugar.Fatalw("database initialization error", "error", err.Error())
		}
	} else {
		sugar.Warn("DATABASE_URI is empty, orders are kept in memory")
		repo = repository.NewMemoryRepository()
	}

	var store cache.Store
	if cfg.RedisAddress != "" {
		rs := cache.NewRedisStore(strings.Split(cfg.RedisAddress, ","), cfg.RedisPassword, "cryptotopup", cfg.RedisCluster)
		if err := rs.Ping(context.Background()); err != nil {
			sugar.Fatalw("redis initialization error", "error", err.Error())
		}
		store = rs
	} else {
		ms, err := cache.NewMemoryStore(cfg.CacheSize)
		if err != nil {
			sugar.Fatalw("cache initialization error", "error", err.Error())
		}
		store = ms
	}
	appCache := cache.New(store, cfg.CacheDefaultTTL)
	defer appCache.Close()

	gatewayHTTP := httpclient.New(logger.Named("gateway"), httpclient.Options{
		RetryMax:     cfg.GatewayRetryMax,
		RetryWaitMin: cfg.GatewayRetryWait,
		Timeout:      cfg.GatewayTimeout,
	})
	gw := gateway.NewClient(cfg.GatewayURL, cfg.GatewayAPIKey, cfg.GatewaySecret, gatewayHTTP, logger.Named("gateway"))

	rateHTTP := httpclient.New(logger.Named("rate"), httpclient.Options{RetryMax: 2})
	oracle := rate.NewOracle(
		rate.NewHTTPSource(cfg.RateSourceURL, cfg.RateCoinID, cfg.FiatCurrency, cfg.RateAPIKey, rateHTTP),
		appCache, logger.Named("rate"),
		strings.ToLower(cfg.RateCoinID), strings.ToLower(cfg.FiatCurrency),
		cfg.RateCacheTTL, cfg.RateStaleTTL)

	providerHTTP := httpclient.New(logger.Named("provider"), httpclient.Options{RetryMax: cfg.ProviderRetryMax})
	var providers []provider.Provider
	for _, name := range cfg.Providers {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case vtpass.Name:
			providers = append(providers, vtpass.NewClient(cfg.VTPassURL, cfg.VTPassAPIKey,
				cfg.VTPassSecretKey, cfg.VTPassPublicKey, providerHTTP, logger.Named(vtpass.Name)))
		case clubkonnect.Name:
			providers = append(providers, clubkonnect.NewClient(cfg.ClubKonnectURL, cfg.ClubKonnectUserID,
				cfg.ClubKonnectAPIKey, providerHTTP, logger.Named(clubkonnect.Name)))
		}
	}
	fulfiller := provider.NewFailover(logger.Named("failover"), providers...)

	hub := notify.NewHub(logger.Named("ws"), cfg.AllowedOrigins)
	sinks := []notify.Sink{hub}
	if len(cfg.KafkaBrokers) > 0 {
		publisher := notify.NewKafkaPublisher(
			notify.NewKafkaWriter(cfg.KafkaBrokers, cfg.KafkaTopic, logger.Named("kafka")),
			logger.Named("kafka"))
		defer publisher.Close()
		sinks = append(sinks, publisher)
	}

	svc := service.NewService(service.Deps{
		Repo:      repo,
		Oracle:    oracle,
		Gateway:   gw,
		Fulfiller: fulfiller,
		Notifier:  notify.NewFanout(sinks...),
		Cache:     appCache,
		Logger:    logger.Named("service"),
	}, service.Config{
		MinAmount:            cfg.MinAmount,
		MaxAmount:            cfg.MaxAmount,
		FiatCurrency:         cfg.FiatCurrency,
		CryptoCurrency:       cfg.CryptoCurrency,
		CallbackURL:          cfg.GatewayCallbackURL,
		ReturnURL:            cfg.GatewayReturnURL,
		PaymentExpiryMinutes: cfg.PaymentExpiryMinutes,
		AirtimeEnabled:       cfg.AirtimeEnabled,
		DataEnabled:          cfg.DataEnabled,
		OrderCacheTTL:        cfg.OrderCacheTTL,
		PlansCacheTTL:        cfg.PlansCacheTTL,
	})
	defer svc.Close()

	if cfg.AdminSecret == "" {
		sugar.Warn("ADMIN_SECRET is empty, admin tokens are valid until restart")
	}
	authMiddleware := middleware.NewAuthMiddleware(cfg.AdminSecret)
	h := handler.NewHandler(svc, logger.Named("http"), authMiddleware, handler.Options{
		Realtime:       http.HandlerFunc(hub.ServeWS),
		Health:         repo.Ping,
		AllowedOrigins: cfg.AllowedOrigins,
	})

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Сверка заказов, по которым не пришло уведомление шлюза
	g.Go(func() error {
		svc.StartReconciler(ctx, cfg.ReconcileInterval)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting cryptotopup server",
			"addr", cfg.RunAddress,
			"providers", fulfiller.Names(),
			"postgres", cfg.DatabaseURI != "",
			"redis", cfg.RedisAddress != "",
			"kafka", len(cfg.KafkaBrokers) > 0)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}
