package main

import (
	"log"
	"log/slog"
	"net/http"
	"time"

	"keydirectory/internal/auth"
	"keydirectory/internal/config"
	"keydirectory/internal/federation"
	"keydirectory/internal/observability/logging"
	"keydirectory/internal/observability/metrics"
	"keydirectory/internal/observability/middleware"
	"keydirectory/internal/service"
	"keydirectory/internal/store"
	httptransport "keydirectory/internal/transport/http"

	"github.com/redis/go-redis/v9"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	cfg := config.Load()

	logger := logging.NewLogger(logging.Config{
		ServiceName: "keydirectory",
		Environment: cfg.Environment,
		Level:       cfg.LogLevel,
	})
	slog.SetDefault(logger)

	metrics.MustRegister("keydirectory")

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("gorm open: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	cache := store.NewRemoteDeviceCache(redisClient)

	fed := federation.NewHTTPClient(cfg.FederationTimeout,
		federation.WithDeniedDestinations(cfg.FederationDenied),
		federation.WithBackoffWindow(cfg.FederationBackoff),
	)
	registry := auth.NewClient(cfg.AuthBaseURL)

	st := store.New(db)
	svc := service.New(st, cache, fed, registry, cfg.ServerName, cfg.FederationTimeout)
	mux := httptransport.NewRouter(svc, registry)

	handler := middleware.WithRequestAndTrace(middleware.WithMetrics(mux))

	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	slog.Info("key directory listening", "addr", cfg.Addr, "server_name", cfg.ServerName)
	log.Fatal(srv.ListenAndServe())
}
