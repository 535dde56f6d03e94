package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/shopfront/checkout-engine/internal/api"
	"github.com/shopfront/checkout-engine/internal/breaker"
	"github.com/shopfront/checkout-engine/internal/domain"
	"github.com/shopfront/checkout-engine/internal/metrics"
	"github.com/shopfront/checkout-engine/internal/payment"
	"github.com/shopfront/checkout-engine/internal/repository"
	"github.com/shopfront/checkout-engine/internal/retry"
	"github.com/shopfront/checkout-engine/internal/service"
	"github.com/shopfront/checkout-engine/internal/store"
)

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		n, err := strconv.Atoi(value)
		if err != nil {
			log.Fatalf("Invalid %s: %v", key, err)
		}
		return n
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		d, err := time.ParseDuration(value)
		if err != nil {
			log.Fatalf("Invalid %s: %v", key, err)
		}
		return d
	}
	return defaultValue
}

func main() {
	log.Println("retail-server starting...")

	// Configuration
	httpPort := getEnv("HTTP_PORT", "8080")
	storeDriver := getEnv("STORE_DRIVER", "postgres") // postgres | memory

	breakerThreshold := getEnvInt("BREAKER_THRESHOLD", 3)
	breakerCooldown := getEnvDuration("BREAKER_COOLDOWN", 30*time.Second)
	retryAttempts := getEnvInt("RETRY_MAX_ATTEMPTS", 3)
	retryBase := getEnvDuration("RETRY_BASE_DELAY", 100*time.Millisecond)
	retryCap := getEnvDuration("RETRY_MAX_DELAY", 2*time.Second)
	retryJitter := getEnvDuration("RETRY_JITTER", 50*time.Millisecond)

	logger, err := zap.NewProduction()
	if err != nil {
		log.Fatalf("Failed to build logger: %v", err)
	}
	defer logger.Sync()

	st, cleanup, err := buildStore(storeDriver, logger)
	if err != nil {
		log.Fatalf("Failed to set up store: %v", err)
	}
	defer cleanup()

	// Payment methods. Real gateway adapters would be registered here;
	// the demo wires the built-in variants so every outcome of the
	// checkout flow can be provoked from curl.
	registry := payment.NewRegistry()
	registry.Register("card", payment.NewApproveStrategy())
	registry.Register("cash", payment.NewDeclineStrategy())
	registry.Register("paypal", payment.NewFlakyStrategy(0.5, time.Now().UnixNano()))

	m := metrics.New(prometheus.DefaultRegisterer)
	cb := breaker.New(breakerThreshold, breakerCooldown,
		breaker.WithOnStateChange(service.BreakerEvents(logger, m)))
	rp := retry.New(retryAttempts, retryBase, retryCap, retryJitter)

	coordinator := service.NewCoordinator(st, registry, cb, rp, logger, m)
	handler := api.NewCheckoutHandler(coordinator, st)

	srv := &http.Server{
		Addr:         ":" + httpPort,
		Handler:      handler.Router(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		log.Printf("HTTP server listening on :%s", httpPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down retail-server...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("Shutdown error: %v", err)
	}
	log.Println("retail-server stopped")
}

// buildStore selects the persistence backend. The memory driver exists
// so the demo runs without a database; postgres is the production path.
func buildStore(driver string, logger *zap.Logger) (store.Store, func(), error) {
	switch driver {
	case "memory":
		st := store.NewMemoryStore()
		if err := seedCatalog(st); err != nil {
			return nil, nil, err
		}
		logger.Info("using in-memory store")
		return st, func() {}, nil

	case "postgres":
		creds := &repository.Credentials{
			Host:              getEnv("DB_HOST", "localhost"),
			Port:              getEnvInt("DB_PORT", 5432),
			User:              getEnv("DB_USER", "postgres"),
			Password:          getEnv("DB_PASSWORD", "postgres"),
			DBName:            getEnv("DB_NAME", "retail"),
			MigrationsDirPath: getEnv("MIGRATIONS_PATH", "./internal/repository/migrations"),
		}
		repo, err := repository.NewRepository(creds)
		if err != nil {
			return nil, nil, err
		}
		if err := repo.RunMigrations(creds); err != nil {
			repo.Close()
			return nil, nil, err
		}
		log.Println("Database migrations completed")
		if err := repo.EnsureUser(1, "demo"); err != nil {
			repo.Close()
			return nil, nil, err
		}
		if err := seedCatalog(repo); err != nil {
			repo.Close()
			return nil, nil, err
		}
		logger.Info("using postgres store",
			zap.String("host", creds.Host),
			zap.String("database", creds.DBName))
		return repo, func() { repo.Close() }, nil

	default:
		return nil, nil, errors.New("unknown STORE_DRIVER: " + driver)
	}
}

// seedCatalog upserts the demo products by name, so restarts do not
// duplicate rows. One product carries a flash window around "now" to
// make flash pricing observable out of the box.
func seedCatalog(st store.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acc, err := st.Acquire(ctx)
	if err != nil {
		return err
	}
	defer acc.Release()

	flashPrice := 29.99
	flashStart := time.Now().UTC().Add(-time.Hour)
	flashEnd := time.Now().UTC().Add(24 * time.Hour)

	products := []domain.Product{
		{Name: "Mechanical Keyboard", Price: 49.99, Stock: 25},
		{Name: "Wireless Mouse", Price: 19.99, Stock: 40},
		{Name: "USB-C Dock", Price: 89.99, Stock: 10,
			FlashPrice: &flashPrice, FlashStart: &flashStart, FlashEnd: &flashEnd},
		{Name: "Webcam", Price: 59.99, Stock: 1},
	}
	for _, p := range products {
		if _, err := acc.UpsertProduct(ctx, p); err != nil {
			return err
		}
	}
	return nil
}
