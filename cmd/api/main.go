package main

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Bravos-hub/csms-backend-sub000/internal/audit"
	"github.com/Bravos-hub/csms-backend-sub000/internal/auth"
	commandsapp "github.com/Bravos-hub/csms-backend-sub000/internal/commands/application"
	commandsrepo "github.com/Bravos-hub/csms-backend-sub000/internal/commands/infrastructure/postgres"
	commandshttp "github.com/Bravos-hub/csms-backend-sub000/internal/commands/interfaces/http"
	"github.com/Bravos-hub/csms-backend-sub000/internal/config"
	masterdatahttp "github.com/Bravos-hub/csms-backend-sub000/internal/masterdata/interfaces/http"
	masterdatarepo "github.com/Bravos-hub/csms-backend-sub000/internal/masterdata/infrastructure/postgres"
	"github.com/Bravos-hub/csms-backend-sub000/internal/observability/metrics"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}
	if cfg.JWTSecret == "" {
		logger.Fatal("AUTH_JWT_SECRET is required")
	}

	db, err := sql.Open("pgx", cfg.DatabaseURL)
	if err != nil {
		logger.Fatalf("db open error: %v", err)
	}
	defer db.Close()
	if err := db.Ping(); err != nil {
		logger.Fatalf("db ping error: %v", err)
	}

	metrics.Init()

	commandStore := commandsrepo.NewCommandRepository(db)
	eventStore := commandsrepo.NewEventRepository(db)
	outboxStore := commandsrepo.NewOutboxRepository(db)

	service, err := commandsapp.NewService(commandStore, eventStore)
	if err != nil {
		logger.Fatalf("command service error: %v", err)
	}
	auditLog := audit.NewRepository(db)
	handler, err := commandshttp.NewHandler(service, outboxStore, auditLog)
	if err != nil {
		logger.Fatalf("command handler error: %v", err)
	}
	registryHandler, err := masterdatahttp.NewHandler(masterdatarepo.NewChargePointRepository(db), auditLog)
	if err != nil {
		logger.Fatalf("registry handler error: %v", err)
	}

	mux := http.NewServeMux()
	handler.Register(mux)
	registryHandler.Register(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if err := db.PingContext(r.Context()); err != nil {
			http.Error(w, "db unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	policy := auth.NewDefaultPolicy([]string{"/healthz"}, nil)
	middleware := auth.NewMiddleware([]byte(cfg.JWTSecret), policy)

	server := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           middleware.Wrap(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           promhttp.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Printf("metrics listening on %s", cfg.MetricsAddr)
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("metrics server error: %v", err)
		}
	}()
	go func() {
		logger.Printf("api listening on %s", cfg.HTTPAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatalf("http server error: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("http shutdown error: %v", err)
	}
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics shutdown error: %v", err)
	}
	logger.Println("api stopped")
}
