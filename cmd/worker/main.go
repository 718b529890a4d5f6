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

	"github.com/Bravos-hub/csms-backend-sub000/internal/bus"
	commandsapp "github.com/Bravos-hub/csms-backend-sub000/internal/commands/application"
	commandsrepo "github.com/Bravos-hub/csms-backend-sub000/internal/commands/infrastructure/postgres"
	"github.com/Bravos-hub/csms-backend-sub000/internal/config"
	"github.com/Bravos-hub/csms-backend-sub000/internal/dispatch"
	masterdatarepo "github.com/Bravos-hub/csms-backend-sub000/internal/masterdata/infrastructure/postgres"
	"github.com/Bravos-hub/csms-backend-sub000/internal/observability/metrics"
	"github.com/Bravos-hub/csms-backend-sub000/internal/reconcile"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	logger := log.New(os.Stdout, "", log.LstdFlags)

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("config error: %v", err)
	}
	if cfg.MQTT.BrokerURL == "" {
		logger.Fatal("MQTT_BROKER_URL is required")
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

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mqttBus, err := bus.NewMQTTBus(bus.MQTTConfig{
		BrokerURL: cfg.MQTT.BrokerURL,
		ClientID:  cfg.MQTT.ClientID,
		Username:  cfg.MQTT.Username,
		Password:  cfg.MQTT.Password,
	}, logger)
	if err != nil {
		logger.Fatalf("bus error: %v", err)
	}
	if err := mqttBus.Start(ctx); err != nil {
		logger.Fatalf("bus start error: %v", err)
	}
	connectCtx, connectCancel := context.WithTimeout(ctx, 30*time.Second)
	if err := mqttBus.AwaitConnection(connectCtx); err != nil {
		logger.Fatalf("bus connect error: %v", err)
	}
	connectCancel()

	commandStore := commandsrepo.NewCommandRepository(db)
	eventStore := commandsrepo.NewEventRepository(db)
	outboxStore := commandsrepo.NewOutboxRepository(db)
	resolver := masterdatarepo.NewChargePointRepository(db)

	publisher, err := dispatch.NewPublisher(outboxStore, commandStore, resolver, mqttBus, dispatch.Config{
		BatchSize:       cfg.Worker.BatchSize,
		LockTTL:         cfg.Worker.LockTTL,
		RetryBackoff:    cfg.Worker.RetryBackoff,
		MaxAttempts:     cfg.Worker.MaxAttempts,
		RequestTopic:    cfg.Worker.RequestTopic,
		DeadLetterTopic: cfg.Worker.DeadLetterTopic,
	}, logger)
	if err != nil {
		logger.Fatalf("publisher error: %v", err)
	}
	scheduler := dispatch.NewScheduler(publisher, cfg.Worker.TickInterval, logger)
	scheduler.Start(ctx)

	consumer, err := reconcile.NewConsumer(commandStore, logger)
	if err != nil {
		logger.Fatalf("consumer error: %v", err)
	}
	if err := consumer.Start(ctx, mqttBus, cfg.Worker.EventTopic, cfg.Worker.ConsumerGroup); err != nil {
		logger.Fatalf("consumer subscribe error: %v", err)
	}

	service, err := commandsapp.NewService(commandStore, eventStore)
	if err != nil {
		logger.Fatalf("command service error: %v", err)
	}
	go runTimeoutSweeper(ctx, service, cfg.Worker.SweepInterval, cfg.Worker.DefaultTimeoutSec, logger)

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

	logger.Println("worker started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	scheduler.Stop()
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Printf("metrics shutdown error: %v", err)
	}
	if err := mqttBus.Close(shutdownCtx); err != nil {
		logger.Printf("bus close error: %v", err)
	}
	logger.Println("worker stopped")
}

// runTimeoutSweeper periodically forces commands stuck past their
// timeout into Timeout so they do not hang forever when the device
// never acknowledges.
func runTimeoutSweeper(ctx context.Context, service *commandsapp.Service, interval time.Duration, defaultTimeoutSec int, logger *log.Logger) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count, err := service.MarkTimeouts(ctx, time.Now().UTC(), defaultTimeoutSec)
			if err != nil {
				logger.Printf("timeout sweep error: %v", err)
				continue
			}
			if count > 0 {
				logger.Printf("timeout sweep marked %d commands", count)
			}
		}
	}
}
