package integration_test

import (
	"context"
	"database/sql"
	"encoding/json"
	"log"
	"os"
	"testing"
	"time"

	"github.com/Bravos-hub/csms-backend-sub000/internal/bus"
	commandsapp "github.com/Bravos-hub/csms-backend-sub000/internal/commands/application"
	"github.com/Bravos-hub/csms-backend-sub000/internal/commands/application/messages"
	commands "github.com/Bravos-hub/csms-backend-sub000/internal/commands/domain"
	commandsrepo "github.com/Bravos-hub/csms-backend-sub000/internal/commands/infrastructure/postgres"
	"github.com/Bravos-hub/csms-backend-sub000/internal/dispatch"
	masterdata "github.com/Bravos-hub/csms-backend-sub000/internal/masterdata/domain"
	masterdatarepo "github.com/Bravos-hub/csms-backend-sub000/internal/masterdata/infrastructure/postgres"
	"github.com/Bravos-hub/csms-backend-sub000/internal/reconcile"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("PG_DSN")
	if dsn == "" {
		t.Skip("PG_DSN not set")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	for _, table := range []string{"commands", "command_outbox", "command_events", "charge_points"} {
		if !tableExists(db, table) {
			t.Skipf("missing table %s; run migrations", table)
		}
	}

	ctx := context.Background()
	_, _ = db.ExecContext(ctx, "DELETE FROM command_events")
	_, _ = db.ExecContext(ctx, "DELETE FROM command_outbox")
	_, _ = db.ExecContext(ctx, "DELETE FROM commands")
	_, _ = db.ExecContext(ctx, "DELETE FROM charge_points")
	return db
}

func tableExists(db *sql.DB, name string) bool {
	var exists bool
	err := db.QueryRow("SELECT EXISTS (SELECT FROM information_schema.tables WHERE table_name = $1)", name).Scan(&exists)
	return err == nil && exists
}

func seedChargePoint(t *testing.T, db *sql.DB) {
	t.Helper()
	repo := masterdatarepo.NewChargePointRepository(db)
	err := repo.Upsert(context.Background(), &masterdata.ChargePoint{
		ChargePointID: "cp-1",
		StationID:     "st-1",
		Name:          "Bay 1",
		Address:       "edge/cp-1",
		Enabled:       true,
	})
	if err != nil {
		t.Fatalf("seed charge point: %v", err)
	}
}

func TestCommandLifecycle(t *testing.T) {
	db := openTestDB(t)
	seedChargePoint(t, db)
	ctx := context.Background()
	logger := log.New(os.Stderr, "test ", log.LstdFlags)

	commandStore := commandsrepo.NewCommandRepository(db)
	eventStore := commandsrepo.NewEventRepository(db)
	outboxStore := commandsrepo.NewOutboxRepository(db)
	resolver := masterdatarepo.NewChargePointRepository(db)

	service, err := commandsapp.NewService(commandStore, eventStore)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	memBus := bus.NewInMemoryBus()
	var delivered []messages.CommandRequest
	err = memBus.Subscribe(ctx, "command-requests", "", func(_ context.Context, msg bus.Message) error {
		var req messages.CommandRequest
		if err := json.Unmarshal(msg.Payload, &req); err != nil {
			return err
		}
		delivered = append(delivered, req)
		return nil
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	publisher, err := dispatch.NewPublisher(outboxStore, commandStore, resolver, memBus, dispatch.Config{}, logger)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	resp, err := service.Enqueue(ctx, commandsapp.EnqueueRequest{
		ChargePointID: "cp-1",
		ConnectorID:   1,
		CommandType:   "RemoteStartTransaction",
		Payload:       json.RawMessage(`{"idTag":"ABC123"}`),
		TimeoutSec:    60,
		RequestedBy:   "operator@example.com",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	result, err := publisher.Tick(ctx)
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if result.Published != 1 {
		t.Fatalf("tick result = %+v, want one publish", result)
	}
	if len(delivered) != 1 || delivered[0].CommandID != resp.CommandID {
		t.Fatalf("delivered = %+v, want the enqueued command", delivered)
	}

	cmd, err := commandStore.GetByID(ctx, resp.CommandID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cmd.Status != commands.StatusSent {
		t.Fatalf("status after publish = %q, want Sent", cmd.Status)
	}
	if cmd.SentAt.IsZero() {
		t.Fatal("expected sentAt set after publish")
	}

	consumer, err := reconcile.NewConsumer(commandStore, logger)
	if err != nil {
		t.Fatalf("NewConsumer: %v", err)
	}
	if err := consumer.Start(ctx, memBus, "command-events", ""); err != nil {
		t.Fatalf("consumer start: %v", err)
	}

	publish := func(eventID, eventType, occurredAt string) {
		t.Helper()
		payload, _ := json.Marshal(messages.InboundEvent{
			EventID:       eventID,
			EventType:     eventType,
			CorrelationID: resp.CommandID,
			OccurredAt:    occurredAt,
		})
		if err := memBus.Publish(ctx, "command-events", "edge/cp-1", payload); err != nil {
			t.Fatalf("publish %s: %v", eventType, err)
		}
	}

	publish("evt-1", "CommandDispatched", "2026-06-01T10:00:01Z")
	publish("evt-2", "CommandAccepted", "2026-06-01T10:00:02Z")

	cmd, err = commandStore.GetByID(ctx, resp.CommandID)
	if err != nil {
		t.Fatalf("GetByID after reconcile: %v", err)
	}
	if cmd.Status != commands.StatusAccepted {
		t.Fatalf("status = %q, want Accepted", cmd.Status)
	}
	if cmd.CompletedAt.IsZero() {
		t.Fatal("expected completedAt on a terminal command")
	}

	// A late, lower-rank event must not regress the terminal status.
	publish("evt-3", "CommandDispatched", "2026-06-01T10:00:03Z")
	cmd, _ = commandStore.GetByID(ctx, resp.CommandID)
	if cmd.Status != commands.StatusAccepted {
		t.Fatalf("status after stale event = %q, want Accepted", cmd.Status)
	}

	// Redelivery of the same acknowledgment is a no-op.
	publish("evt-2", "CommandAccepted", "2026-06-01T10:00:02Z")
	events, err := eventStore.ListByCommand(ctx, resp.CommandID)
	if err != nil {
		t.Fatalf("ListByCommand: %v", err)
	}
	accepted := 0
	for _, evt := range events {
		if evt.Status == string(commands.StatusAccepted) {
			accepted++
		}
	}
	if accepted != 1 {
		t.Fatalf("got %d Accepted events, want 1", accepted)
	}
}

func TestOutboxRetryAndDeadLetter(t *testing.T) {
	db := openTestDB(t)
	seedChargePoint(t, db)
	ctx := context.Background()
	logger := log.New(os.Stderr, "test ", log.LstdFlags)

	commandStore := commandsrepo.NewCommandRepository(db)
	eventStore := commandsrepo.NewEventRepository(db)
	outboxStore := commandsrepo.NewOutboxRepository(db)
	resolver := masterdatarepo.NewChargePointRepository(db)

	service, err := commandsapp.NewService(commandStore, eventStore)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}

	// No subscriber on the request topic makes every publish fail.
	failingBus := failBus{}
	publisher, err := dispatch.NewPublisher(outboxStore, commandStore, resolver, failingBus, dispatch.Config{
		MaxAttempts:  2,
		RetryBackoff: time.Millisecond,
		LockTTL:      time.Millisecond,
	}, logger)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}

	resp, err := service.Enqueue(ctx, commandsapp.EnqueueRequest{
		ChargePointID: "cp-1",
		CommandType:   "Reset",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	result, err := publisher.Tick(ctx)
	if err != nil {
		t.Fatalf("first tick: %v", err)
	}
	if result.Retried != 1 {
		t.Fatalf("first tick = %+v, want one retry", result)
	}

	time.Sleep(5 * time.Millisecond)
	result, err = publisher.Tick(ctx)
	if err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if result.DeadLettered != 1 {
		t.Fatalf("second tick = %+v, want the row dead lettered", result)
	}

	cmd, err := commandStore.GetByID(ctx, resp.CommandID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cmd.Status != commands.StatusFailed {
		t.Fatalf("status = %q, want Failed", cmd.Status)
	}
	if cmd.Error == "" {
		t.Fatal("expected the failure cause on the command")
	}

	rows, err := outboxStore.ListDeadLettered(ctx, 10)
	if err != nil {
		t.Fatalf("ListDeadLettered: %v", err)
	}
	if len(rows) != 1 || rows[0].CommandID != resp.CommandID {
		t.Fatalf("dead letters = %+v, want the exhausted row", rows)
	}
}

func TestOutboxClaimContention(t *testing.T) {
	db := openTestDB(t)
	seedChargePoint(t, db)
	ctx := context.Background()

	commandStore := commandsrepo.NewCommandRepository(db)
	eventStore := commandsrepo.NewEventRepository(db)
	outboxStore := commandsrepo.NewOutboxRepository(db)

	service, err := commandsapp.NewService(commandStore, eventStore)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	if _, err := service.Enqueue(ctx, commandsapp.EnqueueRequest{
		ChargePointID: "cp-1",
		CommandType:   "Reset",
	}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	first, err := outboxStore.ClaimBatch(ctx, 10, time.Minute, 0)
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if len(first) != 1 {
		t.Fatalf("first claim got %d rows, want 1", len(first))
	}

	// A second claimant inside the lock TTL must come up empty.
	second, err := outboxStore.ClaimBatch(ctx, 10, time.Minute, 0)
	if err != nil {
		t.Fatalf("second claim: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("second claim got %d rows, want 0", len(second))
	}
}

type failBus struct{}

func (failBus) Publish(context.Context, string, string, []byte) error {
	return context.DeadlineExceeded
}

func TestTimeoutSweepCoversCommandsWithoutSentAt(t *testing.T) {
	db := openTestDB(t)
	seedChargePoint(t, db)
	ctx := context.Background()

	commandStore := commandsrepo.NewCommandRepository(db)
	eventStore := commandsrepo.NewEventRepository(db)

	service, err := commandsapp.NewService(commandStore, eventStore)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	resp, err := service.Enqueue(ctx, commandsapp.EnqueueRequest{
		ChargePointID: "cp-1",
		CommandType:   "Reset",
		TimeoutSec:    30,
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}

	// An acknowledgment arriving before the publisher records sent_at
	// advances the command to Dispatched with sent_at still NULL.
	outcome, _, err := commandStore.ApplyStatus(ctx, resp.CommandID, commands.StatusDispatched, &commands.CommandEvent{
		CommandID:  resp.CommandID,
		Status:     string(commands.StatusDispatched),
		OccurredAt: time.Now().UTC(),
	}, "")
	if err != nil || outcome != commands.ApplyApplied {
		t.Fatalf("ApplyStatus: outcome=%v err=%v", outcome, err)
	}

	swept, err := commandStore.MarkTimeoutBefore(ctx, time.Now().UTC().Add(time.Hour), 120)
	if err != nil {
		t.Fatalf("MarkTimeoutBefore: %v", err)
	}
	if swept != 1 {
		t.Fatalf("swept %d commands, want 1", swept)
	}
	cmd, err := commandStore.GetByID(ctx, resp.CommandID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if cmd.Status != commands.StatusTimeout {
		t.Fatalf("status: got %s, want Timeout", cmd.Status)
	}
}
