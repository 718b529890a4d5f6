package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Bravos-hub/csms-backend-sub000/internal/commands/application/messages"
	commands "github.com/Bravos-hub/csms-backend-sub000/internal/commands/domain"
	masterdata "github.com/Bravos-hub/csms-backend-sub000/internal/masterdata/domain"
)

type stubOutbox struct {
	mu      sync.Mutex
	rows    []commands.Outbox
	claimed int

	published    []string
	retried      []string
	deadLettered []string
	lastError    map[string]string

	markPublishedErr error
}

func newStubOutbox(rows ...commands.Outbox) *stubOutbox {
	return &stubOutbox{rows: rows, lastError: map[string]string{}}
}

func (s *stubOutbox) ClaimBatch(_ context.Context, batchSize int, _, _ time.Duration) ([]commands.Outbox, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.claimed++
	if len(s.rows) == 0 {
		return nil, nil
	}
	n := batchSize
	if n > len(s.rows) {
		n = len(s.rows)
	}
	batch := s.rows[:n]
	s.rows = s.rows[n:]
	return batch, nil
}

func (s *stubOutbox) MarkPublished(_ context.Context, outboxID, _ string, _ json.RawMessage, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.markPublishedErr != nil {
		return s.markPublishedErr
	}
	s.published = append(s.published, outboxID)
	return nil
}

func (s *stubOutbox) ScheduleRetry(_ context.Context, outboxID, _, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retried = append(s.retried, outboxID)
	s.lastError[outboxID] = lastError
	return nil
}

func (s *stubOutbox) MarkDeadLettered(_ context.Context, outboxID, _, lastError string, _ json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deadLettered = append(s.deadLettered, outboxID)
	s.lastError[outboxID] = lastError
	return nil
}

type stubCommands struct {
	byID map[string]*commands.Command
	err  error
}

func (s *stubCommands) GetByID(_ context.Context, id string) (*commands.Command, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.byID[id], nil
}

type stubResolver struct {
	cp  *masterdata.ChargePoint
	err error
}

func (s *stubResolver) Resolve(_ context.Context, _, _ string) (*masterdata.ChargePoint, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.cp, nil
}

type publishedMsg struct {
	topic   string
	key     string
	payload []byte
}

type stubBus struct {
	mu       sync.Mutex
	messages []publishedMsg
	err      error
}

func (s *stubBus) Publish(_ context.Context, topic, key string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.messages = append(s.messages, publishedMsg{topic: topic, key: key, payload: payload})
	return nil
}

func testCommand(id string) *commands.Command {
	return &commands.Command{
		CommandID:     id,
		ChargePointID: "cp-1",
		CommandType:   "RemoteStartTransaction",
		Payload:       json.RawMessage(`{"connectorId":1}`),
		Status:        commands.StatusQueued,
		RequestedAt:   time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC),
	}
}

func testChargePoint() *masterdata.ChargePoint {
	return &masterdata.ChargePoint{ChargePointID: "cp-1", StationID: "st-1", Address: "edge/cp-1"}
}

func newTestPublisher(t *testing.T, outbox *stubOutbox, cmds *stubCommands, resolver *stubResolver, b *stubBus, cfg Config) *Publisher {
	t.Helper()
	logger := log.New(os.Stderr, "test ", log.LstdFlags)
	p, err := NewPublisher(outbox, cmds, resolver, b, cfg, logger)
	if err != nil {
		t.Fatalf("NewPublisher: %v", err)
	}
	return p
}

func TestTickPublishesClaimedRows(t *testing.T) {
	outbox := newStubOutbox(
		commands.Outbox{OutboxID: "ob-1", CommandID: "cmd-1", Attempts: 1},
		commands.Outbox{OutboxID: "ob-2", CommandID: "cmd-2", Attempts: 1},
	)
	cmds := &stubCommands{byID: map[string]*commands.Command{
		"cmd-1": testCommand("cmd-1"),
		"cmd-2": testCommand("cmd-2"),
	}}
	b := &stubBus{}
	p := newTestPublisher(t, outbox, cmds, &stubResolver{cp: testChargePoint()}, b, Config{})

	result, err := p.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if result.Claimed != 2 || result.Published != 2 {
		t.Fatalf("result = %+v, want 2 claimed and 2 published", result)
	}
	if len(b.messages) != 2 {
		t.Fatalf("expected 2 bus messages, got %d", len(b.messages))
	}
	first := b.messages[0]
	if first.topic != "command-requests" {
		t.Errorf("topic = %q, want command-requests", first.topic)
	}
	if first.key != "edge/cp-1" {
		t.Errorf("key = %q, want the resolved device address", first.key)
	}
	var req messages.CommandRequest
	if err := json.Unmarshal(first.payload, &req); err != nil {
		t.Fatalf("unmarshal request: %v", err)
	}
	if req.CommandID != "cmd-1" || req.CommandType != "RemoteStartTransaction" {
		t.Errorf("unexpected wire request: %+v", req)
	}
	if len(outbox.published) != 2 {
		t.Errorf("expected 2 rows marked published, got %d", len(outbox.published))
	}
}

func TestTickUnresolvableTargetDeadLettersImmediately(t *testing.T) {
	outbox := newStubOutbox(commands.Outbox{OutboxID: "ob-1", CommandID: "cmd-1", Attempts: 1})
	cmds := &stubCommands{byID: map[string]*commands.Command{"cmd-1": testCommand("cmd-1")}}
	b := &stubBus{}
	p := newTestPublisher(t, outbox, cmds, &stubResolver{err: masterdata.ErrNotFound}, b, Config{MaxAttempts: 5})

	result, err := p.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if result.DeadLettered != 1 || result.Retried != 0 {
		t.Fatalf("result = %+v, want an immediate dead letter without retries", result)
	}
	if len(outbox.deadLettered) != 1 {
		t.Fatalf("expected the row dead lettered, got %v", outbox.deadLettered)
	}
	// The dead-letter notice still goes out on the bus.
	if len(b.messages) != 1 || b.messages[0].topic != "dead-letters" {
		t.Fatalf("expected one dead-letter notice, got %+v", b.messages)
	}
	var notice messages.DeadLetter
	if err := json.Unmarshal(b.messages[0].payload, &notice); err != nil {
		t.Fatalf("unmarshal notice: %v", err)
	}
	if notice.CommandID != "cmd-1" {
		t.Errorf("notice command id = %q, want cmd-1", notice.CommandID)
	}
}

func TestTickTransientFailureSchedulesRetry(t *testing.T) {
	outbox := newStubOutbox(commands.Outbox{OutboxID: "ob-1", CommandID: "cmd-1", Attempts: 1})
	cmds := &stubCommands{byID: map[string]*commands.Command{"cmd-1": testCommand("cmd-1")}}
	b := &stubBus{err: errors.New("broker unavailable")}
	p := newTestPublisher(t, outbox, cmds, &stubResolver{cp: testChargePoint()}, b, Config{MaxAttempts: 5})

	result, err := p.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if result.Retried != 1 || result.DeadLettered != 0 {
		t.Fatalf("result = %+v, want one retry", result)
	}
	if got := outbox.lastError["ob-1"]; got == "" {
		t.Error("expected the failure cause recorded on the row")
	}
}

func TestTickExhaustedAttemptsDeadLetters(t *testing.T) {
	outbox := newStubOutbox(commands.Outbox{OutboxID: "ob-1", CommandID: "cmd-1", Attempts: 5})
	cmds := &stubCommands{byID: map[string]*commands.Command{"cmd-1": testCommand("cmd-1")}}
	b := &stubBus{err: errors.New("broker unavailable")}
	p := newTestPublisher(t, outbox, cmds, &stubResolver{cp: testChargePoint()}, b, Config{MaxAttempts: 5})

	result, err := p.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if result.DeadLettered != 1 {
		t.Fatalf("result = %+v, want the exhausted row dead lettered", result)
	}
	if len(outbox.retried) != 0 {
		t.Errorf("exhausted row must not be retried again, got %v", outbox.retried)
	}
}

func TestTickMissingCommandRecordIsPermanent(t *testing.T) {
	outbox := newStubOutbox(commands.Outbox{OutboxID: "ob-1", CommandID: "cmd-gone", Attempts: 1})
	cmds := &stubCommands{byID: map[string]*commands.Command{}}
	b := &stubBus{}
	p := newTestPublisher(t, outbox, cmds, &stubResolver{cp: testChargePoint()}, b, Config{})

	result, err := p.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if result.DeadLettered != 1 || result.Retried != 0 {
		t.Fatalf("result = %+v, want immediate dead letter for a missing record", result)
	}
}

func TestTickMarkPublishedFailureLeavesRowClaimed(t *testing.T) {
	outbox := newStubOutbox(commands.Outbox{OutboxID: "ob-1", CommandID: "cmd-1", Attempts: 1})
	outbox.markPublishedErr = errors.New("connection reset")
	cmds := &stubCommands{byID: map[string]*commands.Command{"cmd-1": testCommand("cmd-1")}}
	b := &stubBus{}
	p := newTestPublisher(t, outbox, cmds, &stubResolver{cp: testChargePoint()}, b, Config{})

	result, err := p.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	// The message reached the bus; settlement failed, so the cycle
	// reports a retry but must not schedule one (the lock TTL handles it).
	if result.Retried != 1 {
		t.Fatalf("result = %+v, want one retry outcome", result)
	}
	if len(outbox.retried) != 0 {
		t.Errorf("row must stay claimed, not retried: %v", outbox.retried)
	}
	if len(b.messages) != 1 {
		t.Errorf("expected the message on the bus, got %d", len(b.messages))
	}
}

func TestTickSkipsWhenPreviousStillRunning(t *testing.T) {
	outbox := newStubOutbox()
	cmds := &stubCommands{byID: map[string]*commands.Command{}}
	p := newTestPublisher(t, outbox, cmds, &stubResolver{cp: testChargePoint()}, &stubBus{}, Config{})

	p.inFlight.Store(true)
	result, err := p.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if !result.Skipped {
		t.Fatal("expected the overlapping tick to be skipped")
	}
	if outbox.claimed != 0 {
		t.Errorf("skipped tick must not claim, got %d claims", outbox.claimed)
	}
	p.inFlight.Store(false)

	result, err = p.Tick(context.Background())
	if err != nil {
		t.Fatalf("Tick after release: %v", err)
	}
	if result.Skipped {
		t.Fatal("tick after release must run")
	}
}
