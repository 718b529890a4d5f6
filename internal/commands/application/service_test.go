package application

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	commands "github.com/Bravos-hub/csms-backend-sub000/internal/commands/domain"
)

type stubCommandStore struct {
	createErr error
	created   *commands.Command
	outbox    *commands.Outbox
	event     *commands.CommandEvent

	byID     map[string]*commands.Command
	getErr   error
	listed   []commands.Command
	timeouts int
}

func (s *stubCommandStore) CreateWithOutbox(_ context.Context, cmd *commands.Command, outbox *commands.Outbox, event *commands.CommandEvent) error {
	if s.createErr != nil {
		return s.createErr
	}
	s.created = cmd
	s.outbox = outbox
	s.event = event
	return nil
}

func (s *stubCommandStore) GetByID(_ context.Context, id string) (*commands.Command, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.byID[id], nil
}

func (s *stubCommandStore) ListByChargePoint(_ context.Context, _ string, _, _ time.Time) ([]commands.Command, error) {
	return s.listed, nil
}

func (s *stubCommandStore) MarkTimeoutBefore(_ context.Context, _ time.Time, _ int) (int, error) {
	return s.timeouts, nil
}

type stubEventStore struct {
	events []commands.CommandEvent
}

func (s *stubEventStore) ListByCommand(_ context.Context, _ string) ([]commands.CommandEvent, error) {
	return s.events, nil
}

func newTestService(t *testing.T, store *stubCommandStore) *Service {
	t.Helper()
	svc, err := NewService(store, &stubEventStore{})
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestEnqueueCreatesCommandOutboxAndEvent(t *testing.T) {
	store := &stubCommandStore{}
	svc := newTestService(t, store)

	resp, err := svc.Enqueue(context.Background(), EnqueueRequest{
		ChargePointID: "cp-1",
		ConnectorID:   2,
		CommandType:   "RemoteStopTransaction",
		Payload:       json.RawMessage(`{"transactionId":42}`),
		TimeoutSec:    60,
		RequestedBy:   "operator@example.com",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if resp.CommandID == "" {
		t.Fatal("expected a generated command id")
	}
	if resp.Status != commands.StatusQueued {
		t.Errorf("status = %q, want Queued", resp.Status)
	}

	if store.created == nil || store.outbox == nil || store.event == nil {
		t.Fatal("expected command, outbox row and event created together")
	}
	if store.created.CommandID != resp.CommandID {
		t.Errorf("stored command id %q != response id %q", store.created.CommandID, resp.CommandID)
	}
	if store.outbox.CommandID != resp.CommandID {
		t.Errorf("outbox row points at %q, want %q", store.outbox.CommandID, resp.CommandID)
	}
	if store.outbox.Status != commands.OutboxQueued {
		t.Errorf("outbox status = %q, want Queued", store.outbox.Status)
	}
	if store.outbox.Attempts != 0 {
		t.Errorf("outbox attempts = %d, want 0", store.outbox.Attempts)
	}
	if store.event.Status != string(commands.StatusQueued) {
		t.Errorf("initial event status = %q, want Queued", store.event.Status)
	}
}

func TestEnqueueValidation(t *testing.T) {
	svc := newTestService(t, &stubCommandStore{})

	cases := []struct {
		name string
		req  EnqueueRequest
	}{
		{"no target", EnqueueRequest{CommandType: "Reset"}},
		{"no command type", EnqueueRequest{ChargePointID: "cp-1"}},
		{"bad payload", EnqueueRequest{ChargePointID: "cp-1", CommandType: "Reset", Payload: json.RawMessage("{oops")}},
		{"negative timeout", EnqueueRequest{ChargePointID: "cp-1", CommandType: "Reset", TimeoutSec: -1}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := svc.Enqueue(context.Background(), tc.req); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestEnqueueAcceptsStationOnlyTarget(t *testing.T) {
	store := &stubCommandStore{}
	svc := newTestService(t, store)

	if _, err := svc.Enqueue(context.Background(), EnqueueRequest{
		StationID:   "st-1",
		CommandType: "ChangeAvailability",
	}); err != nil {
		t.Fatalf("Enqueue with station target: %v", err)
	}
	if store.created.StationID != "st-1" || store.created.ChargePointID != "" {
		t.Errorf("stored target = %q/%q, want st-1/empty", store.created.StationID, store.created.ChargePointID)
	}
}

func TestEnqueuePropagatesStoreError(t *testing.T) {
	store := &stubCommandStore{createErr: errors.New("constraint violation")}
	svc := newTestService(t, store)

	if _, err := svc.Enqueue(context.Background(), EnqueueRequest{
		ChargePointID: "cp-1",
		CommandType:   "Reset",
	}); err == nil {
		t.Fatal("expected store error to surface")
	}
}

func TestGetCommandNotFound(t *testing.T) {
	svc := newTestService(t, &stubCommandStore{byID: map[string]*commands.Command{}})

	_, err := svc.GetCommand(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestGetCommandRequiresID(t *testing.T) {
	svc := newTestService(t, &stubCommandStore{})
	if _, err := svc.GetCommand(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty id")
	}
}

func TestListCommandsRequiresChargePoint(t *testing.T) {
	svc := newTestService(t, &stubCommandStore{})
	if _, err := svc.ListCommands(context.Background(), "", time.Time{}, time.Now()); err == nil {
		t.Fatal("expected error for empty charge point id")
	}
}

func TestMarkTimeouts(t *testing.T) {
	store := &stubCommandStore{timeouts: 3}
	svc := newTestService(t, store)

	count, err := svc.MarkTimeouts(context.Background(), time.Now(), 120)
	if err != nil {
		t.Fatalf("MarkTimeouts: %v", err)
	}
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
}
