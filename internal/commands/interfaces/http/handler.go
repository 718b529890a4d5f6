// Package http exposes the command API.
package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Bravos-hub/csms-backend-sub000/internal/audit"
	"github.com/Bravos-hub/csms-backend-sub000/internal/auth"
	commandsapp "github.com/Bravos-hub/csms-backend-sub000/internal/commands/application"
	commands "github.com/Bravos-hub/csms-backend-sub000/internal/commands/domain"
)

// DeadLetterStore lists exhausted outbox rows.
type DeadLetterStore interface {
	ListDeadLettered(ctx context.Context, limit int) ([]commands.Outbox, error)
}

// Handler provides command HTTP endpoints under /api/v1/commands.
type Handler struct {
	service     *commandsapp.Service
	deadLetters DeadLetterStore
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(service *commandsapp.Service, deadLetters DeadLetterStore, auditLogger audit.Logger) (*Handler, error) {
	if service == nil {
		return nil, errors.New("commands handler: nil service")
	}
	return &Handler{service: service, deadLetters: deadLetters, auditLogger: auditLogger}, nil
}

// Register wires the handler's routes onto the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/api/v1/commands", h)
	mux.Handle("/api/v1/commands/", h)
	mux.HandleFunc("/api/v1/dead-letters", h.handleDeadLetters)
}

// ServeHTTP routes /api/v1/commands and its subresources.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/commands")
	path = strings.TrimPrefix(path, "/")

	switch {
	case path == "":
		switch r.Method {
		case http.MethodPost:
			h.handlePost(w, r)
		case http.MethodGet:
			h.handleList(w, r)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case path == "export.xlsx":
		h.handleExport(w, r)
	case strings.HasSuffix(path, "/events"):
		h.handleEvents(w, r, strings.TrimSuffix(path, "/events"))
	case !strings.Contains(path, "/"):
		h.handleGet(w, r, path)
	default:
		http.NotFound(w, r)
	}
}

func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req commandsapp.EnqueueRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.RequestedBy == "" {
		req.RequestedBy = auth.SubjectFromContext(r.Context())
	}

	resp, err := h.service.Enqueue(r.Context(), req)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	_ = json.NewEncoder(w).Encode(resp)

	h.logAudit(r, resp.CommandID, req)
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	cmd, err := h.service.GetCommand(r.Context(), id)
	if err != nil {
		if errors.Is(err, commandsapp.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(commandView(cmd))
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	chargePointID, from, to, err := listQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	list, err := h.service.ListCommands(r.Context(), chargePointID, from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]map[string]any, 0, len(list))
	for i := range list {
		views = append(views, commandView(&list[i]))
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	// 404 for unknown ids rather than an empty trail.
	if _, err := h.service.GetCommand(r.Context(), id); err != nil {
		if errors.Is(err, commandsapp.ErrNotFound) {
			http.NotFound(w, r)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	events, err := h.service.CommandHistory(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]map[string]any, 0, len(events))
	for _, evt := range events {
		views = append(views, map[string]any{
			"eventId":    evt.EventID,
			"commandId":  evt.CommandID,
			"status":     evt.Status,
			"payload":    json.RawMessage(evt.Payload),
			"occurredAt": evt.OccurredAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	chargePointID, from, to, err := listQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	list, err := h.service.ListCommands(r.Context(), chargePointID, from, to)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data, err := BuildCommandHistoryXLSX(chargePointID, from, to, list)
	if err != nil {
		http.Error(w, "export error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="commands.xlsx"`)
	_, _ = w.Write(data)
}

func (h *Handler) handleDeadLetters(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if h.deadLetters == nil {
		http.Error(w, "server not ready", http.StatusServiceUnavailable)
		return
	}
	limit := 100
	if value := r.URL.Query().Get("limit"); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil || parsed <= 0 {
			http.Error(w, "limit must be a positive integer", http.StatusBadRequest)
			return
		}
		limit = parsed
	}
	rows, err := h.deadLetters.ListDeadLettered(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]map[string]any, 0, len(rows))
	for _, row := range rows {
		views = append(views, map[string]any{
			"outboxId":  row.OutboxID,
			"commandId": row.CommandID,
			"attempts":  row.Attempts,
			"lastError": row.LastError,
			"updatedAt": row.UpdatedAt,
		})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(views)
}

func listQuery(r *http.Request) (string, time.Time, time.Time, error) {
	chargePointID := r.URL.Query().Get("charge_point_id")
	fromValue := r.URL.Query().Get("from")
	toValue := r.URL.Query().Get("to")
	if chargePointID == "" || fromValue == "" || toValue == "" {
		return "", time.Time{}, time.Time{}, errors.New("charge_point_id/from/to required")
	}
	from, err := time.Parse(time.RFC3339, fromValue)
	if err != nil {
		return "", time.Time{}, time.Time{}, errors.New("from must be RFC3339")
	}
	to, err := time.Parse(time.RFC3339, toValue)
	if err != nil {
		return "", time.Time{}, time.Time{}, errors.New("to must be RFC3339")
	}
	if !to.After(from) {
		return "", time.Time{}, time.Time{}, errors.New("to must be after from")
	}
	return chargePointID, from, to, nil
}

func commandView(cmd *commands.Command) map[string]any {
	view := map[string]any{
		"commandId":     cmd.CommandID,
		"stationId":     cmd.StationID,
		"chargePointId": cmd.ChargePointID,
		"connectorId":   cmd.ConnectorID,
		"commandType":   cmd.CommandType,
		"payload":       json.RawMessage(cmd.Payload),
		"timeoutSec":    cmd.TimeoutSec,
		"status":        cmd.Status,
		"requestedBy":   cmd.RequestedBy,
		"requestedAt":   cmd.RequestedAt,
	}
	if !cmd.SentAt.IsZero() {
		view["sentAt"] = cmd.SentAt
	}
	if !cmd.CompletedAt.IsZero() {
		view["completedAt"] = cmd.CompletedAt
	}
	if cmd.Error != "" {
		view["error"] = cmd.Error
	}
	return view
}

func (h *Handler) logAudit(r *http.Request, commandID string, req commandsapp.EnqueueRequest) {
	if h.auditLogger == nil {
		return
	}
	meta, _ := json.Marshal(map[string]any{
		"charge_point_id": req.ChargePointID,
		"station_id":      req.StationID,
		"command_type":    req.CommandType,
	})
	_ = h.auditLogger.Log(r.Context(), audit.Entry{
		Actor:        auth.SubjectFromContext(r.Context()),
		Role:         string(auth.RoleFromContext(r.Context())),
		Action:       audit.ActionCommandEnqueued,
		ResourceType: "command",
		ResourceID:   commandID,
		Metadata:     meta,
		IP:           audit.ClientIP(r),
		UserAgent:    r.UserAgent(),
	})
}
