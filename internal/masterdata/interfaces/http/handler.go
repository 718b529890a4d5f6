// Package http exposes the charge point registry.
package http

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Bravos-hub/csms-backend-sub000/internal/audit"
	"github.com/Bravos-hub/csms-backend-sub000/internal/auth"
	masterdata "github.com/Bravos-hub/csms-backend-sub000/internal/masterdata/domain"
	masterdatarepo "github.com/Bravos-hub/csms-backend-sub000/internal/masterdata/infrastructure/postgres"
)

// Handler provides registry endpoints under /api/v1/charge-points.
type Handler struct {
	repo        *masterdatarepo.ChargePointRepository
	auditLogger audit.Logger
}

// NewHandler constructs a handler.
func NewHandler(repo *masterdatarepo.ChargePointRepository, auditLogger audit.Logger) (*Handler, error) {
	if repo == nil {
		return nil, errors.New("charge points handler: nil repository")
	}
	return &Handler{repo: repo, auditLogger: auditLogger}, nil
}

// Register wires the handler's routes onto the mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.Handle("/api/v1/charge-points", h)
	mux.Handle("/api/v1/charge-points/", h)
}

type chargePointRequest struct {
	ChargePointID string `json:"chargePointId"`
	StationID     string `json:"stationId"`
	Name          string `json:"name"`
	Address       string `json:"address"`
	Enabled       *bool  `json:"enabled"`
}

// ServeHTTP routes PUT /api/v1/charge-points and GET /api/v1/charge-points/{id}.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/charge-points")
	path = strings.TrimPrefix(path, "/")

	switch {
	case path == "" && r.Method == http.MethodPut:
		h.handlePut(w, r)
	case path != "" && r.Method == http.MethodGet:
		h.handleGet(w, r, path)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (h *Handler) handlePut(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "read body error", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	var req chargePointRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.ChargePointID == "" || req.Address == "" {
		http.Error(w, "chargePointId and address required", http.StatusBadRequest)
		return
	}
	enabled := true
	if req.Enabled != nil {
		enabled = *req.Enabled
	}

	cp := &masterdata.ChargePoint{
		ChargePointID: req.ChargePointID,
		StationID:     req.StationID,
		Name:          req.Name,
		Address:       req.Address,
		Enabled:       enabled,
	}
	if err := h.repo.Upsert(r.Context(), cp); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)

	if h.auditLogger != nil {
		meta, _ := json.Marshal(map[string]any{"station_id": req.StationID, "enabled": enabled})
		_ = h.auditLogger.Log(r.Context(), audit.Entry{
			Actor:        auth.SubjectFromContext(r.Context()),
			Role:         string(auth.RoleFromContext(r.Context())),
			Action:       audit.ActionChargePointUpsert,
			ResourceType: "charge_point",
			ResourceID:   req.ChargePointID,
			Metadata:     meta,
			IP:           audit.ClientIP(r),
			UserAgent:    r.UserAgent(),
		})
	}
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request, id string) {
	cp, err := h.repo.Get(r.Context(), id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if cp == nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"chargePointId": cp.ChargePointID,
		"stationId":     cp.StationID,
		"name":          cp.Name,
		"address":       cp.Address,
		"enabled":       cp.Enabled,
		"createdAt":     cp.CreatedAt.Format(time.RFC3339),
		"updatedAt":     cp.UpdatedAt.Format(time.RFC3339),
	})
}
