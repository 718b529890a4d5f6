package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	masterdata "github.com/Bravos-hub/csms-backend-sub000/internal/masterdata/domain"
)

// ChargePointRepository is a Postgres implementation for the charge
// point registry.
type ChargePointRepository struct {
	db *sql.DB
}

// NewChargePointRepository constructs a repository.
func NewChargePointRepository(db *sql.DB) *ChargePointRepository {
	return &ChargePointRepository{db: db}
}

// Get loads a charge point by id.
func (r *ChargePointRepository) Get(ctx context.Context, id string) (*masterdata.ChargePoint, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("charge point repo: nil db")
	}
	if id == "" {
		return nil, errors.New("charge point repo: empty id")
	}
	row := r.db.QueryRowContext(ctx, selectChargePoint+`
WHERE charge_point_id = $1
LIMIT 1`, id)
	return scanChargePoint(row)
}

// Resolve returns the routable charge point for a command target: by
// charge point id when present, otherwise the first enabled charge
// point of the station. masterdata.ErrNotFound when nothing routable
// matches.
func (r *ChargePointRepository) Resolve(ctx context.Context, stationID, chargePointID string) (*masterdata.ChargePoint, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("charge point repo: nil db")
	}

	var row *sql.Row
	switch {
	case chargePointID != "":
		row = r.db.QueryRowContext(ctx, selectChargePoint+`
WHERE charge_point_id = $1 AND enabled
LIMIT 1`, chargePointID)
	case stationID != "":
		row = r.db.QueryRowContext(ctx, selectChargePoint+`
WHERE station_id = $1 AND enabled
ORDER BY charge_point_id ASC
LIMIT 1`, stationID)
	default:
		return nil, masterdata.ErrNotFound
	}

	cp, err := scanChargePoint(row)
	if err != nil {
		return nil, err
	}
	if cp == nil || cp.Address == "" {
		return nil, masterdata.ErrNotFound
	}
	return cp, nil
}

// Upsert inserts or updates a registry entry.
func (r *ChargePointRepository) Upsert(ctx context.Context, cp *masterdata.ChargePoint) error {
	if r == nil || r.db == nil {
		return errors.New("charge point repo: nil db")
	}
	if cp == nil || cp.ChargePointID == "" {
		return errors.New("charge point repo: invalid charge point")
	}
	now := time.Now().UTC()
	_, err := r.db.ExecContext(ctx, `
INSERT INTO charge_points (charge_point_id, station_id, name, address, enabled, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (charge_point_id)
DO UPDATE SET
	station_id = EXCLUDED.station_id,
	name = EXCLUDED.name,
	address = EXCLUDED.address,
	enabled = EXCLUDED.enabled,
	updated_at = EXCLUDED.updated_at`,
		cp.ChargePointID, cp.StationID, cp.Name, cp.Address, cp.Enabled, now)
	return err
}

const selectChargePoint = `
SELECT charge_point_id, station_id, name, address, enabled, created_at, updated_at
FROM charge_points`

func scanChargePoint(row *sql.Row) (*masterdata.ChargePoint, error) {
	var cp masterdata.ChargePoint
	if err := row.Scan(
		&cp.ChargePointID,
		&cp.StationID,
		&cp.Name,
		&cp.Address,
		&cp.Enabled,
		&cp.CreatedAt,
		&cp.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	cp.CreatedAt = cp.CreatedAt.UTC()
	cp.UpdatedAt = cp.UpdatedAt.UTC()
	return &cp, nil
}
