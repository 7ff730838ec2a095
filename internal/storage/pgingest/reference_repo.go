package pgingest

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/CarrierSync/internal/models"
)

// Справочники: INSERT ... ON CONFLICT DO NOTHING, затем чтение канонической строки.
// Гонка двух первых писателей разрешается уникальным индексом, а не блокировкой.

func (t *Tx) EnsureSurchargeName(ctx context.Context, carrierID int64, name string) (models.SurchargeName, bool, error) {
	var sn models.SurchargeName
	err := t.q.QueryRow(ctx, `
INSERT INTO surcharge_names (carrier_id, name, created_at)
VALUES ($1,$2, now())
ON CONFLICT (carrier_id, name) DO NOTHING
RETURNING id, carrier_id, name, billing_category
`, carrierID, name).Scan(&sn.ID, &sn.CarrierID, &sn.Name, &sn.BillingCategory)
	if err == nil {
		return sn, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return sn, false, errors.Wrap(err, "insert surcharge name")
	}

	err = t.q.QueryRow(ctx, `
SELECT id, carrier_id, name, billing_category
FROM surcharge_names
WHERE carrier_id = $1 AND name = $2
`, carrierID, name).Scan(&sn.ID, &sn.CarrierID, &sn.Name, &sn.BillingCategory)
	if err != nil {
		return sn, false, errors.Wrap(err, "select surcharge name")
	}
	return sn, false, nil
}

func (t *Tx) EnsureServiceName(ctx context.Context, carrierID int64, name string) (uint64, error) {
	return t.ensureID(ctx, "service name",
		`INSERT INTO carrier_service_names (carrier_id, name, created_at) VALUES ($1,$2, now())
ON CONFLICT (carrier_id, name) DO NOTHING RETURNING id`,
		`SELECT id FROM carrier_service_names WHERE carrier_id = $1 AND name = $2`,
		carrierID, name)
}

func (t *Tx) EnsureServiceCode(ctx context.Context, carrierID int64, code string, nameID *uint64) (uint64, error) {
	var id uint64
	err := t.q.QueryRow(ctx, `
INSERT INTO carrier_service_codes (carrier_id, code, service_name_id, created_at)
VALUES ($1,$2,$3, now())
ON CONFLICT (carrier_id, code) DO NOTHING
RETURNING id
`, carrierID, code, nameID).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, errors.Wrap(err, "insert service code")
	}
	err = t.q.QueryRow(ctx, `SELECT id FROM carrier_service_codes WHERE carrier_id = $1 AND code = $2`, carrierID, code).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "select service code")
	}
	return id, nil
}

func (t *Tx) EnsureUnitOfMeasure(ctx context.Context, name string) (uint64, error) {
	return t.ensureID(ctx, "unit of measure",
		`INSERT INTO units_of_measure (name, created_at) VALUES ($1, now()) ON CONFLICT (name) DO NOTHING RETURNING id`,
		`SELECT id FROM units_of_measure WHERE name = $1`,
		name)
}

// EnsureTrackingStatus stores description, type and terminal flag only on first insert.
func (t *Tx) EnsureTrackingStatus(ctx context.Context, st models.TrackingStatus) (models.TrackingStatus, error) {
	var out models.TrackingStatus
	err := t.q.QueryRow(ctx, `
INSERT INTO tracking_statuses (carrier_id, code, description, type, terminal_status, created_at)
VALUES ($1,$2,$3,$4,$5, now())
ON CONFLICT (carrier_id, code) DO NOTHING
RETURNING id, carrier_id, code, description, type, terminal_status
`, st.CarrierID, st.Code, st.Description, st.Type, st.TerminalStatus).Scan(
		&out.ID, &out.CarrierID, &out.Code, &out.Description, &out.Type, &out.TerminalStatus,
	)
	if err == nil {
		return out, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return out, errors.Wrap(err, "insert tracking status")
	}
	err = t.q.QueryRow(ctx, `
SELECT id, carrier_id, code, description, type, terminal_status
FROM tracking_statuses
WHERE carrier_id = $1 AND code = $2
`, st.CarrierID, st.Code).Scan(
		&out.ID, &out.CarrierID, &out.Code, &out.Description, &out.Type, &out.TerminalStatus,
	)
	if err != nil {
		return out, errors.Wrap(err, "select tracking status")
	}
	return out, nil
}

func (t *Tx) EnsureLocationDetail(ctx context.Context, loc models.LocationDetail) (uint64, error) {
	var id uint64
	err := t.q.QueryRow(ctx, `
INSERT INTO location_details (content_hash, city, state, postal_code, country, created_at)
VALUES ($1,$2,$3,$4,$5, now())
ON CONFLICT (content_hash) DO NOTHING
RETURNING id
`, loc.ContentHash, loc.City, loc.State, loc.PostalCode, loc.Country).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, errors.Wrap(err, "insert location detail")
	}
	err = t.q.QueryRow(ctx, `SELECT id FROM location_details WHERE content_hash = $1`, loc.ContentHash).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "select location detail")
	}
	return id, nil
}

func (t *Tx) ensureID(ctx context.Context, what, insertSQL, selectSQL string, args ...any) (uint64, error) {
	var id uint64
	err := t.q.QueryRow(ctx, insertSQL, args...).Scan(&id)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, errors.Wrap(err, "insert "+what)
	}
	if err := t.q.QueryRow(ctx, selectSQL, args...).Scan(&id); err != nil {
		return 0, errors.Wrap(err, "select "+what)
	}
	return id, nil
}
