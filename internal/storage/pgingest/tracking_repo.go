package pgingest

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/CarrierSync/internal/models"
	"github.com/BearBump/CarrierSync/internal/storage"
)

const trackingNumberColumns = `
  id, carrier_id, carrier_code, tracking_number, queue_status,
  latest_event_id, label_created_at, parent_id,
  next_check_at, last_checked_at, check_fail_count, last_error,
  created_at, updated_at`

func scanTrackingNumber(r rowScanner) (*models.TrackingNumber, error) {
	var t models.TrackingNumber
	if err := r.Scan(
		&t.ID, &t.CarrierID, &t.CarrierCode, &t.Number, &t.QueueStatus,
		&t.LatestEventID, &t.LabelCreatedAt, &t.ParentID,
		&t.NextCheckAt, &t.LastCheckedAt, &t.CheckFailCount, &t.LastError,
		&t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &t, nil
}

// CreateOrGetTrackingNumber registers a number for immediate checking. An existing row
// keeps its state; a parent is only filled in when none was recorded.
func (s *Storage) CreateOrGetTrackingNumber(ctx context.Context, in models.TrackingNumberCreateInput) (*models.TrackingNumber, error) {
	now := time.Now().UTC()
	t, err := scanTrackingNumber(s.db.QueryRow(ctx, `
INSERT INTO tracking_numbers (
  carrier_id, carrier_code, tracking_number, queue_status, parent_id, next_check_at, created_at, updated_at
)
VALUES ($1,$2,$3,0,$4,$5,$5,$5)
ON CONFLICT (carrier_code, tracking_number)
DO UPDATE SET parent_id = COALESCE(tracking_numbers.parent_id, EXCLUDED.parent_id)
RETURNING `+trackingNumberColumns,
		in.CarrierID, in.CarrierCode, in.Number, in.ParentID, now))
	if err != nil {
		return nil, errors.Wrap(err, "insert tracking number")
	}
	return t, nil
}

func (s *Storage) GetTrackingNumber(ctx context.Context, carrierCode, number string) (*models.TrackingNumber, error) {
	t, err := scanTrackingNumber(s.db.QueryRow(ctx, `
SELECT `+trackingNumberColumns+`
FROM tracking_numbers
WHERE carrier_code = $1 AND tracking_number = $2
`, carrierCode, number))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select tracking number")
	}
	return t, nil
}

func (s *Storage) LinkTrackingNumberTeam(ctx context.Context, trackingNumberID, teamID uint64) error {
	_, err := s.db.Exec(ctx, `
INSERT INTO tracking_number_teams (tracking_number_id, team_id, created_at)
VALUES ($1,$2, now())
ON CONFLICT DO NOTHING
`, trackingNumberID, teamID)
	return errors.Wrap(err, "link tracking number team")
}

func (s *Storage) ListTrackingNumberTeams(ctx context.Context, trackingNumberID uint64) ([]uint64, error) {
	rows, err := s.db.Query(ctx, `SELECT team_id FROM tracking_number_teams WHERE tracking_number_id = $1 ORDER BY team_id`, trackingNumberID)
	if err != nil {
		return nil, errors.Wrap(err, "select teams")
	}
	defer rows.Close()

	var out []uint64
	for rows.Next() {
		var id uint64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scan team")
		}
		out = append(out, id)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// ClaimDueTrackingNumbers выбирает пачку незавершённых номеров, готовых к проверке, и
// "бронирует" их на lease, чтобы они не попали в повторную выборку.
func (s *Storage) ClaimDueTrackingNumbers(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.TrackingNumber, error) {
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, errors.Wrap(err, "begin tx")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
SELECT `+trackingNumberColumns+`
FROM tracking_numbers
WHERE queue_status = $2
  AND next_check_at <= $1
ORDER BY next_check_at ASC
LIMIT $3
FOR UPDATE SKIP LOCKED
`, now.UTC(), models.QueueStatusNonTerminal, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due tracking numbers")
	}

	var picked []*models.TrackingNumber
	for rows.Next() {
		t, err := scanTrackingNumber(rows)
		if err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan due tracking number")
		}
		picked = append(picked, t)
	}
	rows.Close()
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}

	leaseUntil := now.UTC().Add(lease)
	for _, t := range picked {
		_, err := tx.Exec(ctx, `UPDATE tracking_numbers SET next_check_at = $2, updated_at = now() WHERE id = $1`, t.ID, leaseUntil)
		if err != nil {
			return nil, errors.Wrap(err, "lease tracking number")
		}
		t.NextCheckAt = leaseUntil
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "commit tx")
	}
	return picked, nil
}

// UpdateTrackingNumberStatus is used outside a reconciliation transaction, for
// provider error outcomes.
func (s *Storage) UpdateTrackingNumberStatus(ctx context.Context, upd storage.TrackingStatusUpdate) error {
	return s.direct().UpdateTrackingNumberStatus(ctx, upd)
}

func (t *Tx) UpdateTrackingNumberStatus(ctx context.Context, upd storage.TrackingStatusUpdate) error {
	tag, err := t.q.Exec(ctx, `
UPDATE tracking_numbers
SET
  queue_status = $2,
  latest_event_id = COALESCE($3, latest_event_id),
  label_created_at = CASE WHEN $8::bool THEN $4::timestamptz ELSE COALESCE($4::timestamptz, label_created_at) END,
  last_checked_at = $5,
  next_check_at = $6,
  check_fail_count = CASE WHEN $7::text IS NULL THEN 0 ELSE check_fail_count + 1 END,
  last_error = $7::text,
  updated_at = now()
WHERE id = $1
`, upd.TrackingNumberID, upd.QueueStatus, upd.LatestEventID, upd.LabelCreatedAt,
		upd.CheckedAt.UTC(), upd.NextCheckAt.UTC(), upd.Error, upd.ReplaceLabel)
	if err != nil {
		return errors.Wrap(err, "update tracking number")
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// UpsertTrackingEvent returns the id of the event identified by
// (tracking number, status, location); repeated sightings refresh its timestamp.
func (t *Tx) UpsertTrackingEvent(ctx context.Context, ev models.TrackingEvent) (uint64, error) {
	var id uint64
	err := t.q.QueryRow(ctx, `
INSERT INTO tracking_events (
  tracking_number_id, tracking_status_id, location_detail_id,
  local_timestamp, location_description, created_at, updated_at
)
VALUES ($1,$2,$3,$4,$5, now(), now())
ON CONFLICT (tracking_number_id, tracking_status_id, location_detail_id)
DO UPDATE SET
  local_timestamp = EXCLUDED.local_timestamp,
  location_description = EXCLUDED.location_description,
  updated_at = now()
RETURNING id
`, ev.TrackingNumberID, ev.TrackingStatusID, ev.LocationDetailID, ev.LocalTimestamp, ev.LocationDescription).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "upsert tracking event")
	}
	return id, nil
}

func (t *Tx) UpsertTrackingDetail(ctx context.Context, d models.TrackingDetail) error {
	_, err := t.q.Exec(ctx, `
INSERT INTO tracking_details (
  tracking_number_id, carrier_service_code_id, carrier_service_name_id,
  origin_city, origin_state, origin_postal_code, origin_country,
  destination_city, destination_state, destination_postal_code, destination_country,
  weight, weight_unit_id, length, width, height, dimension_unit_id,
  estimated_delivery, pickup_date, updated_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12::numeric,$13,$14::numeric,$15::numeric,$16::numeric,$17,$18,$19, now())
ON CONFLICT (tracking_number_id) DO UPDATE SET
  carrier_service_code_id = EXCLUDED.carrier_service_code_id,
  carrier_service_name_id = EXCLUDED.carrier_service_name_id,
  origin_city = EXCLUDED.origin_city,
  origin_state = EXCLUDED.origin_state,
  origin_postal_code = EXCLUDED.origin_postal_code,
  origin_country = EXCLUDED.origin_country,
  destination_city = EXCLUDED.destination_city,
  destination_state = EXCLUDED.destination_state,
  destination_postal_code = EXCLUDED.destination_postal_code,
  destination_country = EXCLUDED.destination_country,
  weight = EXCLUDED.weight,
  weight_unit_id = EXCLUDED.weight_unit_id,
  length = EXCLUDED.length,
  width = EXCLUDED.width,
  height = EXCLUDED.height,
  dimension_unit_id = EXCLUDED.dimension_unit_id,
  estimated_delivery = EXCLUDED.estimated_delivery,
  pickup_date = EXCLUDED.pickup_date,
  updated_at = now()
`,
		d.TrackingNumberID, d.CarrierServiceCodeID, d.CarrierServiceNameID,
		d.OriginCity, d.OriginState, d.OriginPostalCode, d.OriginCountry,
		d.DestinationCity, d.DestinationState, d.DestinationPostalCode, d.DestinationCountry,
		d.Weight, d.WeightUnitID, d.Length, d.Width, d.Height, d.DimensionUnitID,
		d.EstimatedDelivery, d.PickupDate,
	)
	return errors.Wrap(err, "upsert tracking detail")
}

func (s *Storage) ListTrackingEvents(ctx context.Context, trackingNumberID uint64) ([]*models.TrackingEvent, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, tracking_number_id, tracking_status_id, location_detail_id,
       local_timestamp, location_description, created_at, updated_at
FROM tracking_events
WHERE tracking_number_id = $1
ORDER BY id
`, trackingNumberID)
	if err != nil {
		return nil, errors.Wrap(err, "select tracking events")
	}
	defer rows.Close()

	var out []*models.TrackingEvent
	for rows.Next() {
		var e models.TrackingEvent
		if err := rows.Scan(
			&e.ID, &e.TrackingNumberID, &e.TrackingStatusID, &e.LocationDetailID,
			&e.LocalTimestamp, &e.LocationDescription, &e.CreatedAt, &e.UpdatedAt,
		); err != nil {
			return nil, errors.Wrap(err, "scan tracking event")
		}
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
