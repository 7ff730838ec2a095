package pgingest

import (
	"context"

	"github.com/pkg/errors"
)

func (s *Storage) initSchema(ctx context.Context) error {
	stmts := []string{
		`
CREATE TABLE IF NOT EXISTS invoice_files (
  id BIGSERIAL PRIMARY KEY,
  carrier_id BIGINT NOT NULL,
  carrier_code TEXT NOT NULL,
  file_name TEXT NOT NULL,
  import_status TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  finished_at TIMESTAMPTZ NULL,
  UNIQUE (carrier_code, file_name)
)`,
		`CREATE INDEX IF NOT EXISTS idx_invoice_files_status ON invoice_files(carrier_code, import_status)`,
		`
CREATE TABLE IF NOT EXISTS surcharge_names (
  id BIGSERIAL PRIMARY KEY,
  carrier_id BIGINT NOT NULL,
  name TEXT NOT NULL,
  billing_category TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (carrier_id, name)
)`,
		`
CREATE TABLE IF NOT EXISTS carrier_service_names (
  id BIGSERIAL PRIMARY KEY,
  carrier_id BIGINT NOT NULL,
  name TEXT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (carrier_id, name)
)`,
		`
CREATE TABLE IF NOT EXISTS carrier_service_codes (
  id BIGSERIAL PRIMARY KEY,
  carrier_id BIGINT NOT NULL,
  code TEXT NOT NULL,
  service_name_id BIGINT NULL REFERENCES carrier_service_names(id),
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (carrier_id, code)
)`,
		`
CREATE TABLE IF NOT EXISTS units_of_measure (
  id BIGSERIAL PRIMARY KEY,
  name TEXT NOT NULL UNIQUE,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS invoices (
  id BIGSERIAL PRIMARY KEY,
  carrier_id BIGINT NOT NULL,
  shipment_id TEXT NOT NULL,
  invoice_number TEXT NULL,
  account_number TEXT NULL,
  invoice_date DATE NULL,
  ship_date DATE NULL,
  service_name_id BIGINT NULL REFERENCES carrier_service_names(id),
  weight NUMERIC(14,4) NULL,
  billed_weight NUMERIC(14,4) NULL,
  unit_of_measure_id BIGINT NULL REFERENCES units_of_measure(id),
  total_charge NUMERIC(14,4) NULL,
  currency TEXT NULL,
  reference TEXT NULL,
  zone TEXT NULL,
  package_count INT NULL,
  invoice_file_id BIGINT NULL REFERENCES invoice_files(id),
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (carrier_id, shipment_id)
)`,
		`
CREATE TABLE IF NOT EXISTS invoice_charges (
  id BIGSERIAL PRIMARY KEY,
  invoice_id BIGINT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
  description TEXT NOT NULL,
  surcharge_name_id BIGINT NOT NULL REFERENCES surcharge_names(id),
  amount NUMERIC(14,4) NOT NULL,
  currency TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (invoice_id, description)
)`,
		`
CREATE TABLE IF NOT EXISTS tracking_statuses (
  id BIGSERIAL PRIMARY KEY,
  carrier_id BIGINT NOT NULL,
  code TEXT NOT NULL,
  description TEXT NOT NULL,
  type TEXT NOT NULL DEFAULT '',
  terminal_status BOOLEAN NOT NULL DEFAULT FALSE,
  created_at TIMESTAMPTZ NOT NULL,
  UNIQUE (carrier_id, code)
)`,
		`
CREATE TABLE IF NOT EXISTS location_details (
  id BIGSERIAL PRIMARY KEY,
  content_hash TEXT NOT NULL UNIQUE,
  city TEXT NOT NULL DEFAULT '',
  state TEXT NOT NULL DEFAULT '',
  postal_code TEXT NOT NULL DEFAULT '',
  country TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS tracking_numbers (
  id BIGSERIAL PRIMARY KEY,
  carrier_id BIGINT NOT NULL,
  carrier_code TEXT NOT NULL,
  tracking_number TEXT NOT NULL,
  queue_status SMALLINT NOT NULL DEFAULT 0,
  latest_event_id BIGINT NULL,
  label_created_at TIMESTAMP NULL,
  parent_id BIGINT NULL REFERENCES tracking_numbers(id),
  next_check_at TIMESTAMPTZ NOT NULL,
  last_checked_at TIMESTAMPTZ NULL,
  check_fail_count INT NOT NULL DEFAULT 0,
  last_error TEXT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (carrier_code, tracking_number)
)`,
		`CREATE INDEX IF NOT EXISTS idx_tracking_numbers_due ON tracking_numbers(next_check_at) WHERE queue_status = 0`,
		`
CREATE TABLE IF NOT EXISTS tracking_number_teams (
  tracking_number_id BIGINT NOT NULL REFERENCES tracking_numbers(id) ON DELETE CASCADE,
  team_id BIGINT NOT NULL,
  created_at TIMESTAMPTZ NOT NULL,
  PRIMARY KEY (tracking_number_id, team_id)
)`,
		`
CREATE TABLE IF NOT EXISTS tracking_events (
  id BIGSERIAL PRIMARY KEY,
  tracking_number_id BIGINT NOT NULL REFERENCES tracking_numbers(id) ON DELETE CASCADE,
  tracking_status_id BIGINT NOT NULL REFERENCES tracking_statuses(id),
  location_detail_id BIGINT NOT NULL REFERENCES location_details(id),
  local_timestamp TIMESTAMP NULL,
  location_description TEXT NOT NULL DEFAULT '',
  created_at TIMESTAMPTZ NOT NULL,
  updated_at TIMESTAMPTZ NOT NULL,
  UNIQUE (tracking_number_id, tracking_status_id, location_detail_id)
)`,
		`
CREATE TABLE IF NOT EXISTS tracking_details (
  tracking_number_id BIGINT PRIMARY KEY REFERENCES tracking_numbers(id) ON DELETE CASCADE,
  carrier_service_code_id BIGINT NULL REFERENCES carrier_service_codes(id),
  carrier_service_name_id BIGINT NULL REFERENCES carrier_service_names(id),
  origin_city TEXT NULL,
  origin_state TEXT NULL,
  origin_postal_code TEXT NULL,
  origin_country TEXT NULL,
  destination_city TEXT NULL,
  destination_state TEXT NULL,
  destination_postal_code TEXT NULL,
  destination_country TEXT NULL,
  weight NUMERIC(14,4) NULL,
  weight_unit_id BIGINT NULL REFERENCES units_of_measure(id),
  length NUMERIC(14,4) NULL,
  width NUMERIC(14,4) NULL,
  height NUMERIC(14,4) NULL,
  dimension_unit_id BIGINT NULL REFERENCES units_of_measure(id),
  estimated_delivery TIMESTAMP NULL,
  pickup_date TIMESTAMP NULL,
  updated_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS import_errors (
  id BIGSERIAL PRIMARY KEY,
  invoice_file_id BIGINT NULL REFERENCES invoice_files(id),
  subject_id TEXT NOT NULL,
  error_type TEXT NOT NULL,
  error_payload JSONB NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
		`
CREATE TABLE IF NOT EXISTS tracking_import_errors (
  id BIGSERIAL PRIMARY KEY,
  tracking_number_id BIGINT NULL REFERENCES tracking_numbers(id),
  subject_id TEXT NOT NULL,
  error_type TEXT NOT NULL,
  error_payload JSONB NOT NULL,
  created_at TIMESTAMPTZ NOT NULL
)`,
	}

	for _, q := range stmts {
		if _, err := s.db.Exec(ctx, q); err != nil {
			return errors.Wrap(err, "init schema")
		}
	}
	return nil
}
