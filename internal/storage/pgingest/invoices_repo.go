package pgingest

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/BearBump/CarrierSync/internal/models"
)

// Суммы и веса передаются в numeric строкой, чтобы не терять точность.
func decimalArg(d *decimal.Decimal) *string {
	if d == nil {
		return nil
	}
	s := d.String()
	return &s
}

func (t *Tx) FindInvoiceByShipmentID(ctx context.Context, carrierID int64, shipmentID string) (*models.Invoice, error) {
	var inv models.Invoice
	err := t.q.QueryRow(ctx, `
SELECT id, carrier_id, shipment_id, invoice_number, account_number, invoice_file_id, created_at
FROM invoices
WHERE carrier_id = $1 AND shipment_id = $2
`, carrierID, shipmentID).Scan(
		&inv.ID, &inv.CarrierID, &inv.ShipmentID, &inv.InvoiceNumber, &inv.AccountNumber,
		&inv.InvoiceFileID, &inv.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select invoice")
	}
	return &inv, nil
}

// CreateInvoice is idempotent on (carrier_id, shipment_id): a concurrent creator's row
// wins and its id is returned.
func (t *Tx) CreateInvoice(ctx context.Context, inv models.Invoice) (uint64, error) {
	var id uint64
	err := t.q.QueryRow(ctx, `
INSERT INTO invoices (
  carrier_id, shipment_id, invoice_number, account_number, invoice_date, ship_date,
  service_name_id, weight, billed_weight, unit_of_measure_id, total_charge,
  currency, reference, zone, package_count, invoice_file_id, created_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8::numeric,$9::numeric,$10,$11::numeric,$12,$13,$14,$15,$16, now())
ON CONFLICT (carrier_id, shipment_id)
DO UPDATE SET shipment_id = invoices.shipment_id
RETURNING id
`,
		inv.CarrierID, inv.ShipmentID, inv.InvoiceNumber, inv.AccountNumber, inv.InvoiceDate, inv.ShipDate,
		inv.ServiceNameID, decimalArg(inv.Weight), decimalArg(inv.BilledWeight), inv.UnitOfMeasureID,
		decimalArg(inv.TotalCharge), inv.Currency, inv.Reference, inv.Zone, inv.PackageCount, inv.InvoiceFileID,
	).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert invoice")
	}
	return id, nil
}

func (t *Tx) ListChargeDescriptions(ctx context.Context, invoiceID uint64) ([]string, error) {
	rows, err := t.q.Query(ctx, `SELECT description FROM invoice_charges WHERE invoice_id = $1 ORDER BY id`, invoiceID)
	if err != nil {
		return nil, errors.Wrap(err, "select charge descriptions")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var d string
		if err := rows.Scan(&d); err != nil {
			return nil, errors.Wrap(err, "scan charge description")
		}
		out = append(out, d)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// InsertCharges returns how many rows were actually written; duplicates by
// (invoice_id, description) are skipped.
func (t *Tx) InsertCharges(ctx context.Context, charges []models.Charge) (int64, error) {
	var inserted int64
	for _, c := range charges {
		tag, err := t.q.Exec(ctx, `
INSERT INTO invoice_charges (invoice_id, description, surcharge_name_id, amount, currency, created_at)
VALUES ($1,$2,$3,$4::numeric,$5, now())
ON CONFLICT (invoice_id, description) DO NOTHING
`, c.InvoiceID, c.Description, c.SurchargeNameID, c.Amount.String(), c.Currency)
		if err != nil {
			return inserted, errors.Wrap(err, "insert charge")
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

// ListInvoiceCharges is a read helper for operators and tests.
func (s *Storage) ListInvoiceCharges(ctx context.Context, carrierID int64, shipmentID string) ([]*models.Charge, error) {
	rows, err := s.db.Query(ctx, `
SELECT c.id, c.invoice_id, c.description, c.surcharge_name_id, c.amount::text, c.currency, c.created_at
FROM invoice_charges c
JOIN invoices i ON i.id = c.invoice_id
WHERE i.carrier_id = $1 AND i.shipment_id = $2
ORDER BY c.id
`, carrierID, shipmentID)
	if err != nil {
		return nil, errors.Wrap(err, "select charges")
	}
	defer rows.Close()

	var out []*models.Charge
	for rows.Next() {
		var c models.Charge
		var amount string
		if err := rows.Scan(&c.ID, &c.InvoiceID, &c.Description, &c.SurchargeNameID, &amount, &c.Currency, &c.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan charge")
		}
		if c.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, errors.Wrap(err, "parse amount")
		}
		out = append(out, &c)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
