package reconcile

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/BearBump/CarrierSync/internal/alerting"
	"github.com/BearBump/CarrierSync/internal/cache/refcache"
	"github.com/BearBump/CarrierSync/internal/metrics"
	"github.com/BearBump/CarrierSync/internal/models"
	"github.com/BearBump/CarrierSync/internal/parser"
	"github.com/BearBump/CarrierSync/internal/storage"
)

// Форматы дат, которые встречаются в инвойсах перевозчиков.
var dateLayouts = []string{
	"2006-01-02",
	"01/02/2006",
	"20060102",
	time.RFC3339,
}

type InvoiceOutcome struct {
	InvoiceID       uint64
	Created         bool
	ChargesInserted int64
	ChargesSkipped  int
	NewSurcharges   []string
}

// ReconcileInvoiceCharges stores one invoice record. For a known shipment only charges
// with unseen descriptions are inserted; a new shipment gets its invoice row and all of
// its charges. Re-delivering the same record is therefore a no-op.
func (s *Store) ReconcileInvoiceCharges(ctx context.Context, carrier models.Carrier, rec parser.InvoiceRecord, fileID *uint64) (InvoiceOutcome, error) {
	shipmentID := normalizeText(rec.ShipmentID)
	if shipmentID == "" {
		return InvoiceOutcome{}, errors.New("invoice record without shipment id")
	}

	lines := uniqueCharges(rec.Charges)
	pending := refcache.NewPending(s.cache)

	var (
		out     InvoiceOutcome
		created []models.SurchargeName
	)
	err := s.tx.InTx(ctx, func(tx storage.Tx) error {
		out = InvoiceOutcome{ChargesSkipped: len(rec.Charges) - len(lines)}
		created = nil
		refs := s.refs(tx, pending)

		existing, err := tx.FindInvoiceByShipmentID(ctx, carrier.ID, shipmentID)
		if err != nil {
			return err
		}

		novel := lines
		if existing != nil {
			out.InvoiceID = existing.ID
			have, err := tx.ListChargeDescriptions(ctx, existing.ID)
			if err != nil {
				return err
			}
			novel = filterNovel(lines, have)
			out.ChargesSkipped += len(lines) - len(novel)
		} else {
			inv, err := s.buildInvoice(ctx, refs, carrier, shipmentID, rec, fileID)
			if err != nil {
				return err
			}
			id, err := tx.CreateInvoice(ctx, inv)
			if err != nil {
				return err
			}
			out.InvoiceID = id
			out.Created = true
		}
		if len(novel) == 0 {
			return nil
		}

		charges := make([]models.Charge, 0, len(novel))
		for _, l := range novel {
			amount, err := parseDecimal(l.Amount)
			if err != nil {
				return errors.Wrapf(err, "charge %q", l.Description)
			}
			if amount == nil {
				return errors.Errorf("charge %q has no amount", l.Description)
			}
			sn, isNew, err := refs.SurchargeName(ctx, carrier.ID, l.Description)
			if err != nil {
				return err
			}
			if isNew {
				created = append(created, sn)
			}
			charges = append(charges, models.Charge{
				InvoiceID:       out.InvoiceID,
				Description:     l.Description,
				SurchargeNameID: sn.ID,
				Amount:          *amount,
				Currency:        optUpper(firstNonEmpty(l.Currency, rec.Field(parser.FieldCurrency))),
			})
		}

		n, err := tx.InsertCharges(ctx, charges)
		if err != nil {
			return err
		}
		out.ChargesInserted = n
		out.ChargesSkipped += len(charges) - int(n)
		return nil
	})
	if err != nil {
		pending.Discard()
		return InvoiceOutcome{}, errors.Wrapf(err, "reconcile invoice %s", shipmentID)
	}
	pending.Flush(ctx)

	metrics.Get().ChargesInserted.WithLabelValues(carrier.Code).Add(float64(out.ChargesInserted))
	for _, sn := range created {
		out.NewSurcharges = append(out.NewSurcharges, sn.Name)
		s.alert(ctx, alerting.Alert{
			Site: alerting.SiteUnmappedSurcharge,
			Text: fmt.Sprintf("new surcharge name %q for carrier %s (id %d) needs a billing category", sn.Name, carrier.Code, sn.ID),
		})
	}
	return out, nil
}

func (s *Store) buildInvoice(ctx context.Context, refs References, carrier models.Carrier, shipmentID string, rec parser.InvoiceRecord, fileID *uint64) (models.Invoice, error) {
	inv := models.Invoice{
		CarrierID:     carrier.ID,
		ShipmentID:    shipmentID,
		InvoiceNumber: optText(rec.Field(parser.FieldInvoiceNumber)),
		AccountNumber: optText(rec.Field(parser.FieldAccountNumber)),
		Currency:      optUpper(rec.Field(parser.FieldCurrency)),
		Reference:     optText(rec.Field(parser.FieldReference)),
		Zone:          optText(rec.Field(parser.FieldZone)),
		InvoiceFileID: fileID,
	}

	var err error
	if inv.InvoiceDate, err = parseDate(rec.Field(parser.FieldInvoiceDate)); err != nil {
		return inv, errors.Wrap(err, parser.FieldInvoiceDate)
	}
	if inv.ShipDate, err = parseDate(rec.Field(parser.FieldShipDate)); err != nil {
		return inv, errors.Wrap(err, parser.FieldShipDate)
	}
	if inv.Weight, err = parseDecimal(rec.Field(parser.FieldWeight)); err != nil {
		return inv, errors.Wrap(err, parser.FieldWeight)
	}
	if inv.BilledWeight, err = parseDecimal(rec.Field(parser.FieldBilledWeight)); err != nil {
		return inv, errors.Wrap(err, parser.FieldBilledWeight)
	}
	if inv.TotalCharge, err = parseDecimal(rec.Field(parser.FieldTotalCharge)); err != nil {
		return inv, errors.Wrap(err, parser.FieldTotalCharge)
	}

	if v := stripThousands(rec.Field(parser.FieldPackageCount)); v != "" {
		n, err := strconv.ParseInt(v, 10, 32)
		if err != nil {
			return inv, errors.Wrap(err, parser.FieldPackageCount)
		}
		pc := int32(n)
		inv.PackageCount = &pc
	}

	if name := rec.Field(parser.FieldServiceName); name != "" {
		svc, err := s.services.Resolve(ctx, refs, carrier.ID, name, "")
		if err != nil {
			return inv, err
		}
		inv.ServiceNameID = svc.NameID
	}
	if unit := strings.ToUpper(normalizeText(rec.Field(parser.FieldWeightUnit))); unit != "" {
		id, err := refs.UnitOfMeasure(ctx, unit)
		if err != nil {
			return inv, err
		}
		inv.UnitOfMeasureID = &id
	}
	return inv, nil
}

// uniqueCharges normalizes descriptions and keeps the first line per description.
func uniqueCharges(in []parser.ChargeLine) []parser.ChargeLine {
	out := make([]parser.ChargeLine, 0, len(in))
	seen := make(map[string]struct{}, len(in))
	for _, l := range in {
		l.Description = normalizeText(l.Description)
		if l.Description == "" {
			continue
		}
		if _, ok := seen[l.Description]; ok {
			continue
		}
		seen[l.Description] = struct{}{}
		out = append(out, l)
	}
	return out
}

func filterNovel(lines []parser.ChargeLine, have []string) []parser.ChargeLine {
	known := make(map[string]struct{}, len(have))
	for _, d := range have {
		known[d] = struct{}{}
	}
	out := make([]parser.ChargeLine, 0, len(lines))
	for _, l := range lines {
		if _, ok := known[l.Description]; !ok {
			out = append(out, l)
		}
	}
	return out
}

func stripThousands(s string) string {
	return strings.ReplaceAll(strings.TrimSpace(s), ",", "")
}

// parseDecimal returns nil for an empty value.
func parseDecimal(s string) (*decimal.Decimal, error) {
	v := stripThousands(s)
	if v == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return nil, errors.Wrapf(err, "parse number %q", s)
	}
	return &d, nil
}

func parseDate(s string) (*time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			t = t.UTC()
			return &t, nil
		}
	}
	return nil, errors.Errorf("unrecognized date %q", s)
}

func optText(s string) *string {
	s = normalizeText(s)
	if s == "" {
		return nil
	}
	return &s
}

func optUpper(s string) *string {
	p := optText(s)
	if p != nil {
		*p = strings.ToUpper(*p)
	}
	return p
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
