package parser

import (
	"encoding/csv"
	"io"
	"strings"

	"github.com/jszwec/csvutil"
	"github.com/pkg/errors"
)

// invoiceCSVRow is one charge line. Shipment-level columns repeat on every row of the
// same tracking number; the first non-empty value wins.
type invoiceCSVRow struct {
	TrackingNumber    string `csv:"tracking_number"`
	InvoiceNumber     string `csv:"invoice_number,omitempty"`
	AccountNumber     string `csv:"account_number,omitempty"`
	InvoiceDate       string `csv:"invoice_date,omitempty"`
	ShipDate          string `csv:"ship_date,omitempty"`
	ServiceName       string `csv:"service_name,omitempty"`
	Weight            string `csv:"weight,omitempty"`
	BilledWeight      string `csv:"billed_weight,omitempty"`
	WeightUnit        string `csv:"weight_unit,omitempty"`
	TotalCharge       string `csv:"total_charge,omitempty"`
	Currency          string `csv:"currency,omitempty"`
	Reference         string `csv:"reference,omitempty"`
	Zone              string `csv:"zone,omitempty"`
	PackageCount      string `csv:"package_count,omitempty"`
	ChargeDescription string `csv:"charge_description,omitempty"`
	ChargeAmount      string `csv:"charge_amount,omitempty"`
}

func (r invoiceCSVRow) fields() map[string]string {
	return map[string]string{
		FieldInvoiceNumber: r.InvoiceNumber,
		FieldAccountNumber: r.AccountNumber,
		FieldInvoiceDate:   r.InvoiceDate,
		FieldShipDate:      r.ShipDate,
		FieldServiceName:   r.ServiceName,
		FieldWeight:        r.Weight,
		FieldBilledWeight:  r.BilledWeight,
		FieldWeightUnit:    r.WeightUnit,
		FieldTotalCharge:   r.TotalCharge,
		FieldCurrency:      r.Currency,
		FieldReference:     r.Reference,
		FieldZone:          r.Zone,
		FieldPackageCount:  r.PackageCount,
	}
}

type InvoiceCSVParser struct{}

func (InvoiceCSVParser) ParseInvoices(r io.Reader) ([]InvoiceRecord, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true

	dec, err := csvutil.NewDecoder(cr)
	if err == io.EOF {
		return nil, ErrEmptyDocument
	}
	if err != nil {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	var rows []invoiceCSVRow
	if err := dec.Decode(&rows); err != nil && err != io.EOF {
		return nil, errors.Wrap(ErrMalformed, err.Error())
	}

	var out []InvoiceRecord
	index := map[string]int{}
	for i, row := range rows {
		id := strings.TrimSpace(row.TrackingNumber)
		if id == "" {
			return nil, errors.Wrapf(ErrMalformed, "row %d: missing tracking_number", i+2)
		}
		pos, ok := index[id]
		if !ok {
			pos = len(out)
			index[id] = pos
			out = append(out, InvoiceRecord{ShipmentID: id, Fields: map[string]*string{}})
		}
		rec := &out[pos]
		for k, v := range row.fields() {
			v = strings.TrimSpace(v)
			if cur, seen := rec.Fields[k]; seen && cur != nil {
				continue
			}
			if v == "" {
				rec.Fields[k] = nil
				continue
			}
			rec.Fields[k] = strPtr(v)
		}
		if desc := strings.TrimSpace(row.ChargeDescription); desc != "" {
			rec.Charges = append(rec.Charges, ChargeLine{
				Description: desc,
				Amount:      strings.TrimSpace(row.ChargeAmount),
				Currency:    strings.TrimSpace(row.Currency),
			})
		}
	}
	if len(out) == 0 {
		return nil, ErrEmptyDocument
	}
	return out, nil
}
