// Package parser turns carrier documents into canonical records: invoice files (XML or
// CSV) into InvoiceRecords and provider tracking responses (JSON) into TrackingResults.
package parser

import (
	"io"
	"strings"
	"unicode"

	"github.com/pkg/errors"

	"github.com/BearBump/CarrierSync/internal/models"
)

var (
	ErrEmptyDocument = errors.New("empty document")
	ErrMalformed     = errors.New("malformed document")
)

// Canonical invoice field names. Anything else a carrier sends is kept in Fields but
// never persisted.
const (
	FieldInvoiceNumber = "invoice_number"
	FieldAccountNumber = "account_number"
	FieldInvoiceDate   = "invoice_date"
	FieldShipDate      = "ship_date"
	FieldServiceName   = "service_name"
	FieldWeight        = "weight"
	FieldBilledWeight  = "billed_weight"
	FieldWeightUnit    = "weight_unit"
	FieldTotalCharge   = "total_charge"
	FieldCurrency      = "currency"
	FieldReference     = "reference"
	FieldZone          = "zone"
	FieldPackageCount  = "package_count"
)

// InvoiceRecord is one logical invoice: the billing for a single shipment.
// A nil field value means the element was present but empty.
type InvoiceRecord struct {
	ShipmentID string             `json:"shipment_id"`
	Fields     map[string]*string `json:"fields,omitempty"`
	Charges    []ChargeLine       `json:"charges,omitempty"`
}

type ChargeLine struct {
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency,omitempty"`
}

// Field returns the trimmed value of a field, "" when absent or empty.
func (r InvoiceRecord) Field(name string) string {
	v, ok := r.Fields[name]
	if !ok || v == nil {
		return ""
	}
	return strings.TrimSpace(*v)
}

type InvoiceParser interface {
	ParseInvoices(r io.Reader) ([]InvoiceRecord, error)
}

// ForCarrier picks the invoice parser for the carrier's billing format.
func ForCarrier(c models.Carrier) (InvoiceParser, error) {
	switch c.InvoiceFormat {
	case models.InvoiceFormatXML, "":
		return InvoiceXMLParser{}, nil
	case models.InvoiceFormatCSV:
		return InvoiceCSVParser{}, nil
	default:
		return nil, errors.Errorf("unsupported invoice format %q for carrier %s", c.InvoiceFormat, c.Code)
	}
}

// snakeCase converts element names like "BilledWeight" or "ShipmentID" to "billed_weight" / "shipment_id".
func snakeCase(s string) string {
	rs := []rune(s)
	var b strings.Builder
	for i, r := range rs {
		if r == '-' || r == ' ' || r == '.' {
			b.WriteByte('_')
			continue
		}
		if unicode.IsUpper(r) {
			if i > 0 {
				prev := rs[i-1]
				nextLower := i+1 < len(rs) && unicode.IsLower(rs[i+1])
				if unicode.IsLower(prev) || unicode.IsDigit(prev) || (unicode.IsUpper(prev) && nextLower) {
					b.WriteByte('_')
				}
			}
			b.WriteRune(unicode.ToLower(r))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func strPtr(s string) *string {
	return &s
}
