package parser

import (
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/CarrierSync/internal/models"
)

func openFixture(t *testing.T, name string) *os.File {
	t.Helper()
	f, err := os.Open("testdata/" + name)
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })
	return f
}

func TestInvoiceXMLParser(t *testing.T) {
	recs, err := InvoiceXMLParser{}.ParseInvoices(openFixture(t, "invoice.xml"))
	require.NoError(t, err)
	require.Len(t, recs, 2)

	first := recs[0]
	require.Equal(t, "1Z999AA10123456784", first.ShipmentID)
	require.Equal(t, "000012345", first.Field(FieldInvoiceNumber))
	require.Equal(t, "2024-01-08", first.Field(FieldInvoiceDate))
	require.Equal(t, "2.5", first.Field(FieldWeight))
	require.Equal(t, "LBS", first.Field(FieldWeightUnit))
	require.Equal(t, "1,012.40", first.Field(FieldTotalCharge))
	require.Equal(t, "R-77", first.Field("internal_routing"))

	ref, ok := first.Fields[FieldReference]
	require.True(t, ok)
	require.Nil(t, ref)

	require.Equal(t, []ChargeLine{
		{Description: "Transportation", Amount: "1,000.00"},
		{Description: "Fuel Surcharge", Amount: "12.40"},
	}, first.Charges)

	second := recs[1]
	require.Equal(t, "000012346", second.Field(FieldInvoiceNumber))
	require.Equal(t, "A1B2C3", second.Field(FieldAccountNumber))
	dims, ok := second.Fields["dimensions"]
	require.True(t, ok)
	require.Nil(t, dims)
	require.Len(t, second.Charges, 1)
	require.Equal(t, "USD", second.Charges[0].Currency)
}

func TestInvoiceXMLParser_Errors(t *testing.T) {
	_, err := InvoiceXMLParser{}.ParseInvoices(strings.NewReader(""))
	require.ErrorIs(t, err, ErrEmptyDocument)

	_, err = InvoiceXMLParser{}.ParseInvoices(strings.NewReader("<InvoiceFile><Shipment>"))
	require.ErrorIs(t, err, ErrMalformed)

	_, err = InvoiceXMLParser{}.ParseInvoices(strings.NewReader(
		"<InvoiceFile><Shipment><ServiceName>Ground</ServiceName></Shipment></InvoiceFile>"))
	require.ErrorIs(t, err, ErrMalformed)

	_, err = InvoiceXMLParser{}.ParseInvoices(strings.NewReader("<InvoiceFile><Header/></InvoiceFile>"))
	require.ErrorIs(t, err, ErrEmptyDocument)
}

func TestDecodeXMLTree(t *testing.T) {
	tree, err := DecodeXMLTree(strings.NewReader(`<a kind="x"><b>1</b><b>2</b><c/><d><e/></d></a>`))
	require.NoError(t, err)

	a := tree["a"].(map[string]any)
	require.Equal(t, "x", a["@kind"])
	require.Equal(t, []any{"1", "2"}, a["b"])
	require.Nil(t, a["c"])
	require.Contains(t, a, "d")
	require.Nil(t, a["d"])
}

func TestInvoiceCSVParser(t *testing.T) {
	recs, err := InvoiceCSVParser{}.ParseInvoices(openFixture(t, "invoice.csv"))
	require.NoError(t, err)
	require.Len(t, recs, 2)

	first := recs[0]
	require.Equal(t, "794612345678", first.ShipmentID)
	require.Equal(t, "INV-9", first.Field(FieldInvoiceNumber))
	require.Equal(t, "1,020.00", first.Field(FieldTotalCharge))
	require.Equal(t, []ChargeLine{
		{Description: "Transportation", Amount: "1,000.00"},
		{Description: "Fuel Surcharge", Amount: "20.00"},
	}, first.Charges)

	second := recs[1]
	require.Equal(t, "Express", second.Field(FieldServiceName))
	w, ok := second.Fields[FieldWeight]
	require.True(t, ok)
	require.Nil(t, w)
	require.Len(t, second.Charges, 1)
}

func TestInvoiceCSVParser_Errors(t *testing.T) {
	_, err := InvoiceCSVParser{}.ParseInvoices(strings.NewReader(""))
	require.ErrorIs(t, err, ErrEmptyDocument)

	_, err = InvoiceCSVParser{}.ParseInvoices(strings.NewReader("tracking_number,charge_description\n,Fuel\n"))
	require.ErrorIs(t, err, ErrMalformed)
}

func TestForCarrier(t *testing.T) {
	p, err := ForCarrier(models.Carrier{Code: "UPS", InvoiceFormat: models.InvoiceFormatXML})
	require.NoError(t, err)
	require.IsType(t, InvoiceXMLParser{}, p)

	p, err = ForCarrier(models.Carrier{Code: "FDX", InvoiceFormat: models.InvoiceFormatCSV})
	require.NoError(t, err)
	require.IsType(t, InvoiceCSVParser{}, p)

	_, err = ForCarrier(models.Carrier{Code: "X", InvoiceFormat: "pdf"})
	require.Error(t, err)
}

func TestSnakeCase(t *testing.T) {
	for in, want := range map[string]string{
		"InvoiceNumber": "invoice_number",
		"ShipmentID":    "shipment_id",
		"BilledWeight":  "billed_weight",
		"Zone":          "zone",
		"HTTPCode":      "http_code",
	} {
		require.Equal(t, want, snakeCase(in), in)
	}
}
