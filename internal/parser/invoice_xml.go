package parser

import (
	"io"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// InvoiceXMLParser reads documents shaped as
//
//	<InvoiceFile>
//	  <Header>...shared fields...</Header>
//	  <Shipment><TrackingNumber/>...fields...<Charges><Charge/>...</Charges></Shipment>
//	  ...
//	</InvoiceFile>
//
// Header fields fill in whatever a shipment does not carry itself.
type InvoiceXMLParser struct{}

var shipmentIDKeys = []string{"TrackingNumber", "ShipmentID", "ShipmentId"}

func (InvoiceXMLParser) ParseInvoices(r io.Reader) ([]InvoiceRecord, error) {
	tree, err := DecodeXMLTree(r)
	if err != nil {
		return nil, err
	}

	var root map[string]any
	for _, v := range tree {
		root, _ = v.(map[string]any)
	}
	if root == nil {
		return nil, ErrEmptyDocument
	}

	header := map[string]*string{}
	if h, ok := root["Header"].(map[string]any); ok {
		flattenFields(header, "", h)
	}

	shipments := asList(root["Shipment"])
	out := make([]InvoiceRecord, 0, len(shipments))
	for i, s := range shipments {
		m, ok := s.(map[string]any)
		if !ok {
			return nil, errors.Wrapf(ErrMalformed, "shipment #%d is empty", i+1)
		}
		rec, err := shipmentRecord(m)
		if err != nil {
			return nil, errors.Wrapf(err, "shipment #%d", i+1)
		}
		for k, v := range header {
			if _, exists := rec.Fields[k]; !exists {
				rec.Fields[k] = v
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func shipmentRecord(m map[string]any) (InvoiceRecord, error) {
	rec := InvoiceRecord{Fields: map[string]*string{}}
	for _, k := range shipmentIDKeys {
		if s, ok := asString(m[k]); ok {
			rec.ShipmentID = strings.TrimSpace(s)
			break
		}
	}
	if rec.ShipmentID == "" {
		return rec, errors.Wrap(ErrMalformed, "missing tracking number")
	}

	rest := make(map[string]any, len(m))
	for k, v := range m {
		if k == "Charges" || k == "Charge" {
			continue
		}
		skip := false
		for _, idKey := range shipmentIDKeys {
			if k == idKey {
				skip = true
			}
		}
		if !skip {
			rest[k] = v
		}
	}
	flattenFields(rec.Fields, "", rest)

	charges := asList(m["Charge"])
	if c, ok := m["Charges"].(map[string]any); ok {
		charges = append(charges, asList(c["Charge"])...)
	}
	for _, c := range charges {
		cm, ok := c.(map[string]any)
		if !ok {
			continue
		}
		desc, _ := asString(cm["Description"])
		amount, _ := asString(cm["Amount"])
		currency, _ := asString(cm["Currency"])
		desc = strings.TrimSpace(desc)
		if desc == "" {
			continue
		}
		rec.Charges = append(rec.Charges, ChargeLine{
			Description: desc,
			Amount:      strings.TrimSpace(amount),
			Currency:    strings.TrimSpace(currency),
		})
	}
	return rec, nil
}

// flattenFields maps nested elements to snake_case keys: <Weight><Value>2</Value><Unit>LBS</Unit></Weight>
// becomes weight=2, weight_unit=LBS.
func flattenFields(dst map[string]*string, prefix string, m map[string]any) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		name := snakeCase(strings.TrimPrefix(k, "@"))
		switch {
		case prefix != "" && name == "value":
			name = prefix
		case prefix != "":
			name = prefix + "_" + name
		}

		switch v := m[k].(type) {
		case nil:
			dst[name] = nil
		case string:
			dst[name] = strPtr(v)
		case map[string]any:
			flattenFields(dst, name, v)
		case []any:
			if s, ok := asString(v); ok {
				dst[name] = strPtr(s)
			} else if len(v) > 0 {
				if first, ok := v[0].(map[string]any); ok {
					flattenFields(dst, name, first)
				}
			}
		}
	}
}
