package parser

import (
	"encoding/xml"
	"io"
	"strings"

	"github.com/pkg/errors"
)

// DecodeXMLTree reads an XML document into nested maps. Leaf elements become strings,
// repeated elements become []any, attributes are stored under "@name" and empty
// elements (or elements whose children are all empty) become nil.
func DecodeXMLTree(r io.Reader) (map[string]any, error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			return nil, ErrEmptyDocument
		}
		if err != nil {
			return nil, errors.Wrap(ErrMalformed, err.Error())
		}
		if se, ok := tok.(xml.StartElement); ok {
			v, err := decodeElement(dec, se)
			if err != nil {
				return nil, err
			}
			return map[string]any{se.Name.Local: v}, nil
		}
	}
}

func decodeElement(dec *xml.Decoder, start xml.StartElement) (any, error) {
	children := map[string]any{}
	var text strings.Builder
	for _, a := range start.Attr {
		children["@"+a.Name.Local] = a.Value
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, errors.Wrap(ErrMalformed, "element "+start.Name.Local+": "+err.Error())
		}
		switch t := tok.(type) {
		case xml.StartElement:
			v, err := decodeElement(dec, t)
			if err != nil {
				return nil, err
			}
			addChild(children, t.Name.Local, v)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if len(children) == 0 {
				s := strings.TrimSpace(text.String())
				if s == "" {
					return nil, nil
				}
				return s, nil
			}
			if allNil(children) {
				return nil, nil
			}
			return children, nil
		}
	}
}

func addChild(m map[string]any, name string, v any) {
	prev, ok := m[name]
	if !ok {
		m[name] = v
		return
	}
	if list, isList := prev.([]any); isList {
		m[name] = append(list, v)
		return
	}
	m[name] = []any{prev, v}
}

func allNil(m map[string]any) bool {
	for _, v := range m {
		if v != nil {
			return false
		}
	}
	return true
}

// asList normalizes a single child or a repeated child into a slice.
func asList(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}

func asString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, true
	case []any:
		for _, x := range t {
			if s, ok := x.(string); ok {
				return s, true
			}
		}
	}
	return "", false
}
