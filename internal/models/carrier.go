package models

import "strings"

const (
	InvoiceFormatXML = "xml"
	InvoiceFormatCSV = "csv"
)

// Carrier is the explicit descriptor of one carrier integration. Controllers and the
// reconciliation store receive it as a value instead of reading global configuration.
type Carrier struct {
	ID            int64
	Code          string
	InvoiceFormat string

	// TerminalPhrases are lower-case status descriptions that mark final disposition.
	TerminalPhrases []string
	// SoftErrorCodes are provider error codes meaning "not yet available".
	SoftErrorCodes []string
}

// IsTerminalDescription reports whether the lower-cased description is on the
// carrier's terminal phrase list.
func (c Carrier) IsTerminalDescription(desc string) bool {
	low := strings.ToLower(strings.TrimSpace(desc))
	if low == "" {
		return false
	}
	for _, p := range c.TerminalPhrases {
		if low == strings.ToLower(strings.TrimSpace(p)) {
			return true
		}
	}
	return false
}

func (c Carrier) IsSoftErrorCode(code string) bool {
	for _, s := range c.SoftErrorCodes {
		if s == code {
			return true
		}
	}
	return false
}
