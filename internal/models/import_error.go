package models

import (
	"encoding/json"
	"time"
)

// ImportError is an append-only record of a file-level or invoice-record failure.
type ImportError struct {
	ID            uint64
	InvoiceFileID *uint64
	SubjectID     string
	ErrorType     string
	Payload       json.RawMessage
	CreatedAt     time.Time
}

type TrackingImportError struct {
	ID               uint64
	TrackingNumberID *uint64
	SubjectID        string
	ErrorType        string
	Payload          json.RawMessage
	CreatedAt        time.Time
}
