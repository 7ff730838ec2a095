package messages

import (
	"time"

	"github.com/BearBump/CarrierSync/internal/parser"
)

// Header names set on every dispatched unit.
const (
	HeaderUnitID = "unit_id"
	HeaderKind   = "unit_kind"
)

const (
	KindInvoiceRecord      = "invoice_record"
	KindTrackingValidation = "tracking_validation"
	KindAlert              = "alert"
)

// InvoiceRecordUnit carries one canonical invoice record to a reconciliation worker.
type InvoiceRecordUnit struct {
	CarrierCode   string               `json:"carrier_code"`
	InvoiceFileID uint64               `json:"invoice_file_id"`
	FileName      string               `json:"file_name"`
	Record        parser.InvoiceRecord `json:"record"`
	DispatchedAt  time.Time            `json:"dispatched_at"`
}

// TrackingValidationUnit asks a worker to validate a tracking number discovered as an
// alternate of ParentTrackingNumberID, on behalf of TeamID.
type TrackingValidationUnit struct {
	CarrierCode            string    `json:"carrier_code"`
	TrackingNumber         string    `json:"tracking_number"`
	TeamID                 uint64    `json:"team_id"`
	ParentTrackingNumberID uint64    `json:"parent_tracking_number_id"`
	DispatchedAt           time.Time `json:"dispatched_at"`
}

type Alert struct {
	Site     string    `json:"site"`
	DedupKey string    `json:"dedup_key"`
	Text     string    `json:"text"`
	At       time.Time `json:"at"`
}
