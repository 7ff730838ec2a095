package models

import "time"

// SurchargeName is created automatically on first sight. BillingCategory stays nil
// until an operator links it.
type SurchargeName struct {
	ID              uint64  `json:"id"`
	CarrierID       int64   `json:"carrier_id"`
	Name            string  `json:"name"`
	BillingCategory *string `json:"billing_category,omitempty"`
}

type CarrierService struct {
	NameID *uint64 `json:"name_id,omitempty"`
	CodeID *uint64 `json:"code_id,omitempty"`
}

type UnitOfMeasure struct {
	ID   uint64 `json:"id"`
	Name string `json:"name"`
}

type TrackingStatus struct {
	ID             uint64 `json:"id"`
	CarrierID      int64  `json:"carrier_id"`
	Code           string `json:"code"`
	Description    string `json:"description"`
	Type           string `json:"type"`
	TerminalStatus bool   `json:"terminal_status"`
}

// LocationDetail is keyed by ContentHash of the normalized address fragment.
type LocationDetail struct {
	ID          uint64    `json:"id"`
	ContentHash string    `json:"content_hash"`
	City        string    `json:"city"`
	State       string    `json:"state"`
	PostalCode  string    `json:"postal_code"`
	Country     string    `json:"country"`
	CreatedAt   time.Time `json:"-"`
}
