package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// Статусы импорта файла.
const (
	ImportStatusPending    = "PENDING"
	ImportStatusProcessing = "PROCESSING"
	ImportStatusSuccess    = "SUCCESS"
	ImportStatusFailed     = "FAILED"
)

type InvoiceFile struct {
	ID           uint64
	CarrierID    int64
	CarrierCode  string
	FileName     string
	ImportStatus string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	FinishedAt   *time.Time
}

type Invoice struct {
	ID              uint64
	CarrierID       int64
	ShipmentID      string
	InvoiceNumber   *string
	AccountNumber   *string
	InvoiceDate     *time.Time
	ShipDate        *time.Time
	ServiceNameID   *uint64
	Weight          *decimal.Decimal
	BilledWeight    *decimal.Decimal
	UnitOfMeasureID *uint64
	TotalCharge     *decimal.Decimal
	Currency        *string
	Reference       *string
	Zone            *string
	PackageCount    *int32
	InvoiceFileID   *uint64
	CreatedAt       time.Time
}

type Charge struct {
	ID              uint64
	InvoiceID       uint64
	Description     string
	SurchargeNameID uint64
	Amount          decimal.Decimal
	Currency        *string
	CreatedAt       time.Time
}
