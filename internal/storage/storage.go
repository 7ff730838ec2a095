// Package storage describes the persistence surface the ingestion services depend on.
// The PostgreSQL implementation lives in pgingest.
package storage

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/CarrierSync/internal/models"
)

var ErrNotFound = errors.New("not found")

// Transactor runs fn inside one database transaction. The transaction commits when fn
// returns nil and rolls back otherwise.
type Transactor interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the set of writes a reconciliation performs atomically.
type Tx interface {
	ReferenceWriter

	FindInvoiceByShipmentID(ctx context.Context, carrierID int64, shipmentID string) (*models.Invoice, error)
	CreateInvoice(ctx context.Context, inv models.Invoice) (uint64, error)
	ListChargeDescriptions(ctx context.Context, invoiceID uint64) ([]string, error)
	InsertCharges(ctx context.Context, charges []models.Charge) (int64, error)

	UpsertTrackingEvent(ctx context.Context, ev models.TrackingEvent) (uint64, error)
	UpsertTrackingDetail(ctx context.Context, d models.TrackingDetail) error
	UpdateTrackingNumberStatus(ctx context.Context, upd TrackingStatusUpdate) error
}

// ReferenceWriter creates reference rows idempotently. Each Ensure* call inserts with
// ON CONFLICT DO NOTHING and then reads the canonical row, so concurrent first writers
// converge on one id.
type ReferenceWriter interface {
	EnsureSurchargeName(ctx context.Context, carrierID int64, name string) (models.SurchargeName, bool, error)
	EnsureServiceName(ctx context.Context, carrierID int64, name string) (uint64, error)
	EnsureServiceCode(ctx context.Context, carrierID int64, code string, nameID *uint64) (uint64, error)
	EnsureUnitOfMeasure(ctx context.Context, name string) (uint64, error)
	EnsureTrackingStatus(ctx context.Context, st models.TrackingStatus) (models.TrackingStatus, error)
	EnsureLocationDetail(ctx context.Context, loc models.LocationDetail) (uint64, error)
}

// TrackingStatusUpdate is the tracking_numbers write made after every provider check.
// A nil LatestEventID keeps the stored one.
type TrackingStatusUpdate struct {
	TrackingNumberID uint64
	QueueStatus      int16
	LatestEventID    *uint64
	LabelCreatedAt   *time.Time
	// ReplaceLabel writes LabelCreatedAt as is, nil included. Otherwise a nil value keeps
	// the stored label time.
	ReplaceLabel bool
	CheckedAt    time.Time
	NextCheckAt  time.Time
	Error        *string
}
