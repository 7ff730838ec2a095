package models

import "time"

const (
	QueueStatusNonTerminal int16 = 0
	QueueStatusTerminal    int16 = 1
)

// Состояния для планировщика следующей проверки.
const (
	CheckStateTerminal        = "TERMINAL"
	CheckStateInTransit       = "IN_TRANSIT"
	CheckStateNotYetAvailable = "NOT_YET_AVAILABLE"
)

type TrackingNumber struct {
	ID             uint64
	CarrierID      int64
	CarrierCode    string
	Number         string
	QueueStatus    int16
	LatestEventID  *uint64
	LabelCreatedAt *time.Time
	ParentID       *uint64
	NextCheckAt    time.Time
	LastCheckedAt  *time.Time
	CheckFailCount int32
	LastError      *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type TrackingNumberCreateInput struct {
	CarrierID   int64
	CarrierCode string
	Number      string
	ParentID    *uint64
}

type TrackingEvent struct {
	ID                  uint64
	TrackingNumberID    uint64
	TrackingStatusID    uint64
	LocationDetailID    uint64
	LocalTimestamp      *time.Time
	LocationDescription string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// TrackingDetail is replaced as a whole on every successful reconciliation.
type TrackingDetail struct {
	TrackingNumberID     uint64
	CarrierServiceCodeID *uint64
	CarrierServiceNameID *uint64

	OriginCity       *string
	OriginState      *string
	OriginPostalCode *string
	OriginCountry    *string

	DestinationCity       *string
	DestinationState      *string
	DestinationPostalCode *string
	DestinationCountry    *string

	Weight          *string
	WeightUnitID    *uint64
	Length          *string
	Width           *string
	Height          *string
	DimensionUnitID *uint64

	EstimatedDelivery *time.Time
	PickupDate        *time.Time
}
