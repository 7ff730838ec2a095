package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/CarrierSync/internal/alerting"
	"github.com/BearBump/CarrierSync/internal/cache/refcache"
	"github.com/BearBump/CarrierSync/internal/models"
	"github.com/BearBump/CarrierSync/internal/parser"
	"github.com/BearBump/CarrierSync/internal/storage"
)

const (
	defaultTerminalRecheck = 365 * 24 * time.Hour
	defaultRecheck         = time.Hour
)

type TrackingOutcome struct {
	Events                  int
	Packages                int
	LatestEventID           *uint64
	QueueStatus             int16
	LabelCreatedAt          *time.Time
	NextCheckAt             time.Time
	AlternateTrackingNumber string
}

type trackingOptions struct {
	nextCheck func(queueStatus int16) time.Time
}

type TrackingOption func(*trackingOptions)

// WithNextCheck lets the caller schedule the next provider check from the resulting
// queue status.
func WithNextCheck(f func(queueStatus int16) time.Time) TrackingOption {
	return func(o *trackingOptions) { o.nextCheck = f }
}

// StoreTrackingResult writes events, the shipment detail and the tracking number status
// for one provider response in a single transaction. Events are taken in provider order
// and the first one is the latest.
func (s *Store) StoreTrackingResult(ctx context.Context, parsed parser.TrackingResult, carrier models.Carrier, tn models.TrackingNumber, opts ...TrackingOption) (TrackingOutcome, error) {
	o := trackingOptions{nextCheck: func(q int16) time.Time {
		if q == models.QueueStatusTerminal {
			return s.now().Add(defaultTerminalRecheck)
		}
		return s.now().Add(defaultRecheck)
	}}
	for _, opt := range opts {
		opt(&o)
	}

	if len(parsed.Packages) > 1 {
		s.alert(ctx, alerting.Alert{
			Site: alerting.SiteMultiPackage,
			Text: fmt.Sprintf("%s %s: provider returned %d packages", carrier.Code, tn.Number, len(parsed.Packages)),
		})
	}

	pending := refcache.NewPending(s.cache)
	var out TrackingOutcome
	err := s.tx.InTx(ctx, func(tx storage.Tx) error {
		out = TrackingOutcome{
			Packages:                len(parsed.Packages),
			LabelCreatedAt:          parsed.LabelCreatedAt(),
			AlternateTrackingNumber: parsed.AlternateTrackingNumber,
		}
		refs := s.refs(tx, pending)

		var svc models.CarrierService
		if p := parsed.Service(); p != nil {
			var err error
			if svc, err = s.services.Resolve(ctx, refs, carrier.ID, p.Description, p.Code); err != nil {
				return err
			}
		}

		for _, ev := range parsed.Events() {
			st, ok := statusOf(carrier, ev.Status)
			if !ok {
				slog.Warn("skip event without status", "carrier", carrier.Code, "tracking_number", tn.Number)
				continue
			}
			status, err := refs.TrackingStatus(ctx, st)
			if err != nil {
				return err
			}
			locID, err := refs.Location(ctx, s.locations.Normalize(ev.Location))
			if err != nil {
				return err
			}
			id, err := tx.UpsertTrackingEvent(ctx, models.TrackingEvent{
				TrackingNumberID:    tn.ID,
				TrackingStatusID:    status.ID,
				LocationDetailID:    locID,
				LocalTimestamp:      ev.LocalTime,
				LocationDescription: ev.Location.Description(),
			})
			if err != nil {
				return err
			}
			// Latest is the first event in provider order that has a status; events
			// skipped above do not count.
			if out.Events == 0 {
				latest := id
				out.LatestEventID = &latest
				if status.TerminalStatus {
					out.QueueStatus = models.QueueStatusTerminal
				}
			}
			out.Events++
		}

		if len(parsed.Packages) > 0 {
			d, err := s.buildDetail(ctx, refs, tn.ID, svc, parsed.Packages[0])
			if err != nil {
				return err
			}
			if err := tx.UpsertTrackingDetail(ctx, d); err != nil {
				return err
			}
		}

		out.NextCheckAt = o.nextCheck(out.QueueStatus)
		return tx.UpdateTrackingNumberStatus(ctx, storage.TrackingStatusUpdate{
			TrackingNumberID: tn.ID,
			QueueStatus:      out.QueueStatus,
			LatestEventID:    out.LatestEventID,
			LabelCreatedAt:   out.LabelCreatedAt,
			ReplaceLabel:     true,
			CheckedAt:        s.now(),
			NextCheckAt:      out.NextCheckAt,
		})
	})
	if err != nil {
		pending.Discard()
		return TrackingOutcome{}, errors.Wrapf(err, "store tracking %s %s", carrier.Code, tn.Number)
	}
	pending.Flush(ctx)
	return out, nil
}

// statusOf builds the status row to create on first sight. The terminal flag is fixed
// here and never recomputed for an existing code.
func statusOf(carrier models.Carrier, st parser.Status) (models.TrackingStatus, bool) {
	code := strings.ToUpper(normalizeText(st.Code))
	desc := normalizeText(st.Description)
	if code == "" {
		code = strings.ToUpper(desc)
	}
	if code == "" {
		return models.TrackingStatus{}, false
	}
	return models.TrackingStatus{
		CarrierID:      carrier.ID,
		Code:           code,
		Description:    desc,
		Type:           strings.ToUpper(normalizeText(st.Type)),
		TerminalStatus: carrier.IsTerminalDescription(desc),
	}, true
}

func (s *Store) buildDetail(ctx context.Context, refs References, tnID uint64, svc models.CarrierService, p parser.Package) (models.TrackingDetail, error) {
	d := models.TrackingDetail{
		TrackingNumberID:     tnID,
		CarrierServiceCodeID: svc.CodeID,
		CarrierServiceNameID: svc.NameID,
		EstimatedDelivery:    p.EstimatedDelivery,
		PickupDate:           p.PickupDate,
	}
	if a := p.Origin; a != nil {
		d.OriginCity, d.OriginState = optText(a.City), optUpper(a.State)
		d.OriginPostalCode, d.OriginCountry = optUpper(a.PostalCode), optUpper(a.Country)
	}
	if a := p.Destination; a != nil {
		d.DestinationCity, d.DestinationState = optText(a.City), optUpper(a.State)
		d.DestinationPostalCode, d.DestinationCountry = optUpper(a.PostalCode), optUpper(a.Country)
	}

	var err error
	if w := p.Weight; w != nil {
		if d.Weight, err = measure(w.Value); err != nil {
			return d, errors.Wrap(err, "weight")
		}
		if d.WeightUnitID, err = s.unit(ctx, refs, w.Unit); err != nil {
			return d, err
		}
	}
	if dim := p.Dimensions; dim != nil {
		if d.Length, err = measure(dim.Length); err != nil {
			return d, errors.Wrap(err, "length")
		}
		if d.Width, err = measure(dim.Width); err != nil {
			return d, errors.Wrap(err, "width")
		}
		if d.Height, err = measure(dim.Height); err != nil {
			return d, errors.Wrap(err, "height")
		}
		if d.DimensionUnitID, err = s.unit(ctx, refs, dim.Unit); err != nil {
			return d, err
		}
	}
	return d, nil
}

func (s *Store) unit(ctx context.Context, refs References, name string) (*uint64, error) {
	name = strings.ToUpper(normalizeText(name))
	if name == "" {
		return nil, nil
	}
	id, err := refs.UnitOfMeasure(ctx, name)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// measure canonicalizes a numeric string ("1,024.50" -> "1024.5").
func measure(v string) (*string, error) {
	d, err := parseDecimal(v)
	if err != nil || d == nil {
		return nil, err
	}
	out := d.String()
	return &out, nil
}
