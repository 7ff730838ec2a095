package errorsink

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/BearBump/CarrierSync/internal/alerting"
	"github.com/BearBump/CarrierSync/internal/metrics"
	"github.com/BearBump/CarrierSync/internal/models"
)

type Scope string

const (
	ScopeInvoiceFile   Scope = "invoice_file"
	ScopeInvoiceRecord Scope = "invoice_record"
	ScopeTracking      Scope = "tracking"
)

// Entry describes one failure. Invoice scopes are stored as import errors, the tracking
// scope as tracking import errors.
type Entry struct {
	Scope            Scope
	SubjectID        string
	InvoiceFileID    *uint64
	TrackingNumberID *uint64
	Kind             string
	Message          string
	Detail           map[string]any
	Site             string
}

type Repository interface {
	InsertImportError(ctx context.Context, e models.ImportError) (uint64, error)
	InsertTrackingImportError(ctx context.Context, e models.TrackingImportError) (uint64, error)
}

type Sink struct {
	repo   Repository
	alerts alerting.Alerter
}

func New(repo Repository, alerts alerting.Alerter) *Sink {
	return &Sink{repo: repo, alerts: alerts}
}

// Record persists the entry and then raises one alert under the entry's site.
// A persistence failure is returned; an alert failure is only logged.
func (s *Sink) Record(ctx context.Context, e Entry) error {
	if e.Kind == "" {
		e.Kind = "unexpected"
	}
	payload, err := json.Marshal(map[string]any{
		"scope":   e.Scope,
		"message": e.Message,
		"detail":  e.Detail,
	})
	if err != nil {
		return errors.Wrap(err, "marshal error payload")
	}

	switch e.Scope {
	case ScopeTracking:
		_, err = s.repo.InsertTrackingImportError(ctx, models.TrackingImportError{
			TrackingNumberID: e.TrackingNumberID,
			SubjectID:        e.SubjectID,
			ErrorType:        e.Kind,
			Payload:          payload,
		})
	default:
		_, err = s.repo.InsertImportError(ctx, models.ImportError{
			InvoiceFileID: e.InvoiceFileID,
			SubjectID:     e.SubjectID,
			ErrorType:     e.Kind,
			Payload:       payload,
		})
	}
	if err != nil {
		return errors.Wrap(err, "record import error")
	}
	metrics.Get().ErrorsRecorded.WithLabelValues(string(e.Scope), e.Kind).Inc()

	if s.alerts != nil && e.Site != "" {
		text := fmt.Sprintf("[%s] %s %s: %s", e.Scope, e.Kind, e.SubjectID, e.Message)
		if err := s.alerts.Alert(ctx, alerting.Alert{Site: e.Site, DedupKey: e.Site, Text: text}); err != nil {
			slog.Error("send alert", "site", e.Site, "error", err.Error())
		}
	}
	return nil
}
