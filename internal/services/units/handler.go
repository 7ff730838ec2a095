// Package units consumes dispatched units of work. Each message is one unit; a unit that
// fails is recorded and acknowledged so sibling units keep flowing.
package units

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/pkg/errors"

	"github.com/BearBump/CarrierSync/internal/alerting"
	"github.com/BearBump/CarrierSync/internal/broker/kafka"
	"github.com/BearBump/CarrierSync/internal/broker/messages"
	"github.com/BearBump/CarrierSync/internal/metrics"
	"github.com/BearBump/CarrierSync/internal/models"
	"github.com/BearBump/CarrierSync/internal/parser"
	"github.com/BearBump/CarrierSync/internal/services/errorsink"
	"github.com/BearBump/CarrierSync/internal/services/reconcile"
	"github.com/BearBump/CarrierSync/internal/services/trackingingest"
)

type InvoiceReconciler interface {
	ReconcileInvoiceCharges(ctx context.Context, carrier models.Carrier, rec parser.InvoiceRecord, fileID *uint64) (reconcile.InvoiceOutcome, error)
}

type AlternateValidator interface {
	ValidateAlternate(ctx context.Context, carrier models.Carrier, u messages.TrackingValidationUnit) (trackingingest.Outcome, error)
}

type ErrorRecorder interface {
	Record(ctx context.Context, e errorsink.Entry) error
}

type Handler struct {
	carriers map[string]models.Carrier
	kinds    map[string]string
	invoices InvoiceReconciler
	tracking AlternateValidator
	errors   ErrorRecorder
}

// New builds a handler. kinds maps topic -> unit kind for messages without a kind header.
func New(carriers []models.Carrier, kinds map[string]string, inv InvoiceReconciler, trk AlternateValidator, errs ErrorRecorder) *Handler {
	h := &Handler{
		carriers: make(map[string]models.Carrier, len(carriers)),
		kinds:    kinds,
		invoices: inv,
		tracking: trk,
		errors:   errs,
	}
	for _, c := range carriers {
		h.carriers[c.Code] = c
	}
	return h
}

// Handle processes one message. A non-nil error means the failure could not even be
// recorded and the message must not be committed.
func (h *Handler) Handle(ctx context.Context, m kafka.Message) error {
	kind := m.Header(messages.HeaderKind)
	if kind == "" {
		kind = h.kinds[m.Topic]
	}

	var err error
	switch kind {
	case messages.KindInvoiceRecord:
		err = h.handleInvoiceRecord(ctx, m)
	case messages.KindTrackingValidation:
		err = h.handleTrackingValidation(ctx, m)
	default:
		slog.Error("unknown unit kind", "topic", m.Topic, "kind", kind, "unit_id", m.Header(messages.HeaderUnitID))
		metrics.Get().UnitsHandled.WithLabelValues(m.Topic, "skipped").Inc()
		return nil
	}
	if err != nil {
		metrics.Get().UnitsHandled.WithLabelValues(m.Topic, "error").Inc()
		return err
	}
	return nil
}

func (h *Handler) handleInvoiceRecord(ctx context.Context, m kafka.Message) error {
	var u messages.InvoiceRecordUnit
	if err := json.Unmarshal(m.Value, &u); err != nil {
		slog.Error("decode invoice record unit", "topic", m.Topic, "unit_id", m.Header(messages.HeaderUnitID), "error", err.Error())
		metrics.Get().UnitsHandled.WithLabelValues(m.Topic, "skipped").Inc()
		return nil
	}

	fileID := u.InvoiceFileID
	var fileRef *uint64
	if fileID != 0 {
		fileRef = &fileID
	}

	carrier, ok := h.carriers[u.CarrierCode]
	if !ok {
		return h.fail(ctx, m, u, fileRef, "unknown_carrier", errors.Errorf("unknown carrier %q", u.CarrierCode))
	}

	out, err := h.invoices.ReconcileInvoiceCharges(ctx, carrier, u.Record, fileRef)
	if err != nil {
		return h.fail(ctx, m, u, fileRef, "reconcile_error", err)
	}
	metrics.Get().UnitsHandled.WithLabelValues(m.Topic, "ok").Inc()
	slog.Debug("invoice record reconciled",
		"carrier", carrier.Code, "shipment_id", u.Record.ShipmentID,
		"created", out.Created, "charges_inserted", out.ChargesInserted)
	return nil
}

func (h *Handler) fail(ctx context.Context, m kafka.Message, u messages.InvoiceRecordUnit, fileID *uint64, kind string, cause error) error {
	slog.Error("invoice record unit failed",
		"carrier", u.CarrierCode, "file", u.FileName, "shipment_id", u.Record.ShipmentID,
		"unit_id", m.Header(messages.HeaderUnitID), "error", cause.Error())

	err := h.errors.Record(ctx, errorsink.Entry{
		Scope:         errorsink.ScopeInvoiceRecord,
		SubjectID:     u.Record.ShipmentID,
		InvoiceFileID: fileID,
		Kind:          kind,
		Message:       cause.Error(),
		Detail: map[string]any{
			"carrier":   u.CarrierCode,
			"file_name": u.FileName,
			"unit_id":   m.Header(messages.HeaderUnitID),
		},
		Site: alerting.SiteInvoiceUnitFailed,
	})
	if err != nil {
		return errors.Wrap(err, "record unit failure")
	}
	metrics.Get().UnitsHandled.WithLabelValues(m.Topic, "failed").Inc()
	return nil
}

func (h *Handler) handleTrackingValidation(ctx context.Context, m kafka.Message) error {
	var u messages.TrackingValidationUnit
	if err := json.Unmarshal(m.Value, &u); err != nil {
		slog.Error("decode tracking validation unit", "topic", m.Topic, "unit_id", m.Header(messages.HeaderUnitID), "error", err.Error())
		metrics.Get().UnitsHandled.WithLabelValues(m.Topic, "skipped").Inc()
		return nil
	}

	carrier, ok := h.carriers[u.CarrierCode]
	if !ok {
		slog.Error("tracking validation for unknown carrier", "carrier", u.CarrierCode, "tracking_number", u.TrackingNumber)
		metrics.Get().UnitsHandled.WithLabelValues(m.Topic, "skipped").Inc()
		return nil
	}

	// Ошибки уже записаны контроллером, здесь их только логируем.
	out, err := h.tracking.ValidateAlternate(ctx, carrier, u)
	if err != nil {
		slog.Error("tracking validation unit failed",
			"carrier", carrier.Code, "tracking_number", u.TrackingNumber,
			"parent_id", u.ParentTrackingNumberID, "error", err.Error())
		metrics.Get().UnitsHandled.WithLabelValues(m.Topic, "failed").Inc()
		return nil
	}
	metrics.Get().UnitsHandled.WithLabelValues(m.Topic, "ok").Inc()
	slog.Debug("tracking validation done", "carrier", carrier.Code, "tracking_number", u.TrackingNumber, "result", out.Kind.String())
	return nil
}
