// Package dispatch submits units of work to the queue and hands back an explicit handle.
package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/BearBump/CarrierSync/internal/broker/kafka"
	"github.com/BearBump/CarrierSync/internal/broker/messages"
	"github.com/BearBump/CarrierSync/internal/metrics"
	"github.com/BearBump/CarrierSync/internal/retry"
)

type Publisher interface {
	PublishMessage(ctx context.Context, m kafka.Message) error
}

// Unit is one independently processable piece of work.
type Unit struct {
	Kind    string
	Key     string
	Payload any
}

// Handle identifies a submitted unit. Submission means the queue accepted the unit,
// not that it has been processed.
type Handle struct {
	ID          uuid.UUID
	Kind        string
	Topic       string
	Key         string
	SubmittedAt time.Time
}

type Dispatcher struct {
	p      Publisher
	routes map[string]string
	policy retry.Policy
	now    func() time.Time
}

// New routes unit kinds to topics, e.g. {"invoice_record": "prod.invoice-records"}.
func New(p Publisher, routes map[string]string, policy retry.Policy) *Dispatcher {
	return &Dispatcher{p: p, routes: routes, policy: policy, now: time.Now}
}

func (d *Dispatcher) Submit(ctx context.Context, u Unit) (Handle, error) {
	topic, ok := d.routes[u.Kind]
	if !ok {
		return Handle{}, errors.Errorf("no queue for unit kind %q", u.Kind)
	}

	payload, err := json.Marshal(u.Payload)
	if err != nil {
		return Handle{}, errors.Wrap(err, "marshal unit")
	}

	h := Handle{
		ID:          uuid.New(),
		Kind:        u.Kind,
		Topic:       topic,
		Key:         u.Key,
		SubmittedAt: d.now().UTC(),
	}
	msg := kafka.Message{
		Topic: topic,
		Key:   []byte(u.Key),
		Value: payload,
		Headers: map[string]string{
			messages.HeaderUnitID: h.ID.String(),
			messages.HeaderKind:   u.Kind,
		},
	}

	err = d.policy.Do(ctx, func(ctx context.Context) error {
		return d.p.PublishMessage(ctx, msg)
	})
	if err != nil {
		metrics.Get().UnitsDispatched.WithLabelValues(topic, "error").Inc()
		return Handle{}, errors.Wrap(err, "submit unit")
	}
	metrics.Get().UnitsDispatched.WithLabelValues(topic, "ok").Inc()
	return h, nil
}

func InvoiceRecordUnit(m messages.InvoiceRecordUnit) Unit {
	return Unit{
		Kind:    messages.KindInvoiceRecord,
		Key:     m.CarrierCode + ":" + m.Record.ShipmentID,
		Payload: m,
	}
}

func TrackingValidationUnit(m messages.TrackingValidationUnit) Unit {
	return Unit{
		Kind:    messages.KindTrackingValidation,
		Key:     m.CarrierCode + ":" + m.TrackingNumber,
		Payload: m,
	}
}
