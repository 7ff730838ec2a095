package reconcile

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/BearBump/CarrierSync/internal/models"
	"github.com/BearBump/CarrierSync/internal/storage"
)

// memStore is an in-memory storage.Transactor. Transactions are serialized and work on
// a copy of the state that replaces it only on commit.
type memStore struct {
	mu     sync.Mutex
	st     *memState
	failOn string
}

type memState struct {
	nextID       uint64
	invoices     map[string]models.Invoice
	charges      map[uint64][]models.Charge
	surcharges   map[string]models.SurchargeName
	serviceNames map[string]uint64
	serviceCodes map[string]uint64
	units        map[string]uint64
	statuses     map[string]models.TrackingStatus
	locations    map[string]uint64
	events       map[string]models.TrackingEvent
	details      map[uint64]models.TrackingDetail
	updates      []storage.TrackingStatusUpdate
}

func newMemStore() *memStore {
	return &memStore{st: &memState{
		invoices:     map[string]models.Invoice{},
		charges:      map[uint64][]models.Charge{},
		surcharges:   map[string]models.SurchargeName{},
		serviceNames: map[string]uint64{},
		serviceCodes: map[string]uint64{},
		units:        map[string]uint64{},
		statuses:     map[string]models.TrackingStatus{},
		locations:    map[string]uint64{},
		events:       map[string]models.TrackingEvent{},
		details:      map[uint64]models.TrackingDetail{},
	}}
}

func (s *memState) clone() *memState {
	c := *s
	c.invoices = maps.Clone(s.invoices)
	c.charges = make(map[uint64][]models.Charge, len(s.charges))
	for k, v := range s.charges {
		c.charges[k] = append([]models.Charge(nil), v...)
	}
	c.surcharges = maps.Clone(s.surcharges)
	c.serviceNames = maps.Clone(s.serviceNames)
	c.serviceCodes = maps.Clone(s.serviceCodes)
	c.units = maps.Clone(s.units)
	c.statuses = maps.Clone(s.statuses)
	c.locations = maps.Clone(s.locations)
	c.events = maps.Clone(s.events)
	c.details = maps.Clone(s.details)
	c.updates = append([]storage.TrackingStatusUpdate(nil), s.updates...)
	return &c
}

func (m *memStore) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	work := m.st.clone()
	if err := fn(&memTx{st: work, failOn: m.failOn}); err != nil {
		return err
	}
	m.st = work
	return nil
}

func (m *memStore) state() *memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st
}

func (m *memStore) chargeDescriptions(carrierID int64, shipmentID string) []string {
	st := m.state()
	inv, ok := st.invoices[fmt.Sprint(carrierID, ":", shipmentID)]
	if !ok {
		return nil
	}
	var out []string
	for _, c := range st.charges[inv.ID] {
		out = append(out, c.Description)
	}
	sort.Strings(out)
	return out
}

type memTx struct {
	st     *memState
	failOn string
}

var _ storage.Tx = (*memTx)(nil)

func (t *memTx) id() uint64 {
	t.st.nextID++
	return t.st.nextID
}

func (t *memTx) fail(op string) error {
	if t.failOn == op {
		return errors.Errorf("%s failed", op)
	}
	return nil
}

func (t *memTx) EnsureSurchargeName(_ context.Context, carrierID int64, name string) (models.SurchargeName, bool, error) {
	if err := t.fail("EnsureSurchargeName"); err != nil {
		return models.SurchargeName{}, false, err
	}
	k := fmt.Sprint(carrierID, ":", name)
	if sn, ok := t.st.surcharges[k]; ok {
		return sn, false, nil
	}
	sn := models.SurchargeName{ID: t.id(), CarrierID: carrierID, Name: name}
	t.st.surcharges[k] = sn
	return sn, true, nil
}

func (t *memTx) ensure(m map[string]uint64, k string) uint64 {
	if id, ok := m[k]; ok {
		return id
	}
	id := t.id()
	m[k] = id
	return id
}

func (t *memTx) EnsureServiceName(_ context.Context, carrierID int64, name string) (uint64, error) {
	return t.ensure(t.st.serviceNames, fmt.Sprint(carrierID, ":", name)), nil
}

func (t *memTx) EnsureServiceCode(_ context.Context, carrierID int64, code string, _ *uint64) (uint64, error) {
	return t.ensure(t.st.serviceCodes, fmt.Sprint(carrierID, ":", code)), nil
}

func (t *memTx) EnsureUnitOfMeasure(_ context.Context, name string) (uint64, error) {
	return t.ensure(t.st.units, name), nil
}

func (t *memTx) EnsureTrackingStatus(_ context.Context, st models.TrackingStatus) (models.TrackingStatus, error) {
	k := fmt.Sprint(st.CarrierID, ":", st.Code)
	if got, ok := t.st.statuses[k]; ok {
		return got, nil
	}
	st.ID = t.id()
	t.st.statuses[k] = st
	return st, nil
}

func (t *memTx) EnsureLocationDetail(_ context.Context, loc models.LocationDetail) (uint64, error) {
	return t.ensure(t.st.locations, loc.ContentHash), nil
}

func (t *memTx) FindInvoiceByShipmentID(_ context.Context, carrierID int64, shipmentID string) (*models.Invoice, error) {
	inv, ok := t.st.invoices[fmt.Sprint(carrierID, ":", shipmentID)]
	if !ok {
		return nil, nil
	}
	return &inv, nil
}

func (t *memTx) CreateInvoice(_ context.Context, inv models.Invoice) (uint64, error) {
	k := fmt.Sprint(inv.CarrierID, ":", inv.ShipmentID)
	if got, ok := t.st.invoices[k]; ok {
		return got.ID, nil
	}
	inv.ID = t.id()
	t.st.invoices[k] = inv
	return inv.ID, nil
}

func (t *memTx) ListChargeDescriptions(_ context.Context, invoiceID uint64) ([]string, error) {
	var out []string
	for _, c := range t.st.charges[invoiceID] {
		out = append(out, c.Description)
	}
	return out, nil
}

func (t *memTx) InsertCharges(_ context.Context, charges []models.Charge) (int64, error) {
	if err := t.fail("InsertCharges"); err != nil {
		return 0, err
	}
	var n int64
	for _, c := range charges {
		dup := false
		for _, have := range t.st.charges[c.InvoiceID] {
			if have.Description == c.Description {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		c.ID = t.id()
		t.st.charges[c.InvoiceID] = append(t.st.charges[c.InvoiceID], c)
		n++
	}
	return n, nil
}

func (t *memTx) UpsertTrackingEvent(_ context.Context, ev models.TrackingEvent) (uint64, error) {
	k := fmt.Sprint(ev.TrackingNumberID, ":", ev.TrackingStatusID, ":", ev.LocationDetailID)
	if got, ok := t.st.events[k]; ok {
		ev.ID = got.ID
	} else {
		ev.ID = t.id()
	}
	t.st.events[k] = ev
	return ev.ID, nil
}

func (t *memTx) UpsertTrackingDetail(_ context.Context, d models.TrackingDetail) error {
	if err := t.fail("UpsertTrackingDetail"); err != nil {
		return err
	}
	t.st.details[d.TrackingNumberID] = d
	return nil
}

func (t *memTx) UpdateTrackingNumberStatus(_ context.Context, upd storage.TrackingStatusUpdate) error {
	t.st.updates = append(t.st.updates, upd)
	return nil
}
