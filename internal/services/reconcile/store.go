// Package reconcile merges freshly parsed carrier data into the stored state: invoice
// charges keyed by (invoice, description) and tracking events keyed by
// (tracking number, status, location). Every reconciliation runs in one transaction.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/BearBump/CarrierSync/internal/alerting"
	"github.com/BearBump/CarrierSync/internal/cache"
	"github.com/BearBump/CarrierSync/internal/storage"
)

const defaultUnitTTL = time.Hour

type Store struct {
	tx        storage.Transactor
	cache     cache.BytesCache
	alerts    alerting.Alerter
	services  ServiceResolver
	locations LocationNormalizer
	unitTTL   time.Duration
	now       func() time.Time
}

type Option func(*Store)

func WithServiceResolver(r ServiceResolver) Option {
	return func(s *Store) { s.services = r }
}

func WithLocationNormalizer(n LocationNormalizer) Option {
	return func(s *Store) { s.locations = n }
}

// WithUnitTTL sets the cache TTL for units of measure. Other reference rows never expire.
func WithUnitTTL(ttl time.Duration) Option {
	return func(s *Store) {
		if ttl > 0 {
			s.unitTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New builds a Store. c may be nil, then every reference lookup goes to the database.
func New(tx storage.Transactor, c cache.BytesCache, alerts alerting.Alerter, opts ...Option) *Store {
	s := &Store{
		tx:        tx,
		cache:     c,
		alerts:    alerts,
		services:  CachedServiceResolver{},
		locations: HashNormalizer{},
		unitTTL:   defaultUnitTTL,
		now:       time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	if s.alerts == nil {
		s.alerts = alerting.LogAlerter{}
	}
	return s
}

func (s *Store) refs(w storage.ReferenceWriter, c cache.BytesCache) References {
	return References{w: w, c: c, unitTTL: s.unitTTL}
}

func (s *Store) alert(ctx context.Context, a alerting.Alert) {
	if err := s.alerts.Alert(ctx, a); err != nil {
		slog.Error("send alert", "site", a.Site, "error", err.Error())
	}
}
