// Package app wires the ingestion services from config. Both binaries build on it.
package app

import (
	"context"
	"time"

	"github.com/BearBump/CarrierSync/config"
	"github.com/BearBump/CarrierSync/internal/alerting"
	"github.com/BearBump/CarrierSync/internal/blobstore"
	"github.com/BearBump/CarrierSync/internal/broker/kafka"
	"github.com/BearBump/CarrierSync/internal/broker/messages"
	"github.com/BearBump/CarrierSync/internal/cache"
	"github.com/BearBump/CarrierSync/internal/dispatch"
	"github.com/BearBump/CarrierSync/internal/integrations/provider"
	"github.com/BearBump/CarrierSync/internal/integrations/provider/fake"
	"github.com/BearBump/CarrierSync/internal/integrations/provider/httpclient"
	"github.com/BearBump/CarrierSync/internal/retry"
	"github.com/BearBump/CarrierSync/internal/services/errorsink"
	"github.com/BearBump/CarrierSync/internal/services/fileingest"
	"github.com/BearBump/CarrierSync/internal/services/poller"
	"github.com/BearBump/CarrierSync/internal/services/reconcile"
	"github.com/BearBump/CarrierSync/internal/services/trackingingest"
	"github.com/BearBump/CarrierSync/internal/services/units"
	"github.com/BearBump/CarrierSync/internal/storage"
)

// Storage is everything the services need from the database.
type Storage interface {
	storage.Transactor
	fileingest.Repository
	trackingingest.Repository
	errorsink.Repository
	poller.TrackingRepository
	Ping(ctx context.Context) error
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
	PublishMessage(ctx context.Context, m kafka.Message) error
}

type Deps struct {
	Storage  Storage
	Cache    cache.BytesCache
	Producer Producer
	Provider provider.Client
	// Alerts overrides the kafka alerter, e.g. with alerting.LogAlerter for the CLI.
	Alerts alerting.Alerter
}

type Services struct {
	Alerts     alerting.Alerter
	Dispatcher *dispatch.Dispatcher
	Errors     *errorsink.Sink
	Store      *reconcile.Store
	Files      *fileingest.Controller
	Planner    *poller.Planner
	Tracking   *trackingingest.Controller
	Units      *units.Handler
}

func Build(cfg *config.Config, d Deps) *Services {
	alerts := d.Alerts
	if alerts == nil {
		alerts = alerting.NewKafkaAlerter(d.Producer, cfg.Topic(cfg.Kafka.AlertsQueue))
	}
	policy := RetryPolicy(cfg)

	s := &Services{Alerts: alerts}
	s.Dispatcher = dispatch.New(d.Producer, UnitRoutes(cfg), policy)
	s.Errors = errorsink.New(d.Storage, alerts)
	s.Store = reconcile.New(d.Storage, d.Cache, alerts,
		reconcile.WithUnitTTL(time.Duration(cfg.Ingest.UnitsOfMeasureTTLSeconds)*time.Second))
	s.Files = fileingest.New(d.Storage, blobstore.New(cfg.Storage.Root), s.Dispatcher, s.Errors)
	s.Planner = poller.NewPlanner(PlannerConfig(cfg), nil)
	s.Tracking = trackingingest.New(trackingingest.Deps{
		Client:    d.Provider,
		Store:     s.Store,
		Repo:      d.Storage,
		Units:     s.Dispatcher,
		Alerts:    alerts,
		Errors:    s.Errors,
		Scheduler: s.Planner,
		Retry:     policy,
	})
	s.Units = units.New(cfg.Carriers(), UnitKinds(cfg), s.Store, s.Tracking, s.Errors)
	return s
}

// ProviderClient picks the tracking provider: the HTTP client, or the deterministic fake
// when mode is "fake" or no base URL is configured.
func ProviderClient(cfg *config.Config) provider.Client {
	if cfg.Provider.Mode == "fake" || cfg.Provider.BaseURL == "" {
		return fake.New()
	}
	return httpclient.New(cfg.Provider.BaseURL, cfg.Provider.APIKey,
		time.Duration(cfg.Provider.TimeoutSeconds)*time.Second)
}

// RetryPolicy is shared by queue publishes and provider fetches.
func RetryPolicy(cfg *config.Config) retry.Policy {
	p := retry.Default()
	if cfg.Ingest.RetryMaxAttempts > 0 {
		p.MaxAttempts = cfg.Ingest.RetryMaxAttempts
	}
	if cfg.Ingest.RetryInitialIntervalMs > 0 {
		p.InitialInterval = time.Duration(cfg.Ingest.RetryInitialIntervalMs) * time.Millisecond
	}
	if cfg.Ingest.RetryMaxIntervalMs > 0 {
		p.MaxInterval = time.Duration(cfg.Ingest.RetryMaxIntervalMs) * time.Millisecond
	}
	return p
}

func PlannerConfig(cfg *config.Config) poller.PlannerConfig {
	sec := func(n int) time.Duration { return time.Duration(n) * time.Second }
	in := cfg.Ingest
	return poller.PlannerConfig{
		InTransitMinDelay:    sec(in.NextCheckInTransitMinSeconds),
		InTransitMaxDelay:    sec(in.NextCheckInTransitMaxSeconds),
		NotYetAvailableDelay: sec(in.NextCheckUnknownSeconds),
		Backoff1:             sec(in.Backoff1Seconds),
		Backoff2:             sec(in.Backoff2Seconds),
		Backoff3:             sec(in.Backoff3Seconds),
		Backoff4:             sec(in.Backoff4Seconds),
	}
}

// UnitRoutes maps unit kind to its environment-scoped topic.
func UnitRoutes(cfg *config.Config) map[string]string {
	return map[string]string{
		messages.KindInvoiceRecord:      cfg.Topic(cfg.Kafka.InvoiceRecordsQueue),
		messages.KindTrackingValidation: cfg.Topic(cfg.Kafka.TrackingValidationsQueue),
	}
}

// UnitKinds is the reverse of UnitRoutes.
func UnitKinds(cfg *config.Config) map[string]string {
	routes := UnitRoutes(cfg)
	out := make(map[string]string, len(routes))
	for kind, topic := range routes {
		out[topic] = kind
	}
	return out
}
