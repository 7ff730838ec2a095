// Package alerting delivers operator alerts. Every alert carries a site and a dedup key
// so the downstream channel can collapse repeats.
package alerting

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/pkg/errors"

	"github.com/BearBump/CarrierSync/internal/broker/messages"
	"github.com/BearBump/CarrierSync/internal/metrics"
)

// Sites (dedup keys) raised by the ingestion services.
const (
	SiteMissingFile       = "fileingest.missing_file"
	SiteFileFailed        = "fileingest.file_failed"
	SiteMultiPackage      = "reconcile.multi_package"
	SiteUnmappedSurcharge = "reconcile.unmapped_surcharge"
	SiteProviderError     = "trackingingest.provider_error"
	SiteTrackingFailed    = "trackingingest.failed"
	SiteInvoiceUnitFailed = "units.invoice_record_failed"
)

const maxTextBytes = 2048

type Alert struct {
	Site     string
	DedupKey string
	Text     string
}

type Alerter interface {
	Alert(ctx context.Context, a Alert) error
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

// KafkaAlerter publishes alerts to the alert topic keyed by dedup key.
type KafkaAlerter struct {
	p     Publisher
	topic string
	now   func() time.Time
}

func NewKafkaAlerter(p Publisher, topic string) *KafkaAlerter {
	return &KafkaAlerter{p: p, topic: topic, now: time.Now}
}

func (k *KafkaAlerter) Alert(ctx context.Context, a Alert) error {
	a = normalize(a)
	metrics.Get().AlertsSent.WithLabelValues(a.Site).Inc()

	b, err := json.Marshal(messages.Alert{
		Site:     a.Site,
		DedupKey: a.DedupKey,
		Text:     a.Text,
		At:       k.now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "marshal alert")
	}
	if err := k.p.Publish(ctx, k.topic, []byte(a.DedupKey), b); err != nil {
		return errors.Wrap(err, "publish alert")
	}
	return nil
}

// LogAlerter writes alerts to the log. Used by the CLI and when no broker is configured.
type LogAlerter struct{}

func (LogAlerter) Alert(_ context.Context, a Alert) error {
	a = normalize(a)
	metrics.Get().AlertsSent.WithLabelValues(a.Site).Inc()
	slog.Warn("alert", "site", a.Site, "dedup_key", a.DedupKey, "text", a.Text)
	return nil
}

func normalize(a Alert) Alert {
	if a.DedupKey == "" {
		a.DedupKey = a.Site
	}
	a.Text = truncate(a.Text, maxTextBytes)
	return a
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
