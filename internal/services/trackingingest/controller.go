// Package trackingingest checks one tracking number against the provider and reconciles
// the answer. Provider-side errors come back as a tagged Result instead of Go errors.
package trackingingest

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/CarrierSync/internal/alerting"
	"github.com/BearBump/CarrierSync/internal/broker/messages"
	"github.com/BearBump/CarrierSync/internal/dispatch"
	"github.com/BearBump/CarrierSync/internal/integrations/provider"
	"github.com/BearBump/CarrierSync/internal/metrics"
	"github.com/BearBump/CarrierSync/internal/models"
	"github.com/BearBump/CarrierSync/internal/parser"
	"github.com/BearBump/CarrierSync/internal/retry"
	"github.com/BearBump/CarrierSync/internal/services/errorsink"
	"github.com/BearBump/CarrierSync/internal/services/reconcile"
	"github.com/BearBump/CarrierSync/internal/storage"
)

var ErrProviderError = errors.New("tracking provider reported an error")

type ResultKind int

const (
	ResultOK ResultKind = iota
	ResultSoftError
	ResultHardError
	ResultFailed
)

func (k ResultKind) String() string {
	switch k {
	case ResultOK:
		return "ok"
	case ResultSoftError:
		return "soft_error"
	case ResultHardError:
		return "hard_error"
	default:
		return "failed"
	}
}

// Result is a classified provider answer. Errors is set for soft and hard results.
type Result struct {
	Kind   ResultKind
	Parsed parser.TrackingResult
	Errors []parser.ProviderError
}

type Outcome struct {
	Kind        ResultKind
	Stored      *reconcile.TrackingOutcome
	Cascaded    int
	NextCheckAt time.Time
	Skipped     bool
}

type Parser interface {
	Parse(raw []byte, carrierCode, number string) (parser.TrackingResult, error)
}

type Reconciler interface {
	StoreTrackingResult(ctx context.Context, parsed parser.TrackingResult, carrier models.Carrier, tn models.TrackingNumber, opts ...reconcile.TrackingOption) (reconcile.TrackingOutcome, error)
}

type Repository interface {
	CreateOrGetTrackingNumber(ctx context.Context, in models.TrackingNumberCreateInput) (*models.TrackingNumber, error)
	LinkTrackingNumberTeam(ctx context.Context, trackingNumberID, teamID uint64) error
	ListTrackingNumberTeams(ctx context.Context, trackingNumberID uint64) ([]uint64, error)
	UpdateTrackingNumberStatus(ctx context.Context, upd storage.TrackingStatusUpdate) error
}

// Scheduler picks the delay before the next provider check.
type Scheduler interface {
	NextCheckDelay(state string) time.Duration
	BackoffDelay(nextFailCount int32) time.Duration
}

type Submitter interface {
	Submit(ctx context.Context, u dispatch.Unit) (dispatch.Handle, error)
}

type ErrorRecorder interface {
	Record(ctx context.Context, e errorsink.Entry) error
}

type Controller struct {
	client   provider.Client
	parser   Parser
	store    Reconciler
	repo     Repository
	units    Submitter
	alerts   alerting.Alerter
	errors   ErrorRecorder
	schedule Scheduler
	retry    retry.Policy
	now      func() time.Time
}

type Deps struct {
	Client    provider.Client
	Parser    Parser
	Store     Reconciler
	Repo      Repository
	Units     Submitter
	Alerts    alerting.Alerter
	Errors    ErrorRecorder
	Scheduler Scheduler
	Retry     retry.Policy
}

func New(d Deps) *Controller {
	c := &Controller{
		client:   d.Client,
		parser:   d.Parser,
		store:    d.Store,
		repo:     d.Repo,
		units:    d.Units,
		alerts:   d.Alerts,
		errors:   d.Errors,
		schedule: d.Scheduler,
		retry:    d.Retry,
		now:      time.Now,
	}
	if c.parser == nil {
		c.parser = parser.TrackingParser{}
	}
	if c.alerts == nil {
		c.alerts = alerting.LogAlerter{}
	}
	return c
}

// Fetch calls the provider through the retry policy and classifies the answer.
// A non-nil error means no usable answer was received.
func (c *Controller) Fetch(ctx context.Context, carrier models.Carrier, number string) (Result, error) {
	var raw []byte
	err := c.retry.Do(ctx, func(ctx context.Context) error {
		b, err := c.client.FetchTracking(ctx, carrier.Code, number)
		if err != nil {
			if !provider.IsTemporary(err) {
				return retry.Permanent(err)
			}
			return err
		}
		raw = b
		return nil
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "fetch tracking")
	}

	parsed, err := c.parser.Parse(raw, carrier.Code, number)
	if err != nil {
		return Result{}, errors.Wrap(err, "parse tracking")
	}
	return classify(carrier, parsed), nil
}

// classify: no errors is OK, errors that are all "not yet available" codes of the
// carrier are soft, anything else is hard.
func classify(carrier models.Carrier, parsed parser.TrackingResult) Result {
	res := Result{Parsed: parsed, Errors: parsed.Errors}
	if len(parsed.Errors) == 0 {
		return res
	}
	res.Kind = ResultSoftError
	for _, e := range parsed.Errors {
		if !carrier.IsSoftErrorCode(e.Code) {
			res.Kind = ResultHardError
			break
		}
	}
	return res
}

// Process checks tn once. Soft and hard provider errors are handled here and return a
// nil error; unexpected failures are recorded and returned.
func (c *Controller) Process(ctx context.Context, carrier models.Carrier, tn models.TrackingNumber) (Outcome, error) {
	started := c.now()
	out, err := c.process(ctx, carrier, tn)
	metrics.Get().TrackingOutcomes.WithLabelValues(carrier.Code, out.Kind.String()).Inc()
	metrics.Get().TrackingLatency.WithLabelValues(carrier.Code).Observe(c.now().Sub(started).Seconds())
	return out, err
}

func (c *Controller) process(ctx context.Context, carrier models.Carrier, tn models.TrackingNumber) (Outcome, error) {
	res, err := c.Fetch(ctx, carrier, tn.Number)
	if err != nil {
		return c.fail(ctx, carrier, tn, "fetch_error", err)
	}

	now := c.now().UTC()
	switch res.Kind {
	case ResultSoftError:
		next := now.Add(c.schedule.NextCheckDelay(models.CheckStateNotYetAvailable))
		if err := c.repo.UpdateTrackingNumberStatus(ctx, storage.TrackingStatusUpdate{
			TrackingNumberID: tn.ID,
			QueueStatus:      models.QueueStatusNonTerminal,
			CheckedAt:        now,
			NextCheckAt:      next,
		}); err != nil {
			return c.fail(ctx, carrier, tn, "storage_error", err)
		}
		return Outcome{Kind: ResultSoftError, NextCheckAt: next}, nil

	case ResultHardError:
		text := errorText(res.Errors)
		c.alert(ctx, alerting.Alert{
			Site: alerting.SiteProviderError,
			Text: fmt.Sprintf("%s %s: %s", carrier.Code, tn.Number, text),
		})
		next := now.Add(c.schedule.BackoffDelay(tn.CheckFailCount + 1))
		if err := c.repo.UpdateTrackingNumberStatus(ctx, storage.TrackingStatusUpdate{
			TrackingNumberID: tn.ID,
			QueueStatus:      models.QueueStatusNonTerminal,
			CheckedAt:        now,
			NextCheckAt:      next,
			Error:            &text,
		}); err != nil {
			return c.fail(ctx, carrier, tn, "storage_error", err)
		}
		return Outcome{Kind: ResultHardError, NextCheckAt: next}, nil
	}

	stored, err := c.store.StoreTrackingResult(ctx, res.Parsed, carrier, tn, reconcile.WithNextCheck(func(q int16) time.Time {
		if q == models.QueueStatusTerminal {
			return now.Add(c.schedule.NextCheckDelay(models.CheckStateTerminal))
		}
		return now.Add(c.schedule.NextCheckDelay(models.CheckStateInTransit))
	}))
	if err != nil {
		return c.fail(ctx, carrier, tn, "reconcile_error", err)
	}
	out := Outcome{Kind: ResultOK, Stored: &stored, NextCheckAt: stored.NextCheckAt}

	n, err := c.cascade(ctx, carrier, tn, stored.AlternateTrackingNumber)
	out.Cascaded = n
	if err != nil {
		c.record(ctx, tn, "cascade_error", err)
		return out, err
	}
	return out, nil
}

// cascade submits one validation unit per team of tn for the alternate number. Numbers
// that are themselves alternates do not cascade further.
func (c *Controller) cascade(ctx context.Context, carrier models.Carrier, tn models.TrackingNumber, alt string) (int, error) {
	alt = strings.TrimSpace(alt)
	if alt == "" || alt == tn.Number || tn.ParentID != nil {
		return 0, nil
	}
	teams, err := c.repo.ListTrackingNumberTeams(ctx, tn.ID)
	if err != nil {
		return 0, errors.Wrap(err, "list teams")
	}
	n := 0
	for _, team := range teams {
		_, err := c.units.Submit(ctx, dispatch.TrackingValidationUnit(messages.TrackingValidationUnit{
			CarrierCode:            carrier.Code,
			TrackingNumber:         alt,
			TeamID:                 team,
			ParentTrackingNumberID: tn.ID,
			DispatchedAt:           c.now().UTC(),
		}))
		if err != nil {
			return n, errors.Wrapf(err, "submit validation of %s for team %d", alt, team)
		}
		n++
	}
	return n, nil
}

// FetchLabelCreationTimeOnly returns the label creation time without storing anything.
// A soft error yields (nil, nil); a hard error alerts and returns ErrProviderError.
func (c *Controller) FetchLabelCreationTimeOnly(ctx context.Context, carrier models.Carrier, number string) (*time.Time, error) {
	res, err := c.Fetch(ctx, carrier, number)
	if err != nil {
		return nil, err
	}
	switch res.Kind {
	case ResultSoftError:
		return nil, nil
	case ResultHardError:
		text := errorText(res.Errors)
		c.alert(ctx, alerting.Alert{
			Site: alerting.SiteProviderError,
			Text: fmt.Sprintf("%s %s: %s", carrier.Code, number, text),
		})
		return nil, errors.Wrap(ErrProviderError, text)
	}
	return res.Parsed.LabelCreatedAt(), nil
}

// ValidateAlternate handles a cascaded validation unit: the alternate number is created
// under its parent, linked to the team and checked. Terminal numbers are not re-checked.
// Every returned error has already been recorded.
func (c *Controller) ValidateAlternate(ctx context.Context, carrier models.Carrier, u messages.TrackingValidationUnit) (Outcome, error) {
	in := models.TrackingNumberCreateInput{
		CarrierID:   carrier.ID,
		CarrierCode: carrier.Code,
		Number:      strings.TrimSpace(u.TrackingNumber),
	}
	if in.Number == "" {
		err := errors.New("validation unit without tracking number")
		c.record(ctx, models.TrackingNumber{CarrierCode: carrier.Code}, "validation_error", err)
		return Outcome{Kind: ResultFailed}, err
	}
	if u.ParentTrackingNumberID != 0 {
		parent := u.ParentTrackingNumberID
		in.ParentID = &parent
	}

	tn, err := c.repo.CreateOrGetTrackingNumber(ctx, in)
	if err != nil {
		err = errors.Wrap(err, "create alternate tracking number")
		c.record(ctx, models.TrackingNumber{CarrierCode: carrier.Code, Number: in.Number}, "validation_error", err)
		return Outcome{Kind: ResultFailed}, err
	}
	if u.TeamID != 0 {
		if err := c.repo.LinkTrackingNumberTeam(ctx, tn.ID, u.TeamID); err != nil {
			err = errors.Wrap(err, "link team")
			c.record(ctx, *tn, "validation_error", err)
			return Outcome{Kind: ResultFailed}, err
		}
	}
	if tn.QueueStatus == models.QueueStatusTerminal {
		return Outcome{Kind: ResultOK, Skipped: true}, nil
	}
	return c.Process(ctx, carrier, *tn)
}

// fail records an unexpected error, schedules a backoff retry and returns err.
func (c *Controller) fail(ctx context.Context, carrier models.Carrier, tn models.TrackingNumber, kind string, cause error) (Outcome, error) {
	c.record(ctx, tn, kind, cause)

	now := c.now().UTC()
	msg := cause.Error()
	next := now.Add(c.schedule.BackoffDelay(tn.CheckFailCount + 1))
	if err := c.repo.UpdateTrackingNumberStatus(ctx, storage.TrackingStatusUpdate{
		TrackingNumberID: tn.ID,
		QueueStatus:      models.QueueStatusNonTerminal,
		CheckedAt:        now,
		NextCheckAt:      next,
		Error:            &msg,
	}); err != nil {
		slog.Error("schedule retry", "carrier", carrier.Code, "tracking_number", tn.Number, "error", err.Error())
	}
	return Outcome{Kind: ResultFailed, NextCheckAt: next}, cause
}

func (c *Controller) record(ctx context.Context, tn models.TrackingNumber, kind string, cause error) {
	var id *uint64
	if tn.ID != 0 {
		v := tn.ID
		id = &v
	}
	err := c.errors.Record(ctx, errorsink.Entry{
		Scope:            errorsink.ScopeTracking,
		SubjectID:        tn.Number,
		TrackingNumberID: id,
		Kind:             kind,
		Message:          cause.Error(),
		Detail:           map[string]any{"carrier": tn.CarrierCode},
		Site:             alerting.SiteTrackingFailed,
	})
	if err != nil {
		slog.Error("record tracking error", "tracking_number", tn.Number, "error", err.Error())
	}
}

func (c *Controller) alert(ctx context.Context, a alerting.Alert) {
	if err := c.alerts.Alert(ctx, a); err != nil {
		slog.Error("send alert", "site", a.Site, "error", err.Error())
	}
}

func errorText(errs []parser.ProviderError) string {
	parts := make([]string, 0, len(errs))
	for _, e := range errs {
		parts = append(parts, e.Code+" "+e.Message)
	}
	return strings.Join(parts, "; ")
}
