package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/CarrierSync/internal/models"
	"github.com/BearBump/CarrierSync/internal/services/fileingest"
	"github.com/BearBump/CarrierSync/internal/services/trackingingest"
)

type FileIngester interface {
	ClaimPending(ctx context.Context, carrier models.Carrier, limit int) ([]*models.InvoiceFile, error)
	RunBatch(ctx context.Context, carrier models.Carrier) (fileingest.BatchReport, error)
}

type TrackingRepository interface {
	ClaimDueTrackingNumbers(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.TrackingNumber, error)
}

type TrackingProcessor interface {
	Process(ctx context.Context, carrier models.Carrier, tn models.TrackingNumber) (trackingingest.Outcome, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

// Poller drives both pipelines: it claims pending invoice files and runs the batch per
// carrier, and it claims due tracking numbers and checks them concurrently.
type Poller struct {
	carriers map[string]models.Carrier
	order    []string

	files    FileIngester
	repo     TrackingRepository
	tracking TrackingProcessor
	rl       RateLimiter

	filePollInterval time.Duration
	fileClaimBatch   int

	pollInterval       time.Duration
	batchSize          int
	concurrency        int
	lease              time.Duration
	rateLimitPerMinute int64
	carrierRateLimits  map[string]int64
	throttleWait       time.Duration

	triggerCh chan struct{}

	startedAtUnixNano   int64
	lastCycleUnixNano   atomic.Int64
	lastFileCycleNano   atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalClaimed        atomic.Int64
	totalProcessed      atomic.Int64
	totalErrors         atomic.Int64
	filesClaimed        atomic.Int64
	filesProcessed      atomic.Int64
	inFlight            atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(carriers []models.Carrier, files FileIngester, repo TrackingRepository, tracking TrackingProcessor, rl RateLimiter) *Poller {
	p := &Poller{
		carriers:           make(map[string]models.Carrier, len(carriers)),
		files:              files,
		repo:               repo,
		tracking:           tracking,
		rl:                 rl,
		filePollInterval:   time.Minute,
		fileClaimBatch:     20,
		pollInterval:       5 * time.Second,
		batchSize:          100,
		concurrency:        10,
		lease:              30 * time.Second,
		rateLimitPerMinute: 120,
		carrierRateLimits:  map[string]int64{},
		throttleWait:       500 * time.Millisecond,
		triggerCh:          make(chan struct{}, 1),
		startedAtUnixNano:  time.Now().UTC().UnixNano(),
	}
	for _, c := range carriers {
		p.carriers[c.Code] = c
		p.order = append(p.order, c.Code)
	}
	return p
}

func (p *Poller) WithSettings(pollInterval time.Duration, batchSize, concurrency int, lease time.Duration, rlPerMin int64) *Poller {
	if pollInterval > 0 {
		p.pollInterval = pollInterval
	}
	if batchSize > 0 {
		p.batchSize = batchSize
	}
	if concurrency > 0 {
		p.concurrency = concurrency
	}
	if lease > 0 {
		p.lease = lease
	}
	if rlPerMin > 0 {
		p.rateLimitPerMinute = rlPerMin
	}
	return p
}

func (p *Poller) WithFileSettings(pollInterval time.Duration, claimBatch int) *Poller {
	if pollInterval > 0 {
		p.filePollInterval = pollInterval
	}
	if claimBatch > 0 {
		p.fileClaimBatch = claimBatch
	}
	return p
}

// WithCarrierRateLimits overrides the per-minute provider limit for some carriers.
func (p *Poller) WithCarrierRateLimits(limits map[string]int64) *Poller {
	for code, n := range limits {
		if n > 0 {
			p.carrierRateLimits[code] = n
		}
	}
	return p
}

// Trigger forces an immediate poll cycle (best-effort, non-blocking).
func (p *Poller) Trigger() {
	p.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case p.triggerCh <- struct{}{}:
	default:
	}
}

type Stats struct {
	StartedAt      time.Time  `json:"startedAt"`
	LastCycleAt    *time.Time `json:"lastCycleAt,omitempty"`
	LastFileCycle  *time.Time `json:"lastFileCycleAt,omitempty"`
	LastTriggerAt  *time.Time `json:"lastTriggerAt,omitempty"`
	TotalClaimed   int64      `json:"totalClaimed"`
	TotalProcessed int64      `json:"totalProcessed"`
	TotalErrors    int64      `json:"totalErrors"`
	FilesClaimed   int64      `json:"filesClaimed"`
	FilesProcessed int64      `json:"filesProcessed"`
	InFlight       int64      `json:"inFlight"`
	LastError      string     `json:"lastError,omitempty"`
}

func unixPtr(n int64) *time.Time {
	if n <= 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}

func (p *Poller) Stats() Stats {
	st := Stats{
		StartedAt:      time.Unix(0, p.startedAtUnixNano).UTC(),
		LastCycleAt:    unixPtr(p.lastCycleUnixNano.Load()),
		LastFileCycle:  unixPtr(p.lastFileCycleNano.Load()),
		LastTriggerAt:  unixPtr(p.lastTriggerUnixNano.Load()),
		TotalClaimed:   p.totalClaimed.Load(),
		TotalProcessed: p.totalProcessed.Load(),
		TotalErrors:    p.totalErrors.Load(),
		FilesClaimed:   p.filesClaimed.Load(),
		FilesProcessed: p.filesProcessed.Load(),
		InFlight:       p.inFlight.Load(),
	}
	p.lastErrorMu.Lock()
	st.LastError = p.lastError
	p.lastErrorMu.Unlock()
	return st
}

func (p *Poller) setLastError(err error) {
	p.lastErrorMu.Lock()
	p.lastError = err.Error()
	p.lastErrorMu.Unlock()
}

func (p *Poller) Run(ctx context.Context) error {
	t := time.NewTicker(p.pollInterval)
	defer t.Stop()
	ft := time.NewTicker(p.filePollInterval)
	defer ft.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.runOnce(ctx)
		case <-ft.C:
			p.runFiles(ctx)
		case <-p.triggerCh:
			p.runFiles(ctx)
			p.runOnce(ctx)
		}
	}
}

// runFiles claims pending files and runs the batch for every carrier in turn. The batch
// also picks up files left in PROCESSING by an earlier crash.
func (p *Poller) runFiles(ctx context.Context) {
	if p.files == nil {
		return
	}
	p.lastFileCycleNano.Store(time.Now().UTC().UnixNano())

	for _, code := range p.order {
		carrier := p.carriers[code]
		claimed, err := p.files.ClaimPending(ctx, carrier, p.fileClaimBatch)
		if err != nil {
			slog.Error("claim pending files", "carrier", code, "error", err.Error())
			p.setLastError(err)
			continue
		}
		p.filesClaimed.Add(int64(len(claimed)))

		rep, err := p.files.RunBatch(ctx, carrier)
		if err != nil {
			slog.Error("run file batch", "carrier", code, "error", err.Error())
			p.setLastError(err)
			continue
		}
		p.filesProcessed.Add(int64(rep.Files))
	}
}

func (p *Poller) runOnce(ctx context.Context) {
	if p.repo == nil || p.tracking == nil {
		return
	}
	now := time.Now().UTC()
	p.lastCycleUnixNano.Store(now.UnixNano())

	items, err := p.repo.ClaimDueTrackingNumbers(ctx, now, p.batchSize, p.lease)
	if err != nil {
		slog.Error("claim due tracking numbers", "error", err.Error())
		p.setLastError(err)
		return
	}
	p.totalClaimed.Add(int64(len(items)))

	sem := make(chan struct{}, p.concurrency)
	var wg sync.WaitGroup
	for _, tn := range items {
		sem <- struct{}{}
		wg.Add(1)
		p.inFlight.Add(1)
		go func(tn *models.TrackingNumber) {
			defer func() {
				p.inFlight.Add(-1)
				<-sem
				wg.Done()
			}()
			if err := p.processOne(ctx, tn); err != nil {
				p.totalErrors.Add(1)
				p.setLastError(err)
				slog.Error("process tracking number", "tracking_number_id", tn.ID, "carrier", tn.CarrierCode, "error", err.Error())
			}
			p.totalProcessed.Add(1)
		}(tn)
	}
	wg.Wait()
}

func (p *Poller) processOne(ctx context.Context, tn *models.TrackingNumber) error {
	carrier, ok := p.carriers[tn.CarrierCode]
	if !ok {
		return errors.Errorf("unknown carrier %q", tn.CarrierCode)
	}

	if err := p.throttle(ctx, carrier.Code); err != nil {
		return err
	}

	_, err := p.tracking.Process(ctx, carrier, *tn)
	return err
}

// throttle counts the provider call in a per-minute redis window. Over the limit the
// call is delayed a little, not dropped.
func (p *Poller) throttle(ctx context.Context, carrierCode string) error {
	if p.rl == nil || p.rateLimitPerMinute <= 0 {
		return nil
	}
	limit := p.rateLimitPerMinute
	if n, ok := p.carrierRateLimits[carrierCode]; ok {
		limit = n
	}

	minuteKey := fmt.Sprintf("rl:provider:%s:%s", carrierCode, time.Now().UTC().Format("200601021504"))
	allowed, n, err := p.rl.Allow(ctx, minuteKey, limit, 70*time.Second)
	if err != nil {
		return errors.Wrap(err, "rate limiter")
	}
	if allowed {
		return nil
	}
	// Слишком много запросов в минуту: подождём немного, чтобы разгрузить провайдера.
	slog.Warn("rate limit exceeded", "carrier", carrierCode, "count", n)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(p.throttleWait):
		return nil
	}
}
