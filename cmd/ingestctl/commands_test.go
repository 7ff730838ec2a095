package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/BearBump/CarrierSync/config"
	"github.com/BearBump/CarrierSync/internal/alerting"
	"github.com/BearBump/CarrierSync/internal/app"
	"github.com/BearBump/CarrierSync/internal/broker/kafka"
	"github.com/BearBump/CarrierSync/internal/models"
	"github.com/BearBump/CarrierSync/internal/storage"
)

const (
	labelBody = `{"trackResponse":{"shipment":[{"inquiryNumber":"1ZOK","package":[{"trackingNumber":"1ZOK","activity":[
    {"location":{"address":{"city":"Austin"}},"status":{"type":"I","description":"Departed","code":"DP"},"date":"20240102","time":"080000"},
    {"location":{"address":{"countryCode":"US"}},"status":{"type":"M","description":"Label","code":"MP"},"date":"20240101","time":"180000"}
  ]}]}]}}`
	notYetBody = `{"trackResponse":{"shipment":[{"inquiryNumber":"1ZNEW","warnings":[{"code":"TW0001","message":"Not Found"}]}]}}`
)

// memRepo keeps invoice files in memory; only what the commands touch is real.
type memRepo struct {
	mu     sync.Mutex
	files  map[string]*models.InvoiceFile
	nextID uint64
	errs   []models.ImportError
}

func newMemRepo() *memRepo { return &memRepo{files: map[string]*models.InvoiceFile{}} }

func (r *memRepo) InTx(ctx context.Context, fn func(tx storage.Tx) error) error {
	return errors.New("not supported")
}
func (r *memRepo) Ping(ctx context.Context) error { return nil }

func (r *memRepo) ListInvoiceFilesByStatus(ctx context.Context, carrierCode, status string) ([]*models.InvoiceFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.InvoiceFile
	for _, f := range r.files {
		if f.CarrierCode == carrierCode && f.ImportStatus == status {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) setStatus(id uint64, status string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files {
		if f.ID == id {
			f.ImportStatus = status
		}
	}
}

func (r *memRepo) FinishInvoiceFile(ctx context.Context, id uint64, status string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, f := range r.files {
		if f.ID == id && f.ImportStatus == models.ImportStatusProcessing {
			f.ImportStatus = status
			return true, nil
		}
	}
	return false, nil
}

func (r *memRepo) TryLockInvoiceFile(ctx context.Context, id uint64) (func(), bool, error) {
	return func() {}, true, nil
}

func (r *memRepo) ClaimPendingInvoiceFiles(ctx context.Context, carrierCode string, limit int) ([]*models.InvoiceFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*models.InvoiceFile
	for _, f := range r.files {
		if len(out) == limit {
			break
		}
		if f.CarrierCode == carrierCode && f.ImportStatus == models.ImportStatusPending {
			f.ImportStatus = models.ImportStatusProcessing
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *memRepo) CreateOrGetInvoiceFile(ctx context.Context, carrier models.Carrier, fileName string) (*models.InvoiceFile, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.files[fileName]; ok {
		cp := *f
		return &cp, nil
	}
	r.nextID++
	f := &models.InvoiceFile{ID: r.nextID, CarrierID: carrier.ID, CarrierCode: carrier.Code, FileName: fileName, ImportStatus: models.ImportStatusPending}
	r.files[fileName] = f
	cp := *f
	return &cp, nil
}

func (r *memRepo) CreateOrGetTrackingNumber(ctx context.Context, in models.TrackingNumberCreateInput) (*models.TrackingNumber, error) {
	return &models.TrackingNumber{ID: 1, CarrierID: in.CarrierID, CarrierCode: in.CarrierCode, Number: in.Number}, nil
}
func (r *memRepo) LinkTrackingNumberTeam(ctx context.Context, trackingNumberID, teamID uint64) error {
	return nil
}
func (r *memRepo) ListTrackingNumberTeams(ctx context.Context, trackingNumberID uint64) ([]uint64, error) {
	return nil, nil
}
func (r *memRepo) UpdateTrackingNumberStatus(ctx context.Context, upd storage.TrackingStatusUpdate) error {
	return nil
}
func (r *memRepo) InsertImportError(ctx context.Context, e models.ImportError) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.errs = append(r.errs, e)
	return uint64(len(r.errs)), nil
}
func (r *memRepo) InsertTrackingImportError(ctx context.Context, e models.TrackingImportError) (uint64, error) {
	return 1, nil
}
func (r *memRepo) ClaimDueTrackingNumbers(ctx context.Context, now time.Time, limit int, lease time.Duration) ([]*models.TrackingNumber, error) {
	return nil, nil
}

type recordingProducer struct {
	mu   sync.Mutex
	msgs []kafka.Message
}

func (p *recordingProducer) Publish(ctx context.Context, topic string, key, value []byte) error {
	return p.PublishMessage(ctx, kafka.Message{Topic: topic, Key: key, Value: value})
}

func (p *recordingProducer) PublishMessage(ctx context.Context, m kafka.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m)
	return nil
}

type stubProvider map[string]string

func (s stubProvider) FetchTracking(ctx context.Context, carrierCode, number string) ([]byte, error) {
	body, ok := s[number]
	if !ok {
		return nil, errors.New("unexpected number " + number)
	}
	return []byte(body), nil
}

type testEnv struct {
	root     string
	repo     *memRepo
	producer *recordingProducer
	opener   envOpener
}

func newTestEnv(t *testing.T) *testEnv {
	te := &testEnv{
		root:     t.TempDir(),
		repo:     newMemRepo(),
		producer: &recordingProducer{},
	}
	cfg := &config.Config{
		Environment: "test",
		Kafka: config.KafkaConfig{
			InvoiceRecordsQueue:      "invoice-records",
			TrackingValidationsQueue: "tracking-validations",
			AlertsQueue:              "alerts",
		},
		Storage: config.StorageConfig{Root: te.root},
		Ingest:  config.IngestConfig{RetryMaxAttempts: 1},
		CarrierList: []config.CarrierConfig{
			{ID: 7, Code: "fdx", InvoiceFormat: models.InvoiceFormatCSV, SoftErrorCodes: []string{"TW0001"}},
		},
	}
	svc := app.Build(cfg, app.Deps{
		Storage:  te.repo,
		Producer: te.producer,
		Provider: stubProvider{"1ZOK": labelBody, "1ZNEW": notYetBody},
		Alerts:   alerting.LogAlerter{},
	})
	te.opener = func(ctx context.Context, cfgPath string) (*ctlEnv, error) {
		return &ctlEnv{cfg: cfg, svc: svc, repo: te.repo}, nil
	}
	return te
}

func run(t *testing.T, open envOpener, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd(open)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestRegisterClaimAndRunBatch(t *testing.T) {
	te := newTestEnv(t)

	out, err := run(t, te.opener, "register-file", "-c", "FDX", filepath.Join("..", "..", "internal", "parser", "testdata", "invoice.csv"))
	require.NoError(t, err)
	require.Contains(t, out, "registered invoice.csv id=1 status=PENDING")
	_, err = os.Stat(filepath.Join(te.root, "FDX", "pending", "invoice.csv"))
	require.NoError(t, err)

	out, err = run(t, te.opener, "claim", "--carrier", "fdx")
	require.NoError(t, err)
	require.Contains(t, out, "claimed 1 file(s)")

	out, err = run(t, te.opener, "run-batch", "--carrier", "fdx")
	require.NoError(t, err)

	var rep batchReportView
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.Equal(t, 1, rep.Files)
	require.Equal(t, 1, rep.Succeeded)
	require.Equal(t, 2, rep.Dispatched)
	require.Equal(t, models.ImportStatusSuccess, rep.Results[0].Status)
	require.Len(t, te.producer.msgs, 2)
	require.Equal(t, "test.invoice-records", te.producer.msgs[0].Topic)

	_, err = os.Stat(filepath.Join(te.root, "FDX", "imported", "invoice.csv"))
	require.NoError(t, err)
}

func TestRunBatch_MissingBlobIsReported(t *testing.T) {
	te := newTestEnv(t)
	f, err := te.repo.CreateOrGetInvoiceFile(context.Background(), models.Carrier{ID: 7, Code: "FDX"}, "gone.csv")
	require.NoError(t, err)
	te.repo.setStatus(f.ID, models.ImportStatusProcessing)

	out, err := run(t, te.opener, "run-batch", "-c", "FDX")
	require.NoError(t, err)

	var rep batchReportView
	require.NoError(t, json.Unmarshal([]byte(out), &rep))
	require.Equal(t, 1, rep.Failed)
	require.NotEmpty(t, rep.Results[0].Error)
	require.Len(t, te.repo.errs, 1)
}

func TestLabelTime(t *testing.T) {
	te := newTestEnv(t)

	out, err := run(t, te.opener, "label-time", "-c", "FDX", "1ZOK")
	require.NoError(t, err)
	require.Contains(t, out, "2024-01-01T18:00:00")

	out, err = run(t, te.opener, "label-time", "-c", "FDX", "1ZNEW")
	require.NoError(t, err)
	require.Contains(t, out, "not available yet")
}

func TestTrack_SoftErrorIsRescheduled(t *testing.T) {
	te := newTestEnv(t)

	out, err := run(t, te.opener, "track", "-c", "FDX", "1ZNEW")
	require.NoError(t, err)

	var view map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	require.Equal(t, "soft_error", view["result"])
	require.NotEmpty(t, view["nextCheckAt"])
}

func TestUnknownCarrier(t *testing.T) {
	te := newTestEnv(t)
	_, err := run(t, te.opener, "claim", "-c", "DHL")
	require.EqualError(t, err, `unknown carrier "DHL"`)
}

func TestCarrierFlagRequired(t *testing.T) {
	te := newTestEnv(t)
	_, err := run(t, te.opener, "run-batch")
	require.Error(t, err)
}

func TestOpenError(t *testing.T) {
	open := func(ctx context.Context, cfgPath string) (*ctlEnv, error) {
		require.Equal(t, "/etc/carriersync.yaml", cfgPath)
		return nil, errors.New("no database")
	}
	_, err := run(t, open, "--config", "/etc/carriersync.yaml", "claim", "-c", "FDX")
	require.EqualError(t, err, "no database")
}
