// Package fileingest drives the invoice file lifecycle: claimed files are parsed, their
// records are handed off as units of work and the blob is moved to its final zone.
package fileingest

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/BearBump/CarrierSync/internal/alerting"
	"github.com/BearBump/CarrierSync/internal/blobstore"
	"github.com/BearBump/CarrierSync/internal/broker/messages"
	"github.com/BearBump/CarrierSync/internal/dispatch"
	"github.com/BearBump/CarrierSync/internal/metrics"
	"github.com/BearBump/CarrierSync/internal/models"
	"github.com/BearBump/CarrierSync/internal/parser"
	"github.com/BearBump/CarrierSync/internal/services/errorsink"
)

// Типы ошибок в import_errors.
const (
	KindMissingFile   = "missing_file"
	KindParseError    = "parse_error"
	KindDispatchError = "dispatch_error"
	KindStorageError  = "storage_error"
)

type Repository interface {
	ListInvoiceFilesByStatus(ctx context.Context, carrierCode, status string) ([]*models.InvoiceFile, error)
	// FinishInvoiceFile moves a PROCESSING file to its final status; false means another
	// run already finished it.
	FinishInvoiceFile(ctx context.Context, id uint64, status string) (bool, error)
	TryLockInvoiceFile(ctx context.Context, id uint64) (unlock func(), ok bool, err error)
	ClaimPendingInvoiceFiles(ctx context.Context, carrierCode string, limit int) ([]*models.InvoiceFile, error)
	CreateOrGetInvoiceFile(ctx context.Context, carrier models.Carrier, fileName string) (*models.InvoiceFile, error)
}

type Blobs interface {
	Locate(carrierCode, name string) (blobstore.Zone, error)
	Open(carrierCode string, zone blobstore.Zone, name string) (io.ReadCloser, error)
	Put(carrierCode, name string, r io.Reader) error
	Move(carrierCode, name string, from, to blobstore.Zone) error
}

type Submitter interface {
	Submit(ctx context.Context, u dispatch.Unit) (dispatch.Handle, error)
}

type ErrorRecorder interface {
	Record(ctx context.Context, e errorsink.Entry) error
}

type Controller struct {
	repo   Repository
	blobs  Blobs
	units  Submitter
	errors ErrorRecorder
	now    func() time.Time
}

func New(repo Repository, blobs Blobs, units Submitter, errs ErrorRecorder) *Controller {
	return &Controller{repo: repo, blobs: blobs, units: units, errors: errs, now: time.Now}
}

type FileResult struct {
	FileID     uint64
	FileName   string
	Status     string
	Dispatched int
	Recovered  bool
	// Skipped is set when another run holds or has already finished the file.
	Skipped bool
	Err     error
}

type BatchReport struct {
	Files      int
	Succeeded  int
	Failed     int
	Recovered  int
	Skipped    int
	Dispatched int
	Results    []FileResult
}

func (r *BatchReport) add(fr FileResult) {
	r.Files++
	r.Dispatched += fr.Dispatched
	if fr.Recovered {
		r.Recovered++
	}
	if fr.Skipped {
		r.Skipped++
		r.Results = append(r.Results, fr)
		return
	}
	switch fr.Status {
	case models.ImportStatusSuccess:
		r.Succeeded++
	case models.ImportStatusFailed:
		r.Failed++
	}
	r.Results = append(r.Results, fr)
}

// ClaimPending moves up to limit PENDING files of the carrier to PROCESSING.
func (c *Controller) ClaimPending(ctx context.Context, carrier models.Carrier, limit int) ([]*models.InvoiceFile, error) {
	files, err := c.repo.ClaimPendingInvoiceFiles(ctx, carrier.Code, limit)
	if err != nil {
		return nil, errors.Wrap(err, "claim pending files")
	}
	return files, nil
}

// Register stores an uploaded file in the pending zone and creates its PENDING row.
// Registering the same name twice returns the existing row.
func (c *Controller) Register(ctx context.Context, carrier models.Carrier, fileName string, r io.Reader) (*models.InvoiceFile, error) {
	if err := c.blobs.Put(carrier.Code, fileName, r); err != nil {
		return nil, errors.Wrap(err, "put blob")
	}
	f, err := c.repo.CreateOrGetInvoiceFile(ctx, carrier, fileName)
	if err != nil {
		return nil, errors.Wrap(err, "register invoice file")
	}
	return f, nil
}

// RunBatch processes every PROCESSING file of the carrier one after another, including
// files left over by a crashed run. Each file is locked for the duration of its
// processing; files locked by a concurrent run are skipped. Per-file failures end up in
// the report and the error sink; only a listing failure is returned.
func (c *Controller) RunBatch(ctx context.Context, carrier models.Carrier) (BatchReport, error) {
	var rep BatchReport
	files, err := c.repo.ListInvoiceFilesByStatus(ctx, carrier.Code, models.ImportStatusProcessing)
	if err != nil {
		return rep, errors.Wrap(err, "list processing files")
	}

	for _, f := range files {
		if ctx.Err() != nil {
			return rep, ctx.Err()
		}
		fr := c.lockAndProcess(ctx, carrier, f)
		rep.add(fr)
		if fr.Skipped {
			slog.Info("invoice file skipped, owned by another run", "carrier", carrier.Code, "file", f.FileName)
			continue
		}
		metrics.Get().FilesProcessed.WithLabelValues(carrier.Code, fr.Status).Inc()
		slog.Info("invoice file processed",
			"carrier", carrier.Code, "file", f.FileName, "status", fr.Status,
			"dispatched", fr.Dispatched, "recovered", fr.Recovered)
	}
	return rep, nil
}

func (c *Controller) lockAndProcess(ctx context.Context, carrier models.Carrier, f *models.InvoiceFile) FileResult {
	unlock, ok, err := c.repo.TryLockInvoiceFile(ctx, f.ID)
	if err != nil {
		// Без lock файл не трогаем, подберём на следующем проходе.
		return FileResult{FileID: f.ID, FileName: f.FileName, Status: models.ImportStatusProcessing, Err: err}
	}
	if !ok {
		return FileResult{FileID: f.ID, FileName: f.FileName, Status: models.ImportStatusProcessing, Skipped: true}
	}
	defer unlock()
	return c.processFile(ctx, carrier, f)
}

func (c *Controller) processFile(ctx context.Context, carrier models.Carrier, f *models.InvoiceFile) FileResult {
	fr := FileResult{FileID: f.ID, FileName: f.FileName}

	zone, err := c.blobs.Locate(carrier.Code, f.FileName)
	switch {
	case errors.Is(err, blobstore.ErrNotFound):
		c.fail(ctx, carrier, f, &fr, KindMissingFile, alerting.SiteMissingFile, err)
		return fr
	case err != nil:
		c.fail(ctx, carrier, f, &fr, KindStorageError, alerting.SiteFileFailed, err)
		return fr
	}

	// Прошлый запуск упал между перемещением файла и записью статуса.
	switch zone {
	case blobstore.ZoneImported:
		fr.Recovered = true
		c.finish(ctx, f, &fr, models.ImportStatusSuccess)
		return fr
	case blobstore.ZoneFailed:
		fr.Recovered = true
		c.finish(ctx, f, &fr, models.ImportStatusFailed)
		return fr
	}

	n, kind, err := c.ingest(ctx, carrier, f)
	fr.Dispatched = n
	if err == nil {
		err = c.blobs.Move(carrier.Code, f.FileName, blobstore.ZonePending, blobstore.ZoneImported)
		kind = KindStorageError
	}
	if err != nil {
		if mvErr := c.blobs.Move(carrier.Code, f.FileName, blobstore.ZonePending, blobstore.ZoneFailed); mvErr != nil {
			slog.Error("move to failed zone", "carrier", carrier.Code, "file", f.FileName, "error", mvErr.Error())
		}
		c.fail(ctx, carrier, f, &fr, kind, alerting.SiteFileFailed, err)
		return fr
	}
	c.finish(ctx, f, &fr, models.ImportStatusSuccess)
	return fr
}

// ingest parses the pending blob and submits one unit per invoice record.
func (c *Controller) ingest(ctx context.Context, carrier models.Carrier, f *models.InvoiceFile) (int, string, error) {
	p, err := parser.ForCarrier(carrier)
	if err != nil {
		return 0, KindParseError, err
	}
	rc, err := c.blobs.Open(carrier.Code, blobstore.ZonePending, f.FileName)
	if err != nil {
		return 0, KindStorageError, err
	}
	defer rc.Close()

	records, err := p.ParseInvoices(rc)
	if err != nil {
		return 0, KindParseError, err
	}

	n := 0
	for _, rec := range records {
		_, err := c.units.Submit(ctx, dispatch.InvoiceRecordUnit(messages.InvoiceRecordUnit{
			CarrierCode:   carrier.Code,
			InvoiceFileID: f.ID,
			FileName:      f.FileName,
			Record:        rec,
			DispatchedAt:  c.now().UTC(),
		}))
		if err != nil {
			return n, KindDispatchError, errors.Wrapf(err, "dispatch record %s", rec.ShipmentID)
		}
		n++
	}
	return n, "", nil
}

// finish writes the final status. A failed write leaves the file in PROCESSING; the next
// run finds the blob in its final zone and finishes the job. A file already finished by
// another run is reported as skipped and keeps its status.
func (c *Controller) finish(ctx context.Context, f *models.InvoiceFile, fr *FileResult, status string) {
	done, err := c.repo.FinishInvoiceFile(ctx, f.ID, status)
	switch {
	case err != nil:
		slog.Error("finish invoice file", "file_id", f.ID, "status", status, "error", err.Error())
		fr.Status = models.ImportStatusProcessing
	case !done:
		slog.Warn("invoice file already finished by another run", "file_id", f.ID, "file", f.FileName)
		fr.Status = models.ImportStatusProcessing
		fr.Skipped = true
	default:
		fr.Status = status
	}
}

// fail finishes the file as FAILED and records the cause, unless another run got there first.
func (c *Controller) fail(ctx context.Context, carrier models.Carrier, f *models.InvoiceFile, fr *FileResult, kind, site string, cause error) {
	fr.Err = cause
	c.finish(ctx, f, fr, models.ImportStatusFailed)
	if fr.Skipped {
		fr.Err = nil
		return
	}
	c.record(ctx, carrier, f, kind, site, cause)
}

func (c *Controller) record(ctx context.Context, carrier models.Carrier, f *models.InvoiceFile, kind, site string, cause error) {
	id := f.ID
	err := c.errors.Record(ctx, errorsink.Entry{
		Scope:         errorsink.ScopeInvoiceFile,
		SubjectID:     f.FileName,
		InvoiceFileID: &id,
		Kind:          kind,
		Message:       cause.Error(),
		Detail: map[string]any{
			"carrier":   carrier.Code,
			"file_name": f.FileName,
		},
		Site: site,
	})
	if err != nil {
		slog.Error("record file error", "file_id", f.ID, "error", err.Error())
	}
}
