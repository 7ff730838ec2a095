package pgingest

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"

	"github.com/BearBump/CarrierSync/internal/models"
	"github.com/BearBump/CarrierSync/internal/storage"
)

const invoiceFileColumns = `id, carrier_id, carrier_code, file_name, import_status, created_at, updated_at, finished_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoiceFile(r rowScanner) (*models.InvoiceFile, error) {
	var f models.InvoiceFile
	if err := r.Scan(
		&f.ID, &f.CarrierID, &f.CarrierCode, &f.FileName, &f.ImportStatus,
		&f.CreatedAt, &f.UpdatedAt, &f.FinishedAt,
	); err != nil {
		return nil, err
	}
	return &f, nil
}

// CreateOrGetInvoiceFile registers a file as PENDING; an existing registration is returned as is.
func (s *Storage) CreateOrGetInvoiceFile(ctx context.Context, carrier models.Carrier, fileName string) (*models.InvoiceFile, error) {
	now := time.Now().UTC()
	f, err := scanInvoiceFile(s.db.QueryRow(ctx, `
INSERT INTO invoice_files (carrier_id, carrier_code, file_name, import_status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$5)
ON CONFLICT (carrier_code, file_name)
DO UPDATE SET updated_at = invoice_files.updated_at
RETURNING `+invoiceFileColumns,
		carrier.ID, carrier.Code, fileName, models.ImportStatusPending, now))
	if err != nil {
		return nil, errors.Wrap(err, "insert invoice file")
	}
	return f, nil
}

func (s *Storage) GetInvoiceFile(ctx context.Context, id uint64) (*models.InvoiceFile, error) {
	f, err := scanInvoiceFile(s.db.QueryRow(ctx, `SELECT `+invoiceFileColumns+` FROM invoice_files WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "select invoice file")
	}
	return f, nil
}

func (s *Storage) ListInvoiceFilesByStatus(ctx context.Context, carrierCode, status string) ([]*models.InvoiceFile, error) {
	rows, err := s.db.Query(ctx, `
SELECT `+invoiceFileColumns+`
FROM invoice_files
WHERE carrier_code = $1 AND import_status = $2
ORDER BY id ASC
`, carrierCode, status)
	if err != nil {
		return nil, errors.Wrap(err, "select invoice files")
	}
	defer rows.Close()

	var out []*models.InvoiceFile
	for rows.Next() {
		f, err := scanInvoiceFile(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan invoice file")
		}
		out = append(out, f)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// FinishInvoiceFile переводит файл из PROCESSING в финальный статус. false без ошибки
// значит, что файл уже финализирован другим запуском.
func (s *Storage) FinishInvoiceFile(ctx context.Context, id uint64, status string) (bool, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE invoice_files
SET import_status = $2, finished_at = now(), updated_at = now()
WHERE id = $1 AND import_status = $3
`, id, status, models.ImportStatusProcessing)
	if err != nil {
		return false, errors.Wrap(err, "finish invoice file")
	}
	if tag.RowsAffected() == 1 {
		return true, nil
	}
	if _, err := s.GetInvoiceFile(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// TryLockInvoiceFile takes a session advisory lock on the file. The lock lives on a
// dedicated pool connection until unlock is called; ok is false when another run holds it.
func (s *Storage) TryLockInvoiceFile(ctx context.Context, id uint64) (unlock func(), ok bool, err error) {
	conn, err := s.db.Acquire(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "acquire conn")
	}
	key := int64(id)
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1::bigint)`, key).Scan(&ok); err != nil {
		conn.Release()
		return nil, false, errors.Wrap(err, "try advisory lock")
	}
	if !ok {
		conn.Release()
		return nil, false, nil
	}
	return func() {
		if _, err := conn.Exec(context.Background(), `SELECT pg_advisory_unlock($1::bigint)`, key); err != nil {
			// Сессию с зависшим lock в пул не возвращаем.
			_ = conn.Conn().Close(context.Background())
		}
		conn.Release()
	}, true, nil
}

// ClaimPendingInvoiceFiles переводит до limit файлов из PENDING в PROCESSING.
// SKIP LOCKED не даёт двум планировщикам забрать один и тот же файл.
func (s *Storage) ClaimPendingInvoiceFiles(ctx context.Context, carrierCode string, limit int) ([]*models.InvoiceFile, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(ctx, `
UPDATE invoice_files
SET import_status = $3, updated_at = now()
WHERE id IN (
  SELECT id FROM invoice_files
  WHERE carrier_code = $1 AND import_status = $4
  ORDER BY id ASC
  LIMIT $2
  FOR UPDATE SKIP LOCKED
)
RETURNING `+invoiceFileColumns,
		carrierCode, limit, models.ImportStatusProcessing, models.ImportStatusPending)
	if err != nil {
		return nil, errors.Wrap(err, "claim invoice files")
	}
	defer rows.Close()

	var out []*models.InvoiceFile
	for rows.Next() {
		f, err := scanInvoiceFile(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan claimed file")
		}
		out = append(out, f)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
