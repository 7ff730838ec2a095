package pgingest

import (
	"context"

	"github.com/pkg/errors"

	"github.com/BearBump/CarrierSync/internal/models"
)

func (s *Storage) InsertImportError(ctx context.Context, e models.ImportError) (uint64, error) {
	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO import_errors (invoice_file_id, subject_id, error_type, error_payload, created_at)
VALUES ($1,$2,$3,$4, now())
RETURNING id
`, e.InvoiceFileID, e.SubjectID, e.ErrorType, []byte(e.Payload)).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert import error")
	}
	return id, nil
}

func (s *Storage) InsertTrackingImportError(ctx context.Context, e models.TrackingImportError) (uint64, error) {
	var id uint64
	err := s.db.QueryRow(ctx, `
INSERT INTO tracking_import_errors (tracking_number_id, subject_id, error_type, error_payload, created_at)
VALUES ($1,$2,$3,$4, now())
RETURNING id
`, e.TrackingNumberID, e.SubjectID, e.ErrorType, []byte(e.Payload)).Scan(&id)
	if err != nil {
		return 0, errors.Wrap(err, "insert tracking import error")
	}
	return id, nil
}

func (s *Storage) ListImportErrors(ctx context.Context, invoiceFileID uint64) ([]*models.ImportError, error) {
	rows, err := s.db.Query(ctx, `
SELECT id, invoice_file_id, subject_id, error_type, error_payload, created_at
FROM import_errors
WHERE invoice_file_id = $1
ORDER BY id
`, invoiceFileID)
	if err != nil {
		return nil, errors.Wrap(err, "select import errors")
	}
	defer rows.Close()

	var out []*models.ImportError
	for rows.Next() {
		var e models.ImportError
		var payload []byte
		if err := rows.Scan(&e.ID, &e.InvoiceFileID, &e.SubjectID, &e.ErrorType, &payload, &e.CreatedAt); err != nil {
			return nil, errors.Wrap(err, "scan import error")
		}
		e.Payload = payload
		out = append(out, &e)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}
