package records

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/crossfacility/internal/platform/db"
)

type sourcePG struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewSource(pool *pgxpool.Pool, timeout time.Duration) Source {
	return &sourcePG{pool: pool, timeout: timeout}
}

func (s *sourcePG) conn(ctx context.Context) querier {
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return s.pool
}

func (s *sourcePG) FetchRecords(ctx context.Context, patientUUID, facilityID string, types []Category) ([]*ClinicalRecord, error) {
	ctx, cancel := db.WithTimeout(ctx, s.timeout)
	defer cancel()

	names := make([]string, len(types))
	for i, t := range types {
		names[i] = string(t)
	}
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, patient_uuid, facility_id, record_type, title, body, recorded_at
		FROM clinical_record
		WHERE patient_uuid = $1 AND facility_id = $2 AND record_type = ANY($3)
		ORDER BY recorded_at DESC`,
		patientUUID, facilityID, names,
	)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("fetch records from %s: %w", facilityID, err))
	}
	defer rows.Close()

	var out []*ClinicalRecord
	for rows.Next() {
		var (
			rec ClinicalRecord
			typ string
		)
		if err := rows.Scan(&rec.ID, &rec.PatientUUID, &rec.FacilityID, &typ, &rec.Title, &rec.Body, &rec.RecordedAt); err != nil {
			return nil, err
		}
		rec.Type = Category(typ)
		out = append(out, &rec)
	}
	return out, db.Classify(rows.Err())
}

type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
}
