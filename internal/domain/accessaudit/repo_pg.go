package accessaudit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/crossfacility/internal/platform/db"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type repoPG struct {
	pool    *pgxpool.Pool
	timeout time.Duration
}

func NewRepo(pool *pgxpool.Pool, timeout time.Duration) Repository {
	return &repoPG{pool: pool, timeout: timeout}
}

func (r *repoPG) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const entryCols = `id, actor_id, actor_name, actor_role, source_facility_id, resource_type, resource_id,
	patient_uuid, action, is_cross_hospital_access, purpose, legal_basis, consent_verified, consent_id,
	origin_facility_ids, request_id, ip_address, user_agent, security_flags, recorded_at,
	seq, prev_hash, entry_hash`

// chainLockKey serialises appends so each entry links to the one before it.
const chainLockKey = 7340021

type beginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

func (r *repoPG) Insert(ctx context.Context, e *Entry) error {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	e.OriginFacilityIDs = nonNil(e.OriginFacilityIDs)
	e.SecurityFlags = nonNil(e.SecurityFlags)

	var b beginner = r.pool
	if tx := db.TxFromContext(ctx); tx != nil {
		b = tx
	} else if c := db.ConnFromContext(ctx); c != nil {
		b = c
	}
	err := pgx.BeginFunc(ctx, b, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, chainLockKey); err != nil {
			return fmt.Errorf("lock audit chain: %w", err)
		}
		var (
			lastSeq  int64
			lastHash = GenesisHash
		)
		err := tx.QueryRow(ctx, `SELECT seq, entry_hash FROM access_audit_log ORDER BY seq DESC LIMIT 1`).
			Scan(&lastSeq, &lastHash)
		if err != nil && !db.IsNoRows(err) {
			return fmt.Errorf("read audit chain head: %w", err)
		}
		e.Seq = lastSeq + 1
		e.Seal(lastHash)

		_, err = tx.Exec(ctx, `
			INSERT INTO access_audit_log (`+entryCols+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)`,
			e.ID, e.ActorID, nullable(e.ActorName), nullable(e.ActorRole), nullable(e.SourceFacilityID),
			e.ResourceType, nullable(e.ResourceID), nullable(e.PatientUUID), string(e.Action),
			e.IsCrossHospitalAccess, nullable(e.Purpose), nullable(e.LegalBasis), e.ConsentVerified, e.ConsentID,
			e.OriginFacilityIDs, nullable(e.RequestID), nullable(e.IPAddress), nullable(e.UserAgent), e.SecurityFlags,
			e.RecordedAt, e.Seq, e.PrevHash, e.EntryHash)
		return err
	})
	if err != nil {
		return db.Classify(fmt.Errorf("insert access audit entry: %w", err))
	}
	return nil
}

func (r *repoPG) Chain(ctx context.Context, afterSeq int64, limit int) ([]*Entry, error) {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+entryCols+` FROM access_audit_log
		WHERE seq > $1
		ORDER BY seq
		LIMIT $2`, afterSeq, limit)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("read audit chain: %w", err))
	}
	return scanEntries(rows)
}

func (r *repoPG) ListByPatient(ctx context.Context, patientUUID string, from, to time.Time, limit, offset int) ([]*Entry, int, error) {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	var total int
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*) FROM access_audit_log
		WHERE patient_uuid = $1 AND recorded_at >= $2 AND recorded_at < $3`,
		patientUUID, from, to).Scan(&total)
	if err != nil {
		return nil, 0, db.Classify(fmt.Errorf("count access history: %w", err))
	}

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+entryCols+` FROM access_audit_log
		WHERE patient_uuid = $1 AND recorded_at >= $2 AND recorded_at < $3
		ORDER BY recorded_at DESC, id
		LIMIT $4 OFFSET $5`, patientUUID, from, to, limit, offset)
	if err != nil {
		return nil, 0, db.Classify(fmt.Errorf("list access history: %w", err))
	}
	out, err := scanEntries(rows)
	return out, total, err
}

func (r *repoPG) ActorStats(ctx context.Context, actorID string, since time.Time) (*ActorStats, error) {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	var st ActorStats
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT COUNT(*),
			COUNT(DISTINCT patient_uuid),
			COUNT(*) FILTER (WHERE action = 'export'),
			COUNT(*) FILTER (WHERE is_cross_hospital_access)
		FROM access_audit_log
		WHERE actor_id = $1 AND recorded_at >= $2`, actorID, since).
		Scan(&st.Accesses, &st.DistinctPatients, &st.Exports, &st.CrossFacility)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("actor access stats: %w", err))
	}
	return &st, nil
}

func (r *repoPG) ListRange(ctx context.Context, facilityID string, from, to time.Time) ([]*Entry, error) {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+entryCols+` FROM access_audit_log
		WHERE recorded_at >= $1 AND recorded_at < $2
		  AND ($3 = '' OR source_facility_id = $3)
		ORDER BY recorded_at, id`, from, to, facilityID)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("list access range: %w", err))
	}
	return scanEntries(rows)
}

func scanEntries(rows pgx.Rows) ([]*Entry, error) {
	defer rows.Close()
	var out []*Entry
	for rows.Next() {
		var (
			e                                       Entry
			action                                  string
			name, role, source, resourceID, patient *string
			purpose, basis, requestID, ip, agent    *string
		)
		err := rows.Scan(&e.ID, &e.ActorID, &name, &role, &source, &e.ResourceType, &resourceID,
			&patient, &action, &e.IsCrossHospitalAccess, &purpose, &basis, &e.ConsentVerified, &e.ConsentID,
			&e.OriginFacilityIDs, &requestID, &ip, &agent, &e.SecurityFlags, &e.RecordedAt,
			&e.Seq, &e.PrevHash, &e.EntryHash)
		if err != nil {
			return nil, err
		}
		e.Action = Action(action)
		e.ActorName, e.ActorRole, e.SourceFacilityID = deref(name), deref(role), deref(source)
		e.ResourceID, e.PatientUUID = deref(resourceID), deref(patient)
		e.Purpose, e.LegalBasis = deref(purpose), deref(basis)
		e.RequestID, e.IPAddress, e.UserAgent = deref(requestID), deref(ip), deref(agent)
		out = append(out, &e)
	}
	return out, db.Classify(rows.Err())
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
