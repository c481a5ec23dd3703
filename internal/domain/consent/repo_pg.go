package consent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/crossfacility/internal/domain/records"
	"github.com/ehr/crossfacility/internal/platform/apperr"
	"github.com/ehr/crossfacility/internal/platform/db"
	"github.com/ehr/crossfacility/internal/platform/hipaa"
)

const pairConstraint = "consent_record_patient_target_key"

type repoPG struct {
	pool    *pgxpool.Pool
	sealer  hipaa.Sealer
	timeout time.Duration
}

// NewRepo returns a pgx repository. Signature payloads are sealed with sealer
// bound to the consent id; pass hipaa.NopSealer{} to store them as-is.
func NewRepo(pool *pgxpool.Pool, sealer hipaa.Sealer, timeout time.Duration) Repository {
	if sealer == nil {
		sealer = hipaa.NopSealer{}
	}
	return &repoPG{pool: pool, sealer: sealer, timeout: timeout}
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

const recordCols = `id, patient_uuid, source_facility_id, target_facility_id, state, approval_status,
	consent_given, is_withdrawn, purpose, access_scope, checklist, effective_date, expiry_date,
	consent_date, signature_method, signed_by, witness, signature_payload, requested_by, decided_by,
	withdrawal_reason, cycle, version, created_at, updated_at`

// row holds the column values shared by Insert and Update.
type row struct {
	scope     []string
	checklist string
	method    *string
	signedBy  *string
	witness   *string
	payload   *string
}

func (r *repoPG) toRow(rec *Record) (*row, error) {
	checklist, err := json.Marshal(rec.Checklist)
	if err != nil {
		return nil, fmt.Errorf("marshal checklist: %w", err)
	}
	out := &row{checklist: string(checklist), scope: make([]string, len(rec.AccessScope))}
	for i, c := range rec.AccessScope {
		out.scope[i] = string(c)
	}
	if rec.Signature != nil {
		out.method = nullable(rec.Signature.Method)
		out.signedBy = nullable(rec.Signature.SignedBy)
		out.witness = nullable(rec.Signature.Witness)
	}
	if rec.SignaturePayload != "" {
		sealed, err := r.sealer.Seal(rec.SignaturePayload, rec.ID.String())
		if err != nil {
			return nil, fmt.Errorf("seal signature: %w", err)
		}
		out.payload = &sealed
	}
	return out, nil
}

func (r *repoPG) Insert(ctx context.Context, rec *Record) error {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	v, err := r.toRow(rec)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO consent_record (
			id, patient_uuid, source_facility_id, target_facility_id, state, approval_status,
			consent_given, is_withdrawn, purpose, access_scope, checklist, effective_date, expiry_date,
			consent_date, signature_method, signed_by, witness, signature_payload, requested_by, decided_by,
			withdrawal_reason, cycle, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11::jsonb,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23)
		RETURNING created_at, updated_at`,
		rec.ID, rec.PatientUUID, rec.SourceFacilityID, rec.TargetFacilityID, string(rec.State), string(rec.ApprovalStatus),
		rec.ConsentGiven, rec.IsWithdrawn, rec.Purpose, v.scope, v.checklist, rec.EffectiveDate, rec.ExpiryDate,
		rec.ConsentDate, v.method, v.signedBy, v.witness, v.payload, nullable(rec.RequestedBy), nullable(rec.DecidedBy),
		nullable(rec.WithdrawalReason), rec.Cycle, rec.Version,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if db.IsUniqueViolation(err, pairConstraint) {
		return fmt.Errorf("%w: consent already exists for this facility pair", apperr.ErrConflict)
	}
	if err != nil {
		return db.Classify(fmt.Errorf("insert consent: %w", err))
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Record, error) {
	return r.getOne(ctx, `SELECT `+recordCols+` FROM consent_record WHERE id = $1`, id)
}

func (r *repoPG) GetByPair(ctx context.Context, patientUUID, targetFacilityID string) (*Record, error) {
	return r.getOne(ctx, `SELECT `+recordCols+` FROM consent_record WHERE patient_uuid = $1 AND target_facility_id = $2`,
		patientUUID, targetFacilityID)
}

func (r *repoPG) getOne(ctx context.Context, query string, args ...interface{}) (*Record, error) {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	rec, err := r.scanRecord(r.conn(ctx).QueryRow(ctx, query, args...))
	if db.IsNoRows(err) {
		return nil, apperr.ErrConsentNotFound
	}
	if err != nil {
		return nil, db.Classify(fmt.Errorf("get consent: %w", err))
	}
	return rec, nil
}

func (r *repoPG) Update(ctx context.Context, rec *Record, expectedVersion int) error {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	v, err := r.toRow(rec)
	if err != nil {
		return err
	}
	err = r.conn(ctx).QueryRow(ctx, `
		UPDATE consent_record SET
			source_facility_id=$3, state=$4, approval_status=$5, consent_given=$6, is_withdrawn=$7,
			purpose=$8, access_scope=$9, checklist=$10::jsonb, effective_date=$11, expiry_date=$12,
			consent_date=$13, signature_method=$14, signed_by=$15, witness=$16, signature_payload=$17,
			requested_by=$18, decided_by=$19, withdrawal_reason=$20, cycle=$21,
			version=version+1, updated_at=NOW()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		rec.ID, expectedVersion,
		rec.SourceFacilityID, string(rec.State), string(rec.ApprovalStatus), rec.ConsentGiven, rec.IsWithdrawn,
		rec.Purpose, v.scope, v.checklist, rec.EffectiveDate, rec.ExpiryDate,
		rec.ConsentDate, v.method, v.signedBy, v.witness, v.payload,
		nullable(rec.RequestedBy), nullable(rec.DecidedBy), nullable(rec.WithdrawalReason), rec.Cycle,
	).Scan(&rec.Version, &rec.UpdatedAt)
	if db.IsNoRows(err) {
		return fmt.Errorf("%w: consent %s changed concurrently", apperr.ErrConflict, rec.ID)
	}
	if err != nil {
		return db.Classify(fmt.Errorf("update consent: %w", err))
	}
	return nil
}

func (r *repoPG) ListByPatient(ctx context.Context, patientUUID string) ([]*Record, error) {
	return r.list(ctx, `SELECT `+recordCols+` FROM consent_record WHERE patient_uuid = $1 ORDER BY created_at`, patientUUID)
}

func (r *repoPG) ListLapsed(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	return r.list(ctx, `SELECT `+recordCols+` FROM consent_record
		WHERE state = 'approved' AND expiry_date < $1
		ORDER BY expiry_date LIMIT $2`, now, limit)
}

func (r *repoPG) list(ctx context.Context, query string, args ...interface{}) ([]*Record, error) {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("list consents: %w", err))
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec, err := r.scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, db.Classify(rows.Err())
}

// -- Events --

func (r *repoPG) AppendEvent(ctx context.Context, e *Event) error {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	detail, err := json.Marshal(e.Detail)
	if err != nil {
		return fmt.Errorf("marshal consent event detail: %w", err)
	}
	if e.Detail == nil {
		detail = []byte("{}")
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO consent_event (id, consent_id, kind, actor_id, from_state, to_state, reason, detail, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8::jsonb,$9)`,
		e.ID, e.ConsentID, string(e.Kind), nullable(e.ActorID), nullable(string(e.FromState)), nullable(string(e.ToState)),
		nullable(e.Reason), string(detail), e.OccurredAt,
	)
	if err != nil {
		return db.Classify(fmt.Errorf("append consent event: %w", err))
	}
	return nil
}

func (r *repoPG) ListEvents(ctx context.Context, consentID uuid.UUID) ([]*Event, error) {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, consent_id, kind, actor_id, from_state, to_state, reason, detail, occurred_at
		FROM consent_event WHERE consent_id = $1 ORDER BY occurred_at, id`, consentID)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("list consent events: %w", err))
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var (
			e                       Event
			kind                    string
			actor, from, to, reason *string
			detail                  []byte
		)
		if err := rows.Scan(&e.ID, &e.ConsentID, &kind, &actor, &from, &to, &reason, &detail, &e.OccurredAt); err != nil {
			return nil, err
		}
		e.Kind = EventKind(kind)
		e.ActorID, e.Reason = deref(actor), deref(reason)
		e.FromState, e.ToState = State(deref(from)), State(deref(to))
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &e.Detail); err != nil {
				return nil, fmt.Errorf("decode consent event detail: %w", err)
			}
		}
		out = append(out, &e)
	}
	return out, db.Classify(rows.Err())
}

// -- Scanning --

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func (r *repoPG) scanRecord(row scanner) (*Record, error) {
	var (
		rec                                Record
		state, approval                    string
		scope                              []string
		checklist                          []byte
		method, signedBy, witness, payload *string
		requestedBy, decidedBy, withdrawal *string
	)
	err := row.Scan(&rec.ID, &rec.PatientUUID, &rec.SourceFacilityID, &rec.TargetFacilityID, &state, &approval,
		&rec.ConsentGiven, &rec.IsWithdrawn, &rec.Purpose, &scope, &checklist, &rec.EffectiveDate, &rec.ExpiryDate,
		&rec.ConsentDate, &method, &signedBy, &witness, &payload, &requestedBy, &decidedBy,
		&withdrawal, &rec.Cycle, &rec.Version, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	rec.State = State(state)
	rec.ApprovalStatus = ApprovalStatus(approval)
	rec.AccessScope = make([]records.Category, len(scope))
	for i, s := range scope {
		rec.AccessScope[i] = records.Category(s)
	}
	if len(checklist) > 0 {
		if err := json.Unmarshal(checklist, &rec.Checklist); err != nil {
			return nil, fmt.Errorf("decode checklist: %w", err)
		}
	}
	if method != nil || signedBy != nil {
		rec.Signature = &Signature{Method: deref(method), SignedBy: deref(signedBy), Witness: deref(witness)}
	}
	if payload != nil {
		plain, err := r.sealer.Open(*payload, rec.ID.String())
		if err != nil {
			return nil, fmt.Errorf("open signature: %w", err)
		}
		rec.SignaturePayload = plain
	}
	rec.RequestedBy, rec.DecidedBy, rec.WithdrawalReason = deref(requestedBy), deref(decidedBy), deref(withdrawal)
	return &rec, nil
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
