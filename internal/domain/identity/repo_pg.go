package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/crossfacility/internal/platform/apperr"
	"github.com/ehr/crossfacility/internal/platform/db"
)

const (
	hashConstraint = "patient_identity_hash_key"
	uuidConstraint = "patient_identity_pkey"
)

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

const identityCols = `patient_uuid, identity_hash, first_name, last_name, date_of_birth,
	gender, phone, email, consent_summary, created_at, updated_at`

func (r *repoPG) GetByHash(ctx context.Context, identityHash string) (*PatientIdentity, error) {
	return r.getOne(ctx, `SELECT `+identityCols+` FROM patient_identity WHERE identity_hash = $1`, identityHash)
}

func (r *repoPG) GetByUUID(ctx context.Context, patientUUID string) (*PatientIdentity, error) {
	return r.getOne(ctx, `SELECT `+identityCols+` FROM patient_identity WHERE patient_uuid = $1`, patientUUID)
}

func (r *repoPG) getOne(ctx context.Context, query, arg string) (*PatientIdentity, error) {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	p, err := scanIdentity(r.conn(ctx).QueryRow(ctx, query, arg))
	if db.IsNoRows(err) {
		return nil, apperr.ErrPatientNotFound
	}
	if err != nil {
		return nil, db.Classify(fmt.Errorf("get patient identity: %w", err))
	}
	regs, err := r.listRegistrations(ctx, p.PatientUUID)
	if err != nil {
		return nil, err
	}
	p.Registrations = regs
	return p, nil
}

func (r *repoPG) Create(ctx context.Context, p *PatientIdentity, first *FacilityRegistration) error {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	dob, err := p.birthDate()
	if err != nil {
		return err
	}
	summary, err := json.Marshal(p.ConsentSummary)
	if err != nil {
		return fmt.Errorf("marshal consent summary: %w", err)
	}
	if p.ConsentSummary == nil {
		summary = []byte("{}")
	}

	err = r.conn(ctx).QueryRow(ctx, `
		INSERT INTO patient_identity (
			patient_uuid, identity_hash, first_name, last_name, date_of_birth,
			gender, phone, email, consent_summary
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb)
		RETURNING created_at, updated_at`,
		p.PatientUUID, p.IdentityHash, p.FirstName, p.LastName, dob,
		p.Gender, p.Phone, p.Email, string(summary),
	).Scan(&p.CreatedAt, &p.UpdatedAt)
	switch {
	case db.IsUniqueViolation(err, hashConstraint):
		return apperr.ErrDuplicateIdentity
	case db.IsUniqueViolation(err, uuidConstraint):
		return fmt.Errorf("%w: patient uuid collision", apperr.ErrConflict)
	case err != nil:
		return db.Classify(fmt.Errorf("insert patient identity: %w", err))
	}

	if first == nil {
		return nil
	}
	if _, err := r.upsertRegistration(ctx, first); err != nil {
		return err
	}
	p.Registrations = []*FacilityRegistration{first}
	return nil
}

func (r *repoPG) FindCandidates(ctx context.Context, firstName, lastName string, dobFrom, dobTo time.Time) ([]*PatientIdentity, error) {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+identityCols+` FROM patient_identity
		WHERE lower(first_name) = lower($1) AND lower(last_name) = lower($2)
		  AND date_of_birth BETWEEN $3 AND $4
		ORDER BY patient_uuid
		LIMIT 50`,
		firstName, lastName, dobFrom, dobTo,
	)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("find match candidates: %w", err))
	}
	defer rows.Close()

	var out []*PatientIdentity
	for rows.Next() {
		p, err := scanIdentity(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, db.Classify(rows.Err())
}

func (r *repoPG) SetConsentMirror(ctx context.Context, patientUUID, facilityID string, m *ConsentMirror) error {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	b, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal consent mirror: %w", err)
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE patient_identity
		SET consent_summary = jsonb_set(consent_summary, ARRAY[$2::text], $3::jsonb, true),
			updated_at = NOW()
		WHERE patient_uuid = $1`,
		patientUUID, facilityID, string(b),
	)
	if err != nil {
		return db.Classify(fmt.Errorf("set consent mirror: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrPatientNotFound
	}
	return nil
}

// -- Registrations --

const registrationCols = `id, patient_uuid, facility_id, facility_code, local_patient_id,
	registration_date, last_visit, status`

func (r *repoPG) UpsertRegistration(ctx context.Context, reg *FacilityRegistration) (bool, error) {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.upsertRegistration(ctx, reg)
}

func (r *repoPG) upsertRegistration(ctx context.Context, reg *FacilityRegistration) (bool, error) {
	if reg.ID == uuid.Nil {
		reg.ID = uuid.New()
	}
	if reg.Status == "" {
		reg.Status = StatusActive
	}
	var (
		created bool
		local   *string
		status  string
	)
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO facility_registration (
			id, patient_uuid, facility_id, facility_code, local_patient_id,
			registration_date, last_visit, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		ON CONFLICT (patient_uuid, facility_id)
			DO UPDATE SET last_visit = EXCLUDED.last_visit
		RETURNING id, local_patient_id, registration_date, status, (xmax = 0)`,
		reg.ID, reg.PatientUUID, reg.FacilityID, reg.FacilityCode, nullable(reg.LocalPatientID),
		reg.RegistrationDate, reg.LastVisit, string(reg.Status),
	).Scan(&reg.ID, &local, &reg.RegistrationDate, &status, &created)
	if err != nil {
		return false, db.Classify(fmt.Errorf("upsert facility registration: %w", err))
	}
	reg.Status = RegistrationStatus(status)
	reg.LocalPatientID = deref(local)
	return created, nil
}

func (r *repoPG) GetRegistration(ctx context.Context, patientUUID, facilityID string) (*FacilityRegistration, error) {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	reg, err := scanRegistration(r.conn(ctx).QueryRow(ctx,
		`SELECT `+registrationCols+` FROM facility_registration WHERE patient_uuid = $1 AND facility_id = $2`,
		patientUUID, facilityID))
	if db.IsNoRows(err) {
		return nil, apperr.ErrRegistrationNotFound
	}
	if err != nil {
		return nil, db.Classify(fmt.Errorf("get facility registration: %w", err))
	}
	return reg, nil
}

func (r *repoPG) UpdateRegistration(ctx context.Context, reg *FacilityRegistration) error {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE facility_registration SET status = $3, last_visit = $4
		WHERE patient_uuid = $1 AND facility_id = $2`,
		reg.PatientUUID, reg.FacilityID, string(reg.Status), reg.LastVisit,
	)
	if err != nil {
		return db.Classify(fmt.Errorf("update facility registration: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return apperr.ErrRegistrationNotFound
	}
	return nil
}

func (r *repoPG) ListRegistrations(ctx context.Context, patientUUID string) ([]*FacilityRegistration, error) {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.listRegistrations(ctx, patientUUID)
}

func (r *repoPG) listRegistrations(ctx context.Context, patientUUID string) ([]*FacilityRegistration, error) {
	rows, err := r.conn(ctx).Query(ctx,
		`SELECT `+registrationCols+` FROM facility_registration WHERE patient_uuid = $1 ORDER BY registration_date, facility_id`,
		patientUUID)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("list facility registrations: %w", err))
	}
	defer rows.Close()

	var out []*FacilityRegistration
	for rows.Next() {
		reg, err := scanRegistration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, reg)
	}
	return out, db.Classify(rows.Err())
}

// -- Registry events --

func (r *repoPG) AppendEvent(ctx context.Context, e *RegistryEvent) error {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO patient_registry_event (id, patient_uuid, kind, actor_id, facility_id, detail, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)`,
		e.ID, e.PatientUUID, string(e.Kind), nullable(e.ActorID), nullable(e.FacilityID), nullable(e.Detail), e.OccurredAt,
	)
	if err != nil {
		return db.Classify(fmt.Errorf("append registry event: %w", err))
	}
	return nil
}

func (r *repoPG) ListEvents(ctx context.Context, patientUUID string, limit, offset int) ([]*RegistryEvent, int, error) {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM patient_registry_event WHERE patient_uuid = $1`, patientUUID).Scan(&total); err != nil {
		return nil, 0, db.Classify(fmt.Errorf("count registry events: %w", err))
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, patient_uuid, kind, actor_id, facility_id, detail, occurred_at
		FROM patient_registry_event WHERE patient_uuid = $1
		ORDER BY occurred_at DESC LIMIT $2 OFFSET $3`,
		patientUUID, limit, offset)
	if err != nil {
		return nil, 0, db.Classify(fmt.Errorf("list registry events: %w", err))
	}
	defer rows.Close()

	var out []*RegistryEvent
	for rows.Next() {
		var (
			e                       RegistryEvent
			kind                    string
			actor, facility, detail *string
		)
		if err := rows.Scan(&e.ID, &e.PatientUUID, &kind, &actor, &facility, &detail, &e.OccurredAt); err != nil {
			return nil, 0, err
		}
		e.Kind = EventKind(kind)
		e.ActorID, e.FacilityID, e.Detail = deref(actor), deref(facility), deref(detail)
		out = append(out, &e)
	}
	return out, total, db.Classify(rows.Err())
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

func scanIdentity(row scanner) (*PatientIdentity, error) {
	var (
		p                    PatientIdentity
		dob                  *time.Time
		gender, phone, email *string
		summary              []byte
	)
	err := row.Scan(&p.PatientUUID, &p.IdentityHash, &p.FirstName, &p.LastName, &dob,
		&gender, &phone, &email, &summary, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if dob != nil {
		p.DateOfBirth = dob.Format(dateLayout)
	}
	p.Gender, p.Phone, p.Email = deref(gender), deref(phone), deref(email)
	p.ConsentSummary = map[string]*ConsentMirror{}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &p.ConsentSummary); err != nil {
			return nil, fmt.Errorf("decode consent summary: %w", err)
		}
	}
	return &p, nil
}

func scanRegistration(row scanner) (*FacilityRegistration, error) {
	var (
		reg    FacilityRegistration
		local  *string
		status string
	)
	if err := row.Scan(&reg.ID, &reg.PatientUUID, &reg.FacilityID, &reg.FacilityCode, &local,
		&reg.RegistrationDate, &reg.LastVisit, &status); err != nil {
		return nil, err
	}
	reg.LocalPatientID = deref(local)
	reg.Status = RegistrationStatus(status)
	return &reg, nil
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
