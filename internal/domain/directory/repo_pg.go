package directory

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/crossfacility/internal/platform/apperr"
	"github.com/ehr/crossfacility/internal/platform/db"
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

const facilityCols = `id, name, code, province, active`

func (r *repoPG) LookupFacility(ctx context.Context, facilityID string) (*Facility, error) {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	var f Facility
	err := r.conn(ctx).QueryRow(ctx, `SELECT `+facilityCols+` FROM facility WHERE id = $1`, facilityID).
		Scan(&f.ID, &f.Name, &f.Code, &f.Province, &f.Active)
	if db.IsNoRows(err) {
		return nil, fmt.Errorf("%w: %s", apperr.ErrFacilityNotFound, facilityID)
	}
	if err != nil {
		return nil, db.Classify(fmt.Errorf("lookup facility: %w", err))
	}
	return &f, nil
}

func (r *repoPG) ListFacilities(ctx context.Context) ([]*Facility, error) {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	rows, err := r.conn(ctx).Query(ctx, `SELECT `+facilityCols+` FROM facility WHERE active ORDER BY code`)
	if err != nil {
		return nil, db.Classify(fmt.Errorf("list facilities: %w", err))
	}
	defer rows.Close()

	var out []*Facility
	for rows.Next() {
		var f Facility
		if err := rows.Scan(&f.ID, &f.Name, &f.Code, &f.Province, &f.Active); err != nil {
			return nil, err
		}
		out = append(out, &f)
	}
	return out, db.Classify(rows.Err())
}

func (r *repoPG) GetActor(ctx context.Context, actorID string) (*Actor, error) {
	ctx, cancel := db.WithTimeout(ctx, r.timeout)
	defer cancel()

	var a Actor
	err := r.conn(ctx).QueryRow(ctx,
		`SELECT id, name, role, facility_ids, active FROM actor WHERE id = $1`, actorID).
		Scan(&a.ID, &a.Name, &a.Role, &a.FacilityIDs, &a.Active)
	if db.IsNoRows(err) {
		return nil, fmt.Errorf("%w: %s", ErrActorNotFound, actorID)
	}
	if err != nil {
		return nil, db.Classify(fmt.Errorf("get actor: %w", err))
	}
	return &a, nil
}

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}
