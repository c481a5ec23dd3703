package consent

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists consent records and their history.
//
// Insert returns apperr.ErrConflict when the (patient, target facility) pair
// already has a record. Update is a compare-and-set on Version: it writes only
// when the stored version equals expectedVersion, bumps Version on success and
// returns apperr.ErrConflict otherwise.
type Repository interface {
	Insert(ctx context.Context, r *Record) error
	GetByID(ctx context.Context, id uuid.UUID) (*Record, error)
	GetByPair(ctx context.Context, patientUUID, targetFacilityID string) (*Record, error)
	Update(ctx context.Context, r *Record, expectedVersion int) error
	ListByPatient(ctx context.Context, patientUUID string) ([]*Record, error)
	ListLapsed(ctx context.Context, now time.Time, limit int) ([]*Record, error)

	AppendEvent(ctx context.Context, e *Event) error
	ListEvents(ctx context.Context, consentID uuid.UUID) ([]*Event, error)
}
