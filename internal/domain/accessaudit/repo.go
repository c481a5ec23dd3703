package accessaudit

import (
	"context"
	"time"
)

// Repository is append-only: there is no update or delete.
type Repository interface {
	Insert(ctx context.Context, e *Entry) error
	ListByPatient(ctx context.Context, patientUUID string, from, to time.Time, limit, offset int) ([]*Entry, int, error)
	ActorStats(ctx context.Context, actorID string, since time.Time) (*ActorStats, error)
	// ListRange returns entries with from <= recorded_at < to, optionally
	// limited to one source facility.
	ListRange(ctx context.Context, facilityID string, from, to time.Time) ([]*Entry, error)
	// Chain returns up to limit entries with seq > afterSeq in seq order.
	Chain(ctx context.Context, afterSeq int64, limit int) ([]*Entry, error)
}
