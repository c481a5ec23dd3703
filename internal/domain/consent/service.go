package consent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/crossfacility/internal/domain/directory"
	"github.com/ehr/crossfacility/internal/domain/identity"
	"github.com/ehr/crossfacility/internal/domain/records"
	"github.com/ehr/crossfacility/internal/platform/apperr"
	"github.com/ehr/crossfacility/internal/platform/db"
	"github.com/ehr/crossfacility/internal/platform/metrics"
	"github.com/ehr/crossfacility/internal/platform/notification"
)

const (
	DefaultValidity = 90 * 24 * time.Hour
	requestAttempts = 3
	sweepBatchSize  = 200
)

// Patients is the identity registry as seen by consent.
type Patients interface {
	GetPatient(ctx context.Context, patientUUID string) (*identity.PatientIdentity, error)
	RecordConsentChange(ctx context.Context, ch identity.ConsentChange) error
}

// Notifier informs the patient out of band that consent was requested.
// Implementations must not block.
type Notifier interface {
	ConsentRequested(ctx context.Context, req notification.ConsentRequest) error
}

type Config struct {
	Validity time.Duration
}

type Service struct {
	repo       Repository
	patients   Patients
	facilities directory.FacilityDirectory
	notifier   Notifier
	tx         db.TxRunner
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	validity   time.Duration
	now        func() time.Time
}

func NewService(cfg Config, repo Repository, patients Patients, facilities directory.FacilityDirectory,
	notifier Notifier, tx db.TxRunner, m *metrics.Metrics, logger zerolog.Logger) *Service {
	if cfg.Validity <= 0 {
		cfg.Validity = DefaultValidity
	}
	return &Service{
		repo:       repo,
		patients:   patients,
		facilities: facilities,
		notifier:   notifier,
		tx:         tx,
		metrics:    m,
		logger:     logger,
		validity:   cfg.Validity,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// RequestConsent finds or creates the consent record for the patient and
// target facility. A pending request is updated in place, a currently valid
// approval is returned unchanged, and a terminal or lapsed record starts a new
// cycle. New cycles notify the patient.
func (s *Service) RequestConsent(ctx context.Context, in RequestInput) (*Record, error) {
	if in.TargetFacilityID == "" {
		return nil, fmt.Errorf("%w: target_facility_id is required", apperr.ErrInvalidInput)
	}
	if strings.TrimSpace(in.Purpose) == "" {
		return nil, fmt.Errorf("%w: purpose is required", apperr.ErrInvalidInput)
	}
	scope, err := records.ParseCategories(in.Scope)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}
	patient, err := s.patients.GetPatient(ctx, in.PatientUUID)
	if err != nil {
		return nil, err
	}
	target, err := s.facilities.LookupFacility(ctx, in.TargetFacilityID)
	if err != nil {
		return nil, err
	}
	source := sourceFacility(patient, target.ID)
	if source == "" {
		return nil, fmt.Errorf("%w: patient has no facility registration", apperr.ErrRegistrationNotFound)
	}

	for attempt := 0; attempt < requestAttempts; attempt++ {
		rec, newCycle, err := s.requestOnce(ctx, in, scope, source)
		if errors.Is(err, apperr.ErrConflict) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if newCycle {
			s.metrics.ConsentTransition(string(StateRequested))
			s.notify(ctx, rec, patient, target)
		}
		return rec, nil
	}
	return nil, fmt.Errorf("%w: consent request kept racing", apperr.ErrConflict)
}

func (s *Service) requestOnce(ctx context.Context, in RequestInput, scope []records.Category, source string) (*Record, bool, error) {
	now := s.now()
	rec, err := s.repo.GetByPair(ctx, in.PatientUUID, in.TargetFacilityID)
	if errors.Is(err, apperr.ErrConsentNotFound) {
		rec = NewRequest(in.PatientUUID, source, in.TargetFacilityID, in.Purpose, scope, in.RequestedBy, now, s.validity)
		err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
			if err := s.repo.Insert(ctx, rec); err != nil {
				return err
			}
			return s.repo.AppendEvent(ctx, &Event{
				ConsentID: rec.ID, Kind: EventAudit, ActorID: in.RequestedBy,
				ToState: StateRequested, Reason: "consent requested", OccurredAt: now,
			})
		})
		if err != nil {
			return nil, false, err
		}
		return rec, true, nil
	}
	if err != nil {
		return nil, false, err
	}

	expected := rec.Version
	switch {
	case rec.State == StateRequested:
		rec.Purpose = in.Purpose
		rec.AccessScope = scope
		rec.RequestedBy = in.RequestedBy
		if err := s.repo.Update(ctx, rec, expected); err != nil {
			return nil, false, err
		}
		return rec, false, nil
	case rec.ValidAt(now):
		return rec, false, nil
	}

	ev, err := rec.Restart(in.Purpose, scope, in.RequestedBy, now, s.validity)
	if err != nil {
		// Approved but not yet effective: nothing to restart.
		return rec, false, nil
	}
	rec.SourceFacilityID = source
	if err := s.commit(ctx, rec, expected, ev); err != nil {
		return nil, false, err
	}
	return rec, true, nil
}

// sourceFacility picks the patient's primary registration, skipping the
// requesting facility when the patient is registered elsewhere too.
func sourceFacility(p *identity.PatientIdentity, target string) string {
	if primary := p.PrimaryRegistration(); primary != nil && primary.FacilityID != target {
		return primary.FacilityID
	}
	for _, reg := range p.Registrations {
		if reg.FacilityID != target {
			return reg.FacilityID
		}
	}
	if primary := p.PrimaryRegistration(); primary != nil {
		return primary.FacilityID
	}
	return ""
}

func (s *Service) notify(ctx context.Context, rec *Record, p *identity.PatientIdentity, target *directory.Facility) {
	if s.notifier == nil {
		return
	}
	recipient := p.Phone
	if recipient == "" {
		recipient = p.Email
	}
	if recipient == "" {
		s.logger.Warn().Str("consent_id", rec.ID.String()).Msg("no contact details for consent notification")
		s.metrics.Notification("skipped")
		return
	}
	sourceName := rec.SourceFacilityID
	if f, err := s.facilities.LookupFacility(ctx, rec.SourceFacilityID); err == nil {
		sourceName = f.Name
	}
	err := s.notifier.ConsentRequested(ctx, notification.ConsentRequest{
		ConsentID:      rec.ID.String(),
		PatientUUID:    rec.PatientUUID,
		PatientName:    strings.TrimSpace(p.FirstName + " " + p.LastName),
		Recipient:      recipient,
		SourceFacility: sourceName,
		TargetFacility: target.Name,
		Purpose:        rec.Purpose,
	})
	if err != nil {
		s.logger.Error().Err(err).Str("consent_id", rec.ID.String()).Msg("consent notification not queued")
		s.metrics.Notification("dropped")
		return
	}
	s.metrics.Notification("queued")
}

// commit writes a transition, its history event and the identity mirror in
// one transaction.
func (s *Service) commit(ctx context.Context, rec *Record, expected int, ev *Event) error {
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Update(ctx, rec, expected); err != nil {
			return err
		}
		if err := s.repo.AppendEvent(ctx, ev); err != nil {
			return err
		}
		return s.patients.RecordConsentChange(ctx, identity.ConsentChange{
			PatientUUID: rec.PatientUUID,
			FacilityID:  rec.TargetFacilityID,
			ConsentID:   rec.ID.String(),
			State:       string(rec.State),
			ActorID:     ev.ActorID,
			At:          ev.OccurredAt,
		})
	})
}

// apply loads a record, runs a transition on it and commits the result.
func (s *Service) apply(ctx context.Context, id uuid.UUID, fn func(rec *Record, now time.Time) (*Event, error)) (*Record, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	expected := rec.Version
	ev, err := fn(rec, s.now())
	if err != nil {
		return nil, err
	}
	if err := s.commit(ctx, rec, expected, ev); err != nil {
		return nil, err
	}
	s.metrics.ConsentTransition(string(rec.State))
	return rec, nil
}

func (s *Service) GrantConsent(ctx context.Context, id uuid.UUID, in GrantInput) (*Record, error) {
	return s.apply(ctx, id, func(rec *Record, now time.Time) (*Event, error) {
		return rec.Grant(in, now)
	})
}

func (s *Service) RejectConsent(ctx context.Context, id uuid.UUID, reason, actor string) (*Record, error) {
	return s.apply(ctx, id, func(rec *Record, now time.Time) (*Event, error) {
		return rec.Reject(reason, actor, now)
	})
}

func (s *Service) Withdraw(ctx context.Context, id uuid.UUID, reason, actor string) (*Record, error) {
	return s.apply(ctx, id, func(rec *Record, now time.Time) (*Event, error) {
		return rec.Withdraw(reason, actor, now)
	})
}

func (s *Service) Renew(ctx context.Context, id uuid.UUID, newExpiry time.Time, actor string) (*Record, error) {
	return s.apply(ctx, id, func(rec *Record, now time.Time) (*Event, error) {
		return rec.Renew(newExpiry, actor, now)
	})
}

// IsValid reads the record fresh and evaluates the validity predicate.
func (s *Service) IsValid(ctx context.Context, id uuid.UUID) (bool, error) {
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return false, err
	}
	return s.valid(rec), nil
}

// IsValidFor returns the pair's record, if any, and whether it currently
// permits access.
func (s *Service) IsValidFor(ctx context.Context, patientUUID, facilityID string) (*Record, bool, error) {
	rec, err := s.repo.GetByPair(ctx, patientUUID, facilityID)
	if errors.Is(err, apperr.ErrConsentNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return rec, s.valid(rec), nil
}

func (s *Service) valid(rec *Record) bool {
	if !rec.Consistent() {
		s.logger.Error().Str("consent_id", rec.ID.String()).Str("state", string(rec.State)).
			Str("approval_status", string(rec.ApprovalStatus)).
			Bool("consent_given", rec.ConsentGiven).Bool("is_withdrawn", rec.IsWithdrawn).
			Msg("consent record auxiliary fields disagree with state")
		return false
	}
	return rec.ValidAt(s.now())
}

// ExpireSweep moves every lapsed approval to expired. Safe to run
// concurrently: each record is claimed with a version compare-and-set and
// losers skip it.
func (s *Service) ExpireSweep(ctx context.Context) (int, error) {
	expired := 0
	for {
		now := s.now()
		batch, err := s.repo.ListLapsed(ctx, now, sweepBatchSize)
		if err != nil {
			return expired, err
		}
		progressed := 0
		for _, rec := range batch {
			expected := rec.Version
			ev, err := rec.Expire(now)
			if err != nil {
				continue
			}
			err = s.commit(ctx, rec, expected, ev)
			if errors.Is(err, apperr.ErrConflict) {
				continue
			}
			if err != nil {
				s.metrics.ConsentTransitions(string(StateExpired), expired)
				return expired, err
			}
			expired++
			progressed++
		}
		if len(batch) < sweepBatchSize || progressed == 0 {
			break
		}
	}
	s.metrics.ConsentTransitions(string(StateExpired), expired)
	return expired, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Record, error) {
	return s.repo.GetByID(ctx, id)
}

// GetActiveConsents lists the patient's currently valid consents.
func (s *Service) GetActiveConsents(ctx context.Context, patientUUID string) ([]*Record, error) {
	all, err := s.repo.ListByPatient(ctx, patientUUID)
	if err != nil {
		return nil, err
	}
	var out []*Record
	for _, rec := range all {
		if s.valid(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *Service) ListForPatient(ctx context.Context, patientUUID string) ([]*Record, error) {
	return s.repo.ListByPatient(ctx, patientUUID)
}

func (s *Service) History(ctx context.Context, id uuid.UUID) ([]*Event, error) {
	if _, err := s.repo.GetByID(ctx, id); err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, id)
}

// RecordUsage appends a usage event for an access made under the consent.
func (s *Service) RecordUsage(ctx context.Context, id uuid.UUID, actorID, purpose string, detail map[string]interface{}) error {
	return s.repo.AppendEvent(ctx, &Event{
		ConsentID:  id,
		Kind:       EventUsage,
		ActorID:    actorID,
		Reason:     purpose,
		Detail:     detail,
		OccurredAt: s.now(),
	})
}
