package identity

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehr/crossfacility/internal/domain/directory"
	"github.com/ehr/crossfacility/internal/platform/apperr"
	"github.com/ehr/crossfacility/internal/platform/db"
	"github.com/ehr/crossfacility/internal/platform/hipaa"
)

// Hasher turns a national identifier into the registry lookup key.
type Hasher interface {
	Hash(nationalID string) (string, error)
}

type Service struct {
	repo       Repository
	facilities directory.FacilityDirectory
	hasher     Hasher
	minter     *Minter
	tx         db.TxRunner
	logger     zerolog.Logger
	now        func() time.Time
}

func NewService(repo Repository, facilities directory.FacilityDirectory, hasher Hasher, minter *Minter, tx db.TxRunner, logger zerolog.Logger) *Service {
	if minter == nil {
		minter = NewMinter(nil)
	}
	return &Service{
		repo:       repo,
		facilities: facilities,
		hasher:     hasher,
		minter:     minter,
		tx:         tx,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// ResolveOrRegister returns the patient's UUID, registering the patient (or
// the calling facility) when needed. A UUID is only returned once the
// registry write has committed.
func (s *Service) ResolveOrRegister(ctx context.Context, req RegisterRequest) (*Resolution, error) {
	if strings.TrimSpace(req.NationalID) == "" {
		return nil, fmt.Errorf("%w: national_id is required", apperr.ErrInvalidInput)
	}
	if req.FacilityID == "" {
		return nil, fmt.Errorf("%w: facility_id is required", apperr.ErrInvalidInput)
	}
	if _, err := req.birthDate(); err != nil {
		return nil, err
	}
	fac, err := s.facilities.LookupFacility(ctx, req.FacilityID)
	if err != nil {
		return nil, err
	}
	hash, err := s.hasher.Hash(req.NationalID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidInput, err)
	}

	existing, err := s.repo.GetByHash(ctx, hash)
	if err == nil {
		return s.attach(ctx, existing, fac, req)
	}
	if !errors.Is(err, apperr.ErrPatientNotFound) {
		return nil, err
	}

	if req.FirstName == "" || req.LastName == "" {
		return nil, fmt.Errorf("%w: first_name and last_name are required for new patients", apperr.ErrInvalidInput)
	}

	for attempt := 0; attempt < 2; attempt++ {
		p, err := s.register(ctx, hash, fac, req)
		switch {
		case err == nil:
			return &Resolution{PatientUUID: p.PatientUUID, IsNewPatient: true}, nil
		case errors.Is(err, apperr.ErrDuplicateIdentity):
			// Lost the race to another registration for the same person.
			existing, rerr := s.repo.GetByHash(ctx, hash)
			if rerr != nil {
				return nil, fmt.Errorf("%w: re-read after duplicate identity: %v", apperr.ErrStoreUnavailable, rerr)
			}
			s.logger.Info().Str("patient_uuid", existing.PatientUUID).Str("facility_id", fac.ID).
				Msg("concurrent registration resolved to existing identity")
			return s.attach(ctx, existing, fac, req)
		case errors.Is(err, apperr.ErrConflict):
			continue
		default:
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: could not mint a unique patient uuid", apperr.ErrStoreUnavailable)
}

func (s *Service) register(ctx context.Context, hash string, fac *directory.Facility, req RegisterRequest) (*PatientIdentity, error) {
	now := s.now()
	p := &PatientIdentity{
		PatientUUID:    s.minter.Mint(hipaa.NormalizeNationalID(req.NationalID), fac.Code),
		IdentityHash:   hash,
		Demographics:   req.Demographics,
		ConsentSummary: map[string]*ConsentMirror{},
	}
	reg := &FacilityRegistration{
		PatientUUID:      p.PatientUUID,
		FacilityID:       fac.ID,
		FacilityCode:     fac.Code,
		LocalPatientID:   req.LocalPatientID,
		RegistrationDate: now,
		LastVisit:        now,
		Status:           StatusActive,
	}
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, p, reg); err != nil {
			return err
		}
		return s.repo.AppendEvent(ctx, &RegistryEvent{
			PatientUUID: p.PatientUUID,
			Kind:        EventCreated,
			ActorID:     req.ActorID,
			FacilityID:  fac.ID,
			OccurredAt:  now,
		})
	})
	if err != nil {
		return nil, err
	}
	return p, nil
}

func (s *Service) attach(ctx context.Context, p *PatientIdentity, fac *directory.Facility, req RegisterRequest) (*Resolution, error) {
	now := s.now()
	reg := &FacilityRegistration{
		PatientUUID:      p.PatientUUID,
		FacilityID:       fac.ID,
		FacilityCode:     fac.Code,
		LocalPatientID:   req.LocalPatientID,
		RegistrationDate: now,
		LastVisit:        now,
		Status:           StatusActive,
	}
	err := s.tx.RunInTx(ctx, func(ctx context.Context) error {
		created, err := s.repo.UpsertRegistration(ctx, reg)
		if err != nil {
			return err
		}
		detail := "visit refreshed"
		if created {
			detail = "registered at facility"
		}
		return s.repo.AppendEvent(ctx, &RegistryEvent{
			PatientUUID: p.PatientUUID,
			Kind:        EventUpdated,
			ActorID:     req.ActorID,
			FacilityID:  fac.ID,
			Detail:      detail,
			OccurredAt:  now,
		})
	})
	if err != nil {
		return nil, err
	}
	return &Resolution{PatientUUID: p.PatientUUID, IsNewPatient: false}, nil
}

// FuzzyMatch ranks identities by demographic similarity for human review.
// A match never grants access on its own.
func (s *Service) FuzzyMatch(ctx context.Context, d Demographics) ([]*MatchCandidate, error) {
	if d.FirstName == "" || d.LastName == "" || d.DateOfBirth == "" {
		return nil, fmt.Errorf("%w: first_name, last_name and date_of_birth are required", apperr.ErrInvalidInput)
	}
	dob, err := d.birthDate()
	if err != nil {
		return nil, err
	}
	day := 24 * time.Hour
	found, err := s.repo.FindCandidates(ctx, d.FirstName, d.LastName, dob.Add(-day), dob.Add(day))
	if err != nil {
		return nil, err
	}

	out := make([]*MatchCandidate, 0, len(found))
	for _, p := range found {
		score := MatchScore(d, p.Demographics)
		out = append(out, &MatchCandidate{Identity: p, Score: score, Quality: QualityFor(score)})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].Identity.PatientUUID < out[j].Identity.PatientUUID
	})
	return out, nil
}

// MatchScore: first name 30, last name 30, same birth date 30, phone 10.
func MatchScore(query, candidate Demographics) int {
	score := 0
	if normalizeName(query.FirstName) == normalizeName(candidate.FirstName) {
		score += 30
	}
	if normalizeName(query.LastName) == normalizeName(candidate.LastName) {
		score += 30
	}
	if query.DateOfBirth != "" && query.DateOfBirth == candidate.DateOfBirth {
		score += 30
	}
	if p := digitsOnly(query.Phone); p != "" && p == digitsOnly(candidate.Phone) {
		score += 10
	}
	return score
}

func QualityFor(score int) MatchQuality {
	switch {
	case score >= 80:
		return QualityHigh
	case score >= 60:
		return QualityMedium
	default:
		return QualityLow
	}
}

func (s *Service) GetPatient(ctx context.Context, patientUUID string) (*PatientIdentity, error) {
	if err := ValidatePatientUUID(patientUUID); err != nil {
		return nil, err
	}
	return s.repo.GetByUUID(ctx, patientUUID)
}

// GetPatientHospitals lists every facility the patient is registered at in
// registration order.
func (s *Service) GetPatientHospitals(ctx context.Context, patientUUID string) ([]*Hospital, error) {
	p, err := s.GetPatient(ctx, patientUUID)
	if err != nil {
		return nil, err
	}
	out := make([]*Hospital, 0, len(p.Registrations))
	for _, reg := range p.Registrations {
		h := &Hospital{FacilityRegistration: reg, Province: ProvinceForFacilityCode(reg.FacilityCode)}
		fac, err := s.facilities.LookupFacility(ctx, reg.FacilityID)
		switch {
		case err == nil:
			h.FacilityName = fac.Name
			if fac.Province != "" {
				h.Province = fac.Province
			}
		case errors.Is(err, apperr.ErrFacilityNotFound):
			s.logger.Warn().Str("facility_id", reg.FacilityID).Msg("registered facility missing from directory")
		default:
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

// TransferPatient marks the source registration transferred and makes the
// destination registration active, creating it if needed.
func (s *Service) TransferPatient(ctx context.Context, req TransferRequest) (*PatientIdentity, error) {
	if req.FromFacilityID == "" || req.ToFacilityID == "" {
		return nil, fmt.Errorf("%w: from_facility_id and to_facility_id are required", apperr.ErrInvalidInput)
	}
	if req.FromFacilityID == req.ToFacilityID {
		return nil, fmt.Errorf("%w: cannot transfer to the same facility", apperr.ErrInvalidInput)
	}
	if err := ValidatePatientUUID(req.PatientUUID); err != nil {
		return nil, err
	}
	to, err := s.facilities.LookupFacility(ctx, req.ToFacilityID)
	if err != nil {
		return nil, err
	}

	now := s.now()
	err = s.tx.RunInTx(ctx, func(ctx context.Context) error {
		from, err := s.repo.GetRegistration(ctx, req.PatientUUID, req.FromFacilityID)
		if err != nil {
			return err
		}
		from.Status = StatusTransferred
		if err := s.repo.UpdateRegistration(ctx, from); err != nil {
			return err
		}

		dest, err := s.repo.GetRegistration(ctx, req.PatientUUID, to.ID)
		switch {
		case errors.Is(err, apperr.ErrRegistrationNotFound):
			_, err = s.repo.UpsertRegistration(ctx, &FacilityRegistration{
				PatientUUID:      req.PatientUUID,
				FacilityID:       to.ID,
				FacilityCode:     to.Code,
				LocalPatientID:   req.LocalPatientID,
				RegistrationDate: now,
				LastVisit:        now,
				Status:           StatusActive,
			})
		case err == nil:
			dest.Status = StatusActive
			dest.LastVisit = now
			err = s.repo.UpdateRegistration(ctx, dest)
		}
		if err != nil {
			return err
		}

		return s.repo.AppendEvent(ctx, &RegistryEvent{
			PatientUUID: req.PatientUUID,
			Kind:        EventUpdated,
			ActorID:     req.ActorID,
			FacilityID:  to.ID,
			Detail:      fmt.Sprintf("transferred from %s to %s", req.FromFacilityID, to.ID),
			OccurredAt:  now,
		})
	})
	if err != nil {
		return nil, err
	}
	return s.repo.GetByUUID(ctx, req.PatientUUID)
}

// UpdatePatientVisit refreshes last_visit at a facility the patient is
// already registered at. A zero at means now.
func (s *Service) UpdatePatientVisit(ctx context.Context, patientUUID, facilityID, actorID string, at time.Time) (*FacilityRegistration, error) {
	if err := ValidatePatientUUID(patientUUID); err != nil {
		return nil, err
	}
	if at.IsZero() {
		at = s.now()
	}
	reg, err := s.repo.GetRegistration(ctx, patientUUID, facilityID)
	if err != nil {
		return nil, err
	}
	reg.LastVisit = at.UTC()
	if err := s.repo.UpdateRegistration(ctx, reg); err != nil {
		return nil, err
	}
	if err := s.repo.AppendEvent(ctx, &RegistryEvent{
		PatientUUID: patientUUID,
		Kind:        EventUpdated,
		ActorID:     actorID,
		FacilityID:  facilityID,
		Detail:      "visit recorded",
		OccurredAt:  s.now(),
	}); err != nil {
		return nil, err
	}
	return reg, nil
}

// RecordConsentChange mirrors a consent decision onto the identity.
func (s *Service) RecordConsentChange(ctx context.Context, ch ConsentChange) error {
	if ch.At.IsZero() {
		ch.At = s.now()
	}
	return s.tx.RunInTx(ctx, func(ctx context.Context) error {
		if err := s.repo.SetConsentMirror(ctx, ch.PatientUUID, ch.FacilityID, &ConsentMirror{
			ConsentID: ch.ConsentID,
			State:     ch.State,
			ChangedAt: ch.At,
		}); err != nil {
			return err
		}
		return s.repo.AppendEvent(ctx, &RegistryEvent{
			PatientUUID: ch.PatientUUID,
			Kind:        EventConsentChanged,
			ActorID:     ch.ActorID,
			FacilityID:  ch.FacilityID,
			Detail:      fmt.Sprintf("consent %s %s", ch.ConsentID, ch.State),
			OccurredAt:  ch.At,
		})
	})
}

func (s *Service) RecordAccess(ctx context.Context, patientUUID, actorID, facilityID, detail string) error {
	return s.repo.AppendEvent(ctx, &RegistryEvent{
		PatientUUID: patientUUID,
		Kind:        EventAccessed,
		ActorID:     actorID,
		FacilityID:  facilityID,
		Detail:      detail,
		OccurredAt:  s.now(),
	})
}

func (s *Service) ListEvents(ctx context.Context, patientUUID string, limit, offset int) ([]*RegistryEvent, int, error) {
	if err := ValidatePatientUUID(patientUUID); err != nil {
		return nil, 0, err
	}
	return s.repo.ListEvents(ctx, patientUUID, limit, offset)
}
