package identity

import (
	"context"
	"time"
)

// Repository is the patient identity registry.
//
// Create returns apperr.ErrDuplicateIdentity when identity_hash is taken and
// apperr.ErrConflict when the minted UUID collides. Lookups return
// apperr.ErrPatientNotFound or apperr.ErrRegistrationNotFound.
type Repository interface {
	GetByHash(ctx context.Context, identityHash string) (*PatientIdentity, error)
	GetByUUID(ctx context.Context, patientUUID string) (*PatientIdentity, error)
	Create(ctx context.Context, p *PatientIdentity, first *FacilityRegistration) error
	FindCandidates(ctx context.Context, firstName, lastName string, dobFrom, dobTo time.Time) ([]*PatientIdentity, error)
	SetConsentMirror(ctx context.Context, patientUUID, facilityID string, m *ConsentMirror) error

	// UpsertRegistration inserts reg or, when the patient is already
	// registered at the facility, only refreshes last_visit. created reports
	// which happened.
	UpsertRegistration(ctx context.Context, reg *FacilityRegistration) (created bool, err error)
	GetRegistration(ctx context.Context, patientUUID, facilityID string) (*FacilityRegistration, error)
	UpdateRegistration(ctx context.Context, reg *FacilityRegistration) error
	ListRegistrations(ctx context.Context, patientUUID string) ([]*FacilityRegistration, error)

	AppendEvent(ctx context.Context, e *RegistryEvent) error
	ListEvents(ctx context.Context, patientUUID string, limit, offset int) ([]*RegistryEvent, int, error)
}
