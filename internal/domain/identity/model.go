package identity

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/crossfacility/internal/platform/apperr"
)

const dateLayout = "2006-01-02"

type RegistrationStatus string

const (
	StatusActive      RegistrationStatus = "active"
	StatusTransferred RegistrationStatus = "transferred"
	StatusInactive    RegistrationStatus = "inactive"
)

type EventKind string

const (
	EventCreated        EventKind = "created"
	EventUpdated        EventKind = "updated"
	EventAccessed       EventKind = "accessed"
	EventConsentChanged EventKind = "consent_changed"
)

// Demographics are used for fuzzy matching and display only, never for
// authorization. DateOfBirth is YYYY-MM-DD.
type Demographics struct {
	FirstName   string `json:"first_name"`
	LastName    string `json:"last_name"`
	DateOfBirth string `json:"date_of_birth,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Email       string `json:"email,omitempty"`
}

func (d Demographics) birthDate() (*time.Time, error) {
	if d.DateOfBirth == "" {
		return nil, nil
	}
	t, err := time.Parse(dateLayout, d.DateOfBirth)
	if err != nil {
		return nil, fmt.Errorf("%w: date_of_birth must be YYYY-MM-DD", apperr.ErrInvalidInput)
	}
	return &t, nil
}

type PatientIdentity struct {
	PatientUUID  string `json:"patient_uuid"`
	IdentityHash string `json:"-"`
	Demographics
	Registrations  []*FacilityRegistration   `json:"facility_registrations"`
	ConsentSummary map[string]*ConsentMirror `json:"consent_summary"`
	CreatedAt      time.Time                 `json:"created_at"`
	UpdatedAt      time.Time                 `json:"updated_at"`
}

// PrimaryRegistration is the earliest active registration, falling back to
// the earliest of any status.
func (p *PatientIdentity) PrimaryRegistration() *FacilityRegistration {
	if len(p.Registrations) == 0 {
		return nil
	}
	regs := append([]*FacilityRegistration(nil), p.Registrations...)
	sort.SliceStable(regs, func(i, j int) bool {
		return regs[i].RegistrationDate.Before(regs[j].RegistrationDate)
	})
	for _, r := range regs {
		if r.Status == StatusActive {
			return r
		}
	}
	return regs[0]
}

func (p *PatientIdentity) RegistrationAt(facilityID string) *FacilityRegistration {
	for _, r := range p.Registrations {
		if r.FacilityID == facilityID {
			return r
		}
	}
	return nil
}

type FacilityRegistration struct {
	ID               uuid.UUID          `json:"id"`
	PatientUUID      string             `json:"patient_uuid"`
	FacilityID       string             `json:"facility_id"`
	FacilityCode     string             `json:"facility_code"`
	LocalPatientID   string             `json:"local_patient_id,omitempty"`
	RegistrationDate time.Time          `json:"registration_date"`
	LastVisit        time.Time          `json:"last_visit"`
	Status           RegistrationStatus `json:"status"`
}

// ConsentMirror is the identity-side copy of the latest consent decision for
// one target facility.
type ConsentMirror struct {
	ConsentID string    `json:"consent_id"`
	State     string    `json:"state"`
	ChangedAt time.Time `json:"changed_at"`
}

type RegistryEvent struct {
	ID          uuid.UUID `json:"id"`
	PatientUUID string    `json:"patient_uuid"`
	Kind        EventKind `json:"kind"`
	ActorID     string    `json:"actor_id,omitempty"`
	FacilityID  string    `json:"facility_id,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Hospital is a registration joined with directory data.
type Hospital struct {
	*FacilityRegistration
	FacilityName string `json:"facility_name"`
	Province     string `json:"province"`
}

type MatchQuality string

const (
	QualityHigh   MatchQuality = "high"
	QualityMedium MatchQuality = "medium"
	QualityLow    MatchQuality = "low"
)

type MatchCandidate struct {
	Identity *PatientIdentity `json:"identity"`
	Score    int              `json:"score"`
	Quality  MatchQuality     `json:"quality"`
}

type RegisterRequest struct {
	Demographics
	NationalID     string `json:"national_id"`
	FacilityID     string `json:"facility_id"`
	LocalPatientID string `json:"local_patient_id,omitempty"`
	ActorID        string `json:"-"`
}

type Resolution struct {
	PatientUUID  string `json:"patient_uuid"`
	IsNewPatient bool   `json:"is_new_patient"`
}

type TransferRequest struct {
	PatientUUID    string `json:"-"`
	FromFacilityID string `json:"from_facility_id"`
	ToFacilityID   string `json:"to_facility_id"`
	LocalPatientID string `json:"local_patient_id,omitempty"`
	ActorID        string `json:"-"`
}

type ConsentChange struct {
	PatientUUID string
	FacilityID  string
	ConsentID   string
	State       string
	ActorID     string
	At          time.Time
}

func normalizeName(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func digitsOnly(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
