package accessaudit

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/crossfacility/internal/platform/apperr"
)

type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionSearch Action = "search"
	ActionExport Action = "export"
)

func (a Action) Valid() bool {
	switch a {
	case ActionRead, ActionCreate, ActionUpdate, ActionDelete, ActionSearch, ActionExport:
		return true
	}
	return false
}

const (
	LegalBasisConsent   = "patient_consent"
	LegalBasisTreatment = "treatment"
	LegalBasisEmergency = "emergency"
	LegalBasisLaw       = "legal_obligation"
)

const FlagCrossAccessWithoutConsent = "cross_access_without_consent"

// Entry is one write-once row of the access audit log. It carries
// identifiers only, never clinical content.
type Entry struct {
	ID                    uuid.UUID  `json:"id"`
	ActorID               string     `json:"actor_id"`
	ActorName             string     `json:"actor_name,omitempty"`
	ActorRole             string     `json:"actor_role,omitempty"`
	SourceFacilityID      string     `json:"source_facility_id,omitempty"`
	ResourceType          string     `json:"resource_type"`
	ResourceID            string     `json:"resource_id,omitempty"`
	PatientUUID           string     `json:"patient_uuid,omitempty"`
	Action                Action     `json:"action"`
	IsCrossHospitalAccess bool       `json:"is_cross_hospital_access"`
	Purpose               string     `json:"purpose,omitempty"`
	LegalBasis            string     `json:"legal_basis,omitempty"`
	ConsentVerified       bool       `json:"consent_verified"`
	ConsentID             *uuid.UUID `json:"consent_id,omitempty"`
	OriginFacilityIDs     []string   `json:"origin_facility_ids,omitempty"`
	RequestID             string     `json:"request_id,omitempty"`
	IPAddress             string     `json:"ip_address,omitempty"`
	UserAgent             string     `json:"user_agent,omitempty"`
	SecurityFlags         []string   `json:"security_flags,omitempty"`
	RecordedAt            time.Time  `json:"recorded_at"`

	// Chain position, assigned by the store on insert.
	Seq       int64  `json:"seq,omitempty"`
	PrevHash  string `json:"prev_hash,omitempty"`
	EntryHash string `json:"entry_hash,omitempty"`
}

func (e *Entry) Validate() error {
	if e.ActorID == "" {
		return fmt.Errorf("%w: actor_id is required", apperr.ErrInvalidInput)
	}
	if e.ResourceType == "" {
		return fmt.Errorf("%w: resource_type is required", apperr.ErrInvalidInput)
	}
	if !e.Action.Valid() {
		return fmt.Errorf("%w: unknown action %q", apperr.ErrInvalidInput, e.Action)
	}
	return nil
}

// applyFlags adds derived security flags. Idempotent.
func (e *Entry) applyFlags() {
	if e.IsCrossHospitalAccess && !e.ConsentVerified {
		e.addFlag(FlagCrossAccessWithoutConsent)
	}
}

func (e *Entry) addFlag(flag string) {
	for _, f := range e.SecurityFlags {
		if f == flag {
			return
		}
	}
	e.SecurityFlags = append(e.SecurityFlags, flag)
}

// ActorStats counts one actor's accesses since a point in time.
type ActorStats struct {
	Accesses         int `json:"accesses"`
	DistinctPatients int `json:"distinct_patients"`
	Exports          int `json:"exports"`
	CrossFacility    int `json:"cross_facility"`
}

type Thresholds struct {
	MaxAccesses      int
	MaxPatients      int
	MaxExports       int
	MaxCrossFacility int
}

func DefaultThresholds() Thresholds {
	return Thresholds{MaxAccesses: 50, MaxPatients: 20, MaxExports: 10, MaxCrossFacility: 15}
}

const (
	HeuristicVolume        = "high_access_volume"
	HeuristicPatients      = "many_distinct_patients"
	HeuristicExports       = "bulk_export"
	HeuristicCrossFacility = "cross_facility_volume"
)

type Heuristic struct {
	Name      string `json:"name"`
	Count     int    `json:"count"`
	Threshold int    `json:"threshold"`
	Exceeded  bool   `json:"exceeded"`
}

type SuspicionReport struct {
	ActorID       string      `json:"actor_id"`
	WindowMinutes int         `json:"window_minutes"`
	Since         time.Time   `json:"since"`
	Stats         ActorStats  `json:"stats"`
	Heuristics    []Heuristic `json:"heuristics"`
	Suspicious    bool        `json:"suspicious"`
}

// Evaluate fills the heuristic breakdown. A heuristic fires when its count is
// strictly above the threshold.
func Evaluate(actorID string, window int, since time.Time, st ActorStats, th Thresholds) *SuspicionReport {
	r := &SuspicionReport{ActorID: actorID, WindowMinutes: window, Since: since, Stats: st}
	for _, h := range []Heuristic{
		{Name: HeuristicVolume, Count: st.Accesses, Threshold: th.MaxAccesses},
		{Name: HeuristicPatients, Count: st.DistinctPatients, Threshold: th.MaxPatients},
		{Name: HeuristicExports, Count: st.Exports, Threshold: th.MaxExports},
		{Name: HeuristicCrossFacility, Count: st.CrossFacility, Threshold: th.MaxCrossFacility},
	} {
		h.Exceeded = h.Count > h.Threshold
		if h.Exceeded {
			r.Suspicious = true
		}
		r.Heuristics = append(r.Heuristics, h)
	}
	return r
}

type ReportParams struct {
	FacilityID string    `json:"facility_id,omitempty"`
	From       time.Time `json:"from"`
	To         time.Time `json:"to"`
	Archive    bool      `json:"archive"`
	TopN       int       `json:"top_n,omitempty"`
}

type ActorCount struct {
	ActorID string `json:"actor_id"`
	Count   int    `json:"count"`
}

type ComplianceReport struct {
	ReportID                uuid.UUID      `json:"report_id"`
	FacilityID              string         `json:"facility_id,omitempty"`
	From                    time.Time      `json:"from"`
	To                      time.Time      `json:"to"`
	GeneratedAt             time.Time      `json:"generated_at"`
	TotalAccesses           int            `json:"total_accesses"`
	ByAction                map[Action]int `json:"by_action"`
	ByLegalBasis            map[string]int `json:"by_legal_basis"`
	CrossFacilityAccesses   int            `json:"cross_facility_accesses"`
	ConsentVerified         int            `json:"consent_verified"`
	ConsentVerifiedRatio    float64        `json:"consent_verified_ratio"`
	UnverifiedCrossFacility int            `json:"unverified_cross_facility"`
	TopActors               []ActorCount   `json:"top_actors"`
	FlaggedActors           []string       `json:"flagged_actors"`
	ArchiveLocation         string         `json:"archive_location,omitempty"`
}
