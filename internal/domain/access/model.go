package access

import (
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/ehr/crossfacility/internal/domain/consent"
	"github.com/ehr/crossfacility/internal/domain/records"
)

type Status string

const (
	StatusGranted        Status = "granted"
	StatusPendingConsent Status = "pending_consent"
)

const AccessLevelReadOnly = "read_only"

type RecordRequest struct {
	PatientUUID string   `json:"patient_uuid"`
	ActorID     string   `json:"-"`
	FacilityID  string   `json:"facility_id"`
	Purpose     string   `json:"purpose"`
	RecordTypes []string `json:"record_types"`
	RequestID   string   `json:"-"`
	IPAddress   string   `json:"-"`
	UserAgent   string   `json:"-"`
}

// ExternalRecord is a record fetched from another facility. It is never
// editable by the requester.
type ExternalRecord struct {
	*records.ClinicalRecord
	SourceFacilityName string `json:"source_facility_name"`
	IsExternal         bool   `json:"is_external"`
	AccessLevel        string `json:"access_level"`
}

type Summary struct {
	TotalRecords         int                      `json:"total_records"`
	CountsByType         map[records.Category]int `json:"counts_by_type"`
	OldestRecord         *time.Time               `json:"oldest_record,omitempty"`
	MostRecentRecord     *time.Time               `json:"most_recent_record,omitempty"`
	HospitalsWithRecords []string                 `json:"hospitals_with_records"`
}

type RecordResult struct {
	Status                Status             `json:"status"`
	PatientUUID           string             `json:"patient_uuid"`
	ConsentID             *uuid.UUID         `json:"consent_id,omitempty"`
	ConsentState          consent.State      `json:"consent_state,omitempty"`
	Message               string             `json:"message,omitempty"`
	Records               []*ExternalRecord  `json:"records,omitempty"`
	Summary               *Summary           `json:"summary,omitempty"`
	RefusedTypes          []records.Category `json:"refused_types,omitempty"`
	UnavailableFacilities []string           `json:"unavailable_facilities,omitempty"`
}

type Permission struct {
	Allowed   bool       `json:"allowed"`
	Reason    string     `json:"reason"`
	ConsentID *uuid.UUID `json:"consent_id,omitempty"`
}

func summarize(recs []*ExternalRecord) *Summary {
	s := &Summary{
		TotalRecords:         len(recs),
		CountsByType:         make(map[records.Category]int),
		HospitalsWithRecords: []string{},
	}
	seen := make(map[string]bool)
	for _, r := range recs {
		s.CountsByType[r.Type]++
		at := r.RecordedAt
		if s.OldestRecord == nil || at.Before(*s.OldestRecord) {
			s.OldestRecord = &at
		}
		if s.MostRecentRecord == nil || at.After(*s.MostRecentRecord) {
			s.MostRecentRecord = &at
		}
		if !seen[r.FacilityID] {
			seen[r.FacilityID] = true
			s.HospitalsWithRecords = append(s.HospitalsWithRecords, r.FacilityID)
		}
	}
	sort.Strings(s.HospitalsWithRecords)
	return s
}
