// Package records reads clinical data held by individual facilities. It is a
// read-only view; each facility's own systems own the rows.
package records

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Category string

const (
	CategoryRecords           Category = "records"
	CategoryPrescriptions     Category = "prescriptions"
	CategoryTestResults       Category = "test_results"
	CategoryAppointments      Category = "appointments"
	CategoryAllergies         Category = "allergies"
	CategoryChronicConditions Category = "chronic_conditions"
)

// AllCategories is the full access scope in display order.
var AllCategories = []Category{
	CategoryRecords,
	CategoryPrescriptions,
	CategoryTestResults,
	CategoryAppointments,
	CategoryAllergies,
	CategoryChronicConditions,
}

func (c Category) Valid() bool {
	for _, known := range AllCategories {
		if c == known {
			return true
		}
	}
	return false
}

// ParseCategories validates raw names. An empty input means every category.
func ParseCategories(raw []string) ([]Category, error) {
	if len(raw) == 0 {
		return append([]Category(nil), AllCategories...), nil
	}
	seen := make(map[Category]bool, len(raw))
	out := make([]Category, 0, len(raw))
	for _, r := range raw {
		c := Category(r)
		if !c.Valid() {
			return nil, fmt.Errorf("unknown record type %q", r)
		}
		if !seen[c] {
			seen[c] = true
			out = append(out, c)
		}
	}
	return out, nil
}

type ClinicalRecord struct {
	ID          uuid.UUID       `json:"id"`
	PatientUUID string          `json:"patient_uuid"`
	FacilityID  string          `json:"facility_id"`
	Type        Category        `json:"type"`
	Title       string          `json:"title"`
	Body        json.RawMessage `json:"body,omitempty"`
	RecordedAt  time.Time       `json:"recorded_at"`
}

// Source returns a facility's records for one patient.
type Source interface {
	FetchRecords(ctx context.Context, patientUUID, facilityID string, types []Category) ([]*ClinicalRecord, error)
}
