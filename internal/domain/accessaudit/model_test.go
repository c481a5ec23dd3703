package accessaudit

import (
	"errors"
	"testing"
	"time"

	"github.com/ehr/crossfacility/internal/platform/apperr"
)

func TestEntryValidate(t *testing.T) {
	tests := []struct {
		name  string
		entry Entry
		ok    bool
	}{
		{"valid", Entry{ActorID: "dr-b", ResourceType: "clinical_record", Action: ActionRead}, true},
		{"missing actor", Entry{ResourceType: "clinical_record", Action: ActionRead}, false},
		{"missing resource", Entry{ActorID: "dr-b", Action: ActionRead}, false},
		{"unknown action", Entry{ActorID: "dr-b", ResourceType: "clinical_record", Action: "print"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.entry.Validate()
			if tt.ok && err != nil {
				t.Errorf("expected no error, got %v", err)
			}
			if !tt.ok && !errors.Is(err, apperr.ErrInvalidInput) {
				t.Errorf("expected ErrInvalidInput, got %v", err)
			}
		})
	}
}

func TestApplyFlags(t *testing.T) {
	e := &Entry{IsCrossHospitalAccess: true}
	e.applyFlags()
	e.applyFlags()
	if len(e.SecurityFlags) != 1 || e.SecurityFlags[0] != FlagCrossAccessWithoutConsent {
		t.Errorf("expected one cross-access flag, got %v", e.SecurityFlags)
	}

	verified := &Entry{IsCrossHospitalAccess: true, ConsentVerified: true}
	verified.applyFlags()
	if len(verified.SecurityFlags) != 0 {
		t.Errorf("expected no flags with verified consent, got %v", verified.SecurityFlags)
	}

	local := &Entry{}
	local.applyFlags()
	if len(local.SecurityFlags) != 0 {
		t.Errorf("expected no flags for local access, got %v", local.SecurityFlags)
	}
}

func TestEvaluate(t *testing.T) {
	th := DefaultThresholds()
	since := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

	quiet := Evaluate("dr-b", 60, since, ActorStats{Accesses: 50, DistinctPatients: 20, Exports: 10, CrossFacility: 15}, th)
	if quiet.Suspicious {
		t.Error("expected counts at the threshold not to be suspicious")
	}
	if len(quiet.Heuristics) != 4 {
		t.Fatalf("expected 4 heuristics, got %d", len(quiet.Heuristics))
	}

	busy := Evaluate("dr-b", 60, since, ActorStats{Accesses: 12, DistinctPatients: 3, Exports: 11}, th)
	if !busy.Suspicious {
		t.Fatal("expected export volume to be suspicious")
	}
	for _, h := range busy.Heuristics {
		if h.Exceeded != (h.Name == HeuristicExports) {
			t.Errorf("unexpected heuristic %+v", h)
		}
	}
}
