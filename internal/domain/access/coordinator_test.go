package access

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/crossfacility/internal/domain/accessaudit"
	"github.com/ehr/crossfacility/internal/domain/consent"
	"github.com/ehr/crossfacility/internal/domain/directory"
	"github.com/ehr/crossfacility/internal/domain/identity"
	"github.com/ehr/crossfacility/internal/domain/records"
	"github.com/ehr/crossfacility/internal/platform/apperr"
)

const patientU = "ZA-GP-0123456789ab-42"

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

// -- Fakes --

type fakeActors map[string]*directory.Actor

func (f fakeActors) GetActor(_ context.Context, id string) (*directory.Actor, error) {
	a, ok := f[id]
	if !ok {
		return nil, directory.ErrActorNotFound
	}
	return a, nil
}

type fakeFacilities map[string]*directory.Facility

func (f fakeFacilities) LookupFacility(_ context.Context, id string) (*directory.Facility, error) {
	fac, ok := f[id]
	if !ok {
		return nil, apperr.ErrFacilityNotFound
	}
	return fac, nil
}

type fakePatients struct {
	mu       sync.Mutex
	patients map[string]*identity.PatientIdentity
	accessed []string
}

func (f *fakePatients) GetPatient(_ context.Context, id string) (*identity.PatientIdentity, error) {
	p, ok := f.patients[id]
	if !ok {
		return nil, apperr.ErrPatientNotFound
	}
	return p, nil
}

func (f *fakePatients) RecordAccess(_ context.Context, patientUUID, actorID, facilityID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.accessed = append(f.accessed, actorID+"@"+facilityID)
	return nil
}

// fakeConsents keeps one consent record per (patient, facility) and drives
// it through the real consent state machine.
type fakeConsents struct {
	mu       sync.Mutex
	byPair   map[string]*consent.Record
	requests int
	usage    []uuid.UUID
	now      time.Time
}

func newFakeConsents() *fakeConsents {
	return &fakeConsents{byPair: make(map[string]*consent.Record), now: t0}
}

func (f *fakeConsents) IsValidFor(_ context.Context, patientUUID, facilityID string) (*consent.Record, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.byPair[patientUUID+"|"+facilityID]
	if !ok {
		return nil, false, nil
	}
	return rec, rec.ValidAt(f.now), nil
}

func (f *fakeConsents) RequestConsent(_ context.Context, in consent.RequestInput) (*consent.Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	scope, err := records.ParseCategories(in.Scope)
	if err != nil {
		return nil, err
	}
	key := in.PatientUUID + "|" + in.TargetFacilityID
	rec, ok := f.byPair[key]
	switch {
	case !ok:
		rec = consent.NewRequest(in.PatientUUID, "fac-a", in.TargetFacilityID, in.Purpose, scope, in.RequestedBy, f.now, consent.DefaultValidity)
		f.byPair[key] = rec
		f.requests++
	case rec.Terminal() || rec.Lapsed(f.now):
		if _, err := rec.Restart(in.Purpose, scope, in.RequestedBy, f.now, consent.DefaultValidity); err != nil {
			return nil, err
		}
		f.requests++
	}
	return rec, nil
}

func (f *fakeConsents) RecordUsage(_ context.Context, id uuid.UUID, _, _ string, _ map[string]interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usage = append(f.usage, id)
	return nil
}

func (f *fakeConsents) grant(t *testing.T, patientUUID, facilityID string) *consent.Record {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	rec := f.byPair[patientUUID+"|"+facilityID]
	if rec == nil {
		t.Fatalf("no consent for %s at %s", patientUUID, facilityID)
	}
	_, err := rec.Grant(consent.GrantInput{
		Signature: consent.Signature{Method: "written", SignedBy: "patient"},
		GrantedBy: "registrar-c",
	}, f.now)
	if err != nil {
		t.Fatalf("grant: %v", err)
	}
	return rec
}

func (f *fakeConsents) withdraw(t *testing.T, patientUUID, facilityID string) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, err := f.byPair[patientUUID+"|"+facilityID].Withdraw("patient request", "registrar-c", f.now); err != nil {
		t.Fatalf("withdraw: %v", err)
	}
}

type fakeSource struct {
	mu      sync.Mutex
	records map[string][]*records.ClinicalRecord
	fail    map[string]error
	calls   []string
}

func (f *fakeSource) FetchRecords(_ context.Context, patientUUID, facilityID string, types []records.Category) ([]*records.ClinicalRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, facilityID)
	if err := f.fail[facilityID]; err != nil {
		return nil, err
	}
	want := make(map[records.Category]bool)
	for _, t := range types {
		want[t] = true
	}
	var out []*records.ClinicalRecord
	for _, r := range f.records[facilityID] {
		if r.PatientUUID == patientUUID && want[r.Type] {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeAudit struct {
	mu      sync.Mutex
	entries []*accessaudit.Entry
}

func (f *fakeAudit) Record(e *accessaudit.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, e)
	return nil
}

// -- Fixture --

type fixture struct {
	coord    *Coordinator
	patients *fakePatients
	consents *fakeConsents
	source   *fakeSource
	audit    *fakeAudit
}

func clinicalRecord(facilityID string, typ records.Category, at time.Time) *records.ClinicalRecord {
	return &records.ClinicalRecord{
		ID:          uuid.New(),
		PatientUUID: patientU,
		FacilityID:  facilityID,
		Type:        typ,
		Title:       string(typ) + " at " + facilityID,
		RecordedAt:  at,
	}
}

// newFixture: patient U is registered at A and B; Dr C works at facility C.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	actors := fakeActors{
		"dr-c":       {ID: "dr-c", Name: "Dr C", Role: directory.RoleDoctor, FacilityIDs: []string{"fac-c"}, Active: true},
		"nurse-a":    {ID: "nurse-a", Name: "Nurse A", Role: directory.RoleNurse, FacilityIDs: []string{"fac-a"}, Active: true},
		"clerk-c":    {ID: "clerk-c", Name: "Clerk C", Role: "registrar", FacilityIDs: []string{"fac-c"}, Active: true},
		"retired-dr": {ID: "retired-dr", Name: "Dr R", Role: directory.RoleDoctor, FacilityIDs: []string{"fac-c"}, Active: false},
	}
	facilities := fakeFacilities{
		"fac-a": {ID: "fac-a", Name: "Hospital A", Code: "GP001", Active: true},
		"fac-b": {ID: "fac-b", Name: "Hospital B", Code: "WC002", Active: true},
		"fac-c": {ID: "fac-c", Name: "Clinic C", Code: "KZ003", Active: true},
	}
	patients := &fakePatients{patients: map[string]*identity.PatientIdentity{
		patientU: {
			PatientUUID: patientU,
			Registrations: []*identity.FacilityRegistration{
				{FacilityID: "fac-a", Status: identity.StatusActive, RegistrationDate: t0.AddDate(-2, 0, 0)},
				{FacilityID: "fac-b", Status: identity.StatusActive, RegistrationDate: t0.AddDate(-1, 0, 0)},
			},
		},
	}}
	source := &fakeSource{
		records: map[string][]*records.ClinicalRecord{
			"fac-a": {
				clinicalRecord("fac-a", records.CategoryPrescriptions, t0.AddDate(-1, -6, 0)),
				clinicalRecord("fac-a", records.CategoryAllergies, t0.AddDate(-2, 0, 0)),
			},
			"fac-b": {
				clinicalRecord("fac-b", records.CategoryTestResults, t0.AddDate(0, -1, 0)),
			},
		},
		fail: make(map[string]error),
	}
	consents := newFakeConsents()
	audit := &fakeAudit{}
	coord := NewCoordinator(Config{PeerConcurrency: 2}, actors, facilities, patients, consents, source, audit, nil, zerolog.Nop())
	return &fixture{coord: coord, patients: patients, consents: consents, source: source, audit: audit}
}

func requestFromC() RecordRequest {
	return RecordRequest{PatientUUID: patientU, ActorID: "dr-c", FacilityID: "fac-c", Purpose: "referral", RequestID: "req-1"}
}

func TestRequestRecords_Scenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.coord.RequestRecords(ctx, requestFromC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusPendingConsent {
		t.Fatalf("expected pending_consent, got %s", res.Status)
	}
	if len(res.Records) != 0 || res.Summary != nil {
		t.Error("expected no clinical data while consent is pending")
	}
	if len(f.source.calls) != 0 {
		t.Errorf("expected no peer fetch, got %v", f.source.calls)
	}

	f.consents.grant(t, patientU, "fac-c")
	if _, ok, _ := f.consents.IsValidFor(ctx, patientU, "fac-c"); !ok {
		t.Fatal("expected consent to be valid after grant")
	}

	res, err = f.coord.RequestRecords(ctx, requestFromC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusGranted {
		t.Fatalf("expected granted, got %s", res.Status)
	}
	if len(res.Records) != 3 {
		t.Fatalf("expected 3 records from A and B, got %d", len(res.Records))
	}
	for _, r := range res.Records {
		if !r.IsExternal || r.AccessLevel != AccessLevelReadOnly {
			t.Errorf("expected external read-only record, got %+v", r)
		}
		if r.FacilityID == "fac-c" {
			t.Error("expected no records from the requesting facility")
		}
	}
	if res.Records[0].FacilityID != "fac-b" || res.Records[0].SourceFacilityName != "Hospital B" {
		t.Errorf("expected newest record first from Hospital B, got %s", res.Records[0].SourceFacilityName)
	}
	s := res.Summary
	if len(s.HospitalsWithRecords) != 2 || s.HospitalsWithRecords[0] != "fac-a" || s.HospitalsWithRecords[1] != "fac-b" {
		t.Errorf("expected hospitals [fac-a fac-b], got %v", s.HospitalsWithRecords)
	}
	if s.CountsByType[records.CategoryPrescriptions] != 1 || s.TotalRecords != 3 {
		t.Errorf("unexpected summary %+v", s)
	}
	if !s.OldestRecord.Equal(t0.AddDate(-2, 0, 0)) || !s.MostRecentRecord.Equal(t0.AddDate(0, -1, 0)) {
		t.Errorf("unexpected range %v - %v", s.OldestRecord, s.MostRecentRecord)
	}
	if len(f.consents.usage) != 1 {
		t.Errorf("expected one usage event, got %d", len(f.consents.usage))
	}

	f.consents.withdraw(t, patientU, "fac-c")
	if _, ok, _ := f.consents.IsValidFor(ctx, patientU, "fac-c"); ok {
		t.Fatal("expected consent to be invalid after withdraw")
	}
	res, err = f.coord.RequestRecords(ctx, requestFromC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Status != StatusPendingConsent {
		t.Errorf("expected pending_consent after withdraw, got %s", res.Status)
	}
	if f.consents.requests != 2 {
		t.Errorf("expected a new request cycle, got %d requests", f.consents.requests)
	}
}

func TestRequestRecords_PendingDoesNotDuplicate(t *testing.T) {
	f := newFixture(t)
	for i := 0; i < 3; i++ {
		res, err := f.coord.RequestRecords(context.Background(), requestFromC())
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if res.Status != StatusPendingConsent {
			t.Fatalf("expected pending_consent, got %s", res.Status)
		}
	}
	if f.consents.requests != 1 {
		t.Errorf("expected a single consent request, got %d", f.consents.requests)
	}
}

func TestRequestRecords_Audit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.coord.RequestRecords(ctx, requestFromC())
	f.consents.grant(t, patientU, "fac-c")
	if _, err := f.coord.RequestRecords(ctx, requestFromC()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(f.audit.entries) != 2 {
		t.Fatalf("expected 2 audit entries, got %d", len(f.audit.entries))
	}
	read := f.audit.entries[1]
	if read.Action != accessaudit.ActionRead || !read.IsCrossHospitalAccess || !read.ConsentVerified {
		t.Errorf("unexpected read entry %+v", read)
	}
	if read.LegalBasis != accessaudit.LegalBasisConsent || read.ActorID != "dr-c" || read.RequestID != "req-1" {
		t.Errorf("unexpected read entry fields %+v", read)
	}
	if len(read.OriginFacilityIDs) != 2 {
		t.Errorf("expected 2 origin facilities, got %v", read.OriginFacilityIDs)
	}
	if len(f.patients.accessed) != 2 || f.patients.accessed[0] != "dr-c@fac-c" {
		t.Errorf("expected registry access events, got %v", f.patients.accessed)
	}
}

func TestRequestRecords_PeerFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.coord.RequestRecords(ctx, requestFromC())
	f.consents.grant(t, patientU, "fac-c")
	f.source.fail["fac-b"] = errors.New("connection refused")

	res, err := f.coord.RequestRecords(ctx, requestFromC())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.UnavailableFacilities) != 1 || res.UnavailableFacilities[0] != "fac-b" {
		t.Errorf("expected fac-b unavailable, got %v", res.UnavailableFacilities)
	}
	if len(res.Records) != 2 || res.Summary.HospitalsWithRecords[0] != "fac-a" {
		t.Errorf("expected records from fac-a only, got %d", len(res.Records))
	}
}

func TestRequestRecords_ScopeFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	req := requestFromC()
	req.RecordTypes = []string{"prescriptions"}
	f.coord.RequestRecords(ctx, req)
	f.consents.grant(t, patientU, "fac-c")

	req.RecordTypes = []string{"prescriptions", "test_results"}
	res, err := f.coord.RequestRecords(ctx, req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.RefusedTypes) != 1 || res.RefusedTypes[0] != records.CategoryTestResults {
		t.Errorf("expected test_results refused, got %v", res.RefusedTypes)
	}
	if len(res.Records) != 1 || res.Records[0].Type != records.CategoryPrescriptions {
		t.Errorf("expected only the prescription, got %d records", len(res.Records))
	}

	req.RecordTypes = []string{"allergies"}
	if _, err := f.coord.RequestRecords(ctx, req); !errors.Is(err, apperr.ErrConsentInvalid) {
		t.Errorf("expected ErrConsentInvalid, got %v", err)
	}
}

func TestRequestRecords_Unauthorized(t *testing.T) {
	tests := []struct {
		name     string
		actor    string
		facility string
	}{
		{"unknown actor", "ghost", "fac-c"},
		{"non-clinical role", "clerk-c", "fac-c"},
		{"inactive actor", "retired-dr", "fac-c"},
		{"other facility", "nurse-a", "fac-c"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			req := requestFromC()
			req.ActorID, req.FacilityID = tt.actor, tt.facility
			_, err := f.coord.RequestRecords(context.Background(), req)
			if !errors.Is(err, apperr.ErrUnauthorized) {
				t.Errorf("expected ErrUnauthorized, got %v", err)
			}
			if f.consents.requests != 0 || len(f.audit.entries) != 0 {
				t.Error("expected no side effects for an unauthorized actor")
			}
		})
	}
}

func TestRequestRecords_UnknownPatient(t *testing.T) {
	f := newFixture(t)
	req := requestFromC()
	req.PatientUUID = "ZA-GP-ffffffffffff-00"
	if _, err := f.coord.RequestRecords(context.Background(), req); !errors.Is(err, apperr.ErrPatientNotFound) {
		t.Errorf("expected ErrPatientNotFound, got %v", err)
	}
}

func TestRequestRecords_UnknownRecordType(t *testing.T) {
	f := newFixture(t)
	req := requestFromC()
	req.RecordTypes = []string{"x-rays"}
	if _, err := f.coord.RequestRecords(context.Background(), req); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}

func TestCheckPermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	p, err := f.coord.CheckPermission(ctx, "dr-c", "fac-c", patientU, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Allowed || p.ConsentID != nil {
		t.Errorf("expected no consent on file, got %+v", p)
	}
	if f.consents.requests != 0 || len(f.audit.entries) != 0 || len(f.patients.accessed) != 0 {
		t.Error("expected CheckPermission to have no side effects")
	}

	f.coord.RequestRecords(ctx, requestFromC())
	p, _ = f.coord.CheckPermission(ctx, "dr-c", "fac-c", patientU, "")
	if p.Allowed || p.ConsentID == nil {
		t.Errorf("expected pending consent to deny, got %+v", p)
	}

	f.consents.grant(t, patientU, "fac-c")
	p, _ = f.coord.CheckPermission(ctx, "dr-c", "fac-c", patientU, "allergies")
	if !p.Allowed {
		t.Errorf("expected allowed, got %+v", p)
	}

	p, _ = f.coord.CheckPermission(ctx, "clerk-c", "fac-c", patientU, "")
	if p.Allowed {
		t.Error("expected a registrar to be refused")
	}

	if _, err := f.coord.CheckPermission(ctx, "dr-c", "fac-c", patientU, "x-rays"); !errors.Is(err, apperr.ErrInvalidInput) {
		t.Errorf("expected ErrInvalidInput, got %v", err)
	}
}
