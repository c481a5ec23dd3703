package access

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/crossfacility/internal/platform/auth"
)

func doRequest(h echo.HandlerFunc, method, target, body string, p auth.Principal) (*httptest.ResponseRecorder, error) {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = req.WithContext(auth.WithPrincipal(req.Context(), p))
	rec := httptest.NewRecorder()
	return rec, h(echo.New().NewContext(req, rec))
}

var drC = auth.Principal{ActorID: "dr-c", Roles: []string{"doctor"}, FacilityIDs: []string{"fac-c"}}

func TestHandler_RequestRecords_Pending(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.coord)
	body := `{"patient_uuid":"` + patientU + `","facility_id":"fac-c","purpose":"referral"}`
	rec, err := doRequest(h.RequestRecords, http.MethodPost, "/api/v1/access/records", body, drC)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Errorf("expected 202, got %d", rec.Code)
	}
	var res RecordResult
	json.Unmarshal(rec.Body.Bytes(), &res)
	if res.Status != StatusPendingConsent || res.ConsentID == nil {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHandler_RequestRecords_Granted(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.coord)
	body := `{"patient_uuid":"` + patientU + `","facility_id":"fac-c"}`
	doRequest(h.RequestRecords, http.MethodPost, "/api/v1/access/records", body, drC)
	f.consents.grant(t, patientU, "fac-c")

	rec, err := doRequest(h.RequestRecords, http.MethodPost, "/api/v1/access/records", body, drC)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"access_level":"read_only"`) {
		t.Errorf("expected read-only records, got %s", rec.Body.String())
	}
}

func TestHandler_RequestRecords_OtherFacility(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.coord)
	body := `{"patient_uuid":"` + patientU + `","facility_id":"fac-a"}`
	_, err := doRequest(h.RequestRecords, http.MethodPost, "/api/v1/access/records", body, drC)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}

func TestHandler_CheckPermission(t *testing.T) {
	f := newFixture(t)
	h := NewHandler(f.coord)

	rec, err := doRequest(h.CheckPermission, http.MethodGet,
		"/api/v1/access/permission?facility_id=fac-c&patient_uuid="+patientU, "", drC)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !strings.Contains(rec.Body.String(), `"allowed":false`) {
		t.Errorf("expected denial, got %s", rec.Body.String())
	}

	_, err = doRequest(h.CheckPermission, http.MethodGet,
		"/api/v1/access/permission?facility_id=fac-c&patient_uuid="+patientU+"&actor_id=nurse-a", "", drC)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusForbidden {
		t.Errorf("expected 403 for checking another actor, got %v", err)
	}

	_, err = doRequest(h.CheckPermission, http.MethodGet, "/api/v1/access/permission", "", drC)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}
