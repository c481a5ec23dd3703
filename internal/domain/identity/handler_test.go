package identity

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/ehr/crossfacility/internal/platform/auth"
)

func newTestHandler(t *testing.T) (*Handler, *echo.Echo) {
	t.Helper()
	svc, _ := newTestService(t)
	return NewHandler(svc), echo.New()
}

func asActor(req *http.Request, roles []string, facilities ...string) *http.Request {
	return req.WithContext(auth.WithPrincipal(req.Context(), auth.Principal{
		ActorID: "clerk-1", Roles: roles, FacilityIDs: facilities,
	}))
}

func postJSON(e *echo.Echo, path, body string, roles []string, facilities ...string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req = asActor(req, roles, facilities...)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

const resolveBody = `{"national_id":"8803140123087","facility_id":"fac-a","first_name":"Thandi","last_name":"Nkosi","date_of_birth":"1988-03-14"}`

func TestHandler_Resolve(t *testing.T) {
	h, e := newTestHandler(t)

	c, rec := postJSON(e, "/api/v1/patients/resolve", resolveBody, []string{"registrar"}, "fac-a")
	if err := h.Resolve(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Errorf("expected 201, got %d", rec.Code)
	}
	var res Resolution
	json.Unmarshal(rec.Body.Bytes(), &res)
	if !res.IsNewPatient || res.PatientUUID == "" {
		t.Errorf("unexpected resolution %+v", res)
	}

	c, rec = postJSON(e, "/api/v1/patients/resolve", resolveBody, []string{"registrar"}, "fac-a")
	if err := h.Resolve(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Errorf("expected 200 for known patient, got %d", rec.Code)
	}
}

func TestHandler_Resolve_OtherFacilityForbidden(t *testing.T) {
	h, e := newTestHandler(t)
	c, _ := postJSON(e, "/api/v1/patients/resolve", resolveBody, []string{"registrar"}, "fac-b")
	err := h.Resolve(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusForbidden {
		t.Errorf("expected 403, got %v", err)
	}
}

func TestHandler_Resolve_UnknownFacility(t *testing.T) {
	h, e := newTestHandler(t)
	body := strings.Replace(resolveBody, "fac-a", "fac-zz", 1)
	c, _ := postJSON(e, "/api/v1/patients/resolve", body, []string{"admin"})
	err := h.Resolve(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_GetPatient(t *testing.T) {
	h, e := newTestHandler(t)
	c, rec := postJSON(e, "/", resolveBody, []string{"admin"})
	h.Resolve(c)
	var res Resolution
	json.Unmarshal(rec.Body.Bytes(), &res)

	req := asActor(httptest.NewRequest(http.MethodGet, "/", nil), []string{"doctor"})
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("uuid")
	c.SetParamValues(res.PatientUUID)

	if err := h.GetPatient(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if strings.Contains(rec.Body.String(), "identity_hash") || strings.Contains(rec.Body.String(), "8803140123087") {
		t.Errorf("expected identity hash and national id to be absent: %s", rec.Body.String())
	}
	var p PatientIdentity
	json.Unmarshal(rec.Body.Bytes(), &p)
	if p.FirstName != "Thandi" || len(p.Registrations) != 1 {
		t.Errorf("unexpected patient %+v", p)
	}
}

func TestHandler_GetPatient_BadUUID(t *testing.T) {
	h, e := newTestHandler(t)
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c := e.NewContext(req, httptest.NewRecorder())
	c.SetParamNames("uuid")
	c.SetParamValues("garbage")

	err := h.GetPatient(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %v", err)
	}
}

func TestHandler_FuzzyMatch(t *testing.T) {
	h, e := newTestHandler(t)
	c, _ := postJSON(e, "/", resolveBody, []string{"admin"})
	h.Resolve(c)

	c, rec := postJSON(e, "/api/v1/patients/match",
		`{"first_name":"thandi","last_name":"NKOSI","date_of_birth":"1988-03-14"}`, []string{"nurse"})
	if err := h.FuzzyMatch(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Candidates []MatchCandidate `json:"candidates"`
		Total      int              `json:"total"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 1 || body.Candidates[0].Score != 90 {
		t.Errorf("expected one candidate scoring 90, got %+v", body)
	}
}

func TestHandler_RecordVisit_NotRegistered(t *testing.T) {
	h, e := newTestHandler(t)
	c, rec := postJSON(e, "/", resolveBody, []string{"admin"})
	h.Resolve(c)
	var res Resolution
	json.Unmarshal(rec.Body.Bytes(), &res)

	c, _ = postJSON(e, "/", `{"facility_id":"fac-b"}`, []string{"nurse"}, "fac-b")
	c.SetParamNames("uuid")
	c.SetParamValues(res.PatientUUID)
	err := h.RecordVisit(c)
	if he, ok := err.(*echo.HTTPError); !ok || he.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %v", err)
	}
}

func TestHandler_ListEvents(t *testing.T) {
	h, e := newTestHandler(t)
	c, rec := postJSON(e, "/", resolveBody, []string{"admin"})
	h.Resolve(c)
	var res Resolution
	json.Unmarshal(rec.Body.Bytes(), &res)

	req := asActor(httptest.NewRequest(http.MethodGet, "/api/v1/patients/x/events?limit=5", nil), []string{"auditor"})
	rec = httptest.NewRecorder()
	c = e.NewContext(req, rec)
	c.SetParamNames("uuid")
	c.SetParamValues(res.PatientUUID)

	if err := h.ListEvents(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var body struct {
		Total int `json:"total"`
		Limit int `json:"limit"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body.Total != 1 || body.Limit != 5 {
		t.Errorf("expected total 1 limit 5, got %+v", body)
	}
}
