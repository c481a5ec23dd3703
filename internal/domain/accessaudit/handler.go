package accessaudit

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/crossfacility/internal/platform/apperr"
	"github.com/ehr/crossfacility/internal/platform/auth"
	"github.com/ehr/crossfacility/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	writers := api.Group("", auth.RequireRole("doctor", "nurse", "registrar"))
	writers.POST("/audit/entries", h.LogAccess)

	readers := api.Group("", auth.RequireRole("auditor", "registrar"))
	readers.GET("/patients/:uuid/access-history", h.PatientAccessHistory)

	auditors := api.Group("", auth.RequireRole("auditor"))
	auditors.GET("/audit/actors/:id/suspicious", h.Suspicious)
	auditors.POST("/audit/reports/compliance", h.ComplianceReport)
	auditors.GET("/audit/chain/verify", h.VerifyChain)
}

// LogAccess records an entry on behalf of the caller. Actor fields come from
// the token; only admins may log for another actor.
func (h *Handler) LogAccess(c echo.Context) error {
	var e Entry
	if err := c.Bind(&e); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if e.ActorID == "" || !auth.HasRole(ctx, auth.RoleAdmin) {
		e.ActorID = auth.UserIDFromContext(ctx)
		e.ActorName = auth.NameFromContext(ctx)
	}
	if e.SourceFacilityID != "" && !auth.InFacility(ctx, e.SourceFacilityID) {
		return echo.NewHTTPError(http.StatusForbidden, "not a member of facility "+e.SourceFacilityID)
	}
	if e.RequestID == "" {
		e.RequestID = c.Response().Header().Get(echo.HeaderXRequestID)
	}
	if e.IPAddress == "" {
		e.IPAddress = c.RealIP()
	}
	if e.UserAgent == "" {
		e.UserAgent = c.Request().UserAgent()
	}
	e.ID, e.RecordedAt = uuid.Nil, time.Time{}

	if err := h.svc.LogAccess(ctx, &e); err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, echo.NewHTTPError(http.StatusBadRequest, "timestamps must be RFC3339: "+raw)
	}
	return t, nil
}

func (h *Handler) PatientAccessHistory(c echo.Context) error {
	from, err := parseTime(c.QueryParam("from"))
	if err != nil {
		return err
	}
	to, err := parseTime(c.QueryParam("to"))
	if err != nil {
		return err
	}
	pg := pagination.FromContext(c)
	entries, total, err := h.svc.GetPatientAccessHistory(c.Request().Context(), c.Param("uuid"), from, to, pg)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if entries == nil {
		entries = []*Entry{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(entries, total, pg).WithLinks(c.Request().URL.Path))
}

func (h *Handler) Suspicious(c echo.Context) error {
	window := 0
	if raw := c.QueryParam("window"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "window must be a positive number of minutes")
		}
		window = n
	}
	report, err := h.svc.DetectSuspiciousActivity(c.Request().Context(), c.Param("id"), window)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) ComplianceReport(c echo.Context) error {
	var p ReportParams
	if err := c.Bind(&p); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	report, err := h.svc.GenerateComplianceReport(c.Request().Context(), p)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, report)
}

func (h *Handler) VerifyChain(c echo.Context) error {
	report, err := h.svc.VerifyChain(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, report)
}
