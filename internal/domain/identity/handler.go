package identity

import (
	"net/http"
	"time"

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
	clinical := api.Group("", auth.RequireRole("doctor", "nurse", "registrar"))
	clinical.POST("/patients/resolve", h.Resolve)
	clinical.POST("/patients/match", h.FuzzyMatch)
	clinical.GET("/patients/:uuid", h.GetPatient)
	clinical.GET("/patients/:uuid/hospitals", h.GetPatientHospitals)
	clinical.POST("/patients/:uuid/visits", h.RecordVisit)

	registrar := api.Group("", auth.RequireRole("registrar"))
	registrar.POST("/patients/:uuid/transfer", h.Transfer)

	audit := api.Group("", auth.RequireRole("auditor"))
	audit.GET("/patients/:uuid/events", h.ListEvents)
}

func (h *Handler) Resolve(c echo.Context) error {
	var req RegisterRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if !auth.InFacility(ctx, req.FacilityID) {
		return echo.NewHTTPError(http.StatusForbidden, "not a member of facility "+req.FacilityID)
	}
	req.ActorID = auth.UserIDFromContext(ctx)

	res, err := h.svc.ResolveOrRegister(ctx, req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	status := http.StatusOK
	if res.IsNewPatient {
		status = http.StatusCreated
	}
	return c.JSON(status, res)
}

func (h *Handler) FuzzyMatch(c echo.Context) error {
	var d Demographics
	if err := c.Bind(&d); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	candidates, err := h.svc.FuzzyMatch(c.Request().Context(), d)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"candidates": candidates,
		"total":      len(candidates),
	})
}

func (h *Handler) GetPatient(c echo.Context) error {
	p, err := h.svc.GetPatient(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) GetPatientHospitals(c echo.Context) error {
	hospitals, err := h.svc.GetPatientHospitals(c.Request().Context(), c.Param("uuid"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, hospitals)
}

func (h *Handler) Transfer(c echo.Context) error {
	var req TransferRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.PatientUUID = c.Param("uuid")
	req.ActorID = auth.UserIDFromContext(c.Request().Context())

	p, err := h.svc.TransferPatient(c.Request().Context(), req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}

type visitRequest struct {
	FacilityID string    `json:"facility_id"`
	VisitedAt  time.Time `json:"visited_at"`
}

func (h *Handler) RecordVisit(c echo.Context) error {
	var req visitRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if req.FacilityID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "facility_id is required")
	}
	if !auth.InFacility(ctx, req.FacilityID) {
		return echo.NewHTTPError(http.StatusForbidden, "not a member of facility "+req.FacilityID)
	}
	reg, err := h.svc.UpdatePatientVisit(ctx, c.Param("uuid"), req.FacilityID, auth.UserIDFromContext(ctx), req.VisitedAt)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, reg)
}

func (h *Handler) ListEvents(c echo.Context) error {
	pg := pagination.FromContext(c)
	events, total, err := h.svc.ListEvents(c.Request().Context(), c.Param("uuid"), pg.Limit, pg.Offset)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(events, total, pg).WithLinks(c.Request().URL.Path))
}
