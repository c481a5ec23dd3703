package access

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ehr/crossfacility/internal/platform/apperr"
	"github.com/ehr/crossfacility/internal/platform/auth"
)

type Handler struct {
	coord *Coordinator
}

func NewHandler(coord *Coordinator) *Handler {
	return &Handler{coord: coord}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinical := api.Group("", auth.RequireRole("doctor", "nurse"))
	clinical.POST("/access/records", h.RequestRecords)

	check := api.Group("", auth.RequireRole("doctor", "nurse", "registrar", "auditor"))
	check.GET("/access/permission", h.CheckPermission)
}

func (h *Handler) RequestRecords(c echo.Context) error {
	var req RecordRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if !auth.InFacility(ctx, req.FacilityID) {
		return echo.NewHTTPError(http.StatusForbidden, "not a member of facility "+req.FacilityID)
	}
	req.ActorID = auth.UserIDFromContext(ctx)
	req.RequestID = c.Response().Header().Get(echo.HeaderXRequestID)
	req.IPAddress = c.RealIP()
	req.UserAgent = c.Request().UserAgent()

	res, err := h.coord.RequestRecords(ctx, req)
	if err != nil {
		return apperr.HTTPError(err)
	}
	status := http.StatusOK
	if res.Status == StatusPendingConsent {
		status = http.StatusAccepted
	}
	return c.JSON(status, res)
}

// CheckPermission answers for the caller, or for actor_id when an auditor
// asks on someone's behalf.
func (h *Handler) CheckPermission(c echo.Context) error {
	ctx := c.Request().Context()
	actorID := auth.UserIDFromContext(ctx)
	if other := c.QueryParam("actor_id"); other != "" && other != actorID {
		if !auth.HasRole(ctx, "auditor") {
			return echo.NewHTTPError(http.StatusForbidden, "only auditors may check another actor")
		}
		actorID = other
	}
	facilityID := c.QueryParam("facility_id")
	patientUUID := c.QueryParam("patient_uuid")
	if facilityID == "" || patientUUID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "facility_id and patient_uuid are required")
	}

	p, err := h.coord.CheckPermission(ctx, actorID, facilityID, patientUUID, c.QueryParam("record_type"))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, p)
}
