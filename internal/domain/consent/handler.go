package consent

import (
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/ehr/crossfacility/internal/platform/apperr"
	"github.com/ehr/crossfacility/internal/platform/auth"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinical := api.Group("", auth.RequireRole("doctor", "nurse", "registrar"))
	clinical.POST("/consents", h.Request)

	read := api.Group("", auth.RequireRole("doctor", "nurse", "registrar", "auditor"))
	read.GET("/consents/:id", h.Get)
	read.GET("/consents/:id/valid", h.IsValid)
	read.GET("/patients/:uuid/consents", h.ListForPatient)

	registrar := api.Group("", auth.RequireRole("registrar"))
	registrar.POST("/consents/:id/grant", h.Grant)
	registrar.POST("/consents/:id/reject", h.Reject)
	registrar.POST("/consents/:id/withdraw", h.Withdraw)
	registrar.POST("/consents/:id/renew", h.Renew)

	history := api.Group("", auth.RequireRole("registrar", "auditor"))
	history.GET("/consents/:id/history", h.History)

	admin := api.Group("", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/consents/sweep", h.Sweep)
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid consent id")
	}
	return id, nil
}

// decidedAtSource checks that the caller belongs to the facility holding the
// patient's records. Consent is recorded there, never by the requester.
func (h *Handler) decidedAtSource(c echo.Context, id uuid.UUID) error {
	ctx := c.Request().Context()
	rec, err := h.svc.Get(ctx, id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if !auth.InFacility(ctx, rec.SourceFacilityID) {
		return echo.NewHTTPError(http.StatusForbidden, "consent for this record is decided by facility "+rec.SourceFacilityID)
	}
	return nil
}

func (h *Handler) Request(c echo.Context) error {
	var in RequestInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	if !auth.InFacility(ctx, in.TargetFacilityID) {
		return echo.NewHTTPError(http.StatusForbidden, "not a member of facility "+in.TargetFacilityID)
	}
	in.RequestedBy = auth.UserIDFromContext(ctx)

	rec, err := h.svc.RequestConsent(ctx, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	status := http.StatusOK
	if rec.State == StateRequested {
		status = http.StatusAccepted
	}
	return c.JSON(status, rec)
}

func (h *Handler) Get(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	rec, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"consent": rec,
		"valid":   h.svc.valid(rec),
	})
}

func (h *Handler) IsValid(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	ok, err := h.svc.IsValid(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{"consent_id": id, "valid": ok})
}

func (h *Handler) ListForPatient(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		list []*Record
		err  error
	)
	if c.QueryParam("active") == "true" {
		list, err = h.svc.GetActiveConsents(ctx, c.Param("uuid"))
	} else {
		list, err = h.svc.ListForPatient(ctx, c.Param("uuid"))
	}
	if err != nil {
		return apperr.HTTPError(err)
	}
	if list == nil {
		list = []*Record{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"consents": list,
		"total":    len(list),
	})
}

func (h *Handler) Grant(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.decidedAtSource(c, id); err != nil {
		return err
	}
	var in GrantInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.GrantedBy = auth.UserIDFromContext(c.Request().Context())

	rec, err := h.svc.GrantConsent(c.Request().Context(), id, in)
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type reasonRequest struct {
	Reason string `json:"reason"`
}

func (h *Handler) Reject(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.decidedAtSource(c, id); err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	rec, err := h.svc.RejectConsent(ctx, id, req.Reason, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) Withdraw(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.decidedAtSource(c, id); err != nil {
		return err
	}
	var req reasonRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ctx := c.Request().Context()
	rec, err := h.svc.Withdraw(ctx, id, req.Reason, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

type renewRequest struct {
	ExpiryDate time.Time `json:"expiry_date"`
}

func (h *Handler) Renew(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	if err := h.decidedAtSource(c, id); err != nil {
		return err
	}
	var req renewRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.ExpiryDate.IsZero() {
		return echo.NewHTTPError(http.StatusBadRequest, "expiry_date is required")
	}
	ctx := c.Request().Context()
	rec, err := h.svc.Renew(ctx, id, req.ExpiryDate, auth.UserIDFromContext(ctx))
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, rec)
}

func (h *Handler) History(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	events, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return apperr.HTTPError(err)
	}
	if events == nil {
		events = []*Event{}
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"events": events,
		"total":  len(events),
	})
}

func (h *Handler) Sweep(c echo.Context) error {
	n, err := h.svc.ExpireSweep(c.Request().Context())
	if err != nil {
		return apperr.HTTPError(err)
	}
	return c.JSON(http.StatusOK, map[string]int{"expired": n})
}
