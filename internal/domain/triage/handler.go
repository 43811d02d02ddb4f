package triage

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/triage/triage/internal/platform/auth"
	"github.com/triage/triage/internal/scoring"
	"github.com/triage/triage/pkg/pagination"
)

const (
	RoleFrontline = "frontline"
	RoleClinician = "clinician"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group, _ *echo.Group) {
	// Read endpoints: frontline, clinician
	readGroup := api.Group("", auth.RequireRole(RoleFrontline, RoleClinician))
	readGroup.POST("/vitals/validate", h.ValidateVitals)
	readGroup.POST("/vitals/score", h.ScoreVitals)
	readGroup.GET("/cases", h.ListCases)
	readGroup.GET("/cases/:id", h.GetCase)
	readGroup.GET("/cases/:id/history", h.GetHistory)

	// Frontline write endpoints
	frontGroup := api.Group("", auth.RequireRole(RoleFrontline))
	frontGroup.POST("/cases", h.CreateCase)
	frontGroup.POST("/cases/:id/review-request", h.RequestReview)
	frontGroup.POST("/cases/:id/clarification-response", h.RespondToClarification)

	// Reviewer endpoints
	reviewGroup := api.Group("", auth.RequireRole(RoleClinician))
	reviewGroup.POST("/cases/:id/decision", h.RecordDecision)
}

// -- Vitals --

func (h *Handler) ValidateVitals(c echo.Context) error {
	var raw scoring.RawVitals
	if err := c.Bind(&raw); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return c.JSON(http.StatusOK, h.svc.ValidateVitals(raw))
}

type scoreRequest struct {
	Vitals         scoring.RawVitals `json:"vitals"`
	ManualRedFlags []string          `json:"manual_red_flags"`
}

func (h *Handler) ScoreVitals(c echo.Context) error {
	var req scoreRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.PreviewScore(req.Vitals, req.ManualRedFlags)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// -- Cases --

func (h *Handler) CreateCase(c echo.Context) error {
	var in CreateCaseInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	out, err := h.svc.CreateCase(c.Request().Context(), in, auth.UserIDFromContext(c.Request().Context()))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, out)
}

func (h *Handler) GetCase(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	out, err := h.svc.GetCase(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// ListCases handles GET /cases. ?status= returns that queue in review order;
// ?owner= lists one worker's cases, with "me" meaning the caller.
func (h *Handler) ListCases(c echo.Context) error {
	ctx := c.Request().Context()
	pg := pagination.FromContext(c)

	var (
		items []*Case
		total int
		err   error
	)
	switch {
	case c.QueryParam("status") != "":
		st, perr := ParseStatus(c.QueryParam("status"))
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, perr.Error())
		}
		items, total, err = h.svc.ListQueue(ctx, st, pg.Limit, pg.Offset)
	case c.QueryParam("owner") != "":
		owner := c.QueryParam("owner")
		if owner == "me" {
			owner = auth.UserIDFromContext(ctx)
		}
		items, total, err = h.svc.ListByOwner(ctx, owner, pg.Limit, pg.Offset)
	default:
		items, total, err = h.svc.ListCases(ctx, pg.Limit, pg.Offset)
	}
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) GetHistory(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	items, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

// -- Commands --

func (h *Handler) RequestReview(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var cmd RequestReview
	if err := c.Bind(&cmd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cmd.RequestedBy = auth.UserIDFromContext(c.Request().Context())
	out, err := h.svc.RequestReview(c.Request().Context(), id, cmd)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) RecordDecision(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var cmd RecordDecision
	if err := c.Bind(&cmd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cmd.ReviewerID = auth.UserIDFromContext(c.Request().Context())
	out, err := h.svc.RecordReviewerDecision(c.Request().Context(), id, cmd)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

func (h *Handler) RespondToClarification(c echo.Context) error {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	var cmd RespondToClarification
	if err := c.Bind(&cmd); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cmd.RespondedBy = auth.UserIDFromContext(c.Request().Context())
	out, err := h.svc.RespondToClarification(c.Request().Context(), id, cmd)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, out)
}

// httpError maps service errors to HTTP responses.
func httpError(err error) error {
	var ve *ValidationError
	var te *TransitionError
	switch {
	case errors.As(err, &ve):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, map[string]interface{}{
			"errors":   ve.Report.Errors,
			"warnings": ve.Report.Warnings,
		})
	case errors.As(err, &te):
		return echo.NewHTTPError(http.StatusConflict, map[string]string{
			"error":   "invalid_transition",
			"message": te.Error(),
		})
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, map[string]string{
			"error":   "conflict",
			"message": err.Error(),
		})
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "triage case not found")
	case errors.Is(err, ErrInvalidCommand):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
}
