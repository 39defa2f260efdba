package casefile

import (
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/animalwelfare/intake/internal/platform/auth"
	"github.com/animalwelfare/intake/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

// RegisterRoutes mounts the reviewer case endpoints on api and the public
// intake wizard on public.
func (h *Handler) RegisterRoutes(api *echo.Group, public *echo.Group) {
	read := api.Group("", auth.RequireRole(auth.RoleReviewer, "clerk"))
	read.GET("/cases", h.SearchCases)
	read.GET("/cases/:id", h.GetCase)
	read.GET("/cases/:id/attachments", h.ListAttachments)
	read.GET("/cases/:id/history", h.ListHistory)

	write := api.Group("", auth.RequireRole(auth.RoleReviewer))
	write.POST("/cases", h.CreateCase)
	write.PUT("/cases/:id", h.UpdateCase)
	write.POST("/cases/:id/assign", h.AssignCase)
	write.POST("/cases/:id/status", h.SetStatus)
	write.POST("/cases/:id/attachments", h.AddAttachment)

	public.POST("/intake/wizard", h.StepWizard)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrCaseNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "case not found")
	case errors.Is(err, ErrCaseMerged):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, ErrInvalid), errors.Is(err, ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func actor(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

func (h *Handler) CreateCase(c echo.Context) error {
	var cs Case
	if err := c.Bind(&cs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Create(c.Request().Context(), &cs, actor(c)); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cs)
}

func (h *Handler) GetCase(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	cs, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cs)
}

func (h *Handler) UpdateCase(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var cs Case
	if err := c.Bind(&cs); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cs.ID = id
	if err := h.svc.Update(c.Request().Context(), &cs, actor(c)); err != nil {
		return httpError(err)
	}
	updated, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, updated)
}

func (h *Handler) SearchCases(c echo.Context) error {
	pg := pagination.FromContext(c)
	f := Filter{
		Status:    Status(c.QueryParam("status")),
		Category:  c.QueryParam("category"),
		MergeFlag: MergeFlag(c.QueryParam("merge_flag")),
		Limit:     pg.Limit,
		Offset:    pg.Offset,
	}
	items, total, err := h.svc.Search(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

func (h *Handler) AssignCase(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		AssigneeID string `json:"assigneeId"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.Assign(c.Request().Context(), id, body.AssigneeID, actor(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) SetStatus(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Status Status `json:"status"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := h.svc.SetStatus(c.Request().Context(), id, body.Status, actor(c)); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) AddAttachment(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var a Attachment
	if err := c.Bind(&a); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	a.CaseID = id
	if uid := actor(c); uid != "" {
		a.UploadedBy = &uid
	}
	if err := h.svc.AddAttachment(c.Request().Context(), &a); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, a)
}

func (h *Handler) ListAttachments(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.Attachments(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) ListHistory(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	items, err := h.svc.History(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, items)
}

type wizardRequest struct {
	Wizard
	Event WizardEvent `json:"event"`
}

// StepWizard applies one event to the client's wizard. A submit stores the
// report and returns the new case with any likely duplicates.
func (h *Handler) StepWizard(c echo.Context) error {
	var req wizardRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	w := req.Wizard
	if w.State == "" {
		w.State = StepDetails
	}

	if req.Event == EventSubmit {
		sub, err := h.svc.SubmitReport(c.Request().Context(), &w)
		if err != nil {
			return httpError(err)
		}
		return c.JSON(http.StatusCreated, sub)
	}

	if err := w.Fire(req.Event); err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, w)
}
