package dedup

import (
	"errors"
	"net/http"
	"strconv"

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

func (h *Handler) RegisterRoutes(api *echo.Group) {
	g := api.Group("/duplicates", auth.RequireRole(auth.RoleReviewer))
	g.GET("", h.ListPending)
	g.POST("", h.CreateManual)
	g.POST("/detect", h.Detect)
	g.GET("/history", h.ListHistory)
	g.GET("/audit", h.ListAudit)
	g.GET("/:id", h.GetCandidate)
	g.POST("/:id/approve", h.Approve)
	g.POST("/:id/reject", h.Reject)

	admin := api.Group("/duplicates", auth.RequireRole(auth.RoleAdmin))
	admin.POST("/runs", h.TriggerRun)
}

func httpError(err error) error {
	switch {
	case errors.Is(err, ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "candidate not found")
	case errors.Is(err, ErrUnknownCase):
		return echo.NewHTTPError(http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, ErrValidation):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrConflict):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}

func parseID(c echo.Context) (uuid.UUID, error) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return uuid.Nil, echo.NewHTTPError(http.StatusBadRequest, "invalid candidate id")
	}
	return id, nil
}

// parseCaseIDs parses ids from a request body. A malformed id is
// unprocessable rather than a bad request.
func parseCaseIDs(raw []string) ([]uuid.UUID, error) {
	out := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, echo.NewHTTPError(http.StatusUnprocessableEntity, "malformed case id: "+s)
		}
		out = append(out, id)
	}
	return out, nil
}

func reviewer(c echo.Context) string {
	return auth.UserIDFromContext(c.Request().Context())
}

func (h *Handler) ListPending(c echo.Context) error {
	p, err := pagination.Parse(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f := PendingFilter{MatchType: MatchType(c.QueryParam("match_type")), Limit: p.Limit, Offset: p.Offset}
	if raw := c.QueryParam("min_confidence"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "min_confidence must be a number")
		}
		f.MinConfidence = &v
	}
	items, total, err := h.svc.ListPending(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Candidate{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

func (h *Handler) GetCandidate(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	cand, err := h.svc.Get(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cand)
}

type manualRequest struct {
	PrimaryCaseID   string   `json:"primaryCaseId"`
	DuplicateCaseID string   `json:"duplicateCaseId"`
	Confidence      *float64 `json:"confidence"`
	Notes           string   `json:"notes"`
}

func (h *Handler) CreateManual(c echo.Context) error {
	var body manualRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ids, err := parseCaseIDs([]string{body.PrimaryCaseID, body.DuplicateCaseID})
	if err != nil {
		return err
	}
	cand, err := h.svc.CreateManual(c.Request().Context(), ManualRequest{
		PrimaryCaseID:   ids[0],
		DuplicateCaseID: ids[1],
		Confidence:      body.Confidence,
		Notes:           body.Notes,
		ReviewerID:      reviewer(c),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cand)
}

type detectRequest struct {
	CaseIDs []string `json:"caseIds"`
}

func (h *Handler) Detect(c echo.Context) error {
	var body detectRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if len(body.CaseIDs) == 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "caseIds is required")
	}
	ids, err := parseCaseIDs(body.CaseIDs)
	if err != nil {
		return err
	}
	res, err := h.svc.DetectForCases(c.Request().Context(), ids)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, res)
}

type approveRequest struct {
	PrimaryCaseID    string   `json:"primaryCaseId"`
	DuplicateCaseIDs []string `json:"duplicateCaseIds"`
	Notes            string   `json:"notes"`
}

type approveResponse struct {
	Candidate *Candidate     `json:"candidate"`
	Merges    []*MergeResult `json:"merges"`
}

func (h *Handler) Approve(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body approveRequest
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	ids, err := parseCaseIDs(append([]string{body.PrimaryCaseID}, body.DuplicateCaseIDs...))
	if err != nil {
		return err
	}
	cand, merges, err := h.svc.Approve(c.Request().Context(), ApproveRequest{
		CandidateID:      id,
		PrimaryCaseID:    ids[0],
		DuplicateCaseIDs: ids[1:],
		Notes:            body.Notes,
		ReviewerID:       reviewer(c),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, approveResponse{Candidate: cand, Merges: merges})
}

func (h *Handler) Reject(c echo.Context) error {
	id, err := parseID(c)
	if err != nil {
		return err
	}
	var body struct {
		Reason string `json:"reason"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	cand, err := h.svc.Reject(c.Request().Context(), RejectRequest{
		CandidateID: id,
		Reason:      body.Reason,
		ReviewerID:  reviewer(c),
	})
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cand)
}

func (h *Handler) ListHistory(c echo.Context) error {
	p, err := pagination.Parse(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	f := HistoryFilter{
		Status:   Status(c.QueryParam("status")),
		Reviewer: c.QueryParam("reviewer"),
		Limit:    p.Limit,
		Offset:   p.Offset,
	}
	if raw := c.QueryParam("case"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid case id")
		}
		f.CaseID = &id
	}
	items, total, err := h.svc.ListResolutionHistory(c.Request().Context(), f)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Candidate{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, p.Limit, p.Offset))
}

func (h *Handler) ListAudit(c echo.Context) error {
	ctx := c.Request().Context()
	var (
		items []*AuditEntry
		err   error
	)
	switch {
	case c.QueryParam("case") != "":
		id, perr := uuid.Parse(c.QueryParam("case"))
		if perr != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "invalid case id")
		}
		items, err = h.svc.AuditByCase(ctx, id)
	case c.QueryParam("reviewer") != "":
		items, err = h.svc.AuditByReviewer(ctx, c.QueryParam("reviewer"))
	default:
		return echo.NewHTTPError(http.StatusBadRequest, "case or reviewer is required")
	}
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*AuditEntry{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) TriggerRun(c echo.Context) error {
	sum, err := h.svc.RunDetection(c.Request().Context(), "manual")
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, sum)
}
