package dedup

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/animalwelfare/intake/internal/platform/auth"
)

func newTestContext(e *echo.Echo, method, body string) (echo.Context, *httptest.ResponseRecorder) {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, "/", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	} else {
		req = httptest.NewRequest(method, "/", nil)
	}
	ctx := context.WithValue(req.Context(), auth.UserIDKey, "rev-1")
	req = req.WithContext(ctx)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func expectHTTPStatus(t *testing.T, err error, want int) {
	t.Helper()
	httpErr, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected echo.HTTPError, got %T (%v)", err, err)
	}
	if httpErr.Code != want {
		t.Errorf("expected %d, got %d (%v)", want, httpErr.Code, httpErr.Message)
	}
}

func TestHandler_Approve(t *testing.T) {
	svc, m := newTestService(t)
	h := NewHandler(svc)
	e := echo.New()
	a, b := m.addCase(), m.addCase()
	cand := m.pendingFor(t, a, b, MatchExternalID)

	body := `{"primaryCaseId":"` + a.ID.String() + `","duplicateCaseIds":["` + b.ID.String() + `"],"notes":"confirmed"}`
	c, rec := newTestContext(e, http.MethodPost, body)
	c.SetParamNames("id")
	c.SetParamValues(cand.ID.String())

	if err := h.Approve(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp struct {
		Candidate Candidate `json:"candidate"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Candidate.Status != StatusApproved || resp.Candidate.ReviewedBy == nil || *resp.Candidate.ReviewedBy != "rev-1" {
		t.Errorf("expected reviewer from session, got %+v", resp.Candidate)
	}

	// a second decision conflicts
	c, _ = newTestContext(e, http.MethodPost, `{"reason":"late"}`)
	c.SetParamNames("id")
	c.SetParamValues(cand.ID.String())
	expectHTTPStatus(t, h.Reject(c), http.StatusConflict)
}

func TestHandler_ApproveErrors(t *testing.T) {
	svc, m := newTestService(t)
	h := NewHandler(svc)
	e := echo.New()
	a, b := m.addCase(), m.addCase()
	cand := m.pendingFor(t, a, b, MatchChipID)

	tests := []struct {
		name string
		id   string
		body string
		want int
	}{
		{"malformed case id", cand.ID.String(), `{"primaryCaseId":"nope","duplicateCaseIds":["` + b.ID.String() + `"]}`, http.StatusUnprocessableEntity},
		{"unknown case id", cand.ID.String(), `{"primaryCaseId":"` + a.ID.String() + `","duplicateCaseIds":["` + b.ID.String() + `","` + uuid.New().String() + `"]}`, http.StatusUnprocessableEntity},
		{"no duplicates", cand.ID.String(), `{"primaryCaseId":"` + a.ID.String() + `","duplicateCaseIds":[]}`, http.StatusBadRequest},
		{"unknown candidate", uuid.New().String(), `{"primaryCaseId":"` + a.ID.String() + `","duplicateCaseIds":["` + b.ID.String() + `"]}`, http.StatusNotFound},
		{"bad candidate id", "x", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, _ := newTestContext(e, http.MethodPost, tt.body)
			c.SetParamNames("id")
			c.SetParamValues(tt.id)
			expectHTTPStatus(t, h.Approve(c), tt.want)
		})
	}
}

func TestHandler_RejectRequiresReason(t *testing.T) {
	svc, m := newTestService(t)
	h := NewHandler(svc)
	a, b := m.addCase(), m.addCase()
	cand := m.pendingFor(t, a, b, MatchLocation)

	c, _ := newTestContext(echo.New(), http.MethodPost, `{"reason":""}`)
	c.SetParamNames("id")
	c.SetParamValues(cand.ID.String())
	expectHTTPStatus(t, h.Reject(c), http.StatusBadRequest)

	if got, _ := m.GetByID(context.Background(), cand.ID); got.Status != StatusPending {
		t.Error("candidate must stay pending")
	}
}

func TestHandler_ListPending(t *testing.T) {
	svc, m := newTestService(t)
	h := NewHandler(svc)
	e := echo.New()
	a, b := m.addCase(), m.addCase()
	m.pendingFor(t, a, b, MatchLocation)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/duplicates?match_type=location&min_confidence=0.5&limit=10", nil)
	rec := httptest.NewRecorder()
	if err := h.ListPending(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var resp struct {
		Data  []Candidate `json:"data"`
		Total int         `json:"total"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.Total != 1 || len(resp.Data) != 1 {
		t.Errorf("expected 1 candidate, got %+v", resp)
	}

	for _, q := range []string{"?match_type=fuzzy", "?min_confidence=high", "?min_confidence=NaN", "?min_confidence=-Inf", "?limit=0"} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/duplicates"+q, nil)
		expectHTTPStatus(t, h.ListPending(e.NewContext(req, httptest.NewRecorder())), http.StatusBadRequest)
	}
}

func TestHandler_EmptyListsAreArrays(t *testing.T) {
	svc, _ := newTestService(t)
	h := NewHandler(svc)
	e := echo.New()

	tests := []struct {
		name   string
		path   string
		handle func(echo.Context) error
	}{
		{"pending queue", "/api/v1/duplicates", h.ListPending},
		{"pending queue past the end", "/api/v1/duplicates?offset=40", h.ListPending},
		{"history", "/api/v1/duplicates/history?status=rejected", h.ListHistory},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()
			if err := tt.handle(e.NewContext(req, rec)); err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			var resp map[string]json.RawMessage
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if string(resp["data"]) != "[]" {
				t.Errorf("expected an empty array, got %s", resp["data"])
			}
		})
	}
}

func TestHandler_CreateManualAndGet(t *testing.T) {
	svc, m := newTestService(t)
	h := NewHandler(svc)
	e := echo.New()
	a, b := m.addCase(), m.addCase()

	body := `{"primaryCaseId":"` + a.ID.String() + `","duplicateCaseId":"` + b.ID.String() + `","confidence":0.7}`
	c, rec := newTestContext(e, http.MethodPost, body)
	if err := h.CreateManual(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}
	var created Candidate
	_ = json.Unmarshal(rec.Body.Bytes(), &created)
	if created.MatchType != MatchManual || created.Confidence != 0.7 {
		t.Errorf("unexpected candidate %+v", created)
	}

	c, _ = newTestContext(e, http.MethodPost, body)
	expectHTTPStatus(t, h.CreateManual(c), http.StatusConflict)

	c, rec = newTestContext(e, http.MethodGet, "")
	c.SetParamNames("id")
	c.SetParamValues(created.ID.String())
	if err := h.GetCandidate(c); err != nil || rec.Code != http.StatusOK {
		t.Errorf("get: %v %d", err, rec.Code)
	}

	c, _ = newTestContext(e, http.MethodGet, "")
	c.SetParamNames("id")
	c.SetParamValues(uuid.New().String())
	expectHTTPStatus(t, h.GetCandidate(c), http.StatusNotFound)
}

func TestHandler_Detect(t *testing.T) {
	svc, m := newTestService(t)
	h := NewHandler(svc)
	e := echo.New()
	a := m.addCase(withChip("C-1"))
	m.addCase(withChip("c1"))
	missing := uuid.New()

	body := `{"caseIds":["` + a.ID.String() + `","` + missing.String() + `"]}`
	c, rec := newTestContext(e, http.MethodPost, body)
	if err := h.Detect(c); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var res DetectionResult
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(res.Candidates[a.ID]) != 1 || res.Failed[missing] == "" {
		t.Errorf("unexpected result %+v", res)
	}

	c, _ = newTestContext(e, http.MethodPost, `{"caseIds":[]}`)
	expectHTTPStatus(t, h.Detect(c), http.StatusBadRequest)
	c, _ = newTestContext(e, http.MethodPost, `{"caseIds":["12"]}`)
	expectHTTPStatus(t, h.Detect(c), http.StatusUnprocessableEntity)
}

func TestHandler_ListAudit(t *testing.T) {
	svc, m := newTestService(t)
	h := NewHandler(svc)
	e := echo.New()
	a, b := m.addCase(), m.addCase()
	cand := m.pendingFor(t, a, b, MatchLocation)
	if _, err := svc.Reject(context.Background(), RejectRequest{CandidateID: cand.ID, Reason: "no", ReviewerID: "rev-1"}); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/duplicates/audit?case="+a.ID.String(), nil)
	rec := httptest.NewRecorder()
	if err := h.ListAudit(e.NewContext(req, rec)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var entries []AuditEntry
	_ = json.Unmarshal(rec.Body.Bytes(), &entries)
	if len(entries) != 1 || entries[0].Action != ActionReject {
		t.Errorf("unexpected entries %+v", entries)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/v1/duplicates/audit", nil)
	expectHTTPStatus(t, h.ListAudit(e.NewContext(req, httptest.NewRecorder())), http.StatusBadRequest)
}

func TestHandler_RoleGuard(t *testing.T) {
	svc, _ := newTestService(t)
	e := echo.New()
	api := e.Group("/api/v1")
	api.Use(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := context.WithValue(c.Request().Context(), auth.UserRolesKey, []string{"clerk"})
			c.SetRequest(c.Request().WithContext(ctx))
			return next(c)
		}
	})
	NewHandler(svc).RegisterRoutes(api)

	for _, r := range []struct{ method, path string }{
		{http.MethodGet, "/api/v1/duplicates"},
		{http.MethodPost, "/api/v1/duplicates/runs"},
	} {
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, httptest.NewRequest(r.method, r.path, nil))
		if rec.Code != http.StatusForbidden {
			t.Errorf("%s %s: expected 403, got %d", r.method, r.path, rec.Code)
		}
	}
}
