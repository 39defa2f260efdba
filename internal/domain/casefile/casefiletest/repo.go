// Package casefiletest provides an in-memory casefile.Repository for tests.
package casefiletest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/animalwelfare/intake/internal/domain/casefile"
)

// Repo is an in-memory casefile.Repository. Values are copied in and out so
// callers cannot mutate stored state behind its back.
type Repo struct {
	mu    sync.Mutex
	state state
	// Fail makes the named method return the error, e.g. Fail["MoveHistory"].
	Fail map[string]error
}

type state struct {
	cases       map[uuid.UUID]casefile.Case
	attachments []casefile.Attachment
	history     []casefile.HistoryEntry
	seq         int
}

func NewRepo() *Repo {
	return &Repo{
		state: state{cases: make(map[uuid.UUID]casefile.Case)},
		Fail:  make(map[string]error),
	}
}

// Snapshot captures the current contents for a later Restore.
func (r *Repo) Snapshot() interface{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := state{
		cases:       make(map[uuid.UUID]casefile.Case, len(r.state.cases)),
		attachments: append([]casefile.Attachment(nil), r.state.attachments...),
		history:     append([]casefile.HistoryEntry(nil), r.state.history...),
		seq:         r.state.seq,
	}
	for k, v := range r.state.cases {
		cp.cases[k] = v
	}
	return cp
}

func (r *Repo) Restore(snap interface{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = snap.(state)
}

func (r *Repo) fail(method string) error {
	if err, ok := r.Fail[method]; ok {
		return err
	}
	return nil
}

// Put stores c as-is, bypassing validation. It assigns an id when missing.
func (r *Repo) Put(c *casefile.Case) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = casefile.StatusNew
	}
	if c.MergeFlag == "" {
		c.MergeFlag = casefile.MergeNone
	}
	if c.CaseNumber == "" {
		r.state.seq++
		c.CaseNumber = fmt.Sprintf("AW-%06d", r.state.seq)
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
		c.UpdatedAt = c.CreatedAt
	}
	r.state.cases[c.ID] = *c
}

func (r *Repo) Create(_ context.Context, c *casefile.Case) error {
	r.mu.Lock()
	if err := r.fail("Create"); err != nil {
		r.mu.Unlock()
		return err
	}
	r.mu.Unlock()
	c.ID = uuid.New()
	c.CaseNumber = ""
	c.CreatedAt = time.Time{}
	r.Put(c)
	return nil
}

func (r *Repo) get(id uuid.UUID) (*casefile.Case, error) {
	c, ok := r.state.cases[id]
	if !ok {
		return nil, casefile.ErrCaseNotFound
	}
	return &c, nil
}

func (r *Repo) GetByID(_ context.Context, id uuid.UUID) (*casefile.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("GetByID"); err != nil {
		return nil, err
	}
	return r.get(id)
}

func (r *Repo) GetForUpdate(ctx context.Context, id uuid.UUID) (*casefile.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("GetForUpdate"); err != nil {
		return nil, err
	}
	return r.get(id)
}

func (r *Repo) GetMany(_ context.Context, ids []uuid.UUID) (map[uuid.UUID]*casefile.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("GetMany"); err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]*casefile.Case)
	for _, id := range ids {
		if c, err := r.get(id); err == nil {
			out[id] = c
		}
	}
	return out, nil
}

func (r *Repo) guard(id uuid.UUID) (casefile.Case, error) {
	c, ok := r.state.cases[id]
	if !ok {
		return c, casefile.ErrCaseNotFound
	}
	if c.IsMerged() {
		return c, casefile.ErrCaseMerged
	}
	return c, nil
}

func (r *Repo) Update(_ context.Context, c *casefile.Case) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, err := r.guard(c.ID)
	if err != nil {
		return err
	}
	cur.Category = c.Category
	cur.ExternalCaseID = c.ExternalCaseID
	cur.ChipID = c.ChipID
	cur.LocationText = c.LocationText
	cur.Latitude = c.Latitude
	cur.Longitude = c.Longitude
	cur.Description = c.Description
	cur.ReportedAt = c.ReportedAt
	cur.Form = c.Form
	cur.UpdatedAt = time.Now()
	r.state.cases[c.ID] = cur
	return nil
}

func (r *Repo) Search(_ context.Context, f casefile.Filter) ([]*casefile.Case, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*casefile.Case
	for _, c := range r.state.cases {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Category != "" && c.Category != f.Category {
			continue
		}
		if f.MergeFlag != "" && c.MergeFlag != f.MergeFlag {
			continue
		}
		c := c
		all = append(all, &c)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].ReportedAt.Equal(all[j].ReportedAt) {
			return all[i].ReportedAt.After(all[j].ReportedAt)
		}
		return all[i].ID.String() < all[j].ID.String()
	})
	total := len(all)
	if f.Offset >= total {
		return nil, total, nil
	}
	end := total
	if f.Limit > 0 && f.Offset+f.Limit < end {
		end = f.Offset + f.Limit
	}
	return all[f.Offset:end], total, nil
}

// ListActive leaves Form unset, as the Postgres repository does.
func (r *Repo) ListActive(_ context.Context) ([]*casefile.Case, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("ListActive"); err != nil {
		return nil, err
	}
	var out []*casefile.Case
	for _, c := range r.state.cases {
		if c.IsMerged() {
			continue
		}
		c := c
		c.Form = nil
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ReportedAt.Equal(out[j].ReportedAt) {
			return out[i].ReportedAt.Before(out[j].ReportedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

func (r *Repo) SetStatus(_ context.Context, id uuid.UUID, status casefile.Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.guard(id)
	if err != nil {
		return err
	}
	c.Status = status
	r.state.cases[id] = c
	return nil
}

func (r *Repo) Assign(_ context.Context, id uuid.UUID, assigneeID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, err := r.guard(id)
	if err != nil {
		return err
	}
	c.AssigneeID = &assigneeID
	if c.Status == casefile.StatusNew {
		c.Status = casefile.StatusAssigned
	}
	r.state.cases[id] = c
	return nil
}

func (r *Repo) AddAttachment(_ context.Context, a *casefile.Attachment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("AddAttachment"); err != nil {
		return err
	}
	a.ID = uuid.New()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	r.state.attachments = append(r.state.attachments, *a)
	return nil
}

func (r *Repo) ListAttachments(_ context.Context, caseID uuid.UUID) ([]*casefile.Attachment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*casefile.Attachment
	for _, a := range r.state.attachments {
		if a.CaseID == caseID {
			a := a
			out = append(out, &a)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Repo) AddHistory(_ context.Context, h *casefile.HistoryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("AddHistory"); err != nil {
		return err
	}
	h.ID = uuid.New()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	r.state.history = append(r.state.history, *h)
	return nil
}

func (r *Repo) ListHistory(_ context.Context, caseID uuid.UUID) ([]*casefile.HistoryEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*casefile.HistoryEntry
	for _, h := range r.state.history {
		if h.CaseID == caseID {
			h := h
			out = append(out, &h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (r *Repo) MarkMerged(_ context.Context, id, rootID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("MarkMerged"); err != nil {
		return err
	}
	c, err := r.guard(id)
	if err != nil {
		return err
	}
	root := rootID
	c.MergeFlag = casefile.MergeMerged
	c.Status = casefile.StatusMerged
	c.MergedInto = &root
	c.AssigneeID = nil
	r.state.cases[id] = c
	return nil
}

func (r *Repo) MarkPrimary(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("MarkPrimary"); err != nil {
		return err
	}
	c, err := r.guard(id)
	if err != nil {
		return err
	}
	c.MergeFlag = casefile.MergePrimary
	r.state.cases[id] = c
	return nil
}

func (r *Repo) RepointMerged(_ context.Context, fromID, toID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("RepointMerged"); err != nil {
		return 0, err
	}
	var n int64
	for id, c := range r.state.cases {
		if c.MergedInto != nil && *c.MergedInto == fromID {
			to := toID
			c.MergedInto = &to
			r.state.cases[id] = c
			n++
		}
	}
	return n, nil
}

func (r *Repo) MoveAttachments(_ context.Context, fromID, toID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("MoveAttachments"); err != nil {
		return 0, err
	}
	var n int64
	for i := range r.state.attachments {
		if r.state.attachments[i].CaseID == fromID {
			r.state.attachments[i].CaseID = toID
			n++
		}
	}
	return n, nil
}

func (r *Repo) MoveHistory(_ context.Context, fromID, toID uuid.UUID) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.fail("MoveHistory"); err != nil {
		return 0, err
	}
	var n int64
	for i := range r.state.history {
		if r.state.history[i].CaseID == fromID {
			r.state.history[i].CaseID = toID
			n++
		}
	}
	return n, nil
}

var _ casefile.Repository = (*Repo)(nil)
