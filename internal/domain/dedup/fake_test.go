package dedup

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/animalwelfare/intake/internal/domain/casefile"
	"github.com/animalwelfare/intake/internal/domain/casefile/casefiletest"
)

type txKey struct{}

// memStore implements CandidateRepository, AuditRepository and Transactor in
// memory. Transactions are serialized and roll back by restoring a snapshot
// of both the case repository and its own state.
type memStore struct {
	cases *casefiletest.Repo

	txMu sync.Mutex
	mu   sync.Mutex
	st   memState

	// failFor makes InsertIfAbsent fail for pairs that involve the case.
	failFor map[uuid.UUID]error
	// failAppend makes audit appends fail.
	failAppend error
}

type memState struct {
	candidates map[uuid.UUID]Candidate
	byPair     map[string]uuid.UUID
	audit      []AuditEntry
}

func newMemStore() *memStore {
	return &memStore{
		cases: casefiletest.NewRepo(),
		st: memState{
			candidates: make(map[uuid.UUID]Candidate),
			byPair:     make(map[string]uuid.UUID),
		},
		failFor: make(map[uuid.UUID]error),
	}
}

func (m *memStore) snapshot() memState {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := memState{
		candidates: make(map[uuid.UUID]Candidate, len(m.st.candidates)),
		byPair:     make(map[string]uuid.UUID, len(m.st.byPair)),
		audit:      append([]AuditEntry(nil), m.st.audit...),
	}
	for k, v := range m.st.candidates {
		cp.candidates[k] = v
	}
	for k, v := range m.st.byPair {
		cp.byPair[k] = v
	}
	return cp
}

func (m *memStore) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(txKey{}) != nil {
		return fn(ctx)
	}
	m.txMu.Lock()
	defer m.txMu.Unlock()

	caseSnap := m.cases.Snapshot()
	ownSnap := m.snapshot()
	if err := fn(context.WithValue(ctx, txKey{}, true)); err != nil {
		m.cases.Restore(caseSnap)
		m.mu.Lock()
		m.st = ownSnap
		m.mu.Unlock()
		return err
	}
	return nil
}

func (m *memStore) InsertIfAbsent(ctx context.Context, c *Candidate) (bool, error) {
	for _, id := range []uuid.UUID{c.PrimaryCaseID, c.DuplicateCaseID} {
		if err, ok := m.failFor[id]; ok {
			return false, err
		}
		cs, err := m.cases.GetByID(ctx, id)
		if err != nil {
			return false, err
		}
		if cs.IsMerged() {
			return false, nil
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.st.byPair[c.PairKey()]; ok {
		return false, nil
	}
	c.Status = StatusPending
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	m.st.candidates[c.ID] = *c
	m.st.byPair[c.PairKey()] = c.ID
	return true, nil
}

func (m *memStore) GetByID(_ context.Context, id uuid.UUID) (*Candidate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.st.candidates[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

func (m *memStore) GetByPair(ctx context.Context, pairKey string) (*Candidate, error) {
	m.mu.Lock()
	id, ok := m.st.byPair[pairKey]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	return m.GetByID(ctx, id)
}

func (m *memStore) all(keep func(c *Candidate) bool) []*Candidate {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Candidate
	for _, c := range m.st.candidates {
		c := c
		if keep(&c) {
			out = append(out, &c)
		}
	}
	return out
}

func sortQueue(items []*Candidate) {
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Confidence != b.Confidence {
			return a.Confidence > b.Confidence
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})
}

func page(items []*Candidate, limit, offset int) []*Candidate {
	if offset >= len(items) {
		return []*Candidate{}
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return items[offset:end]
}

func (m *memStore) ListPending(_ context.Context, f PendingFilter) ([]*Candidate, int, error) {
	items := m.all(func(c *Candidate) bool {
		if c.Status != StatusPending {
			return false
		}
		if f.MatchType != "" && c.MatchType != f.MatchType {
			return false
		}
		return f.MinConfidence == nil || c.Confidence >= *f.MinConfidence
	})
	sortQueue(items)
	return page(items, f.Limit, f.Offset), len(items), nil
}

func (m *memStore) PendingByCases(_ context.Context, ids []uuid.UUID) (map[uuid.UUID][]*Candidate, error) {
	items := m.all(func(c *Candidate) bool { return c.Status == StatusPending })
	sortQueue(items)
	return groupByCase(items, ids), nil
}

func (m *memStore) CountPending(_ context.Context) (int, error) {
	return len(m.all(func(c *Candidate) bool { return c.Status == StatusPending })), nil
}

func (m *memStore) Resolve(_ context.Context, c *Candidate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.st.candidates[c.ID]
	if !ok {
		return ErrNotFound
	}
	if cur.Status != StatusPending {
		return fmt.Errorf("%w: candidate %s is no longer pending", ErrConflict, c.ID)
	}
	m.st.candidates[c.ID] = *c
	return nil
}

func (m *memStore) ListResolved(_ context.Context, f HistoryFilter) ([]*Candidate, int, error) {
	items := m.all(func(c *Candidate) bool {
		if c.Status == StatusPending || (f.Status != "" && c.Status != f.Status) {
			return false
		}
		if f.Reviewer != "" && (c.ReviewedBy == nil || *c.ReviewedBy != f.Reviewer) {
			return false
		}
		return f.CaseID == nil || c.Involves(*f.CaseID)
	})
	sort.Slice(items, func(i, j int) bool { return items[i].ReviewedAt.After(*items[j].ReviewedAt) })
	return page(items, f.Limit, f.Offset), len(items), nil
}

func (m *memStore) Append(_ context.Context, e *AuditEntry) error {
	if m.failAppend != nil {
		return m.failAppend
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	e.ID = uuid.New()
	e.CreatedAt = time.Now()
	m.st.audit = append(m.st.audit, *e)
	return nil
}

func (m *memStore) auditWhere(keep func(e *AuditEntry) bool) []*AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AuditEntry
	for _, e := range m.st.audit {
		e := e
		if keep(&e) {
			out = append(out, &e)
		}
	}
	return out
}

func (m *memStore) ByCase(_ context.Context, caseID uuid.UUID) ([]*AuditEntry, error) {
	return m.auditWhere(func(e *AuditEntry) bool {
		return e.PrimaryCaseID == caseID || e.DuplicateCaseID == caseID
	}), nil
}

func (m *memStore) ByReviewer(_ context.Context, actor string) ([]*AuditEntry, error) {
	return m.auditWhere(func(e *AuditEntry) bool { return e.Actor == actor }), nil
}

func (m *memStore) auditCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.st.audit)
}

var (
	_ CandidateRepository = (*memStore)(nil)
	_ AuditRepository     = (*memStore)(nil)
	_ Transactor          = (*memStore)(nil)
)

// -- fixtures --

var baseTime = time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*Service, *memStore) {
	t.Helper()
	m := newMemStore()
	svc := NewService(m.cases, m, m, m, Options{Workers: 3, Logger: zerolog.Nop()})
	return svc, m
}

type caseOpt func(c *casefile.Case)

func withExternalID(s string) caseOpt {
	return func(c *casefile.Case) { c.ExternalCaseID = &s }
}

func withChip(s string) caseOpt {
	return func(c *casefile.Case) { c.ChipID = &s }
}

func at(lat, lon float64) caseOpt {
	return func(c *casefile.Case) { c.Latitude, c.Longitude = &lat, &lon }
}

func reportedAt(t time.Time) caseOpt {
	return func(c *casefile.Case) { c.ReportedAt = t }
}

func described(s string) caseOpt {
	return func(c *casefile.Case) { c.Description = s }
}

func (m *memStore) addCase(opts ...caseOpt) *casefile.Case {
	c := &casefile.Case{Category: "stray", Description: "animal reported", ReportedAt: baseTime}
	for _, o := range opts {
		o(c)
	}
	m.cases.Put(c)
	return c
}

func (m *memStore) getCase(t *testing.T, id uuid.UUID) *casefile.Case {
	t.Helper()
	c, err := m.cases.GetByID(context.Background(), id)
	if err != nil {
		t.Fatalf("get case %s: %v", id, err)
	}
	return c
}

// pendingFor seeds a pending candidate for the pair directly.
func (m *memStore) pendingFor(t *testing.T, primary, duplicate *casefile.Case, mt MatchType) *Candidate {
	t.Helper()
	c := &Candidate{
		ID:              uuid.New(),
		PrimaryCaseID:   primary.ID,
		DuplicateCaseID: duplicate.ID,
		MatchType:       mt,
		Confidence:      0.9,
	}
	created, err := m.InsertIfAbsent(context.Background(), c)
	if err != nil || !created {
		t.Fatalf("seed candidate: created=%v err=%v", created, err)
	}
	return c
}
