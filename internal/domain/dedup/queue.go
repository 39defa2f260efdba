package dedup

import (
	"context"
	"math"

	"github.com/google/uuid"
)

const (
	defaultQueueLimit = 50
	maxQueueLimit     = 200
)

// Queue is the reviewer-facing view of pending candidates.
type Queue struct {
	candidates CandidateRepository
}

func NewQueue(candidates CandidateRepository) *Queue {
	return &Queue{candidates: candidates}
}

func (f *PendingFilter) normalize() error {
	if f.MatchType != "" && !f.MatchType.Valid() {
		return invalid("unknown match type %q", f.MatchType)
	}
	if f.MinConfidence != nil && (math.IsNaN(*f.MinConfidence) || *f.MinConfidence < 0 || *f.MinConfidence > 1) {
		return invalid("min_confidence must be within [0,1]")
	}
	if f.Limit < 0 || f.Offset < 0 {
		return invalid("limit and offset cannot be negative")
	}
	if f.Limit == 0 {
		f.Limit = defaultQueueLimit
	}
	if f.Limit > maxQueueLimit {
		f.Limit = maxQueueLimit
	}
	return nil
}

// ListPending returns pending candidates, highest confidence first and oldest
// first within equal confidence.
func (q *Queue) ListPending(ctx context.Context, f PendingFilter) ([]*Candidate, int, error) {
	if err := f.normalize(); err != nil {
		return nil, 0, err
	}
	return q.candidates.ListPending(ctx, f)
}

// PendingByCases returns the pending candidates that involve each case. Every
// requested id has an entry, empty when nothing is pending.
func (q *Queue) PendingByCases(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]*Candidate, error) {
	if len(ids) == 0 {
		return map[uuid.UUID][]*Candidate{}, nil
	}
	return q.candidates.PendingByCases(ctx, ids)
}

func (q *Queue) Get(ctx context.Context, id uuid.UUID) (*Candidate, error) {
	return q.candidates.GetByID(ctx, id)
}

func (q *Queue) CountPending(ctx context.Context) (int, error) {
	return q.candidates.CountPending(ctx)
}
