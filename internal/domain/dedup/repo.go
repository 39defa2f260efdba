package dedup

import (
	"context"

	"github.com/google/uuid"
)

type CandidateRepository interface {
	// InsertIfAbsent stores c unless its pair already has a record or either
	// case has been merged in the meantime. created reports whether c was
	// stored.
	InsertIfAbsent(ctx context.Context, c *Candidate) (created bool, err error)
	GetByID(ctx context.Context, id uuid.UUID) (*Candidate, error)
	GetByPair(ctx context.Context, pairKey string) (*Candidate, error)
	ListPending(ctx context.Context, f PendingFilter) ([]*Candidate, int, error)
	PendingByCases(ctx context.Context, caseIDs []uuid.UUID) (map[uuid.UUID][]*Candidate, error)
	CountPending(ctx context.Context) (int, error)
	// Resolve moves a pending candidate to its final state. It fails with
	// ErrConflict when the candidate is no longer pending.
	Resolve(ctx context.Context, c *Candidate) error
	ListResolved(ctx context.Context, f HistoryFilter) ([]*Candidate, int, error)
}

type AuditRepository interface {
	Append(ctx context.Context, e *AuditEntry) error
	ByCase(ctx context.Context, caseID uuid.UUID) ([]*AuditEntry, error)
	ByReviewer(ctx context.Context, actor string) ([]*AuditEntry, error)
}

// Transactor runs fn inside one database transaction, joining a transaction
// already carried by ctx.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}
