package dedup

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

// AuditTrail records reviewer decisions. Entries are never updated or
// removed.
type AuditTrail struct {
	repo AuditRepository
}

func NewAuditTrail(repo AuditRepository) *AuditTrail {
	return &AuditTrail{repo: repo}
}

// Record appends one entry per duplicate, or a single entry for the
// candidate's own pair when duplicates is empty. It must run inside the
// resolution transaction.
func (a *AuditTrail) Record(ctx context.Context, c *Candidate, action AuditAction, primaryID uuid.UUID, duplicates []uuid.UUID) error {
	actor := ""
	if c.ReviewedBy != nil {
		actor = *c.ReviewedBy
	}
	if len(duplicates) == 0 {
		duplicates = []uuid.UUID{c.DuplicateCaseID}
	}
	for _, dup := range duplicates {
		e := &AuditEntry{
			CandidateID:     c.ID,
			Actor:           actor,
			Action:          action,
			PrimaryCaseID:   primaryID,
			DuplicateCaseID: dup,
			Notes:           c.Notes,
			Reason:          c.Reason,
		}
		if err := a.repo.Append(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

func (a *AuditTrail) ByCase(ctx context.Context, caseID uuid.UUID) ([]*AuditEntry, error) {
	return a.repo.ByCase(ctx, caseID)
}

func (a *AuditTrail) ByReviewer(ctx context.Context, reviewer string) ([]*AuditEntry, error) {
	reviewer = strings.TrimSpace(reviewer)
	if reviewer == "" {
		return nil, invalid("reviewer is required")
	}
	return a.repo.ByReviewer(ctx, reviewer)
}
