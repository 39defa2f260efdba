package dedup

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/animalwelfare/intake/internal/domain/casefile"
)

// transitions is the complete candidate state graph. Approved and rejected
// are terminal.
var transitions = map[Status]map[AuditAction]Status{
	StatusPending: {
		ActionApprove: StatusApproved,
		ActionReject:  StatusRejected,
	},
}

func nextStatus(from Status, action AuditAction) (Status, error) {
	to, ok := transitions[from][action]
	if !ok {
		return "", fmt.Errorf("%w: cannot %s a candidate that is %s", ErrConflict, action, from)
	}
	return to, nil
}

// Workflow applies reviewer decisions to candidates.
type Workflow struct {
	candidates CandidateRepository
	cases      casefile.Repository
	merger     *Merger
	audit      *AuditTrail
	tx         Transactor
	now        func() time.Time
}

func NewWorkflow(candidates CandidateRepository, cases casefile.Repository, merger *Merger, audit *AuditTrail, tx Transactor) *Workflow {
	return &Workflow{
		candidates: candidates,
		cases:      cases,
		merger:     merger,
		audit:      audit,
		tx:         tx,
		now:        time.Now,
	}
}

func (r *ApproveRequest) validate() error {
	r.ReviewerID = strings.TrimSpace(r.ReviewerID)
	if r.ReviewerID == "" {
		return invalid("reviewer is required")
	}
	if r.PrimaryCaseID == uuid.Nil {
		return invalid("primary case is required")
	}
	if len(r.DuplicateCaseIDs) == 0 {
		return invalid("at least one duplicate case is required")
	}
	seen := make(map[uuid.UUID]bool, len(r.DuplicateCaseIDs))
	for _, id := range r.DuplicateCaseIDs {
		switch {
		case id == uuid.Nil:
			return invalid("duplicate case id is empty")
		case id == r.PrimaryCaseID:
			return invalid("primary case %s is also listed as a duplicate", id)
		case seen[id]:
			return invalid("duplicate case %s is listed twice", id)
		}
		seen[id] = true
	}
	return nil
}

// load fetches the candidate and checks that action may be applied to it.
func (w *Workflow) load(ctx context.Context, id uuid.UUID, action AuditAction) (*Candidate, Status, error) {
	c, err := w.candidates.GetByID(ctx, id)
	if err != nil {
		return nil, "", err
	}
	to, err := nextStatus(c.Status, action)
	if err != nil {
		return nil, "", err
	}
	return c, to, nil
}

// Approve merges the listed duplicates into the chosen primary and closes the
// candidate. Everything happens in one transaction; on any failure the
// candidate stays pending and no case changes.
func (w *Workflow) Approve(ctx context.Context, req ApproveRequest) (*Candidate, []*MergeResult, error) {
	if err := req.validate(); err != nil {
		return nil, nil, err
	}
	cand, to, err := w.load(ctx, req.CandidateID, ActionApprove)
	if err != nil {
		return nil, nil, err
	}
	if !cand.Involves(req.PrimaryCaseID) {
		return nil, nil, invalid("primary case %s is not part of candidate %s", req.PrimaryCaseID, cand.ID)
	}
	other := cand.Other(req.PrimaryCaseID)
	listed := false
	for _, id := range req.DuplicateCaseIDs {
		if id == other {
			listed = true
		}
	}
	if !listed {
		return nil, nil, invalid("duplicates must include case %s", other)
	}

	next := *cand
	next.Status = to
	next.PrimaryCaseID = req.PrimaryCaseID
	next.DuplicateCaseID = other
	next.ReviewedBy = &req.ReviewerID
	now := w.now()
	next.ReviewedAt = &now
	if notes := strings.TrimSpace(req.Notes); notes != "" {
		next.Notes = &notes
	}

	var results []*MergeResult
	err = w.tx.WithinTx(ctx, func(ctx context.Context) error {
		ids := append([]uuid.UUID{req.PrimaryCaseID}, req.DuplicateCaseIDs...)
		found, err := w.cases.GetMany(ctx, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := found[id]; !ok {
				return fmt.Errorf("%w %s", ErrUnknownCase, id)
			}
		}

		if err := w.candidates.Resolve(ctx, &next); err != nil {
			return err
		}
		results = results[:0]
		for _, dup := range req.DuplicateCaseIDs {
			res, err := w.merger.Merge(ctx, req.PrimaryCaseID, dup, req.ReviewerID)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return w.audit.Record(ctx, &next, ActionApprove, results[0].RootID, req.DuplicateCaseIDs)
	})
	if err != nil {
		return nil, nil, err
	}
	return &next, results, nil
}

// Reject dismisses a candidate. The reason is mandatory.
func (w *Workflow) Reject(ctx context.Context, req RejectRequest) (*Candidate, error) {
	reviewer := strings.TrimSpace(req.ReviewerID)
	if reviewer == "" {
		return nil, invalid("reviewer is required")
	}
	reason := strings.TrimSpace(req.Reason)
	if reason == "" {
		return nil, invalid("a reason is required to reject a candidate")
	}
	cand, to, err := w.load(ctx, req.CandidateID, ActionReject)
	if err != nil {
		return nil, err
	}

	next := *cand
	next.Status = to
	next.Reason = &reason
	next.ReviewedBy = &reviewer
	now := w.now()
	next.ReviewedAt = &now

	err = w.tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := w.candidates.Resolve(ctx, &next); err != nil {
			return err
		}
		return w.audit.Record(ctx, &next, ActionReject, next.PrimaryCaseID, nil)
	})
	if err != nil {
		return nil, err
	}
	return &next, nil
}
