package dedup

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/animalwelfare/intake/internal/domain/casefile"
	"github.com/animalwelfare/intake/internal/platform/db"
	"github.com/animalwelfare/intake/internal/platform/events"
	"github.com/animalwelfare/intake/internal/platform/metrics"
)

// Options configures a Service. Zero values fall back to defaults.
type Options struct {
	Rules     *Rules
	Workers   int
	Publisher events.Publisher
	Metrics   *metrics.Metrics
	Logger    zerolog.Logger
}

// Service is the entry point of the duplicate engine. It owns the
// generator, the review queue, the workflow and the audit trail, and
// publishes events once the database work has committed.
type Service struct {
	cases      casefile.Repository
	candidates CandidateRepository
	tx         Transactor
	rules      Rules

	gen    *Generator
	queue  *Queue
	flow   *Workflow
	merger *Merger
	audit  *AuditTrail

	publisher events.Publisher
	metrics   *metrics.Metrics
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(cases casefile.Repository, candidates CandidateRepository, audits AuditRepository, tx Transactor, opts Options) *Service {
	rules := DefaultRules()
	if opts.Rules != nil {
		rules = *opts.Rules
	}
	if opts.Publisher == nil {
		opts.Publisher = events.NopPublisher{}
	}
	logger := opts.Logger.With().Str("component", "dedup").Logger()

	s := &Service{
		cases:      cases,
		candidates: candidates,
		tx:         tx,
		rules:      rules,
		queue:      NewQueue(candidates),
		audit:      NewAuditTrail(audits),
		publisher:  opts.Publisher,
		metrics:    opts.Metrics,
		logger:     logger,
		now:        time.Now,
	}
	s.merger = NewMerger(cases, tx, opts.Logger)
	s.flow = NewWorkflow(candidates, cases, s.merger, s.audit, tx)
	s.gen = NewGenerator(cases, candidates, rules, opts.Workers, opts.Metrics, opts.Logger)
	s.gen.onCreated = func(ctx context.Context, c *Candidate) {
		s.publish(ctx, events.SubjectCandidateCreated, "candidate.created", c)
	}
	return s
}

func (s *Service) publish(ctx context.Context, template, typ string, data interface{}) {
	agency := db.AgencyFromContext(ctx)
	evt := events.Event{Type: typ, AgencyID: agency, OccurredAt: s.now(), Data: data}
	if err := s.publisher.Publish(ctx, events.Subject(template, agency), evt); err != nil {
		s.logger.Warn().Err(err).Str("event", typ).Msg("publish event")
	}
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotFound):
		return "invalid"
	}
	return "error"
}

// RunDetection runs a full batch and refreshes the pending gauge. trigger
// labels the run in metrics, e.g. "schedule" or "manual".
func (s *Service) RunDetection(ctx context.Context, trigger string) (RunSummary, error) {
	started := time.Now()
	sum, err := s.gen.RunDetection(ctx)
	s.metrics.ObserveRun(trigger, started, err)
	if err != nil {
		return sum, err
	}
	if n, err := s.candidates.CountPending(ctx); err == nil {
		s.metrics.SetPending(n)
	}
	s.logger.Info().
		Str("trigger", trigger).
		Int("scanned", sum.Scanned).
		Int("pairs", sum.Pairs).
		Int("created", sum.Created).
		Int("skipped", sum.Skipped).
		Dur("elapsed", time.Since(started)).
		Msg("detection run finished")
	return sum, nil
}

func (s *Service) DetectForCases(ctx context.Context, ids []uuid.UUID) (*DetectionResult, error) {
	return s.gen.DetectForCases(ctx, ids)
}

// PreflightCase checks one freshly submitted case. It lets the intake wizard
// show likely duplicates right after submission.
func (s *Service) PreflightCase(ctx context.Context, id uuid.UUID) ([]casefile.PossibleDuplicate, error) {
	res, err := s.gen.DetectForCases(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	if reason, failed := res.Failed[id]; failed {
		return nil, fmt.Errorf("pre-flight for case %s: %s", id, reason)
	}
	out := make([]casefile.PossibleDuplicate, 0, len(res.Candidates[id]))
	for _, c := range res.Candidates[id] {
		out = append(out, casefile.PossibleDuplicate{
			CandidateID: c.ID,
			CaseID:      c.Other(id),
			MatchType:   string(c.MatchType),
			Confidence:  c.Confidence,
		})
	}
	return out, nil
}

// CreateManual records a reviewer-asserted pair. A pair that already has a
// record, in any state, is a conflict.
func (s *Service) CreateManual(ctx context.Context, req ManualRequest) (*Candidate, error) {
	reviewer := strings.TrimSpace(req.ReviewerID)
	if reviewer == "" {
		return nil, invalid("reviewer is required")
	}
	if req.PrimaryCaseID == uuid.Nil || req.DuplicateCaseID == uuid.Nil {
		return nil, invalid("both cases are required")
	}
	if req.PrimaryCaseID == req.DuplicateCaseID {
		return nil, invalid("a case cannot duplicate itself")
	}
	conf := s.rules.ManualDefaultConfidence
	if req.Confidence != nil {
		conf = *req.Confidence
		if math.IsNaN(conf) || conf < 0 || conf > 1 {
			return nil, invalid("confidence must be within [0,1]")
		}
	}

	c := &Candidate{
		ID:              uuid.New(),
		PrimaryCaseID:   req.PrimaryCaseID,
		DuplicateCaseID: req.DuplicateCaseID,
		MatchType:       MatchManual,
		Confidence:      round3(conf),
		Status:          StatusPending,
		CreatedAt:       s.now(),
	}
	if notes := strings.TrimSpace(req.Notes); notes != "" {
		c.Notes = &notes
	}

	err := s.tx.WithinTx(ctx, func(ctx context.Context) error {
		found, err := s.cases.GetMany(ctx, []uuid.UUID{req.PrimaryCaseID, req.DuplicateCaseID})
		if err != nil {
			return err
		}
		for _, id := range []uuid.UUID{req.PrimaryCaseID, req.DuplicateCaseID} {
			cs, ok := found[id]
			if !ok {
				return fmt.Errorf("%w %s", ErrUnknownCase, id)
			}
			if cs.IsMerged() {
				return fmt.Errorf("%w: %s", ErrAlreadyMerged, cs.CaseNumber)
			}
		}
		if existing, err := s.candidates.GetByPair(ctx, c.PairKey()); err == nil {
			return fmt.Errorf("%w: pair already recorded as %s candidate %s", ErrConflict, existing.Status, existing.ID)
		} else if !errors.Is(err, ErrNotFound) {
			return err
		}
		created, err := s.candidates.InsertIfAbsent(ctx, c)
		if err != nil {
			return err
		}
		if !created {
			return fmt.Errorf("%w: pair was recorded concurrently", ErrConflict)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.metrics.CandidateCreated(string(MatchManual), c.Confidence)
	s.publish(ctx, events.SubjectCandidateCreated, "candidate.created", c)
	return c, nil
}

func (s *Service) ListPending(ctx context.Context, f PendingFilter) ([]*Candidate, int, error) {
	return s.queue.ListPending(ctx, f)
}

func (s *Service) PendingByCases(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]*Candidate, error) {
	return s.queue.PendingByCases(ctx, ids)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Candidate, error) {
	return s.queue.Get(ctx, id)
}

func (s *Service) Approve(ctx context.Context, req ApproveRequest) (*Candidate, []*MergeResult, error) {
	c, merges, err := s.flow.Approve(ctx, req)
	s.metrics.Resolution(string(ActionApprove), outcome(err), len(merges))
	if err != nil {
		return nil, nil, err
	}
	s.publish(ctx, events.SubjectCandidateApproved, "candidate.approved", c)
	for _, m := range merges {
		s.publish(ctx, events.SubjectCaseMerged, "case.merged", m)
	}
	return c, merges, nil
}

func (s *Service) Reject(ctx context.Context, req RejectRequest) (*Candidate, error) {
	c, err := s.flow.Reject(ctx, req)
	s.metrics.Resolution(string(ActionReject), outcome(err), 0)
	if err != nil {
		return nil, err
	}
	s.publish(ctx, events.SubjectCandidateRejected, "candidate.rejected", c)
	return c, nil
}

// ListResolutionHistory lists approved and rejected candidates, most recently
// reviewed first.
func (s *Service) ListResolutionHistory(ctx context.Context, f HistoryFilter) ([]*Candidate, int, error) {
	if f.Status != "" && f.Status != StatusApproved && f.Status != StatusRejected {
		return nil, 0, invalid("status must be approved or rejected")
	}
	if f.Limit < 0 || f.Offset < 0 {
		return nil, 0, invalid("limit and offset cannot be negative")
	}
	if f.Limit == 0 {
		f.Limit = defaultQueueLimit
	}
	if f.Limit > maxQueueLimit {
		f.Limit = maxQueueLimit
	}
	f.Reviewer = strings.TrimSpace(f.Reviewer)
	return s.candidates.ListResolved(ctx, f)
}

func (s *Service) AuditByCase(ctx context.Context, caseID uuid.UUID) ([]*AuditEntry, error) {
	return s.audit.ByCase(ctx, caseID)
}

func (s *Service) AuditByReviewer(ctx context.Context, reviewer string) ([]*AuditEntry, error) {
	return s.audit.ByReviewer(ctx, reviewer)
}
