package dedup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/animalwelfare/intake/internal/domain/casefile"
	"github.com/animalwelfare/intake/internal/platform/metrics"
)

// Generator scans active cases and records likely duplicate pairs.
type Generator struct {
	cases      casefile.Repository
	candidates CandidateRepository
	rules      Rules
	workers    int
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time

	// onCreated is called for every stored candidate.
	onCreated func(ctx context.Context, c *Candidate)
}

func NewGenerator(cases casefile.Repository, candidates CandidateRepository, rules Rules, workers int, m *metrics.Metrics, logger zerolog.Logger) *Generator {
	if workers < 1 {
		workers = 1
	}
	return &Generator{
		cases:      cases,
		candidates: candidates,
		rules:      rules,
		workers:    workers,
		metrics:    m,
		logger:     logger.With().Str("component", "generator").Logger(),
		now:        time.Now,
	}
}

// scoreJob compares subject with every case in others.
type scoreJob struct {
	subject *casefile.Case
	others  []*casefile.Case
}

type pairMatch struct {
	primary   *casefile.Case
	duplicate *casefile.Case
	match
}

// scoreAll runs the jobs on a bounded worker pool. Scoring is pure; only
// context cancellation fails it.
func (g *Generator) scoreAll(ctx context.Context, jobs []scoreJob) ([][]pairMatch, error) {
	results := make([][]pairMatch, len(jobs))
	eg, ctx := errgroup.WithContext(ctx)
	eg.SetLimit(g.workers)
	for i := range jobs {
		i := i
		eg.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			job := jobs[i]
			for _, other := range job.others {
				if other.ID == job.subject.ID {
					continue
				}
				m, ok := scorePair(job.subject, other, g.rules)
				if !ok {
					continue
				}
				p, d := orient(job.subject, other)
				results[i] = append(results[i], pairMatch{primary: p, duplicate: d, match: m})
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// store inserts one match. created is false when the pair already had a
// record or one of the cases was merged meanwhile.
func (g *Generator) store(ctx context.Context, pm pairMatch) (bool, error) {
	c := &Candidate{
		ID:              uuid.New(),
		PrimaryCaseID:   pm.primary.ID,
		DuplicateCaseID: pm.duplicate.ID,
		MatchType:       pm.Type,
		Confidence:      pm.Confidence,
		Status:          StatusPending,
		Signals:         pm.Signals,
		CreatedAt:       g.now(),
	}
	created, err := g.candidates.InsertIfAbsent(ctx, c)
	if err != nil {
		return false, fmt.Errorf("store candidate %s: %w", c.PairKey(), err)
	}
	if created {
		g.metrics.CandidateCreated(string(c.MatchType), c.Confidence)
		if g.onCreated != nil {
			g.onCreated(ctx, c)
		}
	}
	return created, nil
}

// RunDetection compares every pair of active cases once. A case whose
// candidates cannot be stored is logged and counted as skipped; the run
// continues with the next case.
func (g *Generator) RunDetection(ctx context.Context) (RunSummary, error) {
	var sum RunSummary
	active, err := g.cases.ListActive(ctx)
	if err != nil {
		return sum, fmt.Errorf("list active cases: %w", err)
	}
	sum.Scanned = len(active)

	jobs := make([]scoreJob, len(active))
	for i, c := range active {
		jobs[i] = scoreJob{subject: c, others: active[i+1:]}
	}
	matches, err := g.scoreAll(ctx, jobs)
	if err != nil {
		return sum, err
	}

	// Inserts share the agency connection in ctx, which is not safe for
	// concurrent use, so they run in order.
	for i, pms := range matches {
		if len(pms) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		sum.Pairs += len(pms)
		for _, pm := range pms {
			created, err := g.store(ctx, pm)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return sum, err
				}
				sum.Skipped++
				g.metrics.CaseSkipped()
				g.logger.Warn().Err(err).Str("case_id", jobs[i].subject.ID.String()).Msg("skipping case in detection run")
				break
			}
			if created {
				sum.Created++
			} else {
				sum.Existing++
			}
		}
	}
	return sum, nil
}

// DetectForCases checks each listed case against the active set, stores new
// candidates and returns the pending candidates of every case that could be
// checked. Cases that are missing or merged land in Failed.
func (g *Generator) DetectForCases(ctx context.Context, ids []uuid.UUID) (*DetectionResult, error) {
	res := &DetectionResult{
		Candidates: make(map[uuid.UUID][]*Candidate),
		Failed:     make(map[uuid.UUID]string),
	}
	if len(ids) == 0 {
		return res, nil
	}
	active, err := g.cases.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("list active cases: %w", err)
	}
	byID := make(map[uuid.UUID]*casefile.Case, len(active))
	for _, c := range active {
		byID[c.ID] = c
	}

	var jobs []scoreJob
	seen := make(map[uuid.UUID]bool, len(ids))
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		subject, ok := byID[id]
		if !ok {
			res.Failed[id] = g.whyInactive(ctx, id)
			continue
		}
		jobs = append(jobs, scoreJob{subject: subject, others: active})
	}

	matches, err := g.scoreAll(ctx, jobs)
	if err != nil {
		return nil, err
	}

	var checked []uuid.UUID
	for i, pms := range matches {
		id := jobs[i].subject.ID
		var failed error
		for _, pm := range pms {
			if _, err := g.store(ctx, pm); err != nil {
				failed = err
				break
			}
		}
		if failed != nil {
			g.metrics.CaseSkipped()
			g.logger.Warn().Err(failed).Str("case_id", id.String()).Msg("duplicate pre-flight failed for case")
			res.Failed[id] = failed.Error()
			continue
		}
		checked = append(checked, id)
	}

	if len(checked) == 0 {
		return res, nil
	}
	pending, err := g.candidates.PendingByCases(ctx, checked)
	if err != nil {
		return nil, fmt.Errorf("load pending candidates: %w", err)
	}
	for _, id := range checked {
		res.Candidates[id] = pending[id]
		if res.Candidates[id] == nil {
			res.Candidates[id] = []*Candidate{}
		}
	}
	return res, nil
}

func (g *Generator) whyInactive(ctx context.Context, id uuid.UUID) string {
	c, err := g.cases.GetByID(ctx, id)
	switch {
	case errors.Is(err, casefile.ErrCaseNotFound):
		return "case not found"
	case err != nil:
		return err.Error()
	case c.IsMerged():
		return "case is merged"
	}
	return "case is not active"
}
