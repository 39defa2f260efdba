package casefile

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// PossibleDuplicate is a pending duplicate suggestion surfaced to a reporter
// right after submission.
type PossibleDuplicate struct {
	CandidateID uuid.UUID `json:"candidateId"`
	CaseID      uuid.UUID `json:"caseId"`
	MatchType   string    `json:"matchType"`
	Confidence  float64   `json:"confidence"`
}

// Preflight checks a freshly stored case for likely duplicates.
type Preflight interface {
	PreflightCase(ctx context.Context, caseID uuid.UUID) ([]PossibleDuplicate, error)
}

// Transactor runs fn inside one database transaction.
type Transactor interface {
	WithinTx(ctx context.Context, fn func(ctx context.Context) error) error
}

type Service struct {
	repo      Repository
	tx        Transactor
	preflight Preflight
	logger    zerolog.Logger
	now       func() time.Time
}

func NewService(repo Repository, tx Transactor, logger zerolog.Logger) *Service {
	return &Service{
		repo:   repo,
		tx:     tx,
		logger: logger.With().Str("component", "casefile").Logger(),
		now:    time.Now,
	}
}

func (s *Service) within(ctx context.Context, fn func(ctx context.Context) error) error {
	if s.tx == nil {
		return fn(ctx)
	}
	return s.tx.WithinTx(ctx, fn)
}

// SetPreflight wires the duplicate check run after intake submissions.
func (s *Service) SetPreflight(p Preflight) {
	s.preflight = p
}

func validateCase(c *Case) error {
	if strings.TrimSpace(c.Category) == "" {
		return fmt.Errorf("%w: category is required", ErrInvalid)
	}
	if strings.TrimSpace(c.Description) == "" && strings.TrimSpace(c.LocationText) == "" {
		return fmt.Errorf("%w: description or location is required", ErrInvalid)
	}
	if (c.Latitude == nil) != (c.Longitude == nil) {
		return fmt.Errorf("%w: latitude and longitude must be given together", ErrInvalid)
	}
	if c.HasCoordinates() {
		if *c.Latitude < -90 || *c.Latitude > 90 || *c.Longitude < -180 || *c.Longitude > 180 {
			return fmt.Errorf("%w: coordinates out of range", ErrInvalid)
		}
	}
	return c.Form.Validate()
}

func trimOptional(s *string) *string {
	if s == nil {
		return nil
	}
	t := strings.TrimSpace(*s)
	if t == "" {
		return nil
	}
	return &t
}

func (s *Service) Create(ctx context.Context, c *Case, actor string) error {
	c.ExternalCaseID = trimOptional(c.ExternalCaseID)
	c.ChipID = trimOptional(c.ChipID)
	if err := validateCase(c); err != nil {
		return err
	}
	if c.ReportedAt.IsZero() {
		c.ReportedAt = s.now()
	}
	c.Status = StatusNew
	c.MergeFlag = MergeNone
	c.MergedInto = nil
	c.AssigneeID = nil

	return s.within(ctx, func(ctx context.Context) error {
		if err := s.repo.Create(ctx, c); err != nil {
			return fmt.Errorf("create case: %w", err)
		}
		if err := s.repo.AddHistory(ctx, &HistoryEntry{CaseID: c.ID, Actor: actor, Action: "created", Detail: c.Category}); err != nil {
			return fmt.Errorf("record case history: %w", err)
		}
		return nil
	})
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*Case, error) {
	return s.repo.GetByID(ctx, id)
}

func (s *Service) Update(ctx context.Context, c *Case, actor string) error {
	c.ExternalCaseID = trimOptional(c.ExternalCaseID)
	c.ChipID = trimOptional(c.ChipID)
	if err := validateCase(c); err != nil {
		return err
	}
	return s.within(ctx, func(ctx context.Context) error {
		if err := s.repo.Update(ctx, c); err != nil {
			return err
		}
		return s.repo.AddHistory(ctx, &HistoryEntry{CaseID: c.ID, Actor: actor, Action: "updated"})
	})
}

func (s *Service) Search(ctx context.Context, f Filter) ([]*Case, int, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown status %q", ErrInvalid, f.Status)
	}
	if f.MergeFlag != "" && !f.MergeFlag.Valid() {
		return nil, 0, fmt.Errorf("%w: unknown merge flag %q", ErrInvalid, f.MergeFlag)
	}
	return s.repo.Search(ctx, f)
}

func (s *Service) Assign(ctx context.Context, id uuid.UUID, assigneeID, actor string) error {
	if strings.TrimSpace(assigneeID) == "" {
		return fmt.Errorf("%w: assignee is required", ErrInvalid)
	}
	return s.within(ctx, func(ctx context.Context) error {
		if err := s.repo.Assign(ctx, id, assigneeID); err != nil {
			return err
		}
		return s.repo.AddHistory(ctx, &HistoryEntry{CaseID: id, Actor: actor, Action: "assigned", Detail: assigneeID})
	})
}

// SetStatus moves a case through its lifecycle. The merged status is owned by
// the merge executor and cannot be set here.
func (s *Service) SetStatus(ctx context.Context, id uuid.UUID, status Status, actor string) error {
	if !status.Valid() || status == StatusMerged {
		return fmt.Errorf("%w: status %q cannot be set directly", ErrInvalid, status)
	}
	return s.within(ctx, func(ctx context.Context) error {
		if err := s.repo.SetStatus(ctx, id, status); err != nil {
			return err
		}
		return s.repo.AddHistory(ctx, &HistoryEntry{CaseID: id, Actor: actor, Action: "status", Detail: string(status)})
	})
}

func (s *Service) AddAttachment(ctx context.Context, a *Attachment) error {
	if a.CaseID == uuid.Nil || strings.TrimSpace(a.FileName) == "" || a.StorageKey == "" {
		return fmt.Errorf("%w: attachment needs case, file name and storage key", ErrInvalid)
	}
	c, err := s.repo.GetByID(ctx, a.CaseID)
	if err != nil {
		return err
	}
	if c.IsMerged() {
		return ErrCaseMerged
	}
	if a.ContentType == "" {
		a.ContentType = "application/octet-stream"
	}
	return s.repo.AddAttachment(ctx, a)
}

func (s *Service) Attachments(ctx context.Context, caseID uuid.UUID) ([]*Attachment, error) {
	return s.repo.ListAttachments(ctx, caseID)
}

func (s *Service) History(ctx context.Context, caseID uuid.UUID) ([]*HistoryEntry, error) {
	return s.repo.ListHistory(ctx, caseID)
}

// Submission is the outcome of a completed intake wizard.
type Submission struct {
	Case               *Case               `json:"case"`
	PossibleDuplicates []PossibleDuplicate `json:"possibleDuplicates"`
}

// SubmitReport stores the wizard's report as a new case and runs the
// duplicate pre-flight. A failed pre-flight is logged and does not fail the
// submission.
func (s *Service) SubmitReport(ctx context.Context, w *Wizard) (*Submission, error) {
	c, err := w.Submit()
	if err != nil {
		return nil, err
	}
	if err := s.Create(ctx, c, "public"); err != nil {
		return nil, err
	}
	if contact := strings.TrimSpace(w.Report.ReporterName + " " + w.Report.ReporterPhone); contact != "" {
		if err := s.repo.AddHistory(ctx, &HistoryEntry{CaseID: c.ID, Actor: "public", Action: "reporter_contact", Detail: contact}); err != nil {
			s.logger.Warn().Err(err).Str("case_id", c.ID.String()).Msg("record reporter contact")
		}
	}

	sub := &Submission{Case: c, PossibleDuplicates: []PossibleDuplicate{}}
	if s.preflight == nil {
		return sub, nil
	}
	dups, err := s.preflight.PreflightCase(ctx, c.ID)
	if err != nil {
		s.logger.Warn().Err(err).Str("case_id", c.ID.String()).Msg("duplicate pre-flight failed")
		return sub, nil
	}
	sub.PossibleDuplicates = dups
	return sub, nil
}
