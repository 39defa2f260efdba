package dedup

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/animalwelfare/intake/internal/domain/casefile"
)

// maxRootHops bounds the walk up merged_into links. Flattening keeps real
// chains at one hop; anything longer is corrupt data.
const maxRootHops = 8

// MergeResult describes one executed merge.
type MergeResult struct {
	RootID      uuid.UUID `json:"rootId"`
	DuplicateID uuid.UUID `json:"duplicateId"`
	Repointed   int64     `json:"repointed"`
	Attachments int64     `json:"attachments"`
	History     int64     `json:"history"`
}

// Merger folds a duplicate case into a root primary. The duplicate is kept,
// flagged merged and pointing at the root.
type Merger struct {
	cases  casefile.Repository
	tx     Transactor
	logger zerolog.Logger
}

func NewMerger(cases casefile.Repository, tx Transactor, logger zerolog.Logger) *Merger {
	return &Merger{
		cases:  cases,
		tx:     tx,
		logger: logger.With().Str("component", "merge").Logger(),
	}
}

// Merge runs inside the transaction carried by ctx, or opens one. Any error
// leaves both cases untouched once the transaction rolls back.
func (m *Merger) Merge(ctx context.Context, primaryID, duplicateID uuid.UUID, actor string) (*MergeResult, error) {
	if primaryID == duplicateID {
		return nil, invalid("a case cannot be merged into itself")
	}
	var res *MergeResult
	err := m.tx.WithinTx(ctx, func(ctx context.Context) error {
		var err error
		res, err = m.merge(ctx, primaryID, duplicateID, actor)
		return err
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info().
		Str("root_id", res.RootID.String()).
		Str("duplicate_id", duplicateID.String()).
		Int64("repointed", res.Repointed).
		Msg("case merged")
	return res, nil
}

func (m *Merger) merge(ctx context.Context, primaryID, duplicateID uuid.UUID, actor string) (*MergeResult, error) {
	dup, err := m.cases.GetForUpdate(ctx, duplicateID)
	if err != nil {
		return nil, caseErr(err, duplicateID)
	}
	if dup.IsMerged() {
		return nil, fmt.Errorf("%w: %s", ErrAlreadyMerged, dup.CaseNumber)
	}

	root, err := m.resolveRoot(ctx, primaryID)
	if err != nil {
		return nil, err
	}
	if root.ID == dup.ID {
		return nil, invalid("case %s already absorbs %s", dup.CaseNumber, primaryID)
	}

	res := &MergeResult{RootID: root.ID, DuplicateID: dup.ID}
	if res.Repointed, err = m.cases.RepointMerged(ctx, dup.ID, root.ID); err != nil {
		return nil, fmt.Errorf("repoint merged cases: %w", err)
	}
	if res.Attachments, err = m.cases.MoveAttachments(ctx, dup.ID, root.ID); err != nil {
		return nil, fmt.Errorf("move attachments: %w", err)
	}
	if res.History, err = m.cases.MoveHistory(ctx, dup.ID, root.ID); err != nil {
		return nil, fmt.Errorf("move history: %w", err)
	}
	if err := m.cases.MarkMerged(ctx, dup.ID, root.ID); err != nil {
		return nil, fmt.Errorf("flag duplicate: %w", caseErr(err, dup.ID))
	}
	if err := m.cases.MarkPrimary(ctx, root.ID); err != nil {
		return nil, fmt.Errorf("flag primary: %w", caseErr(err, root.ID))
	}

	entries := []*casefile.HistoryEntry{
		{CaseID: root.ID, Actor: actor, Action: "merge.absorbed", Detail: dup.CaseNumber},
		{CaseID: dup.ID, Actor: actor, Action: "merge.merged_into", Detail: root.CaseNumber},
	}
	for _, h := range entries {
		if err := m.cases.AddHistory(ctx, h); err != nil {
			return nil, fmt.Errorf("record merge history: %w", err)
		}
	}
	return res, nil
}

// resolveRoot follows merged_into from id to the case that absorbs it.
func (m *Merger) resolveRoot(ctx context.Context, id uuid.UUID) (*casefile.Case, error) {
	c, err := m.cases.GetForUpdate(ctx, id)
	if err != nil {
		return nil, caseErr(err, id)
	}
	for hops := 0; c.IsMerged(); hops++ {
		if c.MergedInto == nil || hops == maxRootHops {
			return nil, fmt.Errorf("case %s has a broken merge link", c.CaseNumber)
		}
		if c, err = m.cases.GetForUpdate(ctx, *c.MergedInto); err != nil {
			return nil, caseErr(err, id)
		}
	}
	return c, nil
}

// caseErr maps case repository sentinels onto this package's errors.
func caseErr(err error, id uuid.UUID) error {
	switch {
	case errors.Is(err, casefile.ErrCaseNotFound):
		return fmt.Errorf("%w %s", ErrUnknownCase, id)
	case errors.Is(err, casefile.ErrCaseMerged):
		return fmt.Errorf("%w: %s", ErrAlreadyMerged, id)
	}
	return err
}
