package casefile

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, c *Case) error
	GetByID(ctx context.Context, id uuid.UUID) (*Case, error)
	// GetForUpdate reads a case and locks its row until the surrounding
	// transaction ends.
	GetForUpdate(ctx context.Context, id uuid.UUID) (*Case, error)
	GetMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Case, error)
	Update(ctx context.Context, c *Case) error
	Search(ctx context.Context, f Filter) ([]*Case, int, error)
	// ListActive returns every case whose merge flag is not merged. Form
	// payloads are not loaded.
	ListActive(ctx context.Context) ([]*Case, error)
	SetStatus(ctx context.Context, id uuid.UUID, status Status) error
	Assign(ctx context.Context, id uuid.UUID, assigneeID string) error

	AddAttachment(ctx context.Context, a *Attachment) error
	ListAttachments(ctx context.Context, caseID uuid.UUID) ([]*Attachment, error)
	AddHistory(ctx context.Context, h *HistoryEntry) error
	ListHistory(ctx context.Context, caseID uuid.UUID) ([]*HistoryEntry, error)

	// Merge bookkeeping.
	MarkMerged(ctx context.Context, id, rootID uuid.UUID) error
	MarkPrimary(ctx context.Context, id uuid.UUID) error
	RepointMerged(ctx context.Context, fromID, toID uuid.UUID) (int64, error)
	MoveAttachments(ctx context.Context, fromID, toID uuid.UUID) (int64, error)
	MoveHistory(ctx context.Context, fromID, toID uuid.UUID) (int64, error)
}
