package casefile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/animalwelfare/intake/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

type caseRepoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository {
	return &caseRepoPG{pool: pool}
}

func (r *caseRepoPG) conn(ctx context.Context) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return r.pool
}

const caseCols = `id, case_number, category, status, external_case_id, chip_id,
	location_text, latitude, longitude, description, reported_at, assignee_id,
	merge_flag, merged_into, form, created_at, updated_at`

func (r *caseRepoPG) scanRow(row pgx.Row) (*Case, error) {
	var c Case
	var form []byte
	err := row.Scan(&c.ID, &c.CaseNumber, &c.Category, &c.Status, &c.ExternalCaseID, &c.ChipID,
		&c.LocationText, &c.Latitude, &c.Longitude, &c.Description, &c.ReportedAt, &c.AssigneeID,
		&c.MergeFlag, &c.MergedInto, &form, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCaseNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(form) > 0 {
		var env FormEnvelope
		if err := json.Unmarshal(form, &env); err != nil {
			return nil, fmt.Errorf("decode form of case %s: %w", c.ID, err)
		}
		if env.Form != nil {
			c.Form = &env
		}
	}
	return &c, nil
}

// activeCols is caseCols without form. The active set feeds detection,
// which never reads the form payload.
const activeCols = `id, case_number, category, status, external_case_id, chip_id,
	location_text, latitude, longitude, description, reported_at, assignee_id,
	merge_flag, merged_into, created_at, updated_at`

func scanActive(row pgx.Row) (*Case, error) {
	var c Case
	err := row.Scan(&c.ID, &c.CaseNumber, &c.Category, &c.Status, &c.ExternalCaseID, &c.ChipID,
		&c.LocationText, &c.Latitude, &c.Longitude, &c.Description, &c.ReportedAt, &c.AssigneeID,
		&c.MergeFlag, &c.MergedInto, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *caseRepoPG) scanRows(rows pgx.Rows) ([]*Case, error) {
	defer rows.Close()
	var items []*Case
	for rows.Next() {
		c, err := r.scanRow(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func formJSON(env *FormEnvelope) ([]byte, error) {
	if env == nil || env.Form == nil {
		return nil, nil
	}
	return json.Marshal(env)
}

func (r *caseRepoPG) Create(ctx context.Context, c *Case) error {
	c.ID = uuid.New()
	form, err := formJSON(c.Form)
	if err != nil {
		return err
	}
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO intake_case (id, case_number, category, status, external_case_id, chip_id,
			location_text, latitude, longitude, description, reported_at, assignee_id,
			merge_flag, form)
		VALUES ($1, 'AW-' || lpad(nextval('intake_case_number_seq')::text, 6, '0'),
			$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
		RETURNING case_number, created_at, updated_at`,
		c.ID, c.Category, c.Status, c.ExternalCaseID, c.ChipID,
		c.LocationText, c.Latitude, c.Longitude, c.Description, c.ReportedAt, c.AssigneeID,
		c.MergeFlag, form).Scan(&c.CaseNumber, &c.CreatedAt, &c.UpdatedAt)
}

func (r *caseRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Case, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+caseCols+` FROM intake_case WHERE id = $1`, id))
}

func (r *caseRepoPG) GetForUpdate(ctx context.Context, id uuid.UUID) (*Case, error) {
	return r.scanRow(r.conn(ctx).QueryRow(ctx, `SELECT `+caseCols+` FROM intake_case WHERE id = $1 FOR UPDATE`, id))
}

func (r *caseRepoPG) GetMany(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID]*Case, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+caseCols+` FROM intake_case WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	items, err := r.scanRows(rows)
	if err != nil {
		return nil, err
	}
	out := make(map[uuid.UUID]*Case, len(items))
	for _, c := range items {
		out[c.ID] = c
	}
	return out, nil
}

// Update writes the reporter-editable fields. Merged cases are left untouched.
func (r *caseRepoPG) Update(ctx context.Context, c *Case) error {
	form, err := formJSON(c.Form)
	if err != nil {
		return err
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE intake_case SET category=$2, external_case_id=$3, chip_id=$4, location_text=$5,
			latitude=$6, longitude=$7, description=$8, reported_at=$9, form=$10, updated_at=NOW()
		WHERE id = $1 AND merge_flag <> 'merged'`,
		c.ID, c.Category, c.ExternalCaseID, c.ChipID, c.LocationText,
		c.Latitude, c.Longitude, c.Description, c.ReportedAt, form)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missOrMerged(ctx, c.ID)
	}
	return nil
}

func (r *caseRepoPG) missOrMerged(ctx context.Context, id uuid.UUID) error {
	var flag MergeFlag
	err := r.conn(ctx).QueryRow(ctx, `SELECT merge_flag FROM intake_case WHERE id = $1`, id).Scan(&flag)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrCaseNotFound
	}
	if err != nil {
		return err
	}
	return ErrCaseMerged
}

func (r *caseRepoPG) Search(ctx context.Context, f Filter) ([]*Case, int, error) {
	where := ` WHERE 1=1`
	var args []interface{}
	idx := 1

	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Category != "" {
		where += fmt.Sprintf(` AND category = $%d`, idx)
		args = append(args, f.Category)
		idx++
	}
	if f.MergeFlag != "" {
		where += fmt.Sprintf(` AND merge_flag = $%d`, idx)
		args = append(args, f.MergeFlag)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM intake_case`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + caseCols + ` FROM intake_case` + where +
		fmt.Sprintf(` ORDER BY reported_at DESC, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := r.scanRows(rows)
	return items, total, err
}

func (r *caseRepoPG) ListActive(ctx context.Context) ([]*Case, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+activeCols+` FROM intake_case
		WHERE merge_flag <> 'merged' ORDER BY reported_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Case
	for rows.Next() {
		c, err := scanActive(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

func (r *caseRepoPG) SetStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE intake_case SET status=$2, updated_at=NOW()
		WHERE id = $1 AND merge_flag <> 'merged'`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missOrMerged(ctx, id)
	}
	return nil
}

func (r *caseRepoPG) Assign(ctx context.Context, id uuid.UUID, assigneeID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE intake_case SET assignee_id=$2,
			status = CASE WHEN status = 'new' THEN 'assigned' ELSE status END,
			updated_at=NOW()
		WHERE id = $1 AND merge_flag <> 'merged'`, id, assigneeID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missOrMerged(ctx, id)
	}
	return nil
}

func (r *caseRepoPG) AddAttachment(ctx context.Context, a *Attachment) error {
	a.ID = uuid.New()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO case_attachment (id, case_id, file_name, content_type, size_bytes, storage_key, uploaded_by, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		a.ID, a.CaseID, a.FileName, a.ContentType, a.SizeBytes, a.StorageKey, a.UploadedBy, a.CreatedAt)
	return err
}

func (r *caseRepoPG) ListAttachments(ctx context.Context, caseID uuid.UUID) ([]*Attachment, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, case_id, file_name, content_type, size_bytes, storage_key, uploaded_by, created_at
		FROM case_attachment WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Attachment
	for rows.Next() {
		var a Attachment
		if err := rows.Scan(&a.ID, &a.CaseID, &a.FileName, &a.ContentType, &a.SizeBytes,
			&a.StorageKey, &a.UploadedBy, &a.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &a)
	}
	return items, rows.Err()
}

func (r *caseRepoPG) AddHistory(ctx context.Context, h *HistoryEntry) error {
	h.ID = uuid.New()
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO case_history (id, case_id, actor, action, detail, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)`,
		h.ID, h.CaseID, h.Actor, h.Action, h.Detail, h.CreatedAt)
	return err
}

func (r *caseRepoPG) ListHistory(ctx context.Context, caseID uuid.UUID) ([]*HistoryEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, case_id, actor, action, detail, created_at
		FROM case_history WHERE case_id = $1 ORDER BY created_at, id`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*HistoryEntry
	for rows.Next() {
		var h HistoryEntry
		if err := rows.Scan(&h.ID, &h.CaseID, &h.Actor, &h.Action, &h.Detail, &h.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &h)
	}
	return items, rows.Err()
}

func (r *caseRepoPG) MarkMerged(ctx context.Context, id, rootID uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE intake_case SET merge_flag='merged', status='merged', merged_into=$2,
			assignee_id=NULL, updated_at=NOW()
		WHERE id = $1 AND merge_flag <> 'merged'`, id, rootID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missOrMerged(ctx, id)
	}
	return nil
}

func (r *caseRepoPG) MarkPrimary(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE intake_case SET merge_flag='primary', updated_at=NOW()
		WHERE id = $1 AND merge_flag <> 'merged'`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return r.missOrMerged(ctx, id)
	}
	return nil
}

func (r *caseRepoPG) RepointMerged(ctx context.Context, fromID, toID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE intake_case SET merged_into=$2, updated_at=NOW()
		WHERE merged_into = $1`, fromID, toID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MoveAttachments re-parents attachments. created_at is not touched.
func (r *caseRepoPG) MoveAttachments(ctx context.Context, fromID, toID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE case_attachment SET case_id=$2 WHERE case_id = $1`, fromID, toID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// MoveHistory re-parents timeline entries. created_at is not touched.
func (r *caseRepoPG) MoveHistory(ctx context.Context, fromID, toID uuid.UUID) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE case_history SET case_id=$2 WHERE case_id = $1`, fromID, toID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
