package dedup

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

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

func connFor(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	if c := db.ConnFromContext(ctx); c != nil {
		return c
	}
	return pool
}

// -- Candidates --

type candidateRepoPG struct{ pool *pgxpool.Pool }

func NewCandidateRepoPG(pool *pgxpool.Pool) CandidateRepository {
	return &candidateRepoPG{pool: pool}
}

func (r *candidateRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const candidateCols = `id, primary_case_id, duplicate_case_id, match_type, confidence, signals,
	status, notes, reason, reviewed_by, reviewed_at, created_at`

func scanCandidate(row pgx.Row) (*Candidate, error) {
	var c Candidate
	var signals []byte
	err := row.Scan(&c.ID, &c.PrimaryCaseID, &c.DuplicateCaseID, &c.MatchType, &c.Confidence, &signals,
		&c.Status, &c.Notes, &c.Reason, &c.ReviewedBy, &c.ReviewedAt, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(signals) > 0 {
		var s Signals
		if err := json.Unmarshal(signals, &s); err != nil {
			return nil, fmt.Errorf("decode signals of candidate %s: %w", c.ID, err)
		}
		c.Signals = &s
	}
	return &c, nil
}

func scanCandidates(rows pgx.Rows) ([]*Candidate, error) {
	defer rows.Close()
	items := []*Candidate{}
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, c)
	}
	return items, rows.Err()
}

// InsertIfAbsent relies on the unique pair_key index. The merge-flag check
// runs in the same statement so a case merged since it was scanned is not
// suggested again.
func (r *candidateRepoPG) InsertIfAbsent(ctx context.Context, c *Candidate) (bool, error) {
	var signals []byte
	if c.Signals != nil {
		b, err := json.Marshal(c.Signals)
		if err != nil {
			return false, err
		}
		signals = b
	}
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO duplicate_candidate (id, pair_key, primary_case_id, duplicate_case_id,
			match_type, confidence, signals, status, notes)
		SELECT $1::uuid, $2::varchar, $3::uuid, $4::uuid, $5::varchar, $6::numeric, $7::jsonb, 'pending', $8::text
		WHERE NOT EXISTS (
			SELECT 1 FROM intake_case WHERE id IN ($3, $4) AND merge_flag = 'merged')
		ON CONFLICT (pair_key) DO NOTHING
		RETURNING created_at`,
		c.ID, c.PairKey(), c.PrimaryCaseID, c.DuplicateCaseID, c.MatchType, c.Confidence,
		signals, c.Notes).Scan(&c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	c.Status = StatusPending
	return true, nil
}

func (r *candidateRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Candidate, error) {
	return scanCandidate(r.conn(ctx).QueryRow(ctx,
		`SELECT `+candidateCols+` FROM duplicate_candidate WHERE id = $1`, id))
}

func (r *candidateRepoPG) GetByPair(ctx context.Context, pairKey string) (*Candidate, error) {
	return scanCandidate(r.conn(ctx).QueryRow(ctx,
		`SELECT `+candidateCols+` FROM duplicate_candidate WHERE pair_key = $1`, pairKey))
}

func (r *candidateRepoPG) ListPending(ctx context.Context, f PendingFilter) ([]*Candidate, int, error) {
	where := ` WHERE status = 'pending'`
	var args []interface{}
	idx := 1

	if f.MatchType != "" {
		where += fmt.Sprintf(` AND match_type = $%d`, idx)
		args = append(args, f.MatchType)
		idx++
	}
	if f.MinConfidence != nil {
		where += fmt.Sprintf(` AND confidence >= $%d`, idx)
		args = append(args, *f.MinConfidence)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM duplicate_candidate`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + candidateCols + ` FROM duplicate_candidate` + where +
		fmt.Sprintf(` ORDER BY confidence DESC, created_at ASC, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := scanCandidates(rows)
	return items, total, err
}

func (r *candidateRepoPG) PendingByCases(ctx context.Context, caseIDs []uuid.UUID) (map[uuid.UUID][]*Candidate, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+candidateCols+` FROM duplicate_candidate
		WHERE status = 'pending' AND (primary_case_id = ANY($1) OR duplicate_case_id = ANY($1))
		ORDER BY confidence DESC, created_at ASC, id`, caseIDs)
	if err != nil {
		return nil, err
	}
	items, err := scanCandidates(rows)
	if err != nil {
		return nil, err
	}
	return groupByCase(items, caseIDs), nil
}

// groupByCase files each candidate under every requested case it involves.
func groupByCase(items []*Candidate, caseIDs []uuid.UUID) map[uuid.UUID][]*Candidate {
	out := make(map[uuid.UUID][]*Candidate, len(caseIDs))
	for _, id := range caseIDs {
		out[id] = []*Candidate{}
	}
	for _, c := range items {
		for _, id := range caseIDs {
			if c.Involves(id) {
				out[id] = append(out[id], c)
			}
		}
	}
	return out
}

func (r *candidateRepoPG) CountPending(ctx context.Context) (int, error) {
	var n int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM duplicate_candidate WHERE status = 'pending'`).Scan(&n)
	return n, err
}

func (r *candidateRepoPG) Resolve(ctx context.Context, c *Candidate) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE duplicate_candidate SET status=$2, primary_case_id=$3, duplicate_case_id=$4,
			notes=$5, reason=$6, reviewed_by=$7, reviewed_at=$8
		WHERE id = $1 AND status = 'pending'`,
		c.ID, c.Status, c.PrimaryCaseID, c.DuplicateCaseID, c.Notes, c.Reason, c.ReviewedBy, c.ReviewedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, c.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: candidate %s is no longer pending", ErrConflict, c.ID)
	}
	return nil
}

func (r *candidateRepoPG) ListResolved(ctx context.Context, f HistoryFilter) ([]*Candidate, int, error) {
	where := ` WHERE status <> 'pending'`
	var args []interface{}
	idx := 1

	if f.Status != "" {
		where += fmt.Sprintf(` AND status = $%d`, idx)
		args = append(args, f.Status)
		idx++
	}
	if f.Reviewer != "" {
		where += fmt.Sprintf(` AND reviewed_by = $%d`, idx)
		args = append(args, f.Reviewer)
		idx++
	}
	if f.CaseID != nil {
		where += fmt.Sprintf(` AND (primary_case_id = $%d OR duplicate_case_id = $%d)`, idx, idx)
		args = append(args, *f.CaseID)
		idx++
	}

	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM duplicate_candidate`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + candidateCols + ` FROM duplicate_candidate` + where +
		fmt.Sprintf(` ORDER BY reviewed_at DESC, id LIMIT $%d OFFSET $%d`, idx, idx+1)
	args = append(args, f.Limit, f.Offset)

	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	items, err := scanCandidates(rows)
	return items, total, err
}

// -- Audit --

type auditRepoPG struct{ pool *pgxpool.Pool }

func NewAuditRepoPG(pool *pgxpool.Pool) AuditRepository {
	return &auditRepoPG{pool: pool}
}

func (r *auditRepoPG) conn(ctx context.Context) queryable { return connFor(ctx, r.pool) }

const auditCols = `id, candidate_id, actor, action, primary_case_id, duplicate_case_id, notes, reason, created_at`

func (r *auditRepoPG) Append(ctx context.Context, e *AuditEntry) error {
	e.ID = uuid.New()
	return r.conn(ctx).QueryRow(ctx, `
		INSERT INTO dedup_audit (id, candidate_id, actor, action, primary_case_id, duplicate_case_id, notes, reason)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING created_at`,
		e.ID, e.CandidateID, e.Actor, e.Action, e.PrimaryCaseID, e.DuplicateCaseID, e.Notes, e.Reason,
	).Scan(&e.CreatedAt)
}

func (r *auditRepoPG) list(ctx context.Context, where string, arg interface{}) ([]*AuditEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+auditCols+` FROM dedup_audit WHERE `+where+
		` ORDER BY created_at, id`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.CandidateID, &e.Actor, &e.Action, &e.PrimaryCaseID,
			&e.DuplicateCaseID, &e.Notes, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		items = append(items, &e)
	}
	return items, rows.Err()
}

func (r *auditRepoPG) ByCase(ctx context.Context, caseID uuid.UUID) ([]*AuditEntry, error) {
	return r.list(ctx, `primary_case_id = $1 OR duplicate_case_id = $1`, caseID)
}

func (r *auditRepoPG) ByReviewer(ctx context.Context, actor string) ([]*AuditEntry, error) {
	return r.list(ctx, `actor = $1`, actor)
}
