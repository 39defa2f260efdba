package dedup

import (
	"time"

	"github.com/google/uuid"
)

// MatchType names the rule that produced a candidate.
type MatchType string

const (
	MatchExternalID MatchType = "external_id"
	MatchChipID     MatchType = "chip_id"
	MatchLocation   MatchType = "location"
	MatchManual     MatchType = "manual"
)

func (m MatchType) Valid() bool {
	switch m {
	case MatchExternalID, MatchChipID, MatchLocation, MatchManual:
		return true
	}
	return false
}

// rank orders match types for tie-breaking between equal scores.
func (m MatchType) rank() int {
	switch m {
	case MatchExternalID:
		return 3
	case MatchChipID:
		return 2
	case MatchLocation:
		return 1
	}
	return 0
}

type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
)

func (s Status) Valid() bool {
	return s == StatusPending || s == StatusApproved || s == StatusRejected
}

// Signals is the per-signal breakdown of a location score.
type Signals struct {
	DistanceMeters float64 `json:"distanceMeters"`
	HoursApart     float64 `json:"hoursApart"`
	Distance       float64 `json:"distance"`
	Recency        float64 `json:"recency"`
	Text           float64 `json:"text"`
}

// Candidate is a suggested duplicate pair. It is immutable once it leaves
// pending.
type Candidate struct {
	ID              uuid.UUID  `json:"id"`
	PrimaryCaseID   uuid.UUID  `json:"primaryCaseId"`
	DuplicateCaseID uuid.UUID  `json:"duplicateCaseId"`
	MatchType       MatchType  `json:"matchType"`
	Confidence      float64    `json:"confidence"`
	Status          Status     `json:"status"`
	Notes           *string    `json:"notes,omitempty"`
	Reason          *string    `json:"reason,omitempty"`
	ReviewedBy      *string    `json:"reviewedBy,omitempty"`
	ReviewedAt      *time.Time `json:"reviewedAt,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`

	Signals *Signals `json:"-"`
}

// PairKey returns the natural key of the unordered pair {a, b}.
func PairKey(a, b uuid.UUID) string {
	x, y := a.String(), b.String()
	if y < x {
		x, y = y, x
	}
	return x + ":" + y
}

func (c *Candidate) PairKey() string {
	return PairKey(c.PrimaryCaseID, c.DuplicateCaseID)
}

// Involves reports whether id is one of the pair.
func (c *Candidate) Involves(id uuid.UUID) bool {
	return c.PrimaryCaseID == id || c.DuplicateCaseID == id
}

// Other returns the member of the pair that is not id.
func (c *Candidate) Other(id uuid.UUID) uuid.UUID {
	if c.PrimaryCaseID == id {
		return c.DuplicateCaseID
	}
	return c.PrimaryCaseID
}

type AuditAction string

const (
	ActionApprove AuditAction = "approve"
	ActionReject  AuditAction = "reject"
)

// AuditEntry is one append-only record of a reviewer decision.
type AuditEntry struct {
	ID              uuid.UUID   `json:"id"`
	CandidateID     uuid.UUID   `json:"candidateId"`
	Actor           string      `json:"actor"`
	Action          AuditAction `json:"action"`
	PrimaryCaseID   uuid.UUID   `json:"primaryCaseId"`
	DuplicateCaseID uuid.UUID   `json:"duplicateCaseId"`
	Notes           *string     `json:"notes,omitempty"`
	Reason          *string     `json:"reason,omitempty"`
	CreatedAt       time.Time   `json:"timestamp"`
}

// PendingFilter narrows the review queue.
type PendingFilter struct {
	MatchType     MatchType
	MinConfidence *float64
	Limit         int
	Offset        int
}

// HistoryFilter narrows resolved candidates.
type HistoryFilter struct {
	Status   Status
	Reviewer string
	CaseID   *uuid.UUID
	Limit    int
	Offset   int
}

// RunSummary reports one batch detection run.
type RunSummary struct {
	Scanned  int `json:"scanned"`
	Skipped  int `json:"skipped"`
	Pairs    int `json:"pairs"`
	Created  int `json:"created"`
	Existing int `json:"existing"`
}

// DetectionResult is the outcome of a scoped detection. Failed maps a case id
// to the reason it could not be checked.
type DetectionResult struct {
	Candidates map[uuid.UUID][]*Candidate `json:"candidates"`
	Failed     map[uuid.UUID]string       `json:"failed"`
}

type ApproveRequest struct {
	CandidateID      uuid.UUID
	PrimaryCaseID    uuid.UUID
	DuplicateCaseIDs []uuid.UUID
	Notes            string
	ReviewerID       string
}

type RejectRequest struct {
	CandidateID uuid.UUID
	Reason      string
	ReviewerID  string
}

type ManualRequest struct {
	PrimaryCaseID   uuid.UUID
	DuplicateCaseID uuid.UUID
	Confidence      *float64
	Notes           string
	ReviewerID      string
}
