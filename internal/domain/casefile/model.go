package casefile

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrCaseNotFound = errors.New("case not found")
	ErrCaseMerged   = errors.New("case has been merged into another case")
	ErrInvalid      = errors.New("invalid case")
)

type Status string

const (
	StatusNew        Status = "new"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
	StatusMerged     Status = "merged"
)

func (s Status) Valid() bool {
	switch s {
	case StatusNew, StatusAssigned, StatusInProgress, StatusResolved, StatusClosed, StatusMerged:
		return true
	}
	return false
}

type MergeFlag string

const (
	MergeNone    MergeFlag = "none"
	MergeMerged  MergeFlag = "merged"
	MergePrimary MergeFlag = "primary"
)

func (f MergeFlag) Valid() bool {
	return f == MergeNone || f == MergeMerged || f == MergePrimary
}

// Case maps to the intake_case table.
type Case struct {
	ID             uuid.UUID     `db:"id" json:"id"`
	CaseNumber     string        `db:"case_number" json:"caseNumber"`
	Category       string        `db:"category" json:"category"`
	Status         Status        `db:"status" json:"status"`
	ExternalCaseID *string       `db:"external_case_id" json:"externalCaseId,omitempty"`
	ChipID         *string       `db:"chip_id" json:"chipId,omitempty"`
	LocationText   string        `db:"location_text" json:"locationText"`
	Latitude       *float64      `db:"latitude" json:"latitude,omitempty"`
	Longitude      *float64      `db:"longitude" json:"longitude,omitempty"`
	Description    string        `db:"description" json:"description"`
	ReportedAt     time.Time     `db:"reported_at" json:"reportedAt"`
	AssigneeID     *string       `db:"assignee_id" json:"assigneeId,omitempty"`
	MergeFlag      MergeFlag     `db:"merge_flag" json:"mergeFlag"`
	MergedInto     *uuid.UUID    `db:"merged_into" json:"mergedInto,omitempty"`
	Form           *FormEnvelope `db:"form" json:"form,omitempty"`
	CreatedAt      time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt      time.Time     `db:"updated_at" json:"updatedAt"`
}

// HasCoordinates reports whether both latitude and longitude are set.
func (c *Case) HasCoordinates() bool {
	return c.Latitude != nil && c.Longitude != nil
}

func (c *Case) IsMerged() bool {
	return c.MergeFlag == MergeMerged
}

// Attachment is file metadata owned by a case. The bytes live in object
// storage under StorageKey.
type Attachment struct {
	ID          uuid.UUID `db:"id" json:"id"`
	CaseID      uuid.UUID `db:"case_id" json:"caseId"`
	FileName    string    `db:"file_name" json:"fileName"`
	ContentType string    `db:"content_type" json:"contentType"`
	SizeBytes   int64     `db:"size_bytes" json:"sizeBytes"`
	StorageKey  string    `db:"storage_key" json:"storageKey"`
	UploadedBy  *string   `db:"uploaded_by" json:"uploadedBy,omitempty"`
	CreatedAt   time.Time `db:"created_at" json:"createdAt"`
}

// HistoryEntry is one line of a case timeline.
type HistoryEntry struct {
	ID        uuid.UUID `db:"id" json:"id"`
	CaseID    uuid.UUID `db:"case_id" json:"caseId"`
	Actor     string    `db:"actor" json:"actor"`
	Action    string    `db:"action" json:"action"`
	Detail    string    `db:"detail" json:"detail"`
	CreatedAt time.Time `db:"created_at" json:"createdAt"`
}

// Filter narrows case searches. Zero values match everything.
type Filter struct {
	Status    Status
	Category  string
	MergeFlag MergeFlag
	Limit     int
	Offset    int
}
