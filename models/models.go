package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// NamedRef is the {id, name} pair Redmine uses for every reference field.
type NamedRef struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// IssueRecord is an immutable snapshot of one source issue.
//
// The verbatim JSON is kept so that it can be written back unchanged to the
// output file; fields that go through the field table are read with Field.
type IssueRecord struct {
	ID         int
	Tracker    *NamedRef
	Status     *NamedRef
	Priority   *NamedRef
	Author     *NamedRef
	AssignedTo *NamedRef
	Category   *NamedRef

	raw    json.RawMessage
	fields map[string]json.RawMessage
}

// UnmarshalJSON decodes a Redmine issue object. Only the id is mandatory;
// reference fields that do not have the {id, name} shape are left nil.
func (r *IssueRecord) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("issue: %w", err)
	}
	if fields == nil {
		return errors.New("issue: null object")
	}

	idRaw, ok := fields["id"]
	if !ok {
		return errors.New("issue: missing id")
	}
	var id int
	if err := json.Unmarshal(idRaw, &id); err != nil {
		return fmt.Errorf("issue: invalid id: %w", err)
	}

	*r = IssueRecord{
		ID:         id,
		Tracker:    decodeRef(fields["tracker"]),
		Status:     decodeRef(fields["status"]),
		Priority:   decodeRef(fields["priority"]),
		Author:     decodeRef(fields["author"]),
		AssignedTo: decodeRef(fields["assigned_to"]),
		Category:   decodeRef(fields["category"]),
		raw:        append(json.RawMessage(nil), data...),
		fields:     fields,
	}
	return nil
}

// MarshalJSON re-emits the source JSON unchanged.
func (r IssueRecord) MarshalJSON() ([]byte, error) {
	if len(r.raw) == 0 {
		return json.Marshal(map[string]int{"id": r.ID})
	}
	return r.raw, nil
}

// Field returns the raw JSON value of a top-level source field.
// A JSON null is reported as absent.
func (r IssueRecord) Field(name string) (json.RawMessage, bool) {
	value, ok := r.fields[name]
	if !ok || isNull(value) {
		return nil, false
	}
	return value, true
}

func decodeRef(raw json.RawMessage) *NamedRef {
	if raw == nil || isNull(raw) {
		return nil
	}
	var ref NamedRef
	if err := json.Unmarshal(raw, &ref); err != nil {
		return nil
	}
	return &ref
}

func isNull(raw json.RawMessage) bool {
	return len(bytes.TrimSpace(raw)) == 0 || bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

// RefName returns the name of a reference or "" when it is nil.
func RefName(ref *NamedRef) string {
	if ref == nil {
		return ""
	}
	return ref.Name
}

// CommentEntry is one Redmine journal entry.
type CommentEntry struct {
	ID           int       `json:"id"`
	User         *NamedRef `json:"user,omitempty"`
	Notes        string    `json:"notes"`
	CreatedOn    string    `json:"created_on,omitempty"`
	PrivateNotes bool      `json:"private_notes"`
}

// AttachmentRef describes an attachment stored in the source tracker.
type AttachmentRef struct {
	ID          int    `json:"id,omitempty"`
	Filename    string `json:"filename"`
	Size        int64  `json:"filesize,omitempty"`
	ContentType string `json:"content_type,omitempty"`
	ContentURL  string `json:"content_url,omitempty"`
}

// IssueFilter selects the source issues of a run.
type IssueFilter struct {
	ProjectID  string
	StatusID   string
	PriorityID string
}

// IssuePage is one page of the source issue listing.
type IssuePage struct {
	Issues     []IssueRecord `json:"issues"`
	TotalCount int           `json:"total_count"`
}

// IssuePayload is the destination-shaped issue produced by the transformer.
type IssuePayload struct {
	Fields       map[string]any
	TargetStatus string
	Warnings     []string
}

// DestinationUser is an account in the destination user directory.
type DestinationUser struct {
	AccountID   string `json:"accountId"`
	DisplayName string `json:"displayName"`
	Active      bool   `json:"active"`
}

// DestinationField is a field definition in the destination tracker.
type DestinationField struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Custom bool   `json:"custom"`
}

// ItemState is the position of one item in the migration state machine.
type ItemState string

const (
	StateFetched            ItemState = "fetched"
	StateTransformed        ItemState = "transformed"
	StateCreated            ItemState = "created"
	StateStatusTransitioned ItemState = "status_transitioned"
	StateAttachmentsDone    ItemState = "attachments_done"
	StateCommentsDone       ItemState = "comments_done"
	StateComplete           ItemState = "complete"
	StateFailed             ItemState = "failed"
)

var stateOrder = map[ItemState]int{
	StateFetched:            1,
	StateTransformed:        2,
	StateCreated:            3,
	StateStatusTransitioned: 4,
	StateAttachmentsDone:    5,
	StateCommentsDone:       6,
	StateComplete:           7,
}

// Reached reports whether s is at or past target on the success path.
// StateFailed reaches nothing.
func (s ItemState) Reached(target ItemState) bool {
	rank, ok := stateOrder[s]
	return ok && rank >= stateOrder[target]
}

// OutcomeKind classifies the result of one item.
type OutcomeKind string

const (
	OutcomeSuccess          OutcomeKind = "success"
	OutcomeSkippedTransient OutcomeKind = "skipped_transient"
	OutcomeFailedPermanent  OutcomeKind = "failed_permanent"
)

// MigratedRecord is one line of the NDJSON output file.
type MigratedRecord struct {
	RunID              string          `json:"run_id,omitempty"`
	Index              int             `json:"index,omitempty"`
	Issue              IssueRecord     `json:"issue"`
	Attachments        []string        `json:"attachments"`
	MissingAttachments []AttachmentRef `json:"missing_attachments,omitempty"`
	Comments           []CommentEntry  `json:"comments"`
	PostedComments     []int           `json:"posted_comments,omitempty"`
	DestinationKey     string          `json:"destination_key,omitempty"`
	State              ItemState       `json:"state,omitempty"`
	Outcome            OutcomeKind     `json:"outcome,omitempty"`
	Reason             string          `json:"reason,omitempty"`
	Warnings           []string        `json:"warnings,omitempty"`
	MigratedAt         time.Time       `json:"migrated_at,omitempty"`
}
