package versioncas

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/deskrelay/internal/entitystore"
)

type Kind string

const (
	KindWorkspace Kind = "workspace"
	KindMember    Kind = "member"
	KindCustomer  Kind = "customer"
	KindThread    Kind = "thread"
)

func Kinds() []Kind {
	return []Kind{KindWorkspace, KindMember, KindCustomer, KindThread}
}

func ParseKind(raw string) (Kind, error) {
	switch k := Kind(strings.ToLower(strings.TrimSpace(raw))); k {
	case KindWorkspace, KindMember, KindCustomer, KindThread:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownKind, raw)
	}
}

// Table is the relation holding rows of this kind.
func (k Kind) Table() string { return string(k) }

// KeyColumn is the primary key column of the kind's table.
func (k Kind) KeyColumn() string { return string(k) + "_id" }

// Record is one row accepted by the upsert service.
type Record interface {
	Kind() Kind
	Key() string
	// Workspace is the workspace the row belongs to.
	Workspace() string
	Validate() error
	columns() []column
}

type column struct {
	name  string
	value any
}

// uniqueKey is one value covered by a per-workspace unique index.
type uniqueKey struct {
	constraint string
	value      string
}

type uniqueKeyer interface {
	uniqueKeys() []uniqueKey
}

func uniqueKeysOf(rec Record) []uniqueKey {
	if u, ok := rec.(uniqueKeyer); ok {
		return u.uniqueKeys()
	}
	return nil
}

type WorkspaceRow struct {
	WorkspaceID string    `json:"workspaceId"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (r WorkspaceRow) Kind() Kind        { return KindWorkspace }
func (r WorkspaceRow) Key() string       { return r.WorkspaceID }
func (r WorkspaceRow) Workspace() string { return r.WorkspaceID }

func (r WorkspaceRow) Validate() error {
	if strings.TrimSpace(r.WorkspaceID) == "" {
		return invalid("workspaceId is required")
	}
	return nil
}

func (r WorkspaceRow) columns() []column {
	return []column{
		{"name", r.Name},
		{"created_at", r.CreatedAt},
		{"updated_at", r.UpdatedAt},
	}
}

type MemberRow struct {
	MemberID    string    `json:"memberId"`
	WorkspaceID string    `json:"workspaceId"`
	Name        string    `json:"name"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (r MemberRow) Kind() Kind        { return KindMember }
func (r MemberRow) Key() string       { return r.MemberID }
func (r MemberRow) Workspace() string { return r.WorkspaceID }

func (r MemberRow) Validate() error {
	if strings.TrimSpace(r.MemberID) == "" {
		return invalid("memberId is required")
	}
	if strings.TrimSpace(r.WorkspaceID) == "" {
		return invalid("workspaceId is required")
	}
	return nil
}

func (r MemberRow) columns() []column {
	return []column{
		{"workspace_id", r.WorkspaceID},
		{"name", r.Name},
		{"role", r.Role},
		{"created_at", r.CreatedAt},
		{"updated_at", r.UpdatedAt},
	}
}

type CustomerRow struct {
	CustomerID  string    `json:"customerId"`
	WorkspaceID string    `json:"workspaceId"`
	ExternalID  *string   `json:"externalId"`
	Email       *string   `json:"email"`
	Phone       *string   `json:"phone"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (r CustomerRow) Kind() Kind        { return KindCustomer }
func (r CustomerRow) Key() string       { return r.CustomerID }
func (r CustomerRow) Workspace() string { return r.WorkspaceID }

func (r CustomerRow) Validate() error {
	if strings.TrimSpace(r.CustomerID) == "" {
		return invalid("customerId is required")
	}
	if strings.TrimSpace(r.WorkspaceID) == "" {
		return invalid("workspaceId is required")
	}
	return nil
}

// uniqueKeys lists the set identity fields. Constraint names match the
// indexes in the schema.
func (r CustomerRow) uniqueKeys() []uniqueKey {
	var keys []uniqueKey
	add := func(constraint string, p *string) {
		if p != nil && *p != "" {
			keys = append(keys, uniqueKey{constraint, *p})
		}
	}
	add("customer_workspace_external_id_key", r.ExternalID)
	add("customer_workspace_email_key", r.Email)
	add("customer_workspace_phone_key", r.Phone)
	return keys
}

func (r CustomerRow) columns() []column {
	return []column{
		{"workspace_id", r.WorkspaceID},
		{"external_id", nullable(r.ExternalID)},
		{"email", nullable(r.Email)},
		{"phone", nullable(r.Phone)},
		{"name", r.Name},
		{"created_at", r.CreatedAt},
		{"updated_at", r.UpdatedAt},
	}
}

type ThreadRow struct {
	ThreadID           string                     `json:"threadId"`
	WorkspaceID        string                     `json:"workspaceId"`
	CustomerID         string                     `json:"customerId"`
	AssigneeID         *string                    `json:"assigneeId"`
	Title              string                     `json:"title"`
	Description        string                     `json:"description"`
	Status             entitystore.ThreadStatus   `json:"status"`
	Stage              entitystore.ThreadStage    `json:"stage"`
	Priority           entitystore.ThreadPriority `json:"priority"`
	Replied            bool                       `json:"replied"`
	Channel            string                     `json:"channel"`
	PreviewText        string                     `json:"previewText"`
	InboundFirstSeqID  *string                    `json:"inboundFirstSeqId"`
	InboundLastSeqID   *string                    `json:"inboundLastSeqId"`
	OutboundFirstSeqID *string                    `json:"outboundFirstSeqId"`
	OutboundLastSeqID  *string                    `json:"outboundLastSeqId"`
	CreatedAt          time.Time                  `json:"createdAt"`
	UpdatedAt          time.Time                  `json:"updatedAt"`
}

func (r ThreadRow) Kind() Kind        { return KindThread }
func (r ThreadRow) Key() string       { return r.ThreadID }
func (r ThreadRow) Workspace() string { return r.WorkspaceID }

func (r ThreadRow) Validate() error {
	if strings.TrimSpace(r.ThreadID) == "" {
		return invalid("threadId is required")
	}
	if strings.TrimSpace(r.WorkspaceID) == "" {
		return invalid("workspaceId is required")
	}
	if strings.TrimSpace(r.CustomerID) == "" {
		return invalid("customerId is required")
	}
	switch r.Status {
	case entitystore.StatusTodo, entitystore.StatusDone:
	default:
		return invalid("unknown status %q", r.Status)
	}
	if r.Priority.Rank() > entitystore.PriorityLow.Rank() {
		return invalid("unknown priority %q", r.Priority)
	}
	return nil
}

func (r ThreadRow) columns() []column {
	return []column{
		{"workspace_id", r.WorkspaceID},
		{"customer_id", r.CustomerID},
		{"assignee_id", nullable(r.AssigneeID)},
		{"title", r.Title},
		{"description", r.Description},
		{"status", string(r.Status)},
		{"stage", string(r.Stage)},
		{"priority", string(r.Priority)},
		{"replied", r.Replied},
		{"channel", r.Channel},
		{"preview_text", r.PreviewText},
		{"inbound_first_seq_id", nullable(r.InboundFirstSeqID)},
		{"inbound_last_seq_id", nullable(r.InboundLastSeqID)},
		{"outbound_first_seq_id", nullable(r.OutboundFirstSeqID)},
		{"outbound_last_seq_id", nullable(r.OutboundLastSeqID)},
		{"created_at", r.CreatedAt},
		{"updated_at", r.UpdatedAt},
	}
}

func nullable(p *string) any {
	if p == nil || *p == "" {
		return nil
	}
	return *p
}

// Request is the wire form of one upsert call. NextVersionID lets a producer
// replay the same write after a lost response.
type Request struct {
	Row           json.RawMessage `json:"row"`
	NextVersionID string          `json:"nextVersionId,omitempty"`
}

// Result is returned for every successful upsert.
type Result struct {
	Kind      Kind   `json:"kind"`
	ID        string `json:"id"`
	VersionID string `json:"versionId"`
	Inserted  bool   `json:"inserted"`
}

// DecodeRecord parses a JSON row of the given kind.
func DecodeRecord(kind Kind, raw []byte) (Record, error) {
	if len(raw) == 0 {
		return nil, invalid("row is required")
	}
	var (
		rec Record
		err error
	)
	switch kind {
	case KindWorkspace:
		var row WorkspaceRow
		err = json.Unmarshal(raw, &row)
		rec = row
	case KindMember:
		var row MemberRow
		err = json.Unmarshal(raw, &row)
		rec = row
	case KindCustomer:
		var row CustomerRow
		err = json.Unmarshal(raw, &row)
		rec = row
	case KindThread:
		var row ThreadRow
		err = json.Unmarshal(raw, &row)
		rec = row
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if err != nil {
		return nil, invalid("decode %s row: %v", kind, err)
	}
	return rec, nil
}

// DecodeRequest parses a request envelope into a record and an optional
// caller-chosen next version.
func DecodeRequest(kind Kind, body []byte) (Record, string, error) {
	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, "", invalid("decode request: %v", err)
	}
	rec, err := DecodeRecord(kind, req.Row)
	if err != nil {
		return nil, "", err
	}
	next := strings.TrimSpace(req.NextVersionID)
	if next != "" {
		if _, err := uuid.Parse(next); err != nil {
			return nil, "", invalid("nextVersionId must be a uuid")
		}
	}
	return rec, next, nil
}
