package entitystore

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrDisposed          = errors.New("store disposed")
	ErrInvalidEntity     = errors.New("invalid entity")
	ErrInvalidPatch      = errors.New("invalid patch")
	ErrUnknownCollection = errors.New("unknown collection")
)

type Collection string

const (
	CollectionThread   Collection = "thread"
	CollectionCustomer Collection = "customer"
	CollectionMember   Collection = "member"
	CollectionLabel    Collection = "label"
	CollectionPat      Collection = "pat"
)

func Collections() []Collection {
	return []Collection{CollectionThread, CollectionCustomer, CollectionMember, CollectionLabel, CollectionPat}
}

func ParseCollection(raw string) (Collection, error) {
	switch c := Collection(raw); c {
	case CollectionThread, CollectionCustomer, CollectionMember, CollectionLabel, CollectionPat:
		return c, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownCollection, raw)
	}
}

type ThreadStatus string

const (
	StatusTodo ThreadStatus = "todo"
	StatusDone ThreadStatus = "done"
)

type ThreadStage string

const (
	StageSpam               ThreadStage = "spam"
	StageNeedsFirstResponse ThreadStage = "needs_first_response"
	StageWaitingOnCustomer  ThreadStage = "waiting_on_customer"
	StageHold               ThreadStage = "hold"
	StageNeedsNextResponse  ThreadStage = "needs_next_response"
	StageResolved           ThreadStage = "resolved"
)

type ThreadPriority string

const (
	PriorityUrgent ThreadPriority = "urgent"
	PriorityHigh   ThreadPriority = "high"
	PriorityNormal ThreadPriority = "normal"
	PriorityLow    ThreadPriority = "low"
)

// Rank orders priorities from most to least urgent. Unknown values sort last.
func (p ThreadPriority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	default:
		return 4
	}
}

// Entity is a row held by the store. Implementations are value types so that
// every read hands out an independent copy.
type Entity interface {
	EntityID() string
	Collection() Collection
}

type Thread struct {
	ThreadID           string         `json:"threadId"`
	WorkspaceID        string         `json:"workspaceId"`
	CustomerID         string         `json:"customerId"`
	AssigneeID         *string        `json:"assigneeId"`
	Title              string         `json:"title"`
	Description        string         `json:"description"`
	Status             ThreadStatus   `json:"status"`
	Stage              ThreadStage    `json:"stage"`
	Priority           ThreadPriority `json:"priority"`
	Replied            bool           `json:"replied"`
	Channel            string         `json:"channel"`
	PreviewText        string         `json:"previewText"`
	LabelIDs           []string       `json:"labelIds,omitempty"`
	InboundFirstSeqID  *string        `json:"inboundFirstSeqId"`
	InboundLastSeqID   *string        `json:"inboundLastSeqId"`
	OutboundFirstSeqID *string        `json:"outboundFirstSeqId"`
	OutboundLastSeqID  *string        `json:"outboundLastSeqId"`
	CreatedAt          time.Time      `json:"createdAt"`
	UpdatedAt          time.Time      `json:"updatedAt"`
}

func (t Thread) EntityID() string       { return t.ThreadID }
func (t Thread) Collection() Collection { return CollectionThread }

func (t Thread) IsAssigned() bool { return t.AssigneeID != nil }

func (t Thread) HasLabel(labelID string) bool {
	for _, id := range t.LabelIDs {
		if id == labelID {
			return true
		}
	}
	return false
}

type Customer struct {
	CustomerID  string    `json:"customerId"`
	WorkspaceID string    `json:"workspaceId"`
	ExternalID  *string   `json:"externalId"`
	Email       *string   `json:"email"`
	Phone       *string   `json:"phone"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (c Customer) EntityID() string       { return c.CustomerID }
func (c Customer) Collection() Collection { return CollectionCustomer }

type Member struct {
	MemberID    string    `json:"memberId"`
	WorkspaceID string    `json:"workspaceId"`
	Name        string    `json:"name"`
	Role        string    `json:"role"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (m Member) EntityID() string       { return m.MemberID }
func (m Member) Collection() Collection { return CollectionMember }

type Label struct {
	LabelID   string    `json:"labelId"`
	Name      string    `json:"name"`
	Icon      string    `json:"icon"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (l Label) EntityID() string       { return l.LabelID }
func (l Label) Collection() Collection { return CollectionLabel }

// Pat is a personal access token. Token is only populated at creation time.
type Pat struct {
	PatID       string    `json:"patId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Token       string    `json:"token"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

func (p Pat) EntityID() string       { return p.PatID }
func (p Pat) Collection() Collection { return CollectionPat }

type Workspace struct {
	WorkspaceID string    `json:"workspaceId"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type LabelMetric struct {
	LabelID string `json:"labelId"`
	Name    string `json:"name"`
	Icon    string `json:"icon"`
	Count   int    `json:"count"`
}

type ThreadMetrics struct {
	Active        int           `json:"active"`
	Done          int           `json:"done"`
	Snoozed       int           `json:"snoozed"`
	AssignedToMe  int           `json:"assignedToMe"`
	Unassigned    int           `json:"unassigned"`
	OtherAssigned int           `json:"otherAssigned"`
	Labels        []LabelMetric `json:"labels"`
}

// Snapshot is a complete, normalized store image as produced by a bootstrap.
type Snapshot struct {
	Workspace Workspace
	Member    Member
	Metrics   ThreadMetrics
	Threads   map[string]Thread
	Customers map[string]Customer
	Members   map[string]Member
	Labels    map[string]Label
	Pats      map[string]Pat
}

func cloneThread(t Thread) Thread {
	t.AssigneeID = cloneStringPtr(t.AssigneeID)
	t.InboundFirstSeqID = cloneStringPtr(t.InboundFirstSeqID)
	t.InboundLastSeqID = cloneStringPtr(t.InboundLastSeqID)
	t.OutboundFirstSeqID = cloneStringPtr(t.OutboundFirstSeqID)
	t.OutboundLastSeqID = cloneStringPtr(t.OutboundLastSeqID)
	if t.LabelIDs != nil {
		t.LabelIDs = append([]string(nil), t.LabelIDs...)
	}
	return t
}

func cloneCustomer(c Customer) Customer {
	c.ExternalID = cloneStringPtr(c.ExternalID)
	c.Email = cloneStringPtr(c.Email)
	c.Phone = cloneStringPtr(c.Phone)
	return c
}

func cloneMember(m Member) Member { return m }
func cloneLabel(l Label) Label    { return l }
func clonePat(p Pat) Pat          { return p }

func cloneStringPtr(p *string) *string {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

// normalizeID turns "" into nil. Unassigned threads never carry an empty
// assignee at rest.
func normalizeID(p *string) *string {
	if p == nil || *p == "" {
		return nil
	}
	v := *p
	return &v
}
