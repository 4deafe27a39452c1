package deskapi

import "time"

// Wire shapes of the workspace REST API. They are decoded only after the raw
// body passed schema validation.

type WorkspaceResponse struct {
	WorkspaceID string    `json:"workspaceId"`
	Name        string    `json:"name"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type MemberResponse struct {
	MemberID  string    `json:"memberId"`
	Name      string    `json:"name"`
	Role      string    `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type LabelResponse struct {
	LabelID   string    `json:"labelId"`
	Name      string    `json:"name"`
	Icon      string    `json:"icon"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

type PatResponse struct {
	PatID       string    `json:"patId"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Token       string    `json:"token"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

type LabelCount struct {
	LabelID string `json:"labelId"`
	Name    string `json:"name"`
	Icon    string `json:"icon"`
	Count   int    `json:"count"`
}

type ThreadMetricsResponse struct {
	Count struct {
		Active        int          `json:"active"`
		Done          int          `json:"done"`
		Snoozed       int          `json:"snoozed"`
		AssignedToMe  int          `json:"assignedToMe"`
		Unassigned    int          `json:"unassigned"`
		OtherAssigned int          `json:"otherAssigned"`
		Labels        []LabelCount `json:"labels"`
	} `json:"count"`
}

// ThreadCustomer is the customer embedded in a thread listing.
type ThreadCustomer struct {
	CustomerID string    `json:"customerId"`
	ExternalID *string   `json:"externalId"`
	Email      *string   `json:"email"`
	Phone      *string   `json:"phone"`
	Name       string    `json:"name"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

type ThreadAssignee struct {
	MemberID string `json:"memberId"`
	Name     string `json:"name"`
}

type ThreadLabel struct {
	LabelID string `json:"labelId"`
	Name    string `json:"name"`
	Icon    string `json:"icon"`
}

type ThreadResponse struct {
	ThreadID           string          `json:"threadId"`
	Customer           ThreadCustomer  `json:"customer"`
	Assignee           *ThreadAssignee `json:"assignee"`
	Title              string          `json:"title"`
	Description        string          `json:"description"`
	Status             string          `json:"status"`
	Stage              string          `json:"stage"`
	Priority           string          `json:"priority"`
	Replied            bool            `json:"replied"`
	Channel            string          `json:"channel"`
	PreviewText        string          `json:"previewText"`
	Labels             []ThreadLabel   `json:"labels"`
	InboundFirstSeqID  *string         `json:"inboundFirstSeqId"`
	InboundLastSeqID   *string         `json:"inboundLastSeqId"`
	OutboundFirstSeqID *string         `json:"outboundFirstSeqId"`
	OutboundLastSeqID  *string         `json:"outboundLastSeqId"`
	CreatedAt          time.Time       `json:"createdAt"`
	UpdatedAt          time.Time       `json:"updatedAt"`
}
