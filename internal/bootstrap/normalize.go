package bootstrap

import (
	"github.com/agentworkforce/deskrelay/internal/deskapi"
	"github.com/agentworkforce/deskrelay/internal/entitystore"
)

// Responses holds the raw results of the bootstrap reads.
type Responses struct {
	Workspace deskapi.WorkspaceResponse
	Me        deskapi.MemberResponse
	Metrics   deskapi.ThreadMetricsResponse
	Threads   []deskapi.ThreadResponse
	Labels    []deskapi.LabelResponse
	Members   []deskapi.MemberResponse
	Pats      []deskapi.PatResponse
}

// Normalize flattens API responses into store-shaped rows. Nested customer,
// assignee and label objects become foreign keys; absent nested objects become
// nil or empty keys. It never fails.
func Normalize(workspaceID string, r Responses) entitystore.Snapshot {
	snap := entitystore.Snapshot{
		Workspace: entitystore.Workspace{
			WorkspaceID: r.Workspace.WorkspaceID,
			Name:        r.Workspace.Name,
			CreatedAt:   r.Workspace.CreatedAt,
			UpdatedAt:   r.Workspace.UpdatedAt,
		},
		Member:    normalizeMember(workspaceID, r.Me),
		Metrics:   normalizeMetrics(r.Metrics),
		Threads:   make(map[string]entitystore.Thread, len(r.Threads)),
		Customers: make(map[string]entitystore.Customer),
		Members:   make(map[string]entitystore.Member, len(r.Members)),
		Labels:    make(map[string]entitystore.Label, len(r.Labels)),
		Pats:      make(map[string]entitystore.Pat, len(r.Pats)),
	}
	if snap.Workspace.WorkspaceID == "" {
		snap.Workspace.WorkspaceID = workspaceID
	}

	for _, t := range r.Threads {
		thread := NormalizeThread(workspaceID, t)
		snap.Threads[thread.ThreadID] = thread
		if c, ok := NormalizeThreadCustomer(workspaceID, t); ok {
			snap.Customers[c.CustomerID] = c
		}
	}
	for _, m := range r.Members {
		snap.Members[m.MemberID] = normalizeMember(workspaceID, m)
	}
	if snap.Member.MemberID != "" {
		if _, ok := snap.Members[snap.Member.MemberID]; !ok {
			snap.Members[snap.Member.MemberID] = snap.Member
		}
	}
	for _, l := range r.Labels {
		snap.Labels[l.LabelID] = entitystore.Label{
			LabelID:   l.LabelID,
			Name:      l.Name,
			Icon:      l.Icon,
			CreatedAt: l.CreatedAt,
			UpdatedAt: l.UpdatedAt,
		}
	}
	for _, p := range r.Pats {
		snap.Pats[p.PatID] = entitystore.Pat{
			PatID:       p.PatID,
			Name:        p.Name,
			Description: p.Description,
			Token:       p.Token,
			CreatedAt:   p.CreatedAt,
			UpdatedAt:   p.UpdatedAt,
		}
	}
	return snap
}

func NormalizeThread(workspaceID string, t deskapi.ThreadResponse) entitystore.Thread {
	thread := entitystore.Thread{
		ThreadID:           t.ThreadID,
		WorkspaceID:        workspaceID,
		CustomerID:         t.Customer.CustomerID,
		Title:              t.Title,
		Description:        t.Description,
		Status:             entitystore.ThreadStatus(t.Status),
		Stage:              entitystore.ThreadStage(t.Stage),
		Priority:           entitystore.ThreadPriority(t.Priority),
		Replied:            t.Replied,
		Channel:            t.Channel,
		PreviewText:        t.PreviewText,
		InboundFirstSeqID:  t.InboundFirstSeqID,
		InboundLastSeqID:   t.InboundLastSeqID,
		OutboundFirstSeqID: t.OutboundFirstSeqID,
		OutboundLastSeqID:  t.OutboundLastSeqID,
		CreatedAt:          t.CreatedAt,
		UpdatedAt:          t.UpdatedAt,
	}
	if t.Assignee != nil && t.Assignee.MemberID != "" {
		id := t.Assignee.MemberID
		thread.AssigneeID = &id
	}
	for _, l := range t.Labels {
		if l.LabelID != "" {
			thread.LabelIDs = append(thread.LabelIDs, l.LabelID)
		}
	}
	return thread
}

// NormalizeThreadCustomer extracts the customer embedded in a thread. It
// reports false when the thread carries no customer.
func NormalizeThreadCustomer(workspaceID string, t deskapi.ThreadResponse) (entitystore.Customer, bool) {
	if t.Customer.CustomerID == "" {
		return entitystore.Customer{}, false
	}
	return entitystore.Customer{
		CustomerID:  t.Customer.CustomerID,
		WorkspaceID: workspaceID,
		ExternalID:  t.Customer.ExternalID,
		Email:       t.Customer.Email,
		Phone:       t.Customer.Phone,
		Name:        t.Customer.Name,
		CreatedAt:   t.Customer.CreatedAt,
		UpdatedAt:   t.Customer.UpdatedAt,
	}, true
}

func normalizeMember(workspaceID string, m deskapi.MemberResponse) entitystore.Member {
	return entitystore.Member{
		MemberID:    m.MemberID,
		WorkspaceID: workspaceID,
		Name:        m.Name,
		Role:        m.Role,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func normalizeMetrics(m deskapi.ThreadMetricsResponse) entitystore.ThreadMetrics {
	out := entitystore.ThreadMetrics{
		Active:        m.Count.Active,
		Done:          m.Count.Done,
		Snoozed:       m.Count.Snoozed,
		AssignedToMe:  m.Count.AssignedToMe,
		Unassigned:    m.Count.Unassigned,
		OtherAssigned: m.Count.OtherAssigned,
	}
	for _, l := range m.Count.Labels {
		out.Labels = append(out.Labels, entitystore.LabelMetric{
			LabelID: l.LabelID,
			Name:    l.Name,
			Icon:    l.Icon,
			Count:   l.Count,
		})
	}
	return out
}
