package models

import (
	"fmt"
	"time"
)

// Kind tags which variant payload of a WorkItem is meaningful.
type Kind string

const (
	KindTask      Kind = "task"
	KindComplaint Kind = "complaint"
)

// ParseKind accepts a kind name or its topic name ("tasks", "complaints").
func ParseKind(s string) (Kind, error) {
	switch s {
	case "task", "tasks":
		return KindTask, nil
	case "complaint", "complaints":
		return KindComplaint, nil
	default:
		return "", fmt.Errorf("models: unknown kind %q", s)
	}
}

// Topic returns the broadcast topic for the kind.
func (k Kind) Topic() string {
	switch k {
	case KindTask:
		return "tasks"
	case KindComplaint:
		return "complaints"
	default:
		panic(fmt.Sprintf("models: unknown kind %q", string(k)))
	}
}

// CodePrefix returns the display code prefix used when minting codes.
func (k Kind) CodePrefix() string {
	switch k {
	case KindTask:
		return "TASK"
	case KindComplaint:
		return "CMP"
	default:
		panic(fmt.Sprintf("models: unknown kind %q", string(k)))
	}
}

// Status is the manager-facing lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusRegistered Status = "registered"
	StatusAssigned   Status = "assigned"
	StatusInProgress Status = "in_progress"
	StatusRejected   Status = "rejected"
	StatusResolved   Status = "resolved"
	StatusClosed     Status = "closed"
)

// DeveloperStatus is the progress reported by the assignee.
type DeveloperStatus string

const (
	DevPending DeveloperStatus = "pending"
	DevDone    DeveloperStatus = "done"
	DevNotDone DeveloperStatus = "not-done"
	DevOnHold  DeveloperStatus = "on-hold"
)

// Priority applies to tasks; complaints are always normal.
type Priority string

const (
	PriorityUrgent Priority = "urgent"
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
)

// TaskDetails is the task variant payload.
type TaskDetails struct {
	Title    string     `gorm:"size:256" json:"title"`
	Priority Priority   `gorm:"size:16;default:normal" json:"priority"`
	DueAt    *time.Time `json:"due_at,omitempty"`
}

// ComplaintDetails is the complaint variant payload.
type ComplaintDetails struct {
	Channel          string `gorm:"size:32" json:"channel"`
	ComplainantName  string `gorm:"size:128" json:"complainant_name"`
	ComplainantEmail string `gorm:"size:128" json:"complainant_email,omitempty"`
	ComplainantPhone string `gorm:"size:32" json:"complainant_phone,omitempty"`
}

// CompanySnapshot is copied at creation and never re-linked.
type CompanySnapshot struct {
	Name           string `gorm:"size:256" json:"name"`
	Address        string `gorm:"type:text" json:"address,omitempty"`
	Representative string `gorm:"size:128" json:"representative,omitempty"`
}

// ContactSnapshot is copied at creation and never re-linked.
type ContactSnapshot struct {
	Name  string `gorm:"size:128" json:"name"`
	Email string `gorm:"size:128" json:"email,omitempty"`
	Phone string `gorm:"size:32" json:"phone,omitempty"`
}

// Assignee is the user a work item is bound to.
type Assignee struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name"`
	RoleName string `json:"role_name"`
}

// WorkItem is a task or a complaint flowing through the lifecycle engine.
type WorkItem struct {
	ID          string `gorm:"primaryKey;size:36" json:"id"`
	DisplayCode string `gorm:"size:32;uniqueIndex;not null" json:"display_code"`
	Sequence    int    `gorm:"index" json:"-"`
	Kind        Kind   `gorm:"size:16;index;not null" json:"kind"`

	Task      TaskDetails      `gorm:"embedded;embeddedPrefix:task_" json:"task"`
	Complaint ComplaintDetails `gorm:"embedded;embeddedPrefix:complaint_" json:"complaint"`
	Company   CompanySnapshot  `gorm:"embedded;embeddedPrefix:company_" json:"company"`
	Contact   ContactSnapshot  `gorm:"embedded;embeddedPrefix:contact_" json:"contact"`

	Description string `gorm:"type:text" json:"description"`
	CreatedBy   string `gorm:"size:64" json:"created_by"`

	Status          Status          `gorm:"size:16;index" json:"status"`
	DeveloperStatus DeveloperStatus `gorm:"size:16;default:pending" json:"developer_status"`

	AssigneeID       *string `gorm:"size:64;index" json:"-"`
	AssigneeUsername string  `gorm:"size:64" json:"-"`
	AssigneeName     string  `gorm:"size:128" json:"-"`
	AssigneeRole     string  `gorm:"size:64" json:"-"`

	CreationRemarks   string `gorm:"type:text" json:"creation_remarks,omitempty"`
	AssignmentRemarks string `gorm:"type:text" json:"assignment_remarks,omitempty"`
	CompletionRemarks string `gorm:"type:text" json:"completion_remarks,omitempty"`
	RejectionRemarks  string `gorm:"type:text" json:"rejection_remarks,omitempty"`

	CompletionApproved bool `gorm:"default:false" json:"completion_approved"`

	Unposted     bool   `gorm:"default:false;index" json:"unposted"`
	UnpostStatus string `gorm:"size:16" json:"unpost_status,omitempty"`

	CreatedAt            time.Time  `json:"created_at"`
	UpdatedAt            time.Time  `json:"updated_at"`
	AssignedAt           *time.Time `json:"assigned_at,omitempty"`
	DeveloperDoneAt      *time.Time `json:"developer_done_at,omitempty"`
	ApprovedAt           *time.Time `json:"approved_at,omitempty"`
	CompletionApprovedAt *time.Time `json:"completion_approved_at,omitempty"`
	ResolvedAt           *time.Time `json:"resolved_at,omitempty"`
	UnpostedAt           *time.Time `json:"unposted_at,omitempty"`

	Attachments []Attachment `gorm:"foreignKey:WorkItemID;constraint:OnDelete:CASCADE" json:"-"`
}

// AssignedTo returns the assignee reference, or nil when unassigned.
func (w *WorkItem) AssignedTo() *Assignee {
	if w.AssigneeID == nil || *w.AssigneeID == "" {
		return nil
	}
	return &Assignee{
		ID:       *w.AssigneeID,
		Username: w.AssigneeUsername,
		Name:     w.AssigneeName,
		RoleName: w.AssigneeRole,
	}
}

// AttachmentSet returns the refs of one phase in upload order.
func (w *WorkItem) AttachmentSet(phase Phase) []Attachment {
	var set []Attachment
	for _, a := range w.Attachments {
		if a.Phase == phase {
			set = append(set, a)
		}
	}
	sortByPosition(set)
	return set
}
