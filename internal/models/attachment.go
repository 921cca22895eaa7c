package models

import (
	"sort"
	"time"
)

// Phase names the lifecycle step an attachment set belongs to.
type Phase string

const (
	PhaseCreation   Phase = "creation"
	PhaseAssignment Phase = "assignment"
	PhaseCompletion Phase = "completion"
	PhaseRejection  Phase = "rejection"
)

// Phases lists every attachment phase in lifecycle order.
var Phases = []Phase{PhaseCreation, PhaseAssignment, PhaseCompletion, PhaseRejection}

// Attachment references a stored file from one phase of a work item.
// The binary itself lives in the attachment store.
type Attachment struct {
	ID            uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	WorkItemID    string    `gorm:"size:36;index:idx_item_phase" json:"-"`
	Phase         Phase     `gorm:"size:16;index:idx_item_phase" json:"phase"`
	Position      int       `json:"-"`
	FileID        string    `gorm:"size:26;not null" json:"file_id"`
	FileName      string    `gorm:"size:256" json:"file_name"`
	FileSizeBytes int64     `json:"file_size_bytes"`
	ContentType   string    `gorm:"size:128" json:"content_type"`
	UploadedAt    time.Time `json:"uploaded_at"`
	UploadedBy    string    `gorm:"size:64" json:"uploaded_by"`
	Purpose       string    `gorm:"size:64" json:"purpose,omitempty"`
}

func sortByPosition(set []Attachment) {
	sort.SliceStable(set, func(i, j int) bool { return set[i].Position < set[j].Position })
}
