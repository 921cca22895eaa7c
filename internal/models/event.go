package models

import "time"

// WorkItemEvent records one persisted transition of a work item.
type WorkItemEvent struct {
	ID         uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	WorkItemID string    `gorm:"size:36;index" json:"work_item_id"`
	Action     string    `gorm:"size:32;not null" json:"action"`
	ActorID    string    `gorm:"size:64" json:"actor_id"`
	FromStatus Status    `gorm:"size:16" json:"from_status,omitempty"`
	ToStatus   Status    `gorm:"size:16" json:"to_status,omitempty"`
	Remarks    string    `gorm:"type:text" json:"remarks,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// User is a directory entry that work items can be assigned to.
type User struct {
	ID        string    `gorm:"primaryKey;size:64" json:"id"`
	Username  string    `gorm:"size:64;uniqueIndex;not null" json:"username"`
	Name      string    `gorm:"size:128" json:"name"`
	RoleName  string    `gorm:"size:64" json:"role_name"`
	CreatedAt time.Time `json:"created_at"`
}
