// Package repo persists work items, their attachment refs, their audit
// trail, and the user directory.
//
// Updates are last-writer-wins: there is no version column, so two
// concurrent patches to the same item both succeed and the later one wins.
package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/workdesk/internal/apperr"
	"github.com/zulandar/workdesk/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Repo wraps a gorm handle. The zero value is not usable.
type Repo struct {
	DB *gorm.DB
}

// New returns a Repo over db.
func New(db *gorm.DB) *Repo {
	return &Repo{DB: db}
}

// Filter narrows FindMany. Zero fields match everything; unposted items
// are excluded unless IncludeUnposted or OnlyUnposted is set.
type Filter struct {
	Kind            models.Kind
	Status          models.Status
	AssigneeID      string
	IncludeUnposted bool
	OnlyUnposted    bool
	// ClosedBefore matches items whose approval or resolution time is
	// earlier than the cutoff.
	ClosedBefore *time.Time
}

func (r *Repo) db(ctx context.Context) *gorm.DB {
	return r.DB.WithContext(ctx)
}

func preloadAttachments(db *gorm.DB) *gorm.DB {
	return db.Preload("Attachments", func(db *gorm.DB) *gorm.DB {
		return db.Order("phase ASC, position ASC")
	})
}

// Get retrieves a work item by id with its attachment refs.
func (r *Repo) Get(ctx context.Context, id string) (*models.WorkItem, error) {
	var item models.WorkItem
	if err := preloadAttachments(r.db(ctx)).Where("id = ?", id).First(&item).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("repo: %w", apperr.NotFound("work item", id))
		}
		return nil, fmt.Errorf("repo: get %s: %w", id, err)
	}
	return &item, nil
}

// FindMany returns items matching f, newest first.
func (r *Repo) FindMany(ctx context.Context, f Filter) ([]models.WorkItem, error) {
	q := preloadAttachments(r.db(ctx)).Model(&models.WorkItem{})

	if f.Kind != "" {
		q = q.Where("kind = ?", f.Kind)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if f.AssigneeID != "" {
		q = q.Where("assignee_id = ?", f.AssigneeID)
	}
	switch {
	case f.OnlyUnposted:
		q = q.Where("unposted = ?", true)
	case !f.IncludeUnposted:
		q = q.Where("unposted = ?", false)
	}
	if f.ClosedBefore != nil {
		q = q.Where("COALESCE(approved_at, resolved_at) < ?", *f.ClosedBefore)
	}

	var items []models.WorkItem
	if err := q.Order("created_at DESC, sequence DESC").Find(&items).Error; err != nil {
		return nil, fmt.Errorf("repo: find: %w", err)
	}
	return items, nil
}

// Create inserts item. An empty ID is filled with a fresh UUID. Attachment
// refs are not saved here; use AddAttachments.
func (r *Repo) Create(ctx context.Context, item *models.WorkItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if err := r.db(ctx).Omit(clause.Associations).Create(item).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("repo: %w", apperr.Validation("display code %s already exists", item.DisplayCode))
		}
		return fmt.Errorf("repo: create: %w", err)
	}
	return nil
}

// Update applies patch to one item and returns the refreshed record.
func (r *Repo) Update(ctx context.Context, id string, patch map[string]any) (*models.WorkItem, error) {
	res := r.db(ctx).Model(&models.WorkItem{}).Where("id = ?", id).Updates(patch)
	if res.Error != nil {
		return nil, fmt.Errorf("repo: update %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		// MySQL reports zero rows when nothing changed, so confirm existence.
		var n int64
		if err := r.db(ctx).Model(&models.WorkItem{}).Where("id = ?", id).Count(&n).Error; err != nil {
			return nil, fmt.Errorf("repo: update %s: %w", id, err)
		}
		if n == 0 {
			return nil, fmt.Errorf("repo: %w", apperr.NotFound("work item", id))
		}
	}
	return r.Get(ctx, id)
}

// BulkUpdate applies patch to every listed id and returns how many rows
// changed. Unknown ids are ignored.
func (r *Repo) BulkUpdate(ctx context.Context, ids []string, patch map[string]any) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db(ctx).Model(&models.WorkItem{}).Where("id IN ?", ids).Updates(patch)
	if res.Error != nil {
		return 0, fmt.Errorf("repo: bulk update: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// ExistingIDs returns the subset of ids that exist with the given kind,
// in the order they were requested.
func (r *Repo) ExistingIDs(ctx context.Context, kind models.Kind, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	var found []string
	if err := r.db(ctx).Model(&models.WorkItem{}).
		Where("kind = ? AND id IN ?", kind, ids).
		Pluck("id", &found).Error; err != nil {
		return nil, fmt.Errorf("repo: existing ids: %w", err)
	}
	set := make(map[string]bool, len(found))
	for _, id := range found {
		set[id] = true
	}
	var ordered []string
	for _, id := range ids {
		if set[id] {
			ordered = append(ordered, id)
			delete(set, id)
		}
	}
	return ordered, nil
}

// Delete removes an item together with its attachment refs and events.
func (r *Repo) Delete(ctx context.Context, id string) error {
	return r.Transaction(ctx, func(tx *Repo) error {
		res := tx.DB.Where("id = ?", id).Delete(&models.WorkItem{})
		if res.Error != nil {
			return fmt.Errorf("repo: delete %s: %w", id, res.Error)
		}
		if res.RowsAffected == 0 {
			return fmt.Errorf("repo: %w", apperr.NotFound("work item", id))
		}
		if err := tx.DB.Where("work_item_id = ?", id).Delete(&models.Attachment{}).Error; err != nil {
			return fmt.Errorf("repo: delete attachments of %s: %w", id, err)
		}
		if err := tx.DB.Where("work_item_id = ?", id).Delete(&models.WorkItemEvent{}).Error; err != nil {
			return fmt.Errorf("repo: delete events of %s: %w", id, err)
		}
		return nil
	})
}

// AddAttachments appends refs to one phase of an item, continuing the
// phase's position sequence.
func (r *Repo) AddAttachments(ctx context.Context, itemID string, phase models.Phase, refs []models.Attachment) error {
	if len(refs) == 0 {
		return nil
	}
	var last struct{ Max int }
	if err := r.db(ctx).Model(&models.Attachment{}).
		Select("COALESCE(MAX(position), -1) AS max").
		Where("work_item_id = ? AND phase = ?", itemID, phase).
		Scan(&last).Error; err != nil {
		return fmt.Errorf("repo: attachments of %s: %w", itemID, err)
	}
	rows := make([]models.Attachment, len(refs))
	for i, ref := range refs {
		ref.ID = 0
		ref.WorkItemID = itemID
		ref.Phase = phase
		ref.Position = last.Max + 1 + i
		rows[i] = ref
	}
	if err := r.db(ctx).Create(&rows).Error; err != nil {
		return fmt.Errorf("repo: add attachments to %s: %w", itemID, err)
	}
	return nil
}

// AppendEvent records one audit entry.
func (r *Repo) AppendEvent(ctx context.Context, ev *models.WorkItemEvent) error {
	if err := r.db(ctx).Create(ev).Error; err != nil {
		return fmt.Errorf("repo: append event for %s: %w", ev.WorkItemID, err)
	}
	return nil
}

// Events returns the audit trail of an item, oldest first.
func (r *Repo) Events(ctx context.Context, itemID string) ([]models.WorkItemEvent, error) {
	var events []models.WorkItemEvent
	if err := r.db(ctx).Where("work_item_id = ?", itemID).Order("id ASC").Find(&events).Error; err != nil {
		return nil, fmt.Errorf("repo: events of %s: %w", itemID, err)
	}
	return events, nil
}

// NextSequence returns the next per-kind counter value used to mint codes.
func (r *Repo) NextSequence(ctx context.Context, kind models.Kind) (int, error) {
	var last struct{ Max int }
	if err := r.db(ctx).Model(&models.WorkItem{}).
		Select("COALESCE(MAX(sequence), 0) AS max").
		Where("kind = ?", kind).
		Scan(&last).Error; err != nil {
		return 0, fmt.Errorf("repo: next sequence for %s: %w", kind, err)
	}
	return last.Max + 1, nil
}

// Transaction runs fn against a Repo bound to a single database
// transaction. fn must only use the Repo it is given.
func (r *Repo) Transaction(ctx context.Context, fn func(tx *Repo) error) error {
	return r.db(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{DB: tx})
	})
}

// CreateUser inserts a directory user. An empty ID is filled with a UUID.
func (r *Repo) CreateUser(ctx context.Context, u *models.User) error {
	if u.Username == "" {
		return fmt.Errorf("repo: %w", apperr.Validation("username is required"))
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if err := r.db(ctx).Create(u).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return fmt.Errorf("repo: %w", apperr.Validation("username %s already exists", u.Username))
		}
		return fmt.Errorf("repo: create user %s: %w", u.Username, err)
	}
	return nil
}

// GetUser retrieves a directory user by id.
func (r *Repo) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	if err := r.db(ctx).Where("id = ?", id).First(&u).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("repo: %w", apperr.NotFound("user", id))
		}
		return nil, fmt.Errorf("repo: get user %s: %w", id, err)
	}
	return &u, nil
}

// ListUsers returns every directory user ordered by username.
func (r *Repo) ListUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	if err := r.db(ctx).Order("username ASC").Find(&users).Error; err != nil {
		return nil, fmt.Errorf("repo: list users: %w", err)
	}
	return users, nil
}
