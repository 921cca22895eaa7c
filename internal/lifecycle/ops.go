package lifecycle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/workdesk/internal/apperr"
	"github.com/zulandar/workdesk/internal/auth"
	"github.com/zulandar/workdesk/internal/broadcast"
	"github.com/zulandar/workdesk/internal/models"
	"github.com/zulandar/workdesk/internal/notify"
	"github.com/zulandar/workdesk/internal/repo"
)

// CreateInput carries the fields of a new work item. Only the variant
// payload matching the kind is kept.
type CreateInput struct {
	Task        models.TaskDetails      `json:"task"`
	Complaint   models.ComplaintDetails `json:"complaint"`
	Company     models.CompanySnapshot  `json:"company"`
	Contact     models.ContactSnapshot  `json:"contact"`
	Description string                  `json:"description"`
	Remarks     string                  `json:"remarks"`
}

func (in CreateInput) validate(kind models.Kind) error {
	var missing []string
	if strings.TrimSpace(in.Company.Name) == "" {
		missing = append(missing, "company.name")
	}
	if strings.TrimSpace(in.Contact.Name) == "" {
		missing = append(missing, "contact.name")
	}
	if strings.TrimSpace(in.Description) == "" {
		missing = append(missing, "description")
	}
	if kind == models.KindTask {
		switch in.Task.Priority {
		case "", models.PriorityUrgent, models.PriorityHigh, models.PriorityNormal:
		default:
			return apperr.Validation("priority %q is not one of urgent, high, normal", in.Task.Priority)
		}
	}
	if len(missing) > 0 {
		return apperr.Validation("missing %s", strings.Join(missing, ", "))
	}
	return nil
}

// AssignInput binds an item to a user.
type AssignInput struct {
	AssigneeID string
	Remarks    string
	Files      []Upload
}

// ProgressInput reports assignee progress short of done.
type ProgressInput struct {
	DeveloperStatus models.DeveloperStatus
	Remarks         string
}

// DoneInput marks the assignee's work finished.
type DoneInput struct {
	Remarks string
	Files   []Upload
}

// RejectInput sends completed work back to the assignee.
type RejectInput struct {
	Remarks string
	Files   []Upload
}

// Create validates input, mints an id and display code, stores creation
// attachments and persists the new item.
func (e *Engine) Create(ctx context.Context, actor auth.Identity, kind models.Kind, in CreateInput, files []Upload) (*models.WorkItem, error) {
	if err := validKind(kind); err != nil {
		return nil, err
	}
	if err := authorize(actor, kind, auth.ActionCreate); err != nil {
		return nil, err
	}
	if actor.UserID == "" {
		return nil, fmt.Errorf("lifecycle: %w", apperr.Validation("creator id is required"))
	}
	if err := in.validate(kind); err != nil {
		return nil, fmt.Errorf("lifecycle: %w", err)
	}
	status, _ := initialStatus(kind)

	item := &models.WorkItem{
		ID:              uuid.NewString(),
		Kind:            kind,
		Company:         in.Company,
		Contact:         in.Contact,
		Description:     in.Description,
		CreatedBy:       actor.UserID,
		Status:          status,
		DeveloperStatus: models.DevPending,
		CreationRemarks: in.Remarks,
		CreatedAt:       e.now().UTC(),
	}
	switch kind {
	case models.KindTask:
		item.Task = in.Task
		if item.Task.Priority == "" {
			item.Task.Priority = models.PriorityNormal
		}
	case models.KindComplaint:
		item.Complaint = in.Complaint
	}

	refs := e.storeUploads(ctx, item.ID, actor, models.PhaseCreation, files)

	err := e.repo.Transaction(ctx, func(tx *repo.Repo) error {
		seq, err := tx.NextSequence(ctx, kind)
		if err != nil {
			return err
		}
		item.Sequence = seq
		item.DisplayCode = fmt.Sprintf("%s-%03d", kind.CodePrefix(), seq)
		if err := tx.Create(ctx, item); err != nil {
			return err
		}
		if err := tx.AddAttachments(ctx, item.ID, models.PhaseCreation, refs); err != nil {
			return err
		}
		return tx.AppendEvent(ctx, &models.WorkItemEvent{
			WorkItemID: item.ID,
			Action:     "create",
			ActorID:    actor.UserID,
			ToStatus:   status,
			Remarks:    in.Remarks,
		})
	})
	if err != nil {
		e.discard(refs)
		return nil, err
	}

	created, err := e.repo.Get(ctx, item.ID)
	if err != nil {
		return nil, err
	}
	e.log.WithFields(logrus.Fields{
		"display_code": created.DisplayCode,
		"actor":        actor.UserID,
		"files":        len(refs),
	}).Info("created")
	e.published(ctx, created, notify.Event{
		Action:   "create",
		ToStatus: string(status),
		Actor:    actorName(actor),
		Remarks:  in.Remarks,
	})
	return created, nil
}

// Assign binds a pending item, or a rejected task, to a user.
func (e *Engine) Assign(ctx context.Context, actor auth.Identity, kind models.Kind, id string, in AssignInput) (*models.WorkItem, error) {
	if err := authorize(actor, kind, auth.ActionAssign); err != nil {
		return nil, err
	}
	item, err := e.load(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	initial, _ := initialStatus(kind)
	reassign := kind == models.KindTask && item.Status == models.StatusRejected
	if item.Status != initial && !reassign {
		return nil, errInvalidf("%s is %s and cannot be assigned", item.DisplayCode, item.Status)
	}
	if in.AssigneeID == "" {
		return nil, fmt.Errorf("lifecycle: %w", apperr.Validation("assignee id is required"))
	}
	user, err := e.repo.GetUser(ctx, in.AssigneeID)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	patch := map[string]any{
		"assignee_id":        user.ID,
		"assignee_username":  user.Username,
		"assignee_name":      user.Name,
		"assignee_role":      user.RoleName,
		"developer_status":   models.DevPending,
		"assignment_remarks": in.Remarks,
	}
	setOnce(patch, "assigned_at", item.AssignedAt, now)

	return e.apply(ctx, actor, item, change{
		action:  "assign",
		to:      assignedStatus(kind),
		patch:   patch,
		phase:   models.PhaseAssignment,
		files:   in.Files,
		remarks: in.Remarks,
	})
}

// StartWork moves an assigned or rejected task into progress.
func (e *Engine) StartWork(ctx context.Context, actor auth.Identity, kind models.Kind, id string) (*models.WorkItem, error) {
	if err := authorize(actor, kind, auth.ActionWork); err != nil {
		return nil, err
	}
	item, err := e.load(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if kind != models.KindTask {
		return nil, errInvalidf("%s: complaints start in progress on assignment", item.DisplayCode)
	}
	if !isAssignee(item, actor) {
		return nil, fmt.Errorf("lifecycle: %w", apperr.Forbidden("%s is not the assignee of %s", actor.UserID, item.DisplayCode))
	}
	if item.Status != models.StatusAssigned && item.Status != models.StatusRejected {
		return nil, errInvalidf("%s is %s and cannot be started", item.DisplayCode, item.Status)
	}
	return e.apply(ctx, actor, item, change{action: "start", to: models.StatusInProgress})
}

// ReportProgress records an intermediate developer status.
func (e *Engine) ReportProgress(ctx context.Context, actor auth.Identity, kind models.Kind, id string, in ProgressInput) (*models.WorkItem, error) {
	if err := authorize(actor, kind, auth.ActionWork); err != nil {
		return nil, err
	}
	switch in.DeveloperStatus {
	case models.DevPending, models.DevNotDone, models.DevOnHold:
	default:
		return nil, fmt.Errorf("lifecycle: %w", apperr.Validation("developer status %q is not one of pending, not-done, on-hold", in.DeveloperStatus))
	}
	item, err := e.load(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if !isAssignee(item, actor) {
		return nil, fmt.Errorf("lifecycle: %w", apperr.Forbidden("%s is not the assignee of %s", actor.UserID, item.DisplayCode))
	}
	if !isActive(item.Status) {
		return nil, errInvalidf("%s is %s", item.DisplayCode, item.Status)
	}
	if item.DeveloperStatus == models.DevDone {
		return nil, errInvalidf("%s is already done; awaiting review", item.DisplayCode)
	}
	return e.apply(ctx, actor, item, change{
		action:  "progress",
		to:      item.Status,
		patch:   map[string]any{"developer_status": in.DeveloperStatus},
		remarks: in.Remarks,
	})
}

// MarkDeveloperDone records the assignee's completion and its evidence.
// The manager-facing status does not change.
func (e *Engine) MarkDeveloperDone(ctx context.Context, actor auth.Identity, kind models.Kind, id string, in DoneInput) (*models.WorkItem, error) {
	if err := authorize(actor, kind, auth.ActionWork); err != nil {
		return nil, err
	}
	item, err := e.load(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if !isAssignee(item, actor) {
		return nil, fmt.Errorf("lifecycle: %w", apperr.Forbidden("%s is not the assignee of %s", actor.UserID, item.DisplayCode))
	}
	if !isActive(item.Status) {
		return nil, errInvalidf("%s is %s", item.DisplayCode, item.Status)
	}
	if item.DeveloperStatus == models.DevDone {
		return nil, errInvalidf("%s is already marked done", item.DisplayCode)
	}
	return e.apply(ctx, actor, item, change{
		action: "done",
		to:     item.Status,
		patch: map[string]any{
			"developer_status":   models.DevDone,
			"developer_done_at":  e.now().UTC(),
			"completion_remarks": in.Remarks,
		},
		phase:   models.PhaseCompletion,
		files:   in.Files,
		remarks: in.Remarks,
	})
}

// ApproveCompletion closes a task or resolves a complaint whose assignee
// has marked it done.
func (e *Engine) ApproveCompletion(ctx context.Context, actor auth.Identity, kind models.Kind, id string) (*models.WorkItem, error) {
	if err := authorize(actor, kind, auth.ActionApprove); err != nil {
		return nil, err
	}
	item, err := e.load(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if item.DeveloperStatus != models.DevDone {
		return nil, errInvalidf("%s developer status is %s, not done", item.DisplayCode, item.DeveloperStatus)
	}
	if IsTerminal(item.Status) {
		return nil, errInvalidf("%s is already %s", item.DisplayCode, item.Status)
	}

	now := e.now().UTC()
	patch := map[string]any{"completion_approved": true}
	setOnce(patch, "completion_approved_at", item.CompletionApprovedAt, now)
	setOnce(patch, "resolved_at", item.ResolvedAt, now)
	if kind == models.KindTask {
		setOnce(patch, "approved_at", item.ApprovedAt, now)
	}
	return e.apply(ctx, actor, item, change{
		action: "approve",
		to:     approvedStatus(kind),
		patch:  patch,
	})
}

// RejectCompletion sends done work back to the same assignee.
func (e *Engine) RejectCompletion(ctx context.Context, actor auth.Identity, kind models.Kind, id string, in RejectInput) (*models.WorkItem, error) {
	if err := authorize(actor, kind, auth.ActionApprove); err != nil {
		return nil, err
	}
	item, err := e.load(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if item.DeveloperStatus != models.DevDone {
		return nil, errInvalidf("%s developer status is %s, not done", item.DisplayCode, item.DeveloperStatus)
	}
	return e.apply(ctx, actor, item, change{
		action: "reject",
		to:     rejectedStatus(kind),
		patch: map[string]any{
			"developer_status":  models.DevPending,
			"rejection_remarks": in.Remarks,
		},
		phase:   models.PhaseRejection,
		files:   in.Files,
		remarks: in.Remarks,
	})
}

// Close finalizes a resolved complaint.
func (e *Engine) Close(ctx context.Context, actor auth.Identity, kind models.Kind, id string) (*models.WorkItem, error) {
	if err := authorize(actor, kind, auth.ActionApprove); err != nil {
		return nil, err
	}
	item, err := e.load(ctx, kind, id)
	if err != nil {
		return nil, err
	}
	if kind != models.KindComplaint {
		return nil, errInvalidf("%s: tasks close on approval", item.DisplayCode)
	}
	if item.Status != models.StatusResolved {
		return nil, errInvalidf("%s is %s, not resolved", item.DisplayCode, item.Status)
	}
	patch := map[string]any{}
	setOnce(patch, "approved_at", item.ApprovedAt, e.now().UTC())
	return e.apply(ctx, actor, item, change{action: "close", to: models.StatusClosed, patch: patch})
}

// Delete removes an item with its refs and audit trail. Stored blobs are
// deleted after the commit; failures there only leave orphans.
func (e *Engine) Delete(ctx context.Context, actor auth.Identity, kind models.Kind, id string) error {
	if err := authorize(actor, kind, auth.ActionDelete); err != nil {
		return err
	}
	item, err := e.load(ctx, kind, id)
	if err != nil {
		return err
	}
	if err := e.repo.Delete(ctx, item.ID); err != nil {
		return err
	}
	e.discard(item.Attachments)
	e.log.WithFields(logrus.Fields{
		"display_code": item.DisplayCode,
		"actor":        actor.UserID,
	}).Info("deleted")
	e.published(ctx, item, notify.Event{
		Action:     "delete",
		FromStatus: string(item.Status),
		Actor:      actorName(actor),
	})
	return nil
}

// Get returns one item.
func (e *Engine) Get(ctx context.Context, actor auth.Identity, kind models.Kind, id string) (*models.WorkItem, error) {
	if err := authorize(actor, kind, auth.ActionRead); err != nil {
		return nil, err
	}
	return e.load(ctx, kind, id)
}

// List returns items of kind matching f.
func (e *Engine) List(ctx context.Context, actor auth.Identity, kind models.Kind, f repo.Filter) ([]models.WorkItem, error) {
	if err := validKind(kind); err != nil {
		return nil, err
	}
	if err := authorize(actor, kind, auth.ActionRead); err != nil {
		return nil, err
	}
	f.Kind = kind
	return e.repo.FindMany(ctx, f)
}

// History returns the audit trail of an item, oldest first.
func (e *Engine) History(ctx context.Context, actor auth.Identity, kind models.Kind, id string) ([]models.WorkItemEvent, error) {
	if err := authorize(actor, kind, auth.ActionRead); err != nil {
		return nil, err
	}
	if _, err := e.load(ctx, kind, id); err != nil {
		return nil, err
	}
	return e.repo.Events(ctx, id)
}

// SnapshotFunc builds the broadcast snapshot of kind: every active
// (not unposted) item as a view.
func (e *Engine) SnapshotFunc(kind models.Kind) broadcast.SnapshotFunc {
	return func(ctx context.Context) (any, error) {
		items, err := e.repo.FindMany(ctx, repo.Filter{Kind: kind})
		if err != nil {
			return nil, err
		}
		return NewViews(items), nil
	}
}

// Now returns the engine clock.
func (e *Engine) Now() time.Time {
	return e.now()
}
