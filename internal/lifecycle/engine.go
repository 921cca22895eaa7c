// Package lifecycle enforces the work-item state machine. Each operation
// loads the item, checks permission and preconditions, stores attachments,
// persists the change with its audit event in one transaction, and only
// then publishes the refreshed topic snapshot and posts a notice.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/workdesk/internal/apperr"
	"github.com/zulandar/workdesk/internal/attachment"
	"github.com/zulandar/workdesk/internal/auth"
	"github.com/zulandar/workdesk/internal/logger"
	"github.com/zulandar/workdesk/internal/models"
	"github.com/zulandar/workdesk/internal/notify"
	"github.com/zulandar/workdesk/internal/repo"
)

// Publisher rebuilds and pushes a topic snapshot.
type Publisher interface {
	Refresh(ctx context.Context, topic string) error
}

// Options wires an Engine.
type Options struct {
	Repo     *repo.Repo
	Files    attachment.Store
	Hub      Publisher
	Notifier notify.Notifier
	Log      logrus.FieldLogger
	Limits   Limits
	Now      func() time.Time
}

// Engine runs lifecycle transitions.
type Engine struct {
	repo     *repo.Repo
	files    attachment.Store
	hub      Publisher
	notifier notify.Notifier
	log      logrus.FieldLogger
	limits   Limits
	now      func() time.Time

	notices sync.WaitGroup
}

// New returns an Engine. Repo and Files are required.
func New(opts Options) *Engine {
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.Log == nil {
		opts.Log = logger.Discard()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		repo:     opts.Repo,
		files:    opts.Files,
		hub:      opts.Hub,
		notifier: opts.Notifier,
		log:      logger.WithComponent(opts.Log, "lifecycle"),
		limits:   opts.Limits.withDefaults(),
		now:      opts.Now,
	}
}

// Wait blocks until every notice already queued has been delivered or
// has failed.
func (e *Engine) Wait() {
	e.notices.Wait()
}

func errInvalidf(format string, args ...any) error {
	return fmt.Errorf("lifecycle: %w", apperr.InvalidState(format, args...))
}

func authorize(actor auth.Identity, kind models.Kind, action string) error {
	perm := auth.Permission(kind.Topic(), action)
	if !actor.Has(perm) {
		return fmt.Errorf("lifecycle: %w", apperr.Forbidden("%s lacks %s", actor.UserID, perm))
	}
	return nil
}

func validKind(kind models.Kind) error {
	switch kind {
	case models.KindTask, models.KindComplaint:
		return nil
	default:
		return fmt.Errorf("lifecycle: %w", apperr.Validation("unknown kind %q", kind))
	}
}

// load fetches an item and confirms it has the expected kind.
func (e *Engine) load(ctx context.Context, kind models.Kind, id string) (*models.WorkItem, error) {
	item, err := e.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Kind != kind {
		return nil, fmt.Errorf("lifecycle: %w", apperr.NotFound(string(kind), id))
	}
	return item, nil
}

func isAssignee(item *models.WorkItem, actor auth.Identity) bool {
	a := item.AssignedTo()
	return a != nil && a.ID == actor.UserID
}

// change is one persisted transition.
type change struct {
	action  string
	to      models.Status
	patch   map[string]any
	phase   models.Phase
	files   []Upload
	remarks string
}

// apply stores the change's uploads, then persists the patch, the refs and
// an audit event in one transaction. Blobs are removed again if the
// transaction fails.
func (e *Engine) apply(ctx context.Context, actor auth.Identity, item *models.WorkItem, ch change) (*models.WorkItem, error) {
	if !isValidTransition(item.Kind, item.Status, ch.to) {
		return nil, errInvalidf("%s cannot move from %s to %s", item.DisplayCode, item.Status, ch.to)
	}

	refs := e.storeUploads(ctx, item.ID, actor, ch.phase, ch.files)

	if ch.patch == nil {
		ch.patch = map[string]any{}
	}
	ch.patch["status"] = ch.to

	var updated *models.WorkItem
	err := e.repo.Transaction(ctx, func(tx *repo.Repo) error {
		if err := tx.AddAttachments(ctx, item.ID, ch.phase, refs); err != nil {
			return err
		}
		if err := tx.AppendEvent(ctx, &models.WorkItemEvent{
			WorkItemID: item.ID,
			Action:     ch.action,
			ActorID:    actor.UserID,
			FromStatus: item.Status,
			ToStatus:   ch.to,
			Remarks:    ch.remarks,
		}); err != nil {
			return err
		}
		var err error
		if updated, err = tx.Update(ctx, item.ID, ch.patch); err != nil {
			return err
		}
		return CheckInvariants(updated)
	})
	if err != nil {
		e.discard(refs)
		return nil, err
	}

	logger.WithItem(e.log, updated).WithFields(logrus.Fields{
		"action": ch.action,
		"actor":  actor.UserID,
		"from":   item.Status,
		"files":  len(refs),
	}).Info("transition")

	e.published(ctx, updated, notify.Event{
		Action:     ch.action,
		FromStatus: string(item.Status),
		ToStatus:   string(ch.to),
		Actor:      actorName(actor),
		Remarks:    ch.remarks,
	})
	return updated, nil
}

// discard deletes blobs whose refs were never committed.
func (e *Engine) discard(refs []models.Attachment) {
	for _, ref := range refs {
		ctx, cancel := context.WithTimeout(context.Background(), e.limits.IOTimeout)
		if err := e.files.Delete(ctx, ref.FileID); err != nil {
			e.log.WithError(err).WithField("file_id", ref.FileID).Warn("orphaned attachment after failed transition")
		}
		cancel()
	}
}

// published runs the post-commit side effects: snapshot refresh, then a
// best-effort notice in the background.
func (e *Engine) published(ctx context.Context, item *models.WorkItem, ev notify.Event) {
	if e.hub != nil {
		if err := e.hub.Refresh(ctx, Topic(item)); err != nil {
			logger.WithItem(e.log, item).WithError(err).Warn("snapshot refresh failed")
		}
	}

	ev.Kind = string(item.Kind)
	ev.DisplayCode = item.DisplayCode
	ev.Title = Title(item)
	if a := item.AssignedTo(); a != nil {
		ev.Assignee = a.Username
	}
	log := logger.WithItem(e.log, item)
	e.notices.Add(1)
	go func() {
		defer e.notices.Done()
		nctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := e.notifier.Notify(nctx, ev); err != nil {
			log.WithError(err).Warn("notification failed")
		}
	}()
}

func actorName(actor auth.Identity) string {
	if actor.Username != "" {
		return actor.Username
	}
	return actor.UserID
}

// setOnce stamps column with now unless current is already set, keeping
// lifecycle timestamps write-once.
func setOnce(patch map[string]any, column string, current *time.Time, now time.Time) {
	if current == nil {
		patch[column] = now
	}
}
