// Package archive moves work items out of active views. Unposting is
// orthogonal to status; tasks can be reopened, complaints cannot.
package archive

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/workdesk/internal/apperr"
	"github.com/zulandar/workdesk/internal/auth"
	"github.com/zulandar/workdesk/internal/lifecycle"
	"github.com/zulandar/workdesk/internal/logger"
	"github.com/zulandar/workdesk/internal/models"
	"github.com/zulandar/workdesk/internal/notify"
	"github.com/zulandar/workdesk/internal/repo"
	"gorm.io/gorm"
)

// UnpostStatus is the unpost_status value written by UnpostMany.
const UnpostStatus = "unposted"

// Result reports a bulk unpost. Missing lists requested ids that do not
// exist with the requested kind; the rest were still committed.
type Result struct {
	Modified int64    `json:"modified_count"`
	Missing  []string `json:"missing_ids"`
}

// Manager runs unpost, reopen and sweep.
type Manager struct {
	repo     *repo.Repo
	hub      lifecycle.Publisher
	notifier notify.Notifier
	log      logrus.FieldLogger
	now      func() time.Time
	notices  sync.WaitGroup
}

// New returns a Manager. hub may be nil.
func New(r *repo.Repo, hub lifecycle.Publisher, log logrus.FieldLogger) *Manager {
	if log == nil {
		log = logger.Discard()
	}
	return &Manager{
		repo:     r,
		hub:      hub,
		notifier: notify.Nop{},
		log:      logger.WithComponent(log, "archive"),
		now:      time.Now,
	}
}

// WithNotifier sets where unpost and reopen notices are posted.
func (m *Manager) WithNotifier(n notify.Notifier) *Manager {
	if n == nil {
		n = notify.Nop{}
	}
	m.notifier = n
	return m
}

// Wait blocks until queued notices are delivered or have failed.
func (m *Manager) Wait() {
	m.notices.Wait()
}

func authorize(actor auth.Identity, kind models.Kind, action string) error {
	perm := auth.Permission(kind.Topic(), action)
	if !actor.Has(perm) {
		return fmt.Errorf("archive: %w", apperr.Forbidden("%s lacks %s", actor.UserID, perm))
	}
	return nil
}

// UnpostMany flags every existing item of kind among ids as unposted, in
// any status. Unknown ids are reported, not fatal.
func (m *Manager) UnpostMany(ctx context.Context, actor auth.Identity, kind models.Kind, ids []string) (Result, error) {
	if _, err := models.ParseKind(string(kind)); err != nil {
		return Result{}, fmt.Errorf("archive: %w", apperr.Validation("%v", err))
	}
	if err := authorize(actor, kind, auth.ActionUnpost); err != nil {
		return Result{}, err
	}
	if len(ids) == 0 {
		return Result{}, fmt.Errorf("archive: %w", apperr.Validation("ids must not be empty"))
	}

	found, err := m.repo.ExistingIDs(ctx, kind, ids)
	if err != nil {
		return Result{}, err
	}
	res := Result{Missing: missing(ids, found)}
	if len(found) == 0 {
		return res, nil
	}

	now := m.now().UTC()
	patch := map[string]any{
		"unposted":      true,
		"unpost_status": UnpostStatus,
		"unposted_at":   gorm.Expr("COALESCE(unposted_at, ?)", now),
	}
	err = m.repo.Transaction(ctx, func(tx *repo.Repo) error {
		n, err := tx.BulkUpdate(ctx, found, patch)
		if err != nil {
			return err
		}
		res.Modified = n
		for _, id := range found {
			if err := tx.AppendEvent(ctx, &models.WorkItemEvent{
				WorkItemID: id,
				Action:     "unpost",
				ActorID:    actor.UserID,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return Result{}, err
	}

	m.log.WithFields(logrus.Fields{
		"kind":     kind,
		"modified": res.Modified,
		"missing":  len(res.Missing),
		"actor":    actor.UserID,
	}).Info("unposted")
	if res.Modified > 0 {
		m.refresh(ctx, kind)
		m.notify(notify.Event{
			DisplayCode: fmt.Sprintf("%d %s(s)", res.Modified, kind),
			Action:      "unpost",
			Actor:       actorName(actor),
		})
	}
	return res, nil
}

// Reopen returns an unposted task to active views. UnpostedAt is kept.
func (m *Manager) Reopen(ctx context.Context, actor auth.Identity, kind models.Kind, id string) (*models.WorkItem, error) {
	if _, err := models.ParseKind(string(kind)); err != nil {
		return nil, fmt.Errorf("archive: %w", apperr.Validation("%v", err))
	}
	if err := authorize(actor, kind, auth.ActionReopen); err != nil {
		return nil, err
	}
	if kind == models.KindComplaint {
		return nil, fmt.Errorf("archive: %w", apperr.InvalidState("unposting a complaint is not reversible"))
	}
	item, err := m.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if item.Kind != kind {
		return nil, fmt.Errorf("archive: %w", apperr.NotFound(string(kind), id))
	}
	if !item.Unposted {
		return nil, fmt.Errorf("archive: %w", apperr.InvalidState("%s is not unposted", item.DisplayCode))
	}

	var updated *models.WorkItem
	err = m.repo.Transaction(ctx, func(tx *repo.Repo) error {
		if err := tx.AppendEvent(ctx, &models.WorkItemEvent{
			WorkItemID: id,
			Action:     "reopen",
			ActorID:    actor.UserID,
			FromStatus: item.Status,
			ToStatus:   item.Status,
		}); err != nil {
			return err
		}
		var err error
		updated, err = tx.Update(ctx, id, map[string]any{"unposted": false, "unpost_status": ""})
		return err
	})
	if err != nil {
		return nil, err
	}
	logger.WithItem(m.log, updated).WithField("actor", actor.UserID).Info("reopened")
	m.refresh(ctx, kind)
	m.notify(notify.Event{
		Kind:        string(kind),
		DisplayCode: updated.DisplayCode,
		Title:       lifecycle.Title(updated),
		Action:      "reopen",
		ToStatus:    string(updated.Status),
		Actor:       actorName(actor),
	})
	return updated, nil
}

// Sweep unposts closed items whose approval or resolution is older than
// olderThan. It returns how many items were modified.
func (m *Manager) Sweep(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := m.now().UTC().Add(-olderThan)
	items, err := m.repo.FindMany(ctx, repo.Filter{Status: models.StatusClosed, ClosedBefore: &cutoff})
	if err != nil {
		return 0, err
	}
	byKind := make(map[models.Kind][]string)
	for _, item := range items {
		byKind[item.Kind] = append(byKind[item.Kind], item.ID)
	}

	var total int64
	for _, kind := range []models.Kind{models.KindTask, models.KindComplaint} {
		ids := byKind[kind]
		if len(ids) == 0 {
			continue
		}
		res, err := m.UnpostMany(ctx, auth.System(), kind, ids)
		if err != nil {
			return total, err
		}
		total += res.Modified
	}
	m.log.WithFields(logrus.Fields{"cutoff": cutoff, "modified": total}).Info("sweep complete")
	return total, nil
}

// notify posts ev in the background; failures are logged only.
func (m *Manager) notify(ev notify.Event) {
	m.notices.Add(1)
	go func() {
		defer m.notices.Done()
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := m.notifier.Notify(ctx, ev); err != nil {
			m.log.WithError(err).WithField("action", ev.Action).Warn("notification failed")
		}
	}()
}

func actorName(actor auth.Identity) string {
	if actor.Username != "" {
		return actor.Username
	}
	return actor.UserID
}

func (m *Manager) refresh(ctx context.Context, kind models.Kind) {
	if m.hub == nil {
		return
	}
	if err := m.hub.Refresh(ctx, kind.Topic()); err != nil {
		m.log.WithError(err).WithField("topic", kind.Topic()).Warn("snapshot refresh failed")
	}
}

// missing returns the requested ids absent from found, deduplicated.
func missing(ids, found []string) []string {
	have := make(map[string]bool, len(found))
	for _, id := range found {
		have[id] = true
	}
	var out []string
	for _, id := range ids {
		if !have[id] {
			out = append(out, id)
			have[id] = true
		}
	}
	return out
}
