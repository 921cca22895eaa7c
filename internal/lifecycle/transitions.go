package lifecycle

import (
	"github.com/zulandar/workdesk/internal/models"
)

// ValidTransitions maps each kind's statuses to the statuses a persisted
// transition may move them to. A status listed as its own successor is a
// transition that records work without moving the item.
var ValidTransitions = map[models.Kind]map[models.Status][]models.Status{
	models.KindTask: {
		models.StatusPending:    {models.StatusAssigned},
		models.StatusAssigned:   {models.StatusAssigned, models.StatusInProgress, models.StatusClosed, models.StatusRejected},
		models.StatusInProgress: {models.StatusInProgress, models.StatusClosed, models.StatusRejected},
		models.StatusRejected:   {models.StatusAssigned, models.StatusInProgress, models.StatusClosed, models.StatusRejected},
		models.StatusClosed:     {},
	},
	models.KindComplaint: {
		models.StatusRegistered: {models.StatusInProgress},
		models.StatusInProgress: {models.StatusInProgress, models.StatusResolved},
		models.StatusResolved:   {models.StatusClosed},
		models.StatusClosed:     {},
	},
}

// isValidTransition checks whether a status transition is allowed for kind.
func isValidTransition(kind models.Kind, from, to models.Status) bool {
	for _, s := range ValidTransitions[kind][from] {
		if s == to {
			return true
		}
	}
	return false
}

// initialStatus is the status a freshly created item starts in.
func initialStatus(kind models.Kind) (models.Status, bool) {
	switch kind {
	case models.KindTask:
		return models.StatusPending, true
	case models.KindComplaint:
		return models.StatusRegistered, true
	default:
		return "", false
	}
}

// assignedStatus is the status an item moves to when assigned.
func assignedStatus(kind models.Kind) models.Status {
	switch kind {
	case models.KindTask:
		return models.StatusAssigned
	case models.KindComplaint:
		return models.StatusInProgress
	default:
		panic("lifecycle: unknown kind " + string(kind))
	}
}

// approvedStatus is the status an item moves to when completion is approved.
func approvedStatus(kind models.Kind) models.Status {
	switch kind {
	case models.KindTask:
		return models.StatusClosed
	case models.KindComplaint:
		return models.StatusResolved
	default:
		panic("lifecycle: unknown kind " + string(kind))
	}
}

// rejectedStatus is the status an item moves to when completion is rejected.
// Complaints stay in progress.
func rejectedStatus(kind models.Kind) models.Status {
	switch kind {
	case models.KindTask:
		return models.StatusRejected
	case models.KindComplaint:
		return models.StatusInProgress
	default:
		panic("lifecycle: unknown kind " + string(kind))
	}
}

// IsTerminal reports whether status ends the manager-facing lifecycle.
func IsTerminal(s models.Status) bool {
	return s == models.StatusClosed || s == models.StatusResolved
}

// isActive reports whether the assignee is expected to be working.
func isActive(s models.Status) bool {
	switch s {
	case models.StatusAssigned, models.StatusInProgress, models.StatusRejected:
		return true
	}
	return false
}

// requiresAssignee reports whether status implies a bound assignee.
func requiresAssignee(s models.Status) bool {
	return isActive(s)
}

// CheckInvariants reports the first violation of the status/assignee
// consistency rules, or nil. Every transition checks the updated row
// before committing.
func CheckInvariants(item *models.WorkItem) error {
	if _, ok := ValidTransitions[item.Kind][item.Status]; !ok {
		return errInvalidf("%s %s has status %q outside its lifecycle", item.Kind, item.DisplayCode, item.Status)
	}
	if requiresAssignee(item.Status) {
		if item.AssignedTo() == nil {
			return errInvalidf("%s is %s without an assignee", item.DisplayCode, item.Status)
		}
		if item.AssignedAt == nil {
			return errInvalidf("%s is %s without assigned_at", item.DisplayCode, item.Status)
		}
	}
	if item.CompletionApproved && item.CompletionApprovedAt == nil {
		return errInvalidf("%s approved without completion_approved_at", item.DisplayCode)
	}
	if item.Unposted && item.UnpostedAt == nil {
		return errInvalidf("%s unposted without unposted_at", item.DisplayCode)
	}
	return nil
}
