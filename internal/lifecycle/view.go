package lifecycle

import (
	"fmt"
	"strings"
	"time"

	"github.com/zulandar/workdesk/internal/models"
)

// DisplayCode returns the human-readable code of an item.
func DisplayCode(item *models.WorkItem) string {
	return item.DisplayCode
}

// CompanyName returns the company snapshot name taken at creation.
func CompanyName(item *models.WorkItem) string {
	return item.Company.Name
}

// Title returns the headline of an item: the task title, or the first
// line of a complaint's description.
func Title(item *models.WorkItem) string {
	switch item.Kind {
	case models.KindTask:
		if item.Task.Title != "" {
			return item.Task.Title
		}
		return firstLine(item.Description)
	case models.KindComplaint:
		return firstLine(item.Description)
	default:
		panic(fmt.Sprintf("lifecycle: unknown kind %q", string(item.Kind)))
	}
}

// PriorityOf returns the priority of an item. Complaints are always normal.
func PriorityOf(item *models.WorkItem) models.Priority {
	switch item.Kind {
	case models.KindTask:
		if item.Task.Priority == "" {
			return models.PriorityNormal
		}
		return item.Task.Priority
	case models.KindComplaint:
		return models.PriorityNormal
	default:
		panic(fmt.Sprintf("lifecycle: unknown kind %q", string(item.Kind)))
	}
}

// Topic returns the broadcast topic an item's changes are published on.
func Topic(item *models.WorkItem) string {
	return item.Kind.Topic()
}

func firstLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i])
	}
	if r := []rune(s); len(r) > 80 {
		s = string(r[:77]) + "..."
	}
	return s
}

// Elapsed returns to-from. ok is false when either end is missing or to
// is earlier than from.
func Elapsed(from, to *time.Time) (time.Duration, bool) {
	if from == nil || to == nil {
		return 0, false
	}
	if to.Before(*from) {
		return 0, false
	}
	return to.Sub(*from), true
}

// FormatElapsed renders an Elapsed result for display.
func FormatElapsed(d time.Duration, ok bool) string {
	if !ok {
		return "not available"
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d/time.Second))
	}
	d = d.Truncate(time.Minute)
	days := d / (24 * time.Hour)
	d -= days * 24 * time.Hour
	hours := d / time.Hour
	d -= hours * time.Hour
	mins := d / time.Minute

	var b strings.Builder
	if days > 0 {
		fmt.Fprintf(&b, "%dd", days)
	}
	if hours > 0 {
		fmt.Fprintf(&b, "%dh", hours)
	}
	if mins > 0 {
		fmt.Fprintf(&b, "%dm", mins)
	}
	return b.String()
}

// Duration is an elapsed span as exposed in views.
type Duration struct {
	Seconds *int64 `json:"seconds"`
	Text    string `json:"text"`
}

func newDuration(from, to *time.Time) Duration {
	d, ok := Elapsed(from, to)
	out := Duration{Text: FormatElapsed(d, ok)}
	if ok {
		secs := int64(d / time.Second)
		out.Seconds = &secs
	}
	return out
}

// View is the read model of a work item served over HTTP and in
// broadcast snapshots.
type View struct {
	models.WorkItem

	Title             string                               `json:"title"`
	CompanyName       string                               `json:"company_name"`
	Priority          models.Priority                      `json:"priority"`
	AssignedTo        *models.Assignee                     `json:"assigned_to"`
	AttachmentSets    map[models.Phase][]models.Attachment `json:"attachment_sets"`
	AssignmentLatency Duration                             `json:"assignment_latency"`
	ResolutionTime    Duration                             `json:"resolution_time"`
}

// NewView builds the read model of item.
func NewView(item *models.WorkItem) View {
	sets := make(map[models.Phase][]models.Attachment, len(models.Phases))
	for _, p := range models.Phases {
		set := item.AttachmentSet(p)
		if set == nil {
			set = []models.Attachment{}
		}
		sets[p] = set
	}
	created := item.CreatedAt
	return View{
		WorkItem:          *item,
		Title:             Title(item),
		CompanyName:       CompanyName(item),
		Priority:          PriorityOf(item),
		AssignedTo:        item.AssignedTo(),
		AttachmentSets:    sets,
		AssignmentLatency: newDuration(&created, item.AssignedAt),
		ResolutionTime:    newDuration(&created, item.ResolvedAt),
	}
}

// NewViews builds read models for a list of items.
func NewViews(items []models.WorkItem) []View {
	views := make([]View, len(items))
	for i := range items {
		views[i] = NewView(&items[i])
	}
	return views
}
