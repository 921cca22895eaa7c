// Package notify posts work-item transition notices to chat platforms.
// Delivery is best-effort: callers log failures and move on.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Color constants for notice severity.
const (
	ColorSuccess = "#36a64f"
	ColorInfo    = "#2196f3"
	ColorWarning = "#ff9800"
	ColorError   = "#e53935"
)

// Event is one persisted transition.
type Event struct {
	Kind        string // task, complaint
	DisplayCode string
	Title       string
	Action      string
	FromStatus  string
	ToStatus    string
	Actor       string
	Assignee    string
	Remarks     string
}

// Message is an Event rendered for chat.
type Message struct {
	Title  string
	Body   string
	Color  string
	Fields []Field
}

// Field is a key-value pair displayed alongside a message.
type Field struct {
	Name  string
	Value string
	Short bool // hint: render side-by-side with another field
}

// Notifier delivers transition notices.
type Notifier interface {
	Notify(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

// Notify implements Notifier.
func (Nop) Notify(context.Context, Event) error { return nil }

// Multi fans an event out to several notifiers. Every notifier is tried;
// their errors are joined.
type Multi []Notifier

// Notify implements Notifier.
func (m Multi) Notify(ctx context.Context, ev Event) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// actionVerb returns a human-friendly verb for a transition action.
func actionVerb(action string) string {
	switch action {
	case "create":
		return "created"
	case "assign":
		return "assigned"
	case "start":
		return "started"
	case "progress":
		return "updated"
	case "done":
		return "marked done"
	case "approve":
		return "approved"
	case "reject":
		return "rejected"
	case "close":
		return "closed"
	case "delete":
		return "deleted"
	case "unpost":
		return "unposted"
	case "reopen":
		return "reopened"
	default:
		return action
	}
}

// actionColor returns the sidebar color for a transition action.
func actionColor(action string) string {
	switch action {
	case "approve", "close":
		return ColorSuccess
	case "reject":
		return ColorWarning
	case "delete":
		return ColorError
	default:
		return ColorInfo
	}
}

// Format renders ev as a chat message.
func Format(ev Event) Message {
	subject := ev.DisplayCode
	if ev.Title != "" {
		subject = fmt.Sprintf("%s %s", ev.DisplayCode, ev.Title)
	}
	kind := ev.Kind
	if kind != "" {
		kind = strings.ToUpper(kind[:1]) + kind[1:]
	}
	msg := Message{
		Title: strings.TrimSpace(fmt.Sprintf("%s %s %s", kind, subject, actionVerb(ev.Action))),
		Body:  ev.Remarks,
		Color: actionColor(ev.Action),
	}
	if ev.FromStatus != "" && ev.ToStatus != "" && ev.FromStatus != ev.ToStatus {
		msg.Fields = append(msg.Fields, Field{Name: "Status", Value: ev.FromStatus + " → " + ev.ToStatus, Short: true})
	} else if ev.ToStatus != "" {
		msg.Fields = append(msg.Fields, Field{Name: "Status", Value: ev.ToStatus, Short: true})
	}
	if ev.Assignee != "" {
		msg.Fields = append(msg.Fields, Field{Name: "Assignee", Value: ev.Assignee, Short: true})
	}
	if ev.Actor != "" {
		msg.Fields = append(msg.Fields, Field{Name: "By", Value: ev.Actor, Short: true})
	}
	return msg
}
