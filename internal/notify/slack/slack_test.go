package slack

import (
	"context"
	"errors"
	"testing"
	"time"

	slackapi "github.com/slack-go/slack"
	"github.com/zulandar/workdesk/internal/notify"
)

type mockClient struct {
	calls    int
	channels []string
	errs     []error
}

func (m *mockClient) PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error) {
	m.calls++
	m.channels = append(m.channels, channelID)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", "", err
	}
	return channelID, "1234.5678", nil
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{ChannelID: "C1"}); err == nil {
		t.Error("expected error without token or client")
	}
	if _, err := New(Opts{BotToken: "xoxb"}); err == nil {
		t.Error("expected error without channel")
	}
	if _, err := New(Opts{BotToken: "xoxb", ChannelID: "C1"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNotify_Posts(t *testing.T) {
	mc := &mockClient{}
	n, err := New(Opts{ChannelID: "C42", Client: mc})
	if err != nil {
		t.Fatal(err)
	}
	if err := n.Notify(context.Background(), notify.Event{DisplayCode: "TASK-001", Action: "assign"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if mc.calls != 1 || mc.channels[0] != "C42" {
		t.Errorf("calls = %d channels = %v, want one call to C42", mc.calls, mc.channels)
	}
}

func TestNotify_RetriesRateLimit(t *testing.T) {
	mc := &mockClient{errs: []error{&slackapi.RateLimitedError{RetryAfter: time.Millisecond}}}
	n, _ := New(Opts{ChannelID: "C1", Client: mc})
	if err := n.Notify(context.Background(), notify.Event{Action: "done"}); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if mc.calls != 2 {
		t.Errorf("calls = %d, want 2", mc.calls)
	}
}

func TestNotify_NoRetryOnOtherErrors(t *testing.T) {
	mc := &mockClient{errs: []error{errors.New("channel_not_found")}}
	n, _ := New(Opts{ChannelID: "C1", Client: mc})
	if err := n.Notify(context.Background(), notify.Event{Action: "done"}); err == nil {
		t.Fatal("expected error")
	}
	if mc.calls != 1 {
		t.Errorf("calls = %d, want 1", mc.calls)
	}
}

func TestNotify_ContextCancelledDuringBackoff(t *testing.T) {
	mc := &mockClient{errs: []error{&slackapi.RateLimitedError{RetryAfter: time.Hour}}}
	n, _ := New(Opts{ChannelID: "C1", Client: mc})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := n.Notify(ctx, notify.Event{Action: "done"})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestMessageToAttachment(t *testing.T) {
	att := messageToAttachment(notify.Message{
		Title:  "Task TASK-001 approved",
		Body:   "looks good",
		Color:  notify.ColorSuccess,
		Fields: []notify.Field{{Name: "Status", Value: "closed", Short: true}},
	})
	if att.Title != "Task TASK-001 approved" || att.Fallback != att.Title {
		t.Errorf("Title/Fallback = %q/%q", att.Title, att.Fallback)
	}
	if att.Color != notify.ColorSuccess {
		t.Errorf("Color = %q", att.Color)
	}
	if len(att.Fields) != 1 || att.Fields[0].Title != "Status" || !att.Fields[0].Short {
		t.Errorf("Fields = %+v", att.Fields)
	}
}
