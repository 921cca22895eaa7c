package lifecycle

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zulandar/workdesk/internal/apperr"
	"github.com/zulandar/workdesk/internal/attachment"
	"github.com/zulandar/workdesk/internal/auth"
	"github.com/zulandar/workdesk/internal/config"
	"github.com/zulandar/workdesk/internal/db"
	"github.com/zulandar/workdesk/internal/models"
	"github.com/zulandar/workdesk/internal/notify"
	"github.com/zulandar/workdesk/internal/repo"
	"gorm.io/gorm"
)

type recordingHub struct {
	mu     sync.Mutex
	topics []string
	onPub  func(topic string)
}

func (h *recordingHub) Refresh(_ context.Context, topic string) error {
	h.mu.Lock()
	h.topics = append(h.topics, topic)
	h.mu.Unlock()
	if h.onPub != nil {
		h.onPub(topic)
	}
	return nil
}

func (h *recordingHub) count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics)
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (n *recordingNotifier) Notify(_ context.Context, ev notify.Event) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
	return nil
}

type fixture struct {
	engine   *Engine
	repo     *repo.Repo
	files    *attachment.BadgerStore
	hub      *recordingHub
	notifier *recordingNotifier
	manager  auth.Identity
	dev      auth.Identity
	other    auth.Identity
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.OpenMemory()
	require.NoError(t, err)
	return newFixtureOn(t, gdb)
}

// newFileFixture runs the engine against a sqlite file opened the way
// wd serve opens its default database.
func newFileFixture(t *testing.T) *fixture {
	t.Helper()
	gdb, err := db.Connect(config.DatabaseConfig{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "wd.db")})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(gdb))
	sqlDB, err := gdb.DB()
	require.NoError(t, err)
	t.Cleanup(func() { sqlDB.Close() })
	return newFixtureOn(t, gdb)
}

func newFixtureOn(t *testing.T, gdb *gorm.DB) *fixture {
	t.Helper()
	r := repo.New(gdb)
	files, err := attachment.OpenInMemory(attachment.Options{ChunkSize: 1024})
	require.NoError(t, err)
	t.Cleanup(func() { files.Close() })

	ctx := context.Background()
	require.NoError(t, r.CreateUser(ctx, &models.User{ID: "u1", Username: "U1", Name: "Una", RoleName: "developer"}))
	require.NoError(t, r.CreateUser(ctx, &models.User{ID: "u2", Username: "U2", Name: "Dev Two", RoleName: "developer"}))

	hub := &recordingHub{}
	n := &recordingNotifier{}
	clock := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	e := New(Options{
		Repo:     r,
		Files:    files,
		Hub:      hub,
		Notifier: n,
		Limits:   Limits{MaxBytes: 4096},
		Now: func() time.Time {
			mu.Lock()
			defer mu.Unlock()
			clock = clock.Add(time.Minute)
			return clock
		},
	})
	return &fixture{
		engine:   e,
		repo:     r,
		files:    files,
		hub:      hub,
		notifier: n,
		manager:  auth.NewIdentity("m1", "mgr", "manager", nil),
		dev:      auth.NewIdentity("u1", "U1", "developer", nil),
		other:    auth.NewIdentity("u2", "U2", "developer", nil),
	}
}

func upload(name, contentType string, data []byte) Upload {
	return Upload{
		Name:        name,
		ContentType: contentType,
		Size:        int64(len(data)),
		Open:        func() (io.ReadCloser, error) { return io.NopCloser(bytes.NewReader(data)), nil },
	}
}

func taskInput(title string) CreateInput {
	return CreateInput{
		Task:        models.TaskDetails{Title: title, Priority: models.PriorityHigh},
		Company:     models.CompanySnapshot{Name: "Acme", Address: "1 Road", Representative: "Wile"},
		Contact:     models.ContactSnapshot{Name: "Wile E."},
		Description: "CSV export drops the last row",
	}
}

func complaintInput() CreateInput {
	return CreateInput{
		Complaint:   models.ComplaintDetails{Channel: "email", ComplainantName: "Road Runner"},
		Company:     models.CompanySnapshot{Name: "Acme"},
		Contact:     models.ContactSnapshot{Name: "Road Runner"},
		Description: "Invoice total is wrong\nSee attached",
	}
}

func assertInvariants(t *testing.T, item *models.WorkItem) {
	t.Helper()
	assert.NoError(t, CheckInvariants(item))
}

func TestTaskScenario_AssignDoneApprove(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.engine.Create(ctx, f.manager, models.KindTask, taskInput("Fix export"), nil)
	require.NoError(t, err)
	assert.Equal(t, "TASK-001", task.DisplayCode)
	assert.Equal(t, models.StatusPending, task.Status)
	assertInvariants(t, task)

	task, err = f.engine.Assign(ctx, f.manager, models.KindTask, task.ID, AssignInput{AssigneeID: "u1", Remarks: "go"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, task.Status)
	require.NotNil(t, task.AssignedTo())
	assert.Equal(t, "U1", task.AssignedTo().Username)
	assert.Equal(t, "go", task.AssignmentRemarks)
	assertInvariants(t, task)

	task, err = f.engine.MarkDeveloperDone(ctx, f.dev, models.KindTask, task.ID, DoneInput{Remarks: "fixed"})
	require.NoError(t, err)
	assert.Equal(t, models.DevDone, task.DeveloperStatus)
	assert.Equal(t, models.StatusAssigned, task.Status)
	assertInvariants(t, task)

	task, err = f.engine.ApproveCompletion(ctx, f.manager, models.KindTask, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, task.Status)
	assert.True(t, task.CompletionApproved)
	assert.NotNil(t, task.CompletionApprovedAt)
	assert.NotNil(t, task.ResolvedAt)
	assertInvariants(t, task)

	events, err := f.engine.History(ctx, f.manager, models.KindTask, task.ID)
	require.NoError(t, err)
	var actions []string
	for _, ev := range events {
		actions = append(actions, ev.Action)
	}
	assert.Equal(t, []string{"create", "assign", "done", "approve"}, actions)

	assert.Equal(t, 4, f.hub.count())
	f.engine.Wait()
	f.notifier.mu.Lock()
	assert.Len(t, f.notifier.events, 4)
	f.notifier.mu.Unlock()
}

func TestComplaintScenario_Reject(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.engine.Create(ctx, f.manager, models.KindComplaint, complaintInput(), nil)
	require.NoError(t, err)
	assert.Equal(t, "CMP-001", c.DisplayCode)
	assert.Equal(t, models.StatusRegistered, c.Status)
	assert.Equal(t, models.PriorityNormal, PriorityOf(c))
	assert.Equal(t, "Invoice total is wrong", Title(c))

	c, err = f.engine.Assign(ctx, f.manager, models.KindComplaint, c.ID, AssignInput{AssigneeID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, c.Status)

	c, err = f.engine.MarkDeveloperDone(ctx, f.dev, models.KindComplaint, c.ID, DoneInput{Remarks: "refunded"})
	require.NoError(t, err)

	c, err = f.engine.RejectCompletion(ctx, f.manager, models.KindComplaint, c.ID, RejectInput{Remarks: "customer still charged"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, c.Status)
	assert.Equal(t, models.DevPending, c.DeveloperStatus)
	assert.Equal(t, "customer still charged", c.RejectionRemarks)
	require.NotNil(t, c.AssignedTo())
	assert.Equal(t, "u1", c.AssignedTo().ID)
	assertInvariants(t, c)
}

func TestComplaint_ApproveThenClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.engine.Create(ctx, f.manager, models.KindComplaint, complaintInput(), nil)
	require.NoError(t, err)
	_, err = f.engine.Assign(ctx, f.manager, models.KindComplaint, c.ID, AssignInput{AssigneeID: "u1"})
	require.NoError(t, err)
	_, err = f.engine.MarkDeveloperDone(ctx, f.dev, models.KindComplaint, c.ID, DoneInput{})
	require.NoError(t, err)

	_, err = f.engine.Close(ctx, f.manager, models.KindComplaint, c.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "close before resolve")

	c, err = f.engine.ApproveCompletion(ctx, f.manager, models.KindComplaint, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusResolved, c.Status)
	assert.Nil(t, c.ApprovedAt)
	assert.True(t, NewView(c).ResolutionTime.Seconds != nil)

	c, err = f.engine.Close(ctx, f.manager, models.KindComplaint, c.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusClosed, c.Status)
	assert.NotNil(t, c.ApprovedAt)
	assertInvariants(t, c)

	_, err = f.engine.ApproveCompletion(ctx, f.manager, models.KindComplaint, c.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestApproveWithoutDone_InvalidState(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.engine.Create(ctx, f.manager, models.KindTask, taskInput("A"), nil)
	require.NoError(t, err)
	_, err = f.engine.Assign(ctx, f.manager, models.KindTask, task.ID, AssignInput{AssigneeID: "u1"})
	require.NoError(t, err)

	_, err = f.engine.ApproveCompletion(ctx, f.manager, models.KindTask, task.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
	_, err = f.engine.RejectCompletion(ctx, f.manager, models.KindTask, task.ID, RejectInput{})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestRejectThenRework_KeepsAssignee(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.engine.Create(ctx, f.manager, models.KindTask, taskInput("A"), nil)
	require.NoError(t, err)
	task, err = f.engine.Assign(ctx, f.manager, models.KindTask, task.ID, AssignInput{AssigneeID: "u1"})
	require.NoError(t, err)
	firstAssigned := *task.AssignedAt

	_, err = f.engine.StartWork(ctx, f.dev, models.KindTask, task.ID)
	require.NoError(t, err)
	_, err = f.engine.MarkDeveloperDone(ctx, f.dev, models.KindTask, task.ID, DoneInput{})
	require.NoError(t, err)

	task, err = f.engine.RejectCompletion(ctx, f.manager, models.KindTask, task.ID, RejectInput{Remarks: "tests fail"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusRejected, task.Status)
	assert.Equal(t, models.DevPending, task.DeveloperStatus)
	assert.Equal(t, "u1", task.AssignedTo().ID)
	assertInvariants(t, task)

	task, err = f.engine.StartWork(ctx, f.dev, models.KindTask, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusInProgress, task.Status)

	_, err = f.engine.MarkDeveloperDone(ctx, f.dev, models.KindTask, task.ID, DoneInput{})
	require.NoError(t, err)
	task, err = f.engine.RejectCompletion(ctx, f.manager, models.KindTask, task.ID, RejectInput{})
	require.NoError(t, err)

	// Reassignment of a rejected task keeps the first assigned_at.
	task, err = f.engine.Assign(ctx, f.manager, models.KindTask, task.ID, AssignInput{AssigneeID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, "u2", task.AssignedTo().ID)
	assert.True(t, task.AssignedAt.Equal(firstAssigned))
}

func TestMarkDeveloperDone_Forbidden(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.engine.Create(ctx, f.manager, models.KindTask, taskInput("A"), nil)
	require.NoError(t, err)

	_, err = f.engine.MarkDeveloperDone(ctx, f.dev, models.KindTask, task.ID, DoneInput{})
	assert.ErrorIs(t, err, apperr.ErrForbidden, "unassigned")

	_, err = f.engine.Assign(ctx, f.manager, models.KindTask, task.ID, AssignInput{AssigneeID: "u1"})
	require.NoError(t, err)

	_, err = f.engine.MarkDeveloperDone(ctx, f.other, models.KindTask, task.ID, DoneInput{})
	assert.ErrorIs(t, err, apperr.ErrForbidden, "non-assignee")

	_, err = f.engine.MarkDeveloperDone(ctx, f.dev, models.KindTask, task.ID, DoneInput{})
	require.NoError(t, err)
	_, err = f.engine.MarkDeveloperDone(ctx, f.dev, models.KindTask, task.ID, DoneInput{})
	assert.ErrorIs(t, err, apperr.ErrInvalidState, "already done")
}

func TestAssign_Preconditions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.engine.Create(ctx, f.manager, models.KindTask, taskInput("A"), nil)
	require.NoError(t, err)

	_, err = f.engine.Assign(ctx, f.manager, models.KindTask, task.ID, AssignInput{AssigneeID: "ghost"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.engine.Assign(ctx, f.manager, models.KindTask, "missing", AssignInput{AssigneeID: "u1"})
	assert.ErrorIs(t, err, apperr.ErrNotFound)

	_, err = f.engine.Assign(ctx, f.manager, models.KindComplaint, task.ID, AssignInput{AssigneeID: "u1"})
	assert.ErrorIs(t, err, apperr.ErrNotFound, "wrong kind")

	_, err = f.engine.Assign(ctx, f.manager, models.KindTask, task.ID, AssignInput{AssigneeID: "u1"})
	require.NoError(t, err)
	_, err = f.engine.Assign(ctx, f.manager, models.KindTask, task.ID, AssignInput{AssigneeID: "u2"})
	assert.ErrorIs(t, err, apperr.ErrInvalidState)

	_, err = f.engine.Assign(ctx, f.dev, models.KindTask, task.ID, AssignInput{AssigneeID: "u2"})
	assert.ErrorIs(t, err, apperr.ErrForbidden, "developer lacks assign")
}

func TestCreate_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	in := taskInput("A")
	in.Company.Name = ""
	in.Description = " "
	_, err := f.engine.Create(ctx, f.manager, models.KindTask, in, nil)
	require.ErrorIs(t, err, apperr.ErrValidation)
	assert.Contains(t, err.Error(), "company.name")
	assert.Contains(t, err.Error(), "description")

	in = taskInput("A")
	in.Task.Priority = "whenever"
	_, err = f.engine.Create(ctx, f.manager, models.KindTask, in, nil)
	assert.ErrorIs(t, err, apperr.ErrValidation)

	_, err = f.engine.Create(ctx, f.dev, models.KindTask, taskInput("A"), nil)
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	assert.Equal(t, 0, f.hub.count())
}

func TestCreate_SequentialCodes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for _, want := range []string{"TASK-001", "TASK-002", "TASK-003"} {
		task, err := f.engine.Create(ctx, f.manager, models.KindTask, taskInput("A"), nil)
		require.NoError(t, err)
		assert.Equal(t, want, task.DisplayCode)
	}
	c, err := f.engine.Create(ctx, f.manager, models.KindComplaint, complaintInput(), nil)
	require.NoError(t, err)
	assert.Equal(t, "CMP-001", c.DisplayCode)
}

func TestUploads_InvalidFilesSkipped(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	oversize := upload("big.pdf", "application/pdf", bytes.Repeat([]byte("x"), 8192))
	oversize.Size = -1
	files := []Upload{
		upload("proof.pdf", "application/pdf", []byte("%PDF-1.7 proof")),
		upload("tool.exe", "application/octet-stream", []byte("MZ")),
		upload("photo.png", "text/html", []byte("<html>")),
		oversize,
		upload("notes.txt", "", []byte("plain notes")),
	}
	task, err := f.engine.Create(ctx, f.manager, models.KindTask, taskInput("A"), files)
	require.NoError(t, err)

	set := task.AttachmentSet(models.PhaseCreation)
	require.Len(t, set, 2)
	assert.Equal(t, "proof.pdf", set[0].FileName)
	assert.Equal(t, "notes.txt", set[1].FileName)
	assert.Equal(t, "application/octet-stream", set[1].ContentType)
	assert.Equal(t, int64(len("plain notes")), set[1].FileSizeBytes)
	assert.Equal(t, "m1", set[0].UploadedBy)

	obj, err := f.files.Get(ctx, set[0].FileID)
	require.NoError(t, err)
	defer obj.Close()
	data, err := io.ReadAll(obj)
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7 proof", string(data))
	assert.Equal(t, task.ID, obj.Meta.WorkItemID)
}

func TestUploads_PhasesStaySeparate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.engine.Create(ctx, f.manager, models.KindTask, taskInput("A"), nil)
	require.NoError(t, err)
	_, err = f.engine.Assign(ctx, f.manager, models.KindTask, task.ID, AssignInput{
		AssigneeID: "u1",
		Files:      []Upload{upload("brief.txt", "text/plain", []byte("brief"))},
	})
	require.NoError(t, err)
	task, err = f.engine.MarkDeveloperDone(ctx, f.dev, models.KindTask, task.ID, DoneInput{
		Files: []Upload{
			upload("a.txt", "text/plain", []byte("a")),
			upload("b.txt", "text/plain", []byte("b")),
		},
	})
	require.NoError(t, err)

	view := NewView(task)
	assert.Len(t, view.AttachmentSets[models.PhaseCreation], 0)
	assert.Len(t, view.AttachmentSets[models.PhaseAssignment], 1)
	require.Len(t, view.AttachmentSets[models.PhaseCompletion], 2)
	assert.Equal(t, "a.txt", view.AttachmentSets[models.PhaseCompletion][0].FileName)
	assert.Len(t, view.AttachmentSets[models.PhaseRejection], 0)
}

func TestPublishAfterCommit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.engine.Create(ctx, f.manager, models.KindTask, taskInput("A"), nil)
	require.NoError(t, err)

	var seen models.Status
	f.hub.onPub = func(topic string) {
		assert.Equal(t, "tasks", topic)
		stored, err := f.repo.Get(ctx, task.ID)
		if assert.NoError(t, err) {
			seen = stored.Status
		}
	}
	_, err = f.engine.Assign(ctx, f.manager, models.KindTask, task.ID, AssignInput{AssigneeID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, seen)

	before := f.hub.count()
	_, err = f.engine.Assign(ctx, f.manager, models.KindTask, task.ID, AssignInput{AssigneeID: "u1"})
	require.Error(t, err)
	assert.Equal(t, before, f.hub.count(), "failed transition must not publish")
}

func TestReportProgress(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.engine.Create(ctx, f.manager, models.KindTask, taskInput("A"), nil)
	require.NoError(t, err)
	_, err = f.engine.ReportProgress(ctx, f.dev, models.KindTask, task.ID, ProgressInput{DeveloperStatus: models.DevOnHold})
	assert.ErrorIs(t, err, apperr.ErrForbidden)

	_, err = f.engine.Assign(ctx, f.manager, models.KindTask, task.ID, AssignInput{AssigneeID: "u1"})
	require.NoError(t, err)

	task, err = f.engine.ReportProgress(ctx, f.dev, models.KindTask, task.ID, ProgressInput{DeveloperStatus: models.DevOnHold, Remarks: "waiting on data"})
	require.NoError(t, err)
	assert.Equal(t, models.DevOnHold, task.DeveloperStatus)
	assert.Equal(t, models.StatusAssigned, task.Status)

	_, err = f.engine.ReportProgress(ctx, f.dev, models.KindTask, task.ID, ProgressInput{DeveloperStatus: models.DevDone})
	assert.ErrorIs(t, err, apperr.ErrValidation)
}

func TestStartWork_Complaint(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	c, err := f.engine.Create(ctx, f.manager, models.KindComplaint, complaintInput(), nil)
	require.NoError(t, err)
	_, err = f.engine.Assign(ctx, f.manager, models.KindComplaint, c.ID, AssignInput{AssigneeID: "u1"})
	require.NoError(t, err)
	_, err = f.engine.StartWork(ctx, f.dev, models.KindComplaint, c.ID)
	assert.ErrorIs(t, err, apperr.ErrInvalidState)
}

func TestDelete(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task, err := f.engine.Create(ctx, f.manager, models.KindTask, taskInput("A"),
		[]Upload{upload("a.txt", "text/plain", []byte("a"))})
	require.NoError(t, err)
	fileID := task.AttachmentSet(models.PhaseCreation)[0].FileID

	require.ErrorIs(t, f.engine.Delete(ctx, f.dev, models.KindTask, task.ID), apperr.ErrForbidden)
	require.NoError(t, f.engine.Delete(ctx, f.manager, models.KindTask, task.ID))

	_, err = f.engine.Get(ctx, f.manager, models.KindTask, task.ID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	_, err = f.files.Get(ctx, fileID)
	assert.ErrorIs(t, err, apperr.ErrNotFound)
	assert.ErrorIs(t, f.engine.Delete(ctx, f.manager, models.KindTask, task.ID), apperr.ErrNotFound)
}

func TestSnapshotFunc_ExcludesUnposted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a, err := f.engine.Create(ctx, f.manager, models.KindTask, taskInput("A"), nil)
	require.NoError(t, err)
	_, err = f.engine.Create(ctx, f.manager, models.KindTask, taskInput("B"), nil)
	require.NoError(t, err)
	_, err = f.repo.Update(ctx, a.ID, map[string]any{"unposted": true, "unpost_status": "unposted", "unposted_at": time.Now()})
	require.NoError(t, err)

	snap, err := f.engine.SnapshotFunc(models.KindTask)(ctx)
	require.NoError(t, err)
	views := snap.([]View)
	require.Len(t, views, 1)
	assert.Equal(t, "B", views[0].Title)
}

func TestElapsed(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(26*time.Hour + 3*time.Minute)
	earlier := t0.Add(-time.Second)

	tests := []struct {
		name     string
		from, to *time.Time
		want     string
	}{
		{"both set", &t0, &t1, "1d2h3m"},
		{"same instant", &t0, &t0, "0s"},
		{"missing end", &t0, nil, "not available"},
		{"missing start", nil, &t1, "not available"},
		{"negative", &t0, &earlier, "not available"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatElapsed(Elapsed(tt.from, tt.to)); got != tt.want {
				t.Errorf("FormatElapsed = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCheckInvariants(t *testing.T) {
	id := "u1"
	now := time.Now()
	tests := []struct {
		name string
		item models.WorkItem
		ok   bool
	}{
		{"pending", models.WorkItem{Kind: models.KindTask, Status: models.StatusPending}, true},
		{"assigned without assignee", models.WorkItem{Kind: models.KindTask, Status: models.StatusAssigned}, false},
		{"assigned without time", models.WorkItem{Kind: models.KindTask, Status: models.StatusAssigned, AssigneeID: &id}, false},
		{"assigned", models.WorkItem{Kind: models.KindTask, Status: models.StatusAssigned, AssigneeID: &id, AssignedAt: &now}, true},
		{"task resolved", models.WorkItem{Kind: models.KindTask, Status: models.StatusResolved}, false},
		{"complaint pending", models.WorkItem{Kind: models.KindComplaint, Status: models.StatusPending}, false},
		{"unposted without time", models.WorkItem{Kind: models.KindTask, Status: models.StatusPending, Unposted: true}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckInvariants(&tt.item)
			if (err == nil) != tt.ok {
				t.Errorf("CheckInvariants = %v, want ok=%v", err, tt.ok)
			}
		})
	}
}

func TestConcurrentCreate_FileDatabase(t *testing.T) {
	f := newFileFixture(t)
	ctx := context.Background()

	const n = 20
	var wg sync.WaitGroup
	codes := make([]string, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			item, err := f.engine.Create(ctx, f.manager, models.KindTask, taskInput(fmt.Sprintf("task %d", i)), nil)
			errs[i] = err
			if err == nil {
				codes[i] = item.DisplayCode
			}
		}(i)
	}
	wg.Wait()
	f.engine.Wait()

	seen := make(map[string]bool, n)
	for i := 0; i < n; i++ {
		require.NoError(t, errs[i], "create %d", i)
		assert.False(t, seen[codes[i]], "duplicate display code %s", codes[i])
		seen[codes[i]] = true
	}
	for i := 1; i <= n; i++ {
		assert.True(t, seen[fmt.Sprintf("TASK-%03d", i)], "missing TASK-%03d", i)
	}
}

func TestConcurrentTransitions_FileDatabase(t *testing.T) {
	f := newFileFixture(t)
	ctx := context.Background()

	const n = 10
	ids := make([]string, n)
	for i := range ids {
		item, err := f.engine.Create(ctx, f.manager, models.KindTask, taskInput(fmt.Sprintf("task %d", i)), nil)
		require.NoError(t, err)
		ids[i] = item.ID
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i, id := range ids {
		wg.Add(1)
		go func(i int, id string) {
			defer wg.Done()
			if _, err := f.engine.Assign(ctx, f.manager, models.KindTask, id, AssignInput{AssigneeID: "u1"}); err != nil {
				errs[i] = err
				return
			}
			files := []Upload{upload(fmt.Sprintf("proof-%d.txt", i), "text/plain", []byte("done"))}
			_, errs[i] = f.engine.MarkDeveloperDone(ctx, f.dev, models.KindTask, id, DoneInput{Remarks: "ok", Files: files})
		}(i, id)
	}
	wg.Wait()
	f.engine.Wait()

	for i, id := range ids {
		require.NoError(t, errs[i], "item %d", i)
		item, err := f.repo.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, models.StatusAssigned, item.Status)
		assert.Equal(t, models.DevDone, item.DeveloperStatus)
		assert.Len(t, item.AttachmentSet(models.PhaseCompletion), 1)
		assertInvariants(t, item)

		events, err := f.repo.Events(ctx, id)
		require.NoError(t, err)
		assert.Len(t, events, 3)
	}
}

func TestTransition_InvariantViolationRollsBack(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// A row left assigned with no assignee, e.g. by a manual edit.
	broken := &models.WorkItem{
		ID:              "broken",
		DisplayCode:     "TASK-900",
		Sequence:        900,
		Kind:            models.KindTask,
		Task:            models.TaskDetails{Title: "Orphan", Priority: models.PriorityNormal},
		Company:         models.CompanySnapshot{Name: "Acme"},
		Contact:         models.ContactSnapshot{Name: "Wile"},
		Description:     "assigned without assignee",
		Status:          models.StatusAssigned,
		DeveloperStatus: models.DevDone,
	}
	require.NoError(t, f.repo.Create(ctx, broken))

	files := []Upload{upload("why.txt", "text/plain", []byte("redo"))}
	_, err := f.engine.RejectCompletion(ctx, f.manager, models.KindTask, broken.ID, RejectInput{Remarks: "redo", Files: files})
	require.ErrorIs(t, err, apperr.ErrInvalidState)
	assert.Contains(t, err.Error(), "without an assignee")

	item, err := f.repo.Get(ctx, broken.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, item.Status)
	assert.Equal(t, models.DevDone, item.DeveloperStatus)
	assert.Empty(t, item.Attachments)

	events, err := f.repo.Events(ctx, broken.ID)
	require.NoError(t, err)
	assert.Empty(t, events)
	assert.Zero(t, f.hub.count())
}
