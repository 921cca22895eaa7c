package server

import (
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/zulandar/workdesk/internal/lifecycle"
	"github.com/zulandar/workdesk/internal/models"
	"github.com/zulandar/workdesk/internal/repo"
)

// transitionBody is the non-file part of a transition request, sent as
// JSON or as multipart form fields.
type transitionBody struct {
	AssigneeID      string `json:"assignee_id" form:"assignee_id"`
	Remarks         string `json:"remarks" form:"remarks"`
	DeveloperStatus string `json:"developer_status" form:"developer_status"`
}

type unpostBody struct {
	IDs []string `json:"ids"`
}

// kindParam resolves :kind, writing a 404 when it is not a known topic.
func (s *Server) kindParam(c *gin.Context) (models.Kind, bool) {
	kind, err := models.ParseKind(c.Param("kind"))
	if err != nil {
		abortWith(c, http.StatusNotFound, "not_found", err.Error())
		return "", false
	}
	return kind, true
}

func isMultipart(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), "multipart/")
}

// parseMultipart parses the form with bounded memory. The returned cleanup
// removes any spooled temporary files.
func (s *Server) parseMultipart(c *gin.Context) (*multipart.Form, func(), error) {
	if err := c.Request.ParseMultipartForm(s.maxMemory); err != nil {
		return nil, func() {}, badRequest("multipart: %v", err)
	}
	form := c.Request.MultipartForm
	return form, func() { _ = form.RemoveAll() }, nil
}

func uploadsFrom(form *multipart.Form) []lifecycle.Upload {
	if form == nil {
		return nil
	}
	headers := form.File["files"]
	uploads := make([]lifecycle.Upload, 0, len(headers))
	for _, fh := range headers {
		uploads = append(uploads, lifecycle.Upload{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Size:        fh.Size,
			Open: func() (io.ReadCloser, error) {
				return fh.Open()
			},
		})
	}
	return uploads
}

// readTransition binds the body fields and collects uploaded files.
func (s *Server) readTransition(c *gin.Context) (transitionBody, []lifecycle.Upload, func(), error) {
	var body transitionBody
	if c.Request.ContentLength == 0 && !isMultipart(c) {
		return body, nil, func() {}, nil
	}
	if isMultipart(c) {
		form, cleanup, err := s.parseMultipart(c)
		if err != nil {
			return body, nil, cleanup, err
		}
		body.AssigneeID = formValue(form, "assignee_id")
		body.Remarks = formValue(form, "remarks")
		body.DeveloperStatus = formValue(form, "developer_status")
		return body, uploadsFrom(form), cleanup, nil
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		return body, nil, func() {}, badRequest("body: %v", err)
	}
	return body, nil, func() {}, nil
}

func formValue(form *multipart.Form, key string) string {
	if v := form.Value[key]; len(v) > 0 {
		return v[0]
	}
	return ""
}

func (s *Server) respondItem(c *gin.Context, status int, item *models.WorkItem, err error) {
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(status, lifecycle.NewView(item))
}

func (s *Server) handleList(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	f := repo.Filter{
		Status:     models.Status(c.Query("status")),
		AssigneeID: c.Query("assignee_id"),
	}
	switch c.Query("unposted") {
	case "", "exclude":
	case "include":
		f.IncludeUnposted = true
	case "only":
		f.OnlyUnposted = true
	default:
		s.fail(c, badRequest("unposted must be exclude, include or only"))
		return
	}
	items, err := s.engine.List(c.Request.Context(), actor(c), kind, f)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": lifecycle.NewViews(items), "count": len(items)})
}

func (s *Server) handleGet(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	item, err := s.engine.Get(c.Request.Context(), actor(c), kind, c.Param("id"))
	s.respondItem(c, http.StatusOK, item, err)
}

func (s *Server) handleHistory(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	events, err := s.engine.History(c.Request.Context(), actor(c), kind, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if events == nil {
		events = []models.WorkItemEvent{}
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}

// handleCreate accepts either a JSON body or a multipart form whose "data"
// field holds the JSON and whose "files" parts are creation attachments.
func (s *Server) handleCreate(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	var in lifecycle.CreateInput
	var files []lifecycle.Upload
	if isMultipart(c) {
		form, cleanup, err := s.parseMultipart(c)
		defer cleanup()
		if err != nil {
			s.fail(c, err)
			return
		}
		data := formValue(form, "data")
		if data == "" {
			s.fail(c, badRequest("multipart field data is required"))
			return
		}
		if err := json.Unmarshal([]byte(data), &in); err != nil {
			s.fail(c, badRequest("data: %v", err))
			return
		}
		files = uploadsFrom(form)
	} else if err := c.ShouldBindJSON(&in); err != nil {
		s.fail(c, badRequest("body: %v", err))
		return
	}
	item, err := s.engine.Create(c.Request.Context(), actor(c), kind, in, files)
	s.respondItem(c, http.StatusCreated, item, err)
}

func (s *Server) handleAssign(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	body, files, cleanup, err := s.readTransition(c)
	defer cleanup()
	if err != nil {
		s.fail(c, err)
		return
	}
	item, err := s.engine.Assign(c.Request.Context(), actor(c), kind, c.Param("id"), lifecycle.AssignInput{
		AssigneeID: body.AssigneeID,
		Remarks:    body.Remarks,
		Files:      files,
	})
	s.respondItem(c, http.StatusOK, item, err)
}

func (s *Server) handleStart(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	item, err := s.engine.StartWork(c.Request.Context(), actor(c), kind, c.Param("id"))
	s.respondItem(c, http.StatusOK, item, err)
}

func (s *Server) handleProgress(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	body, _, cleanup, err := s.readTransition(c)
	defer cleanup()
	if err != nil {
		s.fail(c, err)
		return
	}
	item, err := s.engine.ReportProgress(c.Request.Context(), actor(c), kind, c.Param("id"), lifecycle.ProgressInput{
		DeveloperStatus: models.DeveloperStatus(body.DeveloperStatus),
		Remarks:         body.Remarks,
	})
	s.respondItem(c, http.StatusOK, item, err)
}

func (s *Server) handleDone(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	body, files, cleanup, err := s.readTransition(c)
	defer cleanup()
	if err != nil {
		s.fail(c, err)
		return
	}
	item, err := s.engine.MarkDeveloperDone(c.Request.Context(), actor(c), kind, c.Param("id"), lifecycle.DoneInput{
		Remarks: body.Remarks,
		Files:   files,
	})
	s.respondItem(c, http.StatusOK, item, err)
}

func (s *Server) handleApprove(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	item, err := s.engine.ApproveCompletion(c.Request.Context(), actor(c), kind, c.Param("id"))
	s.respondItem(c, http.StatusOK, item, err)
}

func (s *Server) handleReject(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	body, files, cleanup, err := s.readTransition(c)
	defer cleanup()
	if err != nil {
		s.fail(c, err)
		return
	}
	item, err := s.engine.RejectCompletion(c.Request.Context(), actor(c), kind, c.Param("id"), lifecycle.RejectInput{
		Remarks: body.Remarks,
		Files:   files,
	})
	s.respondItem(c, http.StatusOK, item, err)
}

func (s *Server) handleClose(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	item, err := s.engine.Close(c.Request.Context(), actor(c), kind, c.Param("id"))
	s.respondItem(c, http.StatusOK, item, err)
}

func (s *Server) handleDelete(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	if err := s.engine.Delete(c.Request.Context(), actor(c), kind, c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleUnpost(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	var body unpostBody
	if err := c.ShouldBindJSON(&body); err != nil {
		s.fail(c, badRequest("body: %v", err))
		return
	}
	res, err := s.archive.UnpostMany(c.Request.Context(), actor(c), kind, body.IDs)
	if err != nil {
		s.fail(c, err)
		return
	}
	if res.Missing == nil {
		res.Missing = []string{}
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleReopen(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	item, err := s.archive.Reopen(c.Request.Context(), actor(c), kind, c.Param("id"))
	s.respondItem(c, http.StatusOK, item, err)
}
