package server

import (
	"mime"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
)

func (s *Server) handleDownload(c *gin.Context) {
	obj, err := s.files.Get(c.Request.Context(), c.Param("fileId"))
	if err != nil {
		s.fail(c, err)
		return
	}
	defer obj.Close()

	c.DataFromReader(http.StatusOK, obj.Size, obj.ContentType, obj, map[string]string{
		"Content-Disposition": mime.FormatMediaType("attachment", map[string]string{"filename": obj.Name}),
	})
}

// handleBundle streams a zip of the requested files. Unreadable files are
// left out; the status is already sent once streaming starts.
func (s *Server) handleBundle(c *gin.Context) {
	var ids []string
	for _, id := range strings.Split(c.Query("ids"), ",") {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		s.fail(c, badRequest("ids query parameter is required"))
		return
	}

	c.Header("Content-Type", "application/zip")
	c.Header("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": "attachments.zip"}))
	c.Status(http.StatusOK)

	res, err := s.files.GetMany(c.Request.Context(), ids, c.Writer)
	log := s.log.WithFields(logrus.Fields{
		"requested": len(ids),
		"added":     len(res.Added),
		"skipped":   len(res.Skipped),
	})
	if err != nil {
		log.WithError(err).Warn("bundle aborted")
		return
	}
	log.Debug("bundle sent")
}
