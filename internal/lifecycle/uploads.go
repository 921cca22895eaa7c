package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/zulandar/workdesk/internal/apperr"
	"github.com/zulandar/workdesk/internal/attachment"
	"github.com/zulandar/workdesk/internal/auth"
	"github.com/zulandar/workdesk/internal/config"
	"github.com/zulandar/workdesk/internal/models"
	"golang.org/x/sync/errgroup"
)

// Upload is one file submitted with a transition. Open is called once,
// from a worker goroutine.
type Upload struct {
	Name        string
	ContentType string
	Size        int64 // declared size; -1 when unknown
	Open        func() (io.ReadCloser, error)
	Purpose     string
}

// Limits bounds what an upload may be.
type Limits struct {
	MaxBytes          int64
	AllowedExtensions []string
	AllowedTypes      []string
	IOTimeout         time.Duration
	Concurrency       int
}

// LimitsFromConfig converts the attachments config section.
func LimitsFromConfig(c config.AttachmentConfig) Limits {
	return Limits{
		MaxBytes:          c.MaxBytes,
		AllowedExtensions: c.AllowedExtensions,
		AllowedTypes:      c.AllowedTypes,
		IOTimeout:         c.IOTimeout,
		Concurrency:       c.UploadConcurrency,
	}
}

func (l Limits) withDefaults() Limits {
	if l.MaxBytes == 0 {
		l.MaxBytes = 10 << 20
	}
	if l.AllowedExtensions == nil {
		l.AllowedExtensions = config.DefaultAllowedExtensions
	}
	if l.AllowedTypes == nil {
		l.AllowedTypes = config.DefaultAllowedTypes
	}
	if l.IOTimeout == 0 {
		l.IOTimeout = 30 * time.Second
	}
	if l.Concurrency <= 0 {
		l.Concurrency = 4
	}
	return l
}

var errTooLarge = errors.New("file exceeds size limit")

// check validates name, type and declared size.
func (l Limits) check(u Upload) error {
	if u.Open == nil {
		return apperr.Validation("%s has no content", u.Name)
	}
	ext := strings.ToLower(filepath.Ext(u.Name))
	if !contains(l.AllowedExtensions, ext) {
		return apperr.Validation("extension %q is not allowed", ext)
	}
	mt, _, err := mime.ParseMediaType(u.ContentType)
	if err != nil {
		return apperr.Validation("content type %q: %v", u.ContentType, err)
	}
	if !contains(l.AllowedTypes, mt) {
		return apperr.Validation("content type %q is not allowed", mt)
	}
	if u.Size > l.MaxBytes {
		return apperr.Validation("%s is %d bytes, limit %d: %v", u.Name, u.Size, l.MaxBytes, errTooLarge)
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

// cappedReader fails once more than max bytes have been read.
type cappedReader struct {
	r   io.Reader
	max int64
	n   int64
}

func (c *cappedReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.n > c.max {
		return n, errTooLarge
	}
	return n, err
}

// storeUploads validates and stores files concurrently. Invalid or failing
// files are logged and left out of the returned refs, which keep the
// submission order.
func (e *Engine) storeUploads(ctx context.Context, itemID string, actor auth.Identity, phase models.Phase, files []Upload) []models.Attachment {
	if len(files) == 0 {
		return nil
	}
	slots := make([]*models.Attachment, len(files))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.limits.Concurrency)
	for i, u := range files {
		if u.ContentType == "" {
			u.ContentType = "application/octet-stream"
		}
		log := e.log.WithFields(logrus.Fields{
			"work_item_id": itemID,
			"phase":        phase,
			"file":         u.Name,
		})
		if err := e.limits.check(u); err != nil {
			log.WithError(err).Warn("attachment skipped")
			continue
		}
		g.Go(func() error {
			ref, err := e.storeOne(gctx, itemID, actor, phase, u)
			if err != nil {
				log.WithError(err).Warn("attachment skipped")
				return nil
			}
			mu.Lock()
			slots[i] = ref
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	var refs []models.Attachment
	for _, ref := range slots {
		if ref != nil {
			refs = append(refs, *ref)
		}
	}
	return refs
}

func (e *Engine) storeOne(ctx context.Context, itemID string, actor auth.Identity, phase models.Phase, u Upload) (*models.Attachment, error) {
	ctx, cancel := context.WithTimeout(ctx, e.limits.IOTimeout)
	defer cancel()

	rc, err := u.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", u.Name, err)
	}
	defer rc.Close()

	purpose := u.Purpose
	if purpose == "" {
		purpose = string(phase)
	}
	cr := &cappedReader{r: rc, max: e.limits.MaxBytes}
	id, err := e.files.Put(ctx, filepath.Base(u.Name), u.ContentType, attachment.Meta{
		WorkItemID: itemID,
		UploadedBy: actor.UserID,
		Purpose:    purpose,
	}, cr)
	if err != nil {
		return nil, err
	}
	return &models.Attachment{
		FileID:        id,
		FileName:      filepath.Base(u.Name),
		FileSizeBytes: cr.n,
		ContentType:   u.ContentType,
		UploadedAt:    e.now().UTC(),
		UploadedBy:    actor.UserID,
		Purpose:       purpose,
	}, nil
}
