package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/zulandar/workdesk/internal/apperr"
	"github.com/zulandar/workdesk/internal/auth"
)

// handleStream pushes topic snapshots over server-sent events: one on
// connect, one per publish, and one per poll tick whenever the snapshot
// differs from the last one sent. Heartbeats keep idle proxies from
// closing the connection. Any failed write ends the subscription.
func (s *Server) handleStream(c *gin.Context) {
	kind, ok := s.kindParam(c)
	if !ok {
		return
	}
	topic := kind.Topic()
	id := actor(c)
	if !id.Has(auth.Permission(topic, auth.ActionRead)) {
		s.fail(c, apperr.Forbidden("%s lacks %s", id.UserID, auth.Permission(topic, auth.ActionRead)))
		return
	}

	ctx := c.Request.Context()
	sub, err := s.hub.Subscribe(ctx, topic)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer s.hub.Unsubscribe(sub)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)

	log := s.log.WithFields(logrus.Fields{"topic": topic, "user": id.UserID})
	rc := http.NewResponseController(c.Writer)
	send := func(event string, data any) error {
		if err := rc.SetWriteDeadline(time.Now().Add(s.writeTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			return err
		}
		if err := writeSSE(c.Writer, event, data); err != nil {
			return err
		}
		c.Writer.Flush()
		return nil
	}

	var last json.RawMessage
	poll := time.NewTicker(s.pollInterval)
	heartbeat := time.NewTicker(s.heartbeat)
	defer poll.Stop()
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sub.Done():
			log.Debug("subscription dropped")
			return
		case msg := <-sub.C():
			if err := send("snapshot", msg.Data); err != nil {
				log.WithError(err).Debug("stream write failed")
				return
			}
			last = msg.Data
		case <-poll.C:
			msg, err := s.hub.Snapshot(ctx, topic)
			if err != nil {
				log.WithError(err).Warn("poll snapshot failed")
				continue
			}
			if bytes.Equal(msg.Data, last) {
				continue
			}
			if err := send("snapshot", msg.Data); err != nil {
				log.WithError(err).Debug("stream write failed")
				return
			}
			last = msg.Data
		case <-heartbeat.C:
			if err := send("heartbeat", map[string]string{
				"timestamp": time.Now().UTC().Format(time.RFC3339),
			}); err != nil {
				log.WithError(err).Debug("stream write failed")
				return
			}
		}
	}
}

// writeSSE writes a single SSE event to the writer.
func writeSSE(w io.Writer, event string, data any) error {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, jsonData)
	return err
}
