// Package broadcast fans full topic snapshots out to live subscribers.
//
// Delivery is at-most-once with no replay. Every message is a complete
// snapshot, so a subscriber that misses one catches up on the next.
package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrClosed is returned by Subscribe after the hub has been closed.
var ErrClosed = errors.New("broadcast: hub closed")

// SnapshotFunc builds the full current payload of a topic.
type SnapshotFunc func(ctx context.Context) (any, error)

// Message is one serialized snapshot.
type Message struct {
	Topic string
	Data  json.RawMessage
	At    time.Time
}

// Options configures a Hub.
type Options struct {
	// Buffer is the per-subscriber queue length.
	Buffer int
	// WriteTimeout bounds how long a publish waits on one full subscriber
	// before dropping it.
	WriteTimeout time.Duration
	Log          logrus.FieldLogger
}

// Subscription is one registered sink.
type Subscription struct {
	id    uint64
	topic string
	ch    chan Message
	done  chan struct{}
	once  sync.Once
}

// C returns the channel messages are delivered on. It is never closed;
// select on Done as well.
func (s *Subscription) C() <-chan Message { return s.ch }

// Done is closed once the subscription has been removed.
func (s *Subscription) Done() <-chan struct{} { return s.done }

// Topic returns the subscribed topic.
func (s *Subscription) Topic() string { return s.topic }

func (s *Subscription) close() {
	s.once.Do(func() { close(s.done) })
}

type topic struct {
	// sendMu serializes publishes on the topic so subscribers see
	// snapshots in publish order.
	sendMu   sync.Mutex
	snapshot SnapshotFunc
	subs     map[uint64]*Subscription
}

// Hub is the subscriber registry.
type Hub struct {
	opts Options
	log  logrus.FieldLogger

	mu     sync.RWMutex
	topics map[string]*topic
	nextID uint64
	closed bool
}

// NewHub returns an empty hub.
func NewHub(opts Options) *Hub {
	if opts.Buffer < 1 {
		opts.Buffer = 4
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.Log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		opts.Log = l
	}
	return &Hub{
		opts:   opts,
		log:    opts.Log.WithField("component", "broadcast"),
		topics: make(map[string]*topic),
	}
}

func (h *Hub) topicFor(name string) *topic {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.topics[name]
	if !ok {
		t = &topic{subs: make(map[uint64]*Subscription)}
		h.topics[name] = t
	}
	return t
}

// Register sets the snapshot builder for a topic.
func (h *Hub) Register(name string, fn SnapshotFunc) {
	t := h.topicFor(name)
	h.mu.Lock()
	t.snapshot = fn
	h.mu.Unlock()
}

// Topics returns the names of registered topics.
func (h *Hub) Topics() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	var names []string
	for name, t := range h.topics {
		if t.snapshot != nil {
			names = append(names, name)
		}
	}
	return names
}

// Subscribe registers a sink on a topic. The first message queued is the
// topic's current snapshot. The subscription ends when ctx is done, on
// Unsubscribe, or when a publish drops it.
func (h *Hub) Subscribe(ctx context.Context, name string) (*Subscription, error) {
	h.mu.RLock()
	t, ok := h.topics[name]
	closed := h.closed
	var fn SnapshotFunc
	if ok {
		fn = t.snapshot
	}
	h.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if fn == nil {
		return nil, fmt.Errorf("broadcast: unknown topic %q", name)
	}

	// Hold the topic's send lock so no publish lands ahead of the
	// initial snapshot.
	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	msg, err := h.build(ctx, name, fn)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrClosed
	}
	h.nextID++
	sub := &Subscription{
		id:    h.nextID,
		topic: name,
		ch:    make(chan Message, h.opts.Buffer),
		done:  make(chan struct{}),
	}
	t.subs[sub.id] = sub
	h.mu.Unlock()

	sub.ch <- msg

	go func() {
		select {
		case <-ctx.Done():
			h.Unsubscribe(sub)
		case <-sub.done:
		}
	}()

	h.log.WithFields(logrus.Fields{"topic": name, "subscriber": sub.id}).Debug("subscribed")
	return sub, nil
}

// Unsubscribe removes sub. It is safe to call more than once.
func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	if t, ok := h.topics[sub.topic]; ok {
		delete(t.subs, sub.id)
	}
	h.mu.Unlock()
	sub.close()
}

// SubscriberCount returns the number of live subscribers on a topic.
func (h *Hub) SubscriberCount(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if t, ok := h.topics[name]; ok {
		return len(t.subs)
	}
	return 0
}

// Publish marshals payload once and delivers it to every subscriber of
// the topic. A subscriber whose queue stays full past WriteTimeout is
// dropped; that never fails the publish.
func (h *Hub) Publish(name string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("broadcast: marshal %s: %w", name, err)
	}
	t := h.topicFor(name)
	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	h.deliver(t, Message{Topic: name, Data: data, At: time.Now()})
	return nil
}

// Refresh rebuilds the topic snapshot and publishes it.
func (h *Hub) Refresh(ctx context.Context, name string) error {
	h.mu.RLock()
	t, ok := h.topics[name]
	var fn SnapshotFunc
	if ok {
		fn = t.snapshot
	}
	h.mu.RUnlock()
	if fn == nil {
		return fmt.Errorf("broadcast: unknown topic %q", name)
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()
	msg, err := h.build(ctx, name, fn)
	if err != nil {
		return err
	}
	h.deliver(t, msg)
	return nil
}

// Snapshot builds the current payload of a topic without publishing it.
func (h *Hub) Snapshot(ctx context.Context, name string) (Message, error) {
	h.mu.RLock()
	t, ok := h.topics[name]
	var fn SnapshotFunc
	if ok {
		fn = t.snapshot
	}
	h.mu.RUnlock()
	if fn == nil {
		return Message{}, fmt.Errorf("broadcast: unknown topic %q", name)
	}
	return h.build(ctx, name, fn)
}

func (h *Hub) build(ctx context.Context, name string, fn SnapshotFunc) (Message, error) {
	payload, err := fn(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("broadcast: snapshot %s: %w", name, err)
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("broadcast: marshal %s: %w", name, err)
	}
	return Message{Topic: name, Data: data, At: time.Now()}, nil
}

// deliver must be called with t.sendMu held. The registry lock is only
// held while copying the subscriber list.
func (h *Hub) deliver(t *topic, msg Message) {
	h.mu.RLock()
	subs := make([]*Subscription, 0, len(t.subs))
	for _, s := range t.subs {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	var slow []*Subscription
	for _, s := range subs {
		select {
		case <-s.done:
		case s.ch <- msg:
		default:
			slow = append(slow, s)
		}
	}
	if len(slow) == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, s := range slow {
		wg.Add(1)
		go func(s *Subscription) {
			defer wg.Done()
			timer := time.NewTimer(h.opts.WriteTimeout)
			defer timer.Stop()
			select {
			case s.ch <- msg:
			case <-s.done:
			case <-timer.C:
				h.log.WithFields(logrus.Fields{"topic": msg.Topic, "subscriber": s.id}).Warn("dropping slow subscriber")
				h.Unsubscribe(s)
			}
		}(s)
	}
	wg.Wait()
}

// Close drops every subscriber. Later Subscribe calls fail with ErrClosed.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	var all []*Subscription
	for _, t := range h.topics {
		for id, s := range t.subs {
			all = append(all, s)
			delete(t.subs, id)
		}
	}
	h.mu.Unlock()
	for _, s := range all {
		s.close()
	}
}
