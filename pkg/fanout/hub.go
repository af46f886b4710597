// Package fanout pushes job state changes to live subscribers.
//
// A Hub routes snapshots from a single goroutine (Run). Callers on any
// goroutine only submit commands to it. Each subscriber has its own buffered
// outbound queue drained by its own writer goroutine, so a slow transport
// only ever delays itself, and updates for one job leave in the order they
// were produced.
package fanout

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/3leaps/imgjobd/pkg/jobregistry"
)

// ErrUnknownJob is returned when subscribing to a job the source does not know.
var ErrUnknownJob = errors.New("unknown job")

// ErrClosed is returned once the hub has stopped.
var ErrClosed = errors.New("fanout hub closed")

// ErrSlowSubscriber is reported for a subscriber dropped on buffer overflow.
var ErrSlowSubscriber = errors.New("subscriber outbound buffer full")

// Subscriber is one live connection interested in one job.
type Subscriber interface {
	ID() string
	// Send delivers a snapshot. Any error means the subscriber is gone.
	Send(ctx context.Context, s jobregistry.Snapshot) error
}

// SnapshotSource supplies the current state sent to a new subscriber.
type SnapshotSource interface {
	Snapshot(jobID string) (jobregistry.Snapshot, bool)
}

// Config configures a Hub.
type Config struct {
	// QueueSize bounds pending commands. Producers block when it is full.
	// Default: 1024
	QueueSize int

	// SubscriberBuffer bounds snapshots waiting for one subscriber. A
	// subscriber whose buffer overflows is dropped.
	// Default: 64
	SubscriberBuffer int

	// SendTimeout bounds a single delivery.
	// Default: 5s
	SendTimeout time.Duration
}

// DefaultConfig returns the default hub configuration.
func DefaultConfig() Config {
	return Config{QueueSize: 1024, SubscriberBuffer: 64, SendTimeout: 5 * time.Second}
}

type commandKind int

const (
	cmdNotify commandKind = iota
	cmdSubscribe
	cmdUnsubscribe
	cmdRemove
	cmdForget
	cmdSync
)

type command struct {
	kind   commandKind
	jobID  string
	snap   jobregistry.Snapshot
	sub    Subscriber
	subID  string
	client *client
	reply  chan reply
}

type reply struct {
	err     error
	client  *client
	flushes []flush
}

// flush is one pending Sync marker: done closes once the client's writer
// reached it, gone if the client is dropped first.
type flush struct {
	done chan struct{}
	gone <-chan struct{}
}

// outbound is one item in a client's queue: a snapshot or a Sync marker.
type outbound struct {
	snap    jobregistry.Snapshot
	flushed chan struct{}
}

// client is a registered subscriber and its writer goroutine.
type client struct {
	jobID string
	sub   Subscriber
	send  chan outbound
	gone  chan struct{}
	// first carries the result of delivering the initial snapshot.
	first   chan error
	dropped atomic.Bool
}

// Hub fans snapshots out to subscribers.
type Hub struct {
	source SnapshotSource
	log    *zap.Logger
	cfg    Config

	queue  chan command
	done   chan struct{}
	closed atomic.Bool
	count  atomic.Int64

	// subs and last are only touched by the Run goroutine. last holds the
	// most recent snapshot seen per unfinished job, in queue order.
	subs map[string]map[string]*client
	last map[string]jobregistry.Snapshot
}

var (
	_ jobregistry.Notifier          = (*Hub)(nil)
	_ jobregistry.SubscriberCounter = (*Hub)(nil)
	_ jobregistry.Forgetter         = (*Hub)(nil)
)

// NewHub creates a hub. Run must be started before commands are processed.
func NewHub(source SnapshotSource, logger *zap.Logger, cfg Config) *Hub {
	def := DefaultConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = def.SubscriberBuffer
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		source: source,
		log:    logger,
		cfg:    cfg,
		queue:  make(chan command, cfg.QueueSize),
		done:   make(chan struct{}),
		subs:   make(map[string]map[string]*client),
		last:   make(map[string]jobregistry.Snapshot),
	}
}

// Run processes commands until ctx is cancelled or Close is called. Every
// subscriber is dropped on return.
func (h *Hub) Run(ctx context.Context) {
	defer h.dropAll()
	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-h.done:
			return
		case cmd := <-h.queue:
			h.handle(ctx, cmd)
		}
	}
}

// Close stops the hub. Pending commands are dropped.
func (h *Hub) Close() {
	if h.closed.CompareAndSwap(false, true) {
		close(h.done)
	}
}

func (h *Hub) submit(cmd command) error {
	if h.closed.Load() {
		return ErrClosed
	}
	select {
	case h.queue <- cmd:
		return nil
	case <-h.done:
		return ErrClosed
	}
}

// Notify queues a snapshot for every subscriber of s.JobID. It is safe to
// call from any goroutine.
func (h *Hub) Notify(s jobregistry.Snapshot) {
	if err := h.submit(command{kind: cmdNotify, jobID: s.JobID, snap: s}); err != nil {
		h.log.Debug("Dropping notification", zap.String("job_id", s.JobID), zap.Error(err))
	}
}

// Subscribe registers sub for jobID and sends it the job's current state
// before any later update. It returns once that first snapshot was delivered
// (or failed, in which case sub is already dropped).
func (h *Hub) Subscribe(ctx context.Context, jobID string, sub Subscriber) error {
	r, err := h.roundTrip(ctx, command{kind: cmdSubscribe, jobID: jobID, sub: sub})
	if err != nil {
		return err
	}
	select {
	case err := <-r.client.first:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unsubscribe removes a subscriber. Unknown ids are ignored.
func (h *Hub) Unsubscribe(jobID, subscriberID string) {
	_ = h.submit(command{kind: cmdUnsubscribe, jobID: jobID, subID: subscriberID})
}

// Forget drops every subscriber and the cached state of a deleted job.
func (h *Hub) Forget(jobID string) {
	_ = h.submit(command{kind: cmdForget, jobID: jobID})
}

// Sync waits until every command queued before it has been processed and
// every snapshot routed so far has left its subscriber's queue.
func (h *Hub) Sync(ctx context.Context) error {
	r, err := h.roundTrip(ctx, command{kind: cmdSync})
	if err != nil {
		return err
	}
	for _, f := range r.flushes {
		select {
		case <-f.done:
		case <-f.gone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (h *Hub) roundTrip(ctx context.Context, cmd command) (reply, error) {
	cmd.reply = make(chan reply, 1)
	if err := h.submit(cmd); err != nil {
		return reply{}, err
	}
	select {
	case r := <-cmd.reply:
		return r, r.err
	case <-ctx.Done():
		return reply{}, ctx.Err()
	case <-h.done:
		return reply{}, ErrClosed
	}
}

// Count returns the number of registered subscribers.
func (h *Hub) Count() int {
	return int(h.count.Load())
}

func (h *Hub) handle(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdNotify:
		for _, c := range h.subs[cmd.jobID] {
			h.enqueue(c, cmd.snap)
		}
		// Nothing follows a terminal snapshot, so the source is exact again.
		if cmd.snap.Status.Terminal() {
			delete(h.last, cmd.jobID)
		} else {
			h.last[cmd.jobID] = cmd.snap
		}
	case cmdSubscribe:
		current, ok := h.source.Snapshot(cmd.jobID)
		if !ok {
			delete(h.last, cmd.jobID)
			cmd.reply <- reply{err: ErrUnknownJob}
			return
		}
		// Prefer the queue-ordered snapshot so a notification still waiting
		// behind this command can never be older than what we send now.
		if snap, seen := h.last[cmd.jobID]; seen {
			current = snap
		}
		c := h.register(ctx, cmd.jobID, cmd.sub)
		h.enqueue(c, current)
		cmd.reply <- reply{client: c}
	case cmdUnsubscribe:
		if c, ok := h.subs[cmd.jobID][cmd.subID]; ok {
			h.drop(c, nil)
			h.unlink(c)
		}
	case cmdRemove:
		h.unlink(cmd.client)
	case cmdForget:
		for _, c := range h.subs[cmd.jobID] {
			h.drop(c, nil)
		}
		delete(h.subs, cmd.jobID)
		delete(h.last, cmd.jobID)
	case cmdSync:
		var flushes []flush
		for _, set := range h.subs {
			for _, c := range set {
				flushes = append(flushes, h.mark(c))
			}
		}
		cmd.reply <- reply{flushes: flushes}
	}
}

// register adds sub for jobID, replacing a subscriber with the same id.
func (h *Hub) register(ctx context.Context, jobID string, sub Subscriber) *client {
	set := h.subs[jobID]
	if set == nil {
		set = make(map[string]*client)
		h.subs[jobID] = set
	}
	if prev, ok := set[sub.ID()]; ok {
		h.drop(prev, nil)
	}
	c := &client{
		jobID: jobID,
		sub:   sub,
		send:  make(chan outbound, h.cfg.SubscriberBuffer),
		gone:  make(chan struct{}),
		first: make(chan error, 1),
	}
	set[sub.ID()] = c
	h.count.Add(1)

	go h.write(ctx, c)

	h.log.Debug("Subscriber registered",
		zap.String("job_id", jobID),
		zap.String("subscriber_id", sub.ID()))
	return c
}

// enqueue hands snap to c's writer without blocking the hub.
func (h *Hub) enqueue(c *client, snap jobregistry.Snapshot) {
	// A writer that failed is dropped before its cmdRemove is routed.
	if c.dropped.Load() {
		return
	}
	select {
	case c.send <- outbound{snap: snap}:
	default:
		h.log.Warn("Dropping slow subscriber",
			zap.String("job_id", c.jobID),
			zap.String("subscriber_id", c.sub.ID()),
			zap.Int("buffer", h.cfg.SubscriberBuffer))
		h.drop(c, ErrSlowSubscriber)
		h.unlink(c)
		if closer, ok := c.sub.(io.Closer); ok {
			go func() { _ = closer.Close() }()
		}
	}
}

// mark queues a Sync marker behind everything already routed to c.
func (h *Hub) mark(c *client) flush {
	f := flush{done: make(chan struct{}), gone: c.gone}
	m := outbound{flushed: f.done}
	select {
	case c.send <- m:
	default:
		go func() {
			select {
			case c.send <- m:
			case <-c.gone:
			}
		}()
	}
	return f
}

// write drains c's queue until c is dropped.
func (h *Hub) write(ctx context.Context, c *client) {
	first := true
	for {
		select {
		case <-c.gone:
			return
		case m := <-c.send:
			if m.flushed != nil {
				close(m.flushed)
				continue
			}
			err := h.deliver(ctx, c, m.snap)
			if err != nil {
				h.log.Debug("Dropping subscriber after failed send",
					zap.String("job_id", c.jobID),
					zap.String("subscriber_id", c.sub.ID()),
					zap.Error(err))
				h.drop(c, err)
				_ = h.submit(command{kind: cmdRemove, client: c})
			}
			if first {
				first = false
				select {
				case c.first <- err:
				default:
				}
			}
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) deliver(ctx context.Context, c *client, snap jobregistry.Snapshot) error {
	sendCtx, cancel := context.WithTimeout(ctx, h.cfg.SendTimeout)
	defer cancel()
	return c.sub.Send(sendCtx, snap)
}

// drop retires c exactly once, from any goroutine. err is reported to a
// Subscribe still waiting on the first snapshot.
func (h *Hub) drop(c *client, err error) {
	if !c.dropped.CompareAndSwap(false, true) {
		return
	}
	h.count.Add(-1)
	if err == nil {
		err = ErrClosed
	}
	select {
	case c.first <- err:
	default:
	}
	close(c.gone)
}

// unlink removes c from the routing table if it is still the registered
// client for its id. Run goroutine only.
func (h *Hub) unlink(c *client) {
	set, ok := h.subs[c.jobID]
	if !ok {
		return
	}
	if cur, ok := set[c.sub.ID()]; !ok || cur != c {
		return
	}
	delete(set, c.sub.ID())
	if len(set) == 0 {
		delete(h.subs, c.jobID)
	}
}

func (h *Hub) dropAll() {
	for jobID, set := range h.subs {
		for _, c := range set {
			h.drop(c, nil)
		}
		delete(h.subs, jobID)
	}
}
