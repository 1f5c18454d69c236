// Package queue serializes outbound radio sends. Meshtastic firmware drops
// back-to-back transmissions silently, so every mesh-bound message funnels
// through a single paced FIFO.
package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// MinDelay is the firmware-imposed lower bound on the inter-message
	// delay. Configured values below it are clamped.
	MinDelay = 2 * time.Second

	defaultCapacity = 100

	// holdPoll is how often the drainer re-checks the transport while the
	// head item is held during an outage.
	holdPoll = time.Second
)

// SendFunc transmits one message and returns the mesh packet id assigned to
// it. It is invoked only from the drainer goroutine.
type SendFunc func(ctx context.Context) (uint32, error)

// MappingInfo carries the Matrix-side identity of a message so the queue can
// persist the cross-network correlation once the radio accepts it.
type MappingInfo struct {
	MatrixEventID string
	MatrixRoomID  string
	Text          string
	Meshnet       string
}

// MapStore is the slice of the persistent store the queue needs.
type MapStore interface {
	StoreMap(meshID uint32, eventID, roomID, text, meshnet string) error
	PruneMap(keep int) error
}

// TransportState reports whether the radio link can accept a send right now.
type TransportState interface {
	IsConnected() bool
	IsReconnecting() bool
}

type item struct {
	id       string
	send     SendFunc
	desc     string
	mapping  *MappingInfo
	enqueued time.Time
}

// Queue is the bounded outbound FIFO. Enqueue is safe for concurrent use.
type Queue struct {
	items chan item
	delay time.Duration
	store MapStore
	keep  int
	log   *slog.Logger

	mu        sync.Mutex
	transport TransportState
	running   bool
	cancel    context.CancelFunc
	done      chan struct{}

	highWater   int
	mediumWater int
}

// New builds a queue with the given inter-message delay in seconds. Delays
// below the firmware minimum are clamped with a warning. The store may be nil
// when mapping persistence is not wanted.
func New(delaySeconds float64, store MapStore, msgsToKeep int, log *slog.Logger) *Queue {
	delay := time.Duration(delaySeconds * float64(time.Second))
	if delay < MinDelay {
		log.Warn("message delay below firmware minimum, clamping",
			"configured", delay, "minimum", MinDelay)
		delay = MinDelay
	}
	return newWithDelay(delay, store, msgsToKeep, log)
}

func newWithDelay(delay time.Duration, store MapStore, msgsToKeep int, log *slog.Logger) *Queue {
	return &Queue{
		items:       make(chan item, defaultCapacity),
		delay:       delay,
		store:       store,
		keep:        msgsToKeep,
		log:         log,
		highWater:   defaultCapacity * 3 / 4,
		mediumWater: defaultCapacity / 2,
	}
}

// AttachTransport hands the queue the live radio link. Until a transport is
// attached the drainer holds the head item.
func (q *Queue) AttachTransport(t TransportState) {
	q.mu.Lock()
	q.transport = t
	q.mu.Unlock()
}

// Start launches the drainer goroutine.
func (q *Queue) Start(ctx context.Context) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return
	}
	ctx, q.cancel = context.WithCancel(ctx)
	q.done = make(chan struct{})
	q.running = true
	go q.drain(ctx)
}

// Stop cancels the drainer and waits for it to exit. An item in flight is
// logged as dropped.
func (q *Queue) Stop() {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return
	}
	q.running = false
	cancel, done := q.cancel, q.done
	q.mu.Unlock()

	cancel()
	<-done
}

// Len reports the current queue depth.
func (q *Queue) Len() int {
	return len(q.items)
}

// Enqueue appends a send to the queue. It never blocks: the return value is
// false when the queue is full or not running.
func (q *Queue) Enqueue(send SendFunc, desc string, mapping *MappingInfo) bool {
	q.mu.Lock()
	running := q.running
	q.mu.Unlock()
	if !running {
		q.log.Warn("outbound queue not running, dropping message", "desc", desc)
		return false
	}

	it := item{
		id:       uuid.NewString(),
		send:     send,
		desc:     desc,
		mapping:  mapping,
		enqueued: time.Now(),
	}
	select {
	case q.items <- it:
	default:
		q.log.Error("outbound queue full, dropping message",
			"desc", desc, "capacity", cap(q.items))
		return false
	}

	depth := len(q.items)
	switch {
	case depth >= q.highWater:
		q.log.Warn("outbound queue filling up", "depth", depth, "capacity", cap(q.items))
	case depth >= q.mediumWater:
		q.log.Info("outbound queue above half capacity", "depth", depth, "capacity", cap(q.items))
	}
	return true
}

func (q *Queue) drain(ctx context.Context) {
	defer close(q.done)
	// Zero until the first send; pacing is measured from the moment the
	// previous thunk returned, not from when it started. A slow radio write
	// eats into the gap and the next send still waits out the full delay.
	var lastReturn time.Time
	for {
		var it item
		select {
		case <-ctx.Done():
			return
		case it = <-q.items:
		}

		if !q.waitSendable(ctx, it) {
			q.log.Warn("dropping in-flight queue item on shutdown",
				"id", it.id, "desc", it.desc)
			return
		}

		if !lastReturn.IsZero() {
			if wait := q.delay - time.Since(lastReturn); wait > 0 {
				select {
				case <-ctx.Done():
					q.log.Warn("dropping in-flight queue item on shutdown",
						"id", it.id, "desc", it.desc)
					return
				case <-time.After(wait):
				}
			}
		}

		meshID, err := it.send(ctx)
		lastReturn = time.Now()
		if err != nil {
			q.log.Error("queued send failed",
				"id", it.id, "desc", it.desc, "error", err,
				"queued_for", time.Since(it.enqueued).Round(time.Millisecond))
			continue
		}
		q.log.Debug("queued send delivered",
			"id", it.id, "desc", it.desc, "mesh_id", meshID, "depth", len(q.items))

		if it.mapping != nil && q.store != nil {
			m := it.mapping
			if err := q.store.StoreMap(meshID, m.MatrixEventID, m.MatrixRoomID, m.Text, m.Meshnet); err != nil {
				q.log.Error("failed to persist message mapping",
					"mesh_id", meshID, "event_id", m.MatrixEventID, "error", err)
			} else if err := q.store.PruneMap(q.keep); err != nil {
				q.log.Error("failed to prune message map", "error", err)
			}
		}
	}
}

// waitSendable holds the head item until the transport can take it. Returns
// false only when the context is cancelled.
func (q *Queue) waitSendable(ctx context.Context, it item) bool {
	logged := false
	for {
		if q.sendable() {
			return true
		}
		if !logged {
			q.log.Debug("transport not ready, holding queue head",
				"id", it.id, "desc", it.desc)
			logged = true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(holdPoll):
		}
	}
}

func (q *Queue) sendable() bool {
	q.mu.Lock()
	t := q.transport
	q.mu.Unlock()
	if t == nil {
		return false
	}
	return !t.IsReconnecting() && t.IsConnected()
}
