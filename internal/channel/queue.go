package channel

import (
	"sync"
	"time"

	"github.com/Mnehmos/rooswarm/internal/errors"
	"github.com/Mnehmos/rooswarm/internal/protocol"
)

// DefaultMaxQueueSize caps each destination's FIFO queue.
const DefaultMaxQueueSize = 1000

// DefaultMessageTimeout is applied when a wait is requested without an
// explicit timeout.
const DefaultMessageTimeout = 5 * time.Second

// Filter selects messages for a waiter.
type Filter func(protocol.Message) bool

// queued pairs a message with its global arrival sequence so waits scan
// across destinations in arrival order.
type queued struct {
	msg protocol.Message
	seq uint64
}

// waiter is one outstanding WaitForMessage call.
type waiter struct {
	filter Filter
	ch     chan protocol.Message
}

// inbox is the shared queue-and-wait machinery used by both endpoint
// roles. Messages matching a pending waiter are delivered directly and
// never enqueued; everything else lands in its destination's bounded FIFO
// where overflow drops the oldest entry.
type inbox struct {
	mu       sync.Mutex
	queues   map[string][]queued
	waiters  []*waiter
	seq      uint64
	maxQueue int
	disposed bool
}

// newInbox creates an inbox with the given per-destination cap.
func newInbox(maxQueue int) *inbox {
	if maxQueue <= 0 {
		maxQueue = DefaultMaxQueueSize
	}
	return &inbox{
		queues:   make(map[string][]queued),
		maxQueue: maxQueue,
	}
}

// offer routes an inbound message. A message whose correlation ID or
// content matches a pending waiter resolves that waiter and is not
// enqueued. Returns true when the message was consumed by a waiter.
func (b *inbox) offer(msg protocol.Message) bool {
	b.mu.Lock()

	if b.disposed {
		b.mu.Unlock()
		return false
	}

	for i, w := range b.waiters {
		if w.filter(msg) {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			b.mu.Unlock()
			w.ch <- msg
			return true
		}
	}

	b.seq++
	entry := queued{msg: msg, seq: b.seq}
	q := append(b.queues[msg.To], entry)
	if len(q) > b.maxQueue {
		// Overflow is diagnostic of a stuck consumer; shed from the head.
		q = q[1:]
	}
	b.queues[msg.To] = q
	b.mu.Unlock()
	return false
}

// wait returns the earliest queued message matching the filter, or blocks
// until one arrives or the timeout expires. A non-positive timeout uses
// the default.
func (b *inbox) wait(filter Filter, timeout time.Duration) (protocol.Message, error) {
	if timeout <= 0 {
		timeout = DefaultMessageTimeout
	}

	b.mu.Lock()
	if b.disposed {
		b.mu.Unlock()
		return protocol.Message{}, errors.NewChannelError("channel disposed", errors.ErrDisposed)
	}

	// Scan queued messages across destinations in arrival order.
	if msg, ok := b.takeQueued(filter); ok {
		b.mu.Unlock()
		return msg, nil
	}

	w := &waiter{filter: filter, ch: make(chan protocol.Message, 1)}
	b.waiters = append(b.waiters, w)
	b.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg, ok := <-w.ch:
		if !ok {
			return protocol.Message{}, errors.NewChannelError("channel disposed", errors.ErrDisposed)
		}
		return msg, nil
	case <-timer.C:
		b.removeWaiter(w)
		// A message may have raced the timer; prefer it.
		select {
		case msg, ok := <-w.ch:
			if ok {
				return msg, nil
			}
		default:
		}
		return protocol.Message{}, errors.NewChannelError("no matching message", errors.ErrTimeout)
	}
}

// takeQueued removes and returns the earliest queued message matching the
// filter. Caller must hold the mutex.
func (b *inbox) takeQueued(filter Filter) (protocol.Message, bool) {
	bestSeq := uint64(0)
	bestDest := ""
	bestIdx := -1

	for dest, q := range b.queues {
		for i, entry := range q {
			if !filter(entry.msg) {
				continue
			}
			if bestIdx < 0 || entry.seq < bestSeq {
				bestSeq, bestDest, bestIdx = entry.seq, dest, i
			}
			break // entries are FIFO per destination; first match is earliest
		}
	}

	if bestIdx < 0 {
		return protocol.Message{}, false
	}

	q := b.queues[bestDest]
	msg := q[bestIdx].msg
	b.queues[bestDest] = append(q[:bestIdx], q[bestIdx+1:]...)
	return msg, true
}

// removeWaiter unregisters a waiter after timeout.
func (b *inbox) removeWaiter(target *waiter) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, w := range b.waiters {
		if w == target {
			b.waiters = append(b.waiters[:i], b.waiters[i+1:]...)
			return
		}
	}
}

// pending returns the queue depth for a destination.
func (b *inbox) pending(dest string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queues[dest])
}

// dispose rejects all waiters with ErrDisposed and drops queued messages.
func (b *inbox) dispose() {
	b.mu.Lock()
	waiters := b.waiters
	b.waiters = nil
	b.queues = make(map[string][]queued)
	b.disposed = true
	b.mu.Unlock()

	for _, w := range waiters {
		close(w.ch)
	}
}
