package cmd

import (
	"context"
	"sync"
	"time"

	"github.com/Mnehmos/rooswarm/internal/channel"
	"github.com/Mnehmos/rooswarm/internal/event"
	"github.com/Mnehmos/rooswarm/internal/protocol"
	"github.com/Mnehmos/rooswarm/internal/workerpool"
)

// simulatedFactory creates loopback workers: each one connects to the
// message channel as a real client, waits for its task-assignment, and
// reports success. Used by `run --simulate` to exercise the full dispatch
// path without a real agent backend.
type simulatedFactory struct {
	server     *channel.Server
	bus        *event.Bus
	clientOpts []channel.ClientOption
}

func newSimulatedFactory(server *channel.Server, bus *event.Bus, opts ...channel.ClientOption) *simulatedFactory {
	return &simulatedFactory{server: server, bus: bus, clientOpts: opts}
}

// Create implements workerpool.SessionFactory. It returns once the server
// has bound the worker's identity, so the task assignment that follows a
// successful spawn always has a socket to land on.
func (f *simulatedFactory) Create(ctx context.Context, opts workerpool.SessionOptions) (workerpool.Session, error) {
	s := &simulatedSession{
		events: make(chan workerpool.SessionEvent, 4),
	}

	client := channel.NewClient(opts.WorkerID, f.bus, f.clientOpts...)
	if err := client.Connect(f.server.Port()); err != nil {
		return nil, err
	}
	s.client = client

	for !f.server.Connected(opts.WorkerID) {
		select {
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}

	go s.run()
	return s, nil
}

// simulatedSession acknowledges one task assignment, then idles.
type simulatedSession struct {
	client *channel.Client
	mu     sync.Mutex
	events chan workerpool.SessionEvent
	closed bool
}

// Events implements workerpool.Session.
func (s *simulatedSession) Events() <-chan workerpool.SessionEvent { return s.events }

// Abort implements workerpool.Session.
func (s *simulatedSession) Abort() {
	s.mu.Lock()
	if !s.closed {
		s.closed = true
		close(s.events)
	}
	s.mu.Unlock()
	s.client.Close()
}

// Dispose implements workerpool.Disposer.
func (s *simulatedSession) Dispose() error {
	s.Abort()
	return nil
}

// run waits for the assignment and reports completion.
func (s *simulatedSession) run() {
	assignment, err := s.client.WaitForMessage(func(m protocol.Message) bool {
		return m.Type == protocol.MessageTaskAssignment
	}, 30*time.Second)
	if err != nil {
		return
	}

	s.emit(workerpool.SessionEvent{Kind: workerpool.SessionStarted})

	// Pretend to do the work.
	time.Sleep(10 * time.Millisecond)

	_ = s.client.Send(protocol.NewTaskCompleted(
		s.client.ID(), assignment.TaskID(), "simulated", nil))
	s.emit(workerpool.SessionEvent{Kind: workerpool.SessionCompleted})
}

// emit pushes a lifecycle event unless the session is already closed.
// The events channel is buffered beyond the two events a simulated run
// produces, so the send never blocks under the lock.
func (s *simulatedSession) emit(ev workerpool.SessionEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.events <- ev
	}
}
