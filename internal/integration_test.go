// Package internal contains integration tests that verify the components
// work together: event bus wiring, channel delivery, and the review
// protocol end to end over real loopback sockets.
package internal

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Mnehmos/rooswarm/internal/channel"
	"github.com/Mnehmos/rooswarm/internal/event"
	"github.com/Mnehmos/rooswarm/internal/protocol"
	"github.com/Mnehmos/rooswarm/internal/review"
	"github.com/Mnehmos/rooswarm/internal/workerpool"
)

// connectedSession is a session whose channel endpoint is live: the
// factory dials the server and waits for the identity binding, the way a
// real worker backend announces itself before accepting work.
type connectedSession struct {
	client    *channel.Client
	events    chan workerpool.SessionEvent
	closeOnce sync.Once
}

func (s *connectedSession) Events() <-chan workerpool.SessionEvent { return s.events }

func (s *connectedSession) Abort() {
	s.closeOnce.Do(func() {
		s.client.Close()
		close(s.events)
	})
}

// connectingFactory spawns connectedSessions and remembers their clients
// by worker ID.
type connectingFactory struct {
	server *channel.Server

	mu      sync.Mutex
	clients map[string]*channel.Client
}

func newConnectingFactory(server *channel.Server) *connectingFactory {
	return &connectingFactory{
		server:  server,
		clients: make(map[string]*channel.Client),
	}
}

func (f *connectingFactory) Create(ctx context.Context, opts workerpool.SessionOptions) (workerpool.Session, error) {
	client := channel.NewClient(opts.WorkerID, nil)
	if err := client.Connect(f.server.Port()); err != nil {
		return nil, err
	}

	for !f.server.Connected(opts.WorkerID) {
		select {
		case <-ctx.Done():
			client.Close()
			return nil, ctx.Err()
		case <-time.After(5 * time.Millisecond):
		}
	}

	f.mu.Lock()
	f.clients[opts.WorkerID] = client
	f.mu.Unlock()

	return &connectedSession{
		client: client,
		events: make(chan workerpool.SessionEvent),
	}, nil
}

func (f *connectingFactory) client(workerID string) *channel.Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.clients[workerID]
}

// TestReviewRoundTripOverChannel drives the full review protocol: worker W
// requests a review of task T, the spawned reviewer receives the
// review-request over its own socket and replies review-approved, and the
// pending wait resolves with the reviewer's feedback.
func TestReviewRoundTripOverChannel(t *testing.T) {
	bus := event.NewBus()

	server := channel.NewServer(bus)
	if err := server.Start(); err != nil {
		t.Fatalf("server Start failed: %v", err)
	}
	defer server.Stop()

	factory := newConnectingFactory(server)
	pool, err := workerpool.New(factory)
	if err != nil {
		t.Fatalf("pool construction failed: %v", err)
	}
	defer pool.Cleanup()

	coordinator, err := review.NewCoordinator(pool, server)
	if err != nil {
		t.Fatalf("coordinator construction failed: %v", err)
	}
	defer coordinator.Close()

	// Worker W connects to the channel.
	worker := channel.NewClient("worker-W", bus)
	if err := worker.Connect(server.Port()); err != nil {
		t.Fatalf("worker Connect failed: %v", err)
	}
	defer worker.Close()

	// Request the review; this spawns a reviewer whose channel endpoint
	// is live by the time the request message is sent.
	receipt, err := coordinator.RequestReview(context.Background(), review.Request{
		TaskID:       "task-T",
		WorkerID:     "worker-W",
		FilesChanged: []string{"auth.go"},
		Description:  "rework token validation",
	})
	if err != nil {
		t.Fatalf("RequestReview failed: %v", err)
	}

	reviewerClient := factory.client(receipt.ReviewerID)
	if reviewerClient == nil {
		t.Fatalf("no channel client for reviewer %s", receipt.ReviewerID)
	}

	request, err := reviewerClient.WaitForMessage(func(m protocol.Message) bool {
		return m.Type == protocol.MessageReviewRequest
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("review request never arrived at the reviewer: %v", err)
	}
	if request.PayloadString("reviewId") != receipt.ReviewID {
		t.Errorf("Expected review ID %s, got %s", receipt.ReviewID, request.PayloadString("reviewId"))
	}
	if request.From != "worker-W" {
		t.Errorf("Request should carry the requesting worker, got %s", request.From)
	}

	// Wait for approval in the background, then send the verdict.
	type outcome struct {
		decision review.Decision
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		d, err := coordinator.WaitForApproval("task-T", 5*time.Second)
		done <- outcome{d, err}
	}()

	time.Sleep(20 * time.Millisecond)
	approval := protocol.NewReply(request, protocol.MessageReviewApproved,
		map[string]any{"taskId": "task-T", "feedback": "ok"})
	if err := reviewerClient.Send(approval); err != nil {
		t.Fatalf("reviewer Send failed: %v", err)
	}

	select {
	case result := <-done:
		if result.err != nil {
			t.Fatalf("WaitForApproval failed: %v", result.err)
		}
		if !result.decision.Approved {
			t.Error("Expected approval")
		}
		if result.decision.ReviewerID != receipt.ReviewerID {
			t.Errorf("Expected reviewer %s, got %s", receipt.ReviewerID, result.decision.ReviewerID)
		}
		if result.decision.Feedback != "ok" {
			t.Errorf("Expected feedback ok, got %q", result.decision.Feedback)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Review round trip never completed")
	}
}

// TestEventBusIntegration verifies cross-component event flow: channel
// connectivity events from both endpoints arrive at one bus.
func TestEventBusIntegration(t *testing.T) {
	bus := event.NewBus()

	var mu sync.Mutex
	seen := make(map[string]int)
	bus.SubscribeAll(func(e event.Event) {
		mu.Lock()
		seen[e.EventType()]++
		mu.Unlock()
	})

	server := channel.NewServer(bus)
	if err := server.Start(); err != nil {
		t.Fatalf("server Start failed: %v", err)
	}
	defer server.Stop()

	client := channel.NewClient("task-1", bus)
	if err := client.Connect(server.Port()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		connected := seen["channel.worker_connected"] > 0 && seen["channel.connected"] > 0
		mu.Unlock()
		if connected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("connectivity events never arrived on the bus")
}
