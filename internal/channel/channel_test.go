package channel

import (
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/Mnehmos/rooswarm/internal/errors"
	"github.com/Mnehmos/rooswarm/internal/event"
	"github.com/Mnehmos/rooswarm/internal/protocol"
)

func startServer(t *testing.T, bus *event.Bus, opts ...ServerOption) *Server {
	t.Helper()
	server := NewServer(bus, opts...)
	if err := server.Start(); err != nil {
		t.Fatalf("server Start failed: %v", err)
	}
	t.Cleanup(server.Stop)
	return server
}

func connectClient(t *testing.T, server *Server, workerID string, opts ...ClientOption) *Client {
	t.Helper()
	client := NewClient(workerID, nil, opts...)
	if err := client.Connect(server.Port()); err != nil {
		t.Fatalf("client Connect failed: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// waitUntil polls a condition with a deadline.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestServer_DynamicPortOnLoopback(t *testing.T) {
	server := startServer(t, nil)

	if server.Port() == 0 {
		t.Error("Dynamic port should resolve to a concrete port after Start")
	}
}

func TestFirstMessageBindsWorker(t *testing.T) {
	bus := event.NewBus()
	var mu sync.Mutex
	var connected []string
	bus.Subscribe("channel.worker_connected", func(e event.Event) {
		mu.Lock()
		connected = append(connected, e.(event.WorkerConnectedEvent).WorkerID)
		mu.Unlock()
	})

	server := startServer(t, bus)
	connectClient(t, server, "task-1")

	waitUntil(t, "worker binding", func() bool { return server.Connected("task-1") })

	mu.Lock()
	defer mu.Unlock()
	if len(connected) != 1 || connected[0] != "task-1" {
		t.Errorf("Expected worker_connected for task-1, got %v", connected)
	}
}

func TestClientToServer_WaitForMessage(t *testing.T) {
	server := startServer(t, nil)
	client := connectClient(t, server, "task-1")

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = client.Send(protocol.NewTaskCompleted("task-1", "task-1", "done", nil))
	}()

	msg, err := server.WaitForMessage(func(m protocol.Message) bool {
		return m.Type == protocol.MessageTaskCompleted
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForMessage failed: %v", err)
	}
	if msg.TaskID() != "task-1" {
		t.Errorf("Expected taskId task-1, got %s", msg.TaskID())
	}
}

func TestWaitForMessage_QueuedMessageReturnsImmediately(t *testing.T) {
	server := startServer(t, nil)
	client := connectClient(t, server, "task-1")

	if err := client.Send(protocol.NewTaskFailed("task-1", "task-1", "boom")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	// The connect heartbeat is queued first; wait for the failure behind it.
	waitUntil(t, "message queued", func() bool {
		return server.Pending(protocol.OrchestratorID) > 1
	})

	start := time.Now()
	msg, err := server.WaitForMessage(func(m protocol.Message) bool {
		return m.Type == protocol.MessageTaskFailed
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("WaitForMessage failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Queued message should return promptly, took %s", elapsed)
	}
	if msg.PayloadString("error") != "boom" {
		t.Errorf("Unexpected payload: %v", msg.Payload)
	}
}

func TestWaitForMessage_Timeout(t *testing.T) {
	server := startServer(t, nil)

	start := time.Now()
	_, err := server.WaitForMessage(func(protocol.Message) bool { return false }, 60*time.Millisecond)
	if !errors.Is(err, errors.ErrTimeout) {
		t.Fatalf("Expected ErrTimeout, got %v", err)
	}
	if elapsed := time.Since(start); elapsed < 60*time.Millisecond {
		t.Errorf("Timeout fired early after %s", elapsed)
	}
}

func TestCorrelatedResponseSkipsQueue(t *testing.T) {
	server := startServer(t, nil)
	client := connectClient(t, server, "task-1")

	req := protocol.New(protocol.MessageEscalation, protocol.OrchestratorID, "task-1", map[string]any{"taskId": "task-1"})

	done := make(chan protocol.Message, 1)
	go func() {
		msg, err := server.WaitForCorrelated(req.ID, 2*time.Second)
		if err == nil {
			done <- msg
		}
	}()

	// The heartbeat sent by Connect is queued for the orchestrator.
	waitUntil(t, "connect heartbeat queued", func() bool {
		return server.Pending(protocol.OrchestratorID) == 1
	})

	// Give the waiter time to register, then respond.
	time.Sleep(20 * time.Millisecond)
	reply := protocol.NewReply(req, protocol.MessageTaskCompleted, map[string]any{"taskId": "task-1"})
	reply.From = "task-1"
	reply.To = protocol.OrchestratorID
	if err := client.Send(reply); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case msg := <-done:
		if msg.CorrelationID != req.ID {
			t.Errorf("Expected correlation %s, got %s", req.ID, msg.CorrelationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Correlated wait never resolved")
	}

	// The consumed response must not linger in the queue; only the connect
	// heartbeat remains.
	if got := server.Pending(protocol.OrchestratorID); got != 1 {
		t.Errorf("Correlated messages must not be enqueued, queue depth %d", got)
	}
}

func TestServerSend_ToWorker(t *testing.T) {
	server := startServer(t, nil)
	client := connectClient(t, server, "task-1")

	waitUntil(t, "worker binding", func() bool { return server.Connected("task-1") })

	assignment := protocol.NewTaskAssignment("task-1", "task-1", "do it", "/worker-1", "")
	if err := server.Send("task-1", assignment); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msg, err := client.WaitForMessage(func(m protocol.Message) bool {
		return m.Type == protocol.MessageTaskAssignment
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("client WaitForMessage failed: %v", err)
	}
	if msg.PayloadString("instructions") != "do it" {
		t.Errorf("Unexpected instructions: %v", msg.Payload)
	}
}

func TestServerSend_UnboundWithoutSinkFails(t *testing.T) {
	bus := event.NewBus()
	var remoteEvents int
	var mu sync.Mutex
	bus.Subscribe("channel.remote_message", func(e event.Event) {
		mu.Lock()
		remoteEvents++
		mu.Unlock()
	})

	server := startServer(t, bus)

	err := server.Send("ghost", protocol.NewHeartbeat(protocol.OrchestratorID, "ghost"))
	if !errors.Is(err, errors.ErrSendFailure) {
		t.Fatalf("Expected ErrSendFailure, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if remoteEvents != 1 {
		t.Errorf("Failed local send should emit remote-message, got %d events", remoteEvents)
	}
}

func TestServerSend_FallsBackToRemoteSink(t *testing.T) {
	var mu sync.Mutex
	var sunk []protocol.Message
	sink := RemoteSinkFunc(func(msg protocol.Message) error {
		mu.Lock()
		sunk = append(sunk, msg)
		mu.Unlock()
		return nil
	})

	server := startServer(t, nil, WithRemoteSink(sink))

	if err := server.Send("offline", protocol.NewHeartbeat(protocol.OrchestratorID, "offline")); err != nil {
		t.Fatalf("Send with sink should succeed, got %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(sunk) != 1 || sunk[0].To != "offline" {
		t.Errorf("Expected message handed to sink, got %v", sunk)
	}
}

func TestServerSend_MarkedRemoteSkipsLocal(t *testing.T) {
	var mu sync.Mutex
	var sunk int
	sink := RemoteSinkFunc(func(msg protocol.Message) error {
		mu.Lock()
		sunk++
		mu.Unlock()
		return nil
	})

	server := startServer(t, nil, WithRemoteSink(sink))
	client := connectClient(t, server, "task-1")
	waitUntil(t, "worker binding", func() bool { return server.Connected("task-1") })

	server.MarkRemote("task-1")
	if err := server.Send("task-1", protocol.NewHeartbeat(protocol.OrchestratorID, "task-1")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if sunk != 1 {
		t.Errorf("Declared-remote destination should route to sink, got %d", sunk)
	}

	// The bound socket must not have received it.
	if _, err := client.WaitForMessage(func(protocol.Message) bool { return true }, 80*time.Millisecond); err == nil {
		t.Error("Local socket should not receive remote-routed messages")
	}
}

func TestServer_RelaysWorkerToWorker(t *testing.T) {
	server := startServer(t, nil)
	alice := connectClient(t, server, "alice")
	bob := connectClient(t, server, "bob")
	waitUntil(t, "both workers bound", func() bool {
		return server.Connected("alice") && server.Connected("bob")
	})

	req := protocol.NewReviewRequest("alice", "bob", "rv-1", "task-1", []string{"a.go"}, "please review")
	if err := alice.Send(req); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	msg, err := bob.WaitForMessage(func(m protocol.Message) bool {
		return m.Type == protocol.MessageReviewRequest
	}, 2*time.Second)
	if err != nil {
		t.Fatalf("bob never received the relayed request: %v", err)
	}
	if msg.PayloadString("reviewId") != "rv-1" {
		t.Errorf("Unexpected relayed payload: %v", msg.Payload)
	}
}

func TestBroadcast(t *testing.T) {
	server := startServer(t, nil)
	a := connectClient(t, server, "a")
	b := connectClient(t, server, "b")
	waitUntil(t, "workers bound", func() bool {
		return server.Connected("a") && server.Connected("b")
	})

	server.Broadcast(protocol.NewHeartbeat(protocol.OrchestratorID, "broadcast"))

	for _, client := range []*Client{a, b} {
		if _, err := client.WaitForMessage(func(m protocol.Message) bool {
			return m.Type == protocol.MessageHeartbeat
		}, 2*time.Second); err != nil {
			t.Errorf("client %s missed the broadcast: %v", client.ID(), err)
		}
	}
}

func TestInbox_OverflowDropsOldest(t *testing.T) {
	box := newInbox(3)

	for i := 0; i < 4; i++ {
		msg := protocol.New(protocol.MessageHeartbeat, "w", protocol.OrchestratorID, map[string]any{"n": i})
		box.offer(msg)
	}

	if got := box.pending(protocol.OrchestratorID); got != 3 {
		t.Fatalf("Expected queue capped at 3, got %d", got)
	}

	// The oldest (n=0) was shed; the head is now n=1.
	msg, err := box.wait(func(protocol.Message) bool { return true }, time.Second)
	if err != nil {
		t.Fatalf("wait failed: %v", err)
	}
	if n, _ := msg.Payload["n"].(int); n != 1 {
		t.Errorf("Expected head n=1 after overflow, got %v", msg.Payload["n"])
	}
}

func TestInbox_DisposeRejectsWaiters(t *testing.T) {
	box := newInbox(10)

	errCh := make(chan error, 1)
	go func() {
		_, err := box.wait(func(protocol.Message) bool { return true }, 5*time.Second)
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	box.dispose()

	select {
	case err := <-errCh:
		if !errors.Is(err, errors.ErrDisposed) {
			t.Errorf("Expected ErrDisposed, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Disposed waiter never resolved")
	}
}

func TestClient_ReconnectFailedAfterExhaustion(t *testing.T) {
	bus := event.NewBus()
	reconnectFailed := make(chan event.ReconnectFailedEvent, 1)
	bus.Subscribe("channel.reconnect_failed", func(e event.Event) {
		select {
		case reconnectFailed <- e.(event.ReconnectFailedEvent):
		default:
		}
	})

	server := startServer(t, nil)
	client := NewClient("task-1", bus,
		WithReconnectDelay(5*time.Millisecond),
		WithMaxReconnectAttempts(2))
	if err := client.Connect(server.Port()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(client.Close)

	// Kill the server so every reconnection attempt fails.
	server.Stop()

	select {
	case ev := <-reconnectFailed:
		if ev.Attempts != 2 {
			t.Errorf("Expected 2 attempts, got %d", ev.Attempts)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("reconnect_failed was never emitted")
	}
}

func TestHeartbeatThroughput(t *testing.T) {
	server := startServer(t, nil)
	client := connectClient(t, server, "task-1")

	const count = 100
	type sample struct {
		seq     int
		latency time.Duration
	}

	results := make(chan sample, count)
	go func() {
		for i := 0; i < count; i++ {
			seq := i
			sent := time.Now()
			msg := protocol.New(protocol.MessageHeartbeat, "task-1", protocol.OrchestratorID, map[string]any{"seq": seq})
			if err := client.Send(msg); err != nil {
				return
			}
			received, err := server.WaitForMessage(func(m protocol.Message) bool {
				n, ok := m.Payload["seq"].(float64)
				return ok && int(n) == seq
			}, 2*time.Second)
			if err != nil {
				return
			}
			_ = received
			results <- sample{seq: seq, latency: time.Since(sent)}
		}
		close(results)
	}()

	var latencies []time.Duration
	for s := range results {
		latencies = append(latencies, s.latency)
	}

	if len(latencies) != count {
		t.Fatalf("Expected all %d heartbeats received, got %d", count, len(latencies))
	}

	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p95 := latencies[len(latencies)*95/100]
	if p95 > 200*time.Millisecond {
		t.Errorf("p95 latency %s exceeds the 200ms target", p95)
	}
}

func TestServerStop_Idempotent(t *testing.T) {
	server := startServer(t, nil)
	connectClient(t, server, "task-1")
	waitUntil(t, "worker binding", func() bool { return server.Connected("task-1") })

	server.Stop()
	server.Stop()

	if server.Connected("task-1") {
		t.Error("Stop should drop all connections")
	}
}

func TestServer_ObserversSeeAllInbound(t *testing.T) {
	server := startServer(t, nil)
	alice := connectClient(t, server, "alice")
	bob := connectClient(t, server, "bob")
	waitUntil(t, "workers bound", func() bool {
		return server.Connected("alice") && server.Connected("bob")
	})

	var mu sync.Mutex
	var seen []protocol.MessageType
	unsubscribe := server.Subscribe(func(m protocol.Message) {
		mu.Lock()
		seen = append(seen, m.Type)
		mu.Unlock()
	})
	defer unsubscribe()

	// A relayed worker-to-worker message still reaches observers.
	_ = alice.Send(protocol.NewReviewRequest("alice", "bob", "rv-1", "t", nil, "d"))
	_ = bob.Send(protocol.NewTaskCompleted("bob", "t2", "", nil))

	waitUntil(t, "observer deliveries", func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) >= 2
	})
}

func TestClient_LastSeenTracking(t *testing.T) {
	server := startServer(t, nil)
	connectClient(t, server, "task-1")

	waitUntil(t, "liveness recorded", func() bool {
		_, ok := server.LastSeen("task-1")
		return ok
	})

	if _, ok := server.LastSeen("ghost"); ok {
		t.Error("Unknown workers should have no liveness record")
	}
}
