package channel

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/Mnehmos/rooswarm/internal/errors"
	"github.com/Mnehmos/rooswarm/internal/event"
	"github.com/Mnehmos/rooswarm/internal/logging"
	"github.com/Mnehmos/rooswarm/internal/protocol"
)

// maxLineBytes bounds a single wire frame.
const maxLineBytes = 4 * 1024 * 1024

// serverConn wraps one accepted connection with a write guard.
type serverConn struct {
	conn    net.Conn
	writeMu sync.Mutex
}

// write frames and sends one message on the connection.
func (c *serverConn) write(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_, err = c.conn.Write(data)
	return err
}

// Server is the orchestrator endpoint of the message channel. It binds a
// loopback TCP port, maps worker identities to sockets on first contact,
// relays worker-to-worker traffic, and queues unconsumed messages.
type Server struct {
	mu          sync.Mutex
	listener    net.Listener
	port        int
	conns       map[string]*serverConn // bound: workerID -> connection
	remoteDests map[string]struct{}
	lastSeen    map[string]time.Time
	observers   map[int]func(protocol.Message)
	nextObs     int
	stopped     bool

	inbox        *inbox
	bus          *event.Bus
	log          *logging.Logger
	remote       *remoteGateway
	remoteSink   RemoteSink
	enableRemote bool
	msgTimeout   time.Duration
	maxQueue     int

	wg sync.WaitGroup
}

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithPort sets the listen port. Zero picks a dynamic port.
func WithPort(port int) ServerOption {
	return func(s *Server) { s.port = port }
}

// WithMaxQueueSize caps each destination's FIFO queue.
func WithMaxQueueSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxQueue = n
		}
	}
}

// WithMessageTimeout sets the default WaitForMessage timeout.
func WithMessageTimeout(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.msgTimeout = d
		}
	}
}

// WithRemoteSink injects the fallback transport for unreachable workers.
func WithRemoteSink(sink RemoteSink) ServerOption {
	return func(s *Server) { s.remoteSink = sink }
}

// WithRemoteFallback toggles handing failed sends to the remote sink.
// Default true.
func WithRemoteFallback(enabled bool) ServerOption {
	return func(s *Server) { s.enableRemote = enabled }
}

// WithServerLogger sets the server's logger.
func WithServerLogger(log *logging.Logger) ServerOption {
	return func(s *Server) {
		if log != nil {
			s.log = log.WithComponent("channel")
		}
	}
}

// NewServer creates a Server publishing connectivity events on bus.
func NewServer(bus *event.Bus, opts ...ServerOption) *Server {
	s := &Server{
		conns:        make(map[string]*serverConn),
		remoteDests:  make(map[string]struct{}),
		lastSeen:     make(map[string]time.Time),
		observers:    make(map[int]func(protocol.Message)),
		bus:          bus,
		log:          logging.NopLogger(),
		enableRemote: true,
		msgTimeout:   DefaultMessageTimeout,
		maxQueue:     DefaultMaxQueueSize,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.inbox = newInbox(s.maxQueue)
	s.remote = newRemoteGateway(s.remoteSink, s.log)
	return s
}

// Start binds the loopback listener and begins accepting connections.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.port))
	if err != nil {
		return errors.NewChannelError("listen failed", err)
	}

	s.mu.Lock()
	s.listener = listener
	s.port = listener.Addr().(*net.TCPAddr).Port
	s.mu.Unlock()

	s.log.Info("channel listening", "port", s.port)

	s.wg.Add(1)
	go s.acceptLoop(listener)
	return nil
}

// Port returns the bound port. Valid after Start.
func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// acceptLoop accepts connections until the listener closes.
func (s *Server) acceptLoop(listener net.Listener) {
	defer s.wg.Done()

	for {
		conn, err := listener.Accept()
		if err != nil {
			s.mu.Lock()
			stopped := s.stopped
			s.mu.Unlock()
			if !stopped {
				s.publish(event.NewChannelErrorEvent(err.Error()))
			}
			return
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

// handleConn buffers inbound bytes, splits on newlines, and routes each
// parsed message. The first message from a connection binds its "from"
// identity to the socket.
func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	sc := &serverConn{conn: conn}
	var boundID string

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	scanner.Split(protocol.SplitLines)

	for scanner.Scan() {
		msg, err := protocol.Decode(scanner.Bytes())
		if err != nil {
			s.log.Warn("dropping unparseable frame", "error", err)
			continue
		}

		if boundID == "" && msg.From != "" {
			boundID = msg.From
			s.bind(boundID, sc, conn.RemoteAddr().String())
		}

		s.touch(msg.From)
		s.route(msg)
	}

	_ = conn.Close()
	if boundID != "" {
		s.unbind(boundID, sc)
	}
}

// bind registers a worker's connection.
func (s *Server) bind(workerID string, sc *serverConn, remoteAddr string) {
	s.mu.Lock()
	s.conns[workerID] = sc
	s.mu.Unlock()

	s.log.Info("worker connected", "worker_id", workerID, "addr", remoteAddr)
	s.publish(event.NewWorkerConnectedEvent(workerID, remoteAddr))
}

// unbind removes a worker's connection if it is still current.
func (s *Server) unbind(workerID string, sc *serverConn) {
	s.mu.Lock()
	current, ok := s.conns[workerID]
	if ok && current == sc {
		delete(s.conns, workerID)
	} else {
		ok = false
	}
	stopped := s.stopped
	s.mu.Unlock()

	if ok && !stopped {
		s.log.Info("worker disconnected", "worker_id", workerID)
		s.publish(event.NewWorkerDisconnectedEvent(workerID))
	}
}

// touch records liveness for the sending worker.
func (s *Server) touch(workerID string) {
	if workerID == "" {
		return
	}
	s.mu.Lock()
	s.lastSeen[workerID] = time.Now()
	s.mu.Unlock()
}

// route dispatches one inbound message: observers see every message,
// worker-to-worker traffic is relayed when the destination is bound, and
// everything else goes through the waiter/queue machinery.
func (s *Server) route(msg protocol.Message) {
	for _, observe := range s.observerSnapshot() {
		observe(msg)
	}

	if msg.To != protocol.OrchestratorID && msg.To != "" {
		s.mu.Lock()
		sc, bound := s.conns[msg.To]
		s.mu.Unlock()

		if bound {
			if err := sc.write(msg); err == nil {
				s.publish(event.NewMessageReceivedEvent(msg.ID, string(msg.Type), msg.From, msg.To))
				return
			}
			s.log.Warn("relay failed, queueing", "to", msg.To, "message_id", msg.ID)
		}
	}

	consumed := s.inbox.offer(msg)
	if !consumed {
		s.publish(event.NewMessageReceivedEvent(msg.ID, string(msg.Type), msg.From, msg.To))
	}
}

// Send delivers a message to the named worker. Destinations declared
// remote skip local delivery. A failed local send emits a remote-message
// event and, when fallback is enabled and a sink is injected, hands the
// message off; otherwise it fails with ErrSendFailure (ErrNotConnected
// when the worker was never bound).
func (s *Server) Send(workerID string, msg protocol.Message) error {
	s.mu.Lock()
	_, isRemote := s.remoteDests[workerID]
	sc, bound := s.conns[workerID]
	s.mu.Unlock()

	if isRemote {
		return s.sendRemote(msg)
	}

	if !bound {
		return s.fallback(msg, errors.NewChannelError("worker not bound", errors.ErrNotConnected).
			WithDestination(workerID))
	}

	if err := sc.write(msg); err != nil {
		return s.fallback(msg, errors.NewChannelError("write failed", err).WithDestination(workerID))
	}
	return nil
}

// fallback emits the remote-message event and attempts the sink handoff.
func (s *Server) fallback(msg protocol.Message, cause error) error {
	s.publish(event.NewRemoteMessageEvent(msg.ID, string(msg.Type), msg.To))

	if s.enableRemote && s.remote != nil {
		if err := s.remote.send(msg); err == nil {
			return nil
		}
	}
	return errors.NewChannelError("local send failed with no remote handoff",
		errors.Join(errors.ErrSendFailure, cause)).WithDestination(msg.To)
}

// sendRemote routes a declared-remote destination straight to the sink.
func (s *Server) sendRemote(msg protocol.Message) error {
	s.publish(event.NewRemoteMessageEvent(msg.ID, string(msg.Type), msg.To))
	if s.remote == nil {
		return errors.NewChannelError("destination is remote but no sink is configured",
			errors.ErrSendFailure).WithDestination(msg.To)
	}
	return s.remote.send(msg)
}

// Broadcast writes the message to every bound connection. Per-connection
// failures are logged, not returned.
func (s *Server) Broadcast(msg protocol.Message) {
	s.mu.Lock()
	conns := make(map[string]*serverConn, len(s.conns))
	for id, sc := range s.conns {
		conns[id] = sc
	}
	s.mu.Unlock()

	for id, sc := range conns {
		if err := sc.write(msg); err != nil {
			s.log.Warn("broadcast write failed", "worker_id", id, "error", err)
		}
	}
}

// WaitForMessage returns the first queued or future inbound message
// matching the filter, or fails with ErrTimeout. A message consumed by a
// waiter is never enqueued.
func (s *Server) WaitForMessage(filter Filter, timeout time.Duration) (protocol.Message, error) {
	if timeout <= 0 {
		timeout = s.msgTimeout
	}
	return s.inbox.wait(filter, timeout)
}

// WaitForCorrelated waits for the response correlated with the given
// request ID.
func (s *Server) WaitForCorrelated(correlationID string, timeout time.Duration) (protocol.Message, error) {
	return s.WaitForMessage(func(m protocol.Message) bool {
		return m.CorrelationID == correlationID
	}, timeout)
}

// Subscribe registers an observer invoked for every inbound message.
// Returns an unsubscribe function.
func (s *Server) Subscribe(observe func(protocol.Message)) func() {
	s.mu.Lock()
	id := s.nextObs
	s.nextObs++
	s.observers[id] = observe
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.observers, id)
		s.mu.Unlock()
	}
}

// observerSnapshot copies the observer list for dispatch outside the lock.
func (s *Server) observerSnapshot() []func(protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	observers := make([]func(protocol.Message), 0, len(s.observers))
	for _, o := range s.observers {
		observers = append(observers, o)
	}
	return observers
}

// MarkRemote declares a destination remote so sends skip local delivery.
// Only the caller decides this; the server never marks destinations
// remote on its own.
func (s *Server) MarkRemote(workerID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remoteDests[workerID] = struct{}{}
}

// Connected reports whether the worker currently has a bound connection.
func (s *Server) Connected(workerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.conns[workerID]
	return ok
}

// LastSeen returns when the worker last sent any message.
func (s *Server) LastSeen(workerID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts, ok := s.lastSeen[workerID]
	return ts, ok
}

// Pending returns the queue depth for a destination. Used by tests and
// diagnostics.
func (s *Server) Pending(dest string) int {
	return s.inbox.pending(dest)
}

// Stop destroys all sockets, closes the listener, and rejects outstanding
// waiters with a disposed error. It is idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	listener := s.listener
	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	s.conns = make(map[string]*serverConn)
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	for _, sc := range conns {
		_ = sc.conn.Close()
	}

	s.inbox.dispose()
	s.wg.Wait()
}

// publish sends an event if a bus is attached.
func (s *Server) publish(e event.Event) {
	if s.bus != nil {
		s.bus.Publish(e)
	}
}
