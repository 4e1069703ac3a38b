package channel

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/Mnehmos/rooswarm/internal/errors"
	"github.com/Mnehmos/rooswarm/internal/event"
	"github.com/Mnehmos/rooswarm/internal/logging"
	"github.com/Mnehmos/rooswarm/internal/protocol"
)

// Client reconnection defaults.
const (
	DefaultReconnectDelay       = time.Second
	DefaultMaxReconnectAttempts = 5
)

// Client is a worker endpoint of the message channel. It frames outbound
// messages, queues inbound ones, and reconnects with exponential backoff
// when the socket drops.
type Client struct {
	id string

	mu      sync.Mutex
	conn    net.Conn
	port    int
	stopped bool

	inbox          *inbox
	bus            *event.Bus
	log            *logging.Logger
	reconnectDelay time.Duration
	maxReconnects  int
	msgTimeout     time.Duration
	stopCh         chan struct{}

	wg sync.WaitGroup
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithReconnectDelay sets the base reconnection delay. The n-th attempt
// waits delay x 2^(n-1).
func WithReconnectDelay(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

// WithMaxReconnectAttempts caps reconnection attempts before the client
// surfaces reconnect-failed.
func WithMaxReconnectAttempts(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxReconnects = n
		}
	}
}

// WithClientMessageTimeout sets the default WaitForMessage timeout.
func WithClientMessageTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		if d > 0 {
			c.msgTimeout = d
		}
	}
}

// WithClientQueueSize caps the client's inbound queue.
func WithClientQueueSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.inbox = newInbox(n)
		}
	}
}

// WithClientLogger sets the client's logger.
func WithClientLogger(log *logging.Logger) ClientOption {
	return func(c *Client) {
		if log != nil {
			c.log = log.WithComponent("channel-client")
		}
	}
}

// NewClient creates a Client identifying itself as workerID.
func NewClient(workerID string, bus *event.Bus, opts ...ClientOption) *Client {
	c := &Client{
		id:             workerID,
		inbox:          newInbox(DefaultMaxQueueSize),
		bus:            bus,
		log:            logging.NopLogger(),
		reconnectDelay: DefaultReconnectDelay,
		maxReconnects:  DefaultMaxReconnectAttempts,
		msgTimeout:     DefaultMessageTimeout,
		stopCh:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ID returns the client's worker identity.
func (c *Client) ID() string { return c.id }

// Connect establishes the socket to the server's loopback port and starts
// the read loop. The first message sent binds this client's identity
// server-side; Connect sends a heartbeat immediately so binding does not
// wait for application traffic.
func (c *Client) Connect(port int) error {
	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return errors.NewChannelError("connect failed", err)
	}

	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		_ = conn.Close()
		return errors.NewChannelError("client closed", errors.ErrDisposed)
	}
	c.conn = conn
	c.port = port
	c.mu.Unlock()

	c.wg.Add(1)
	go c.readLoop(conn)

	c.publish(event.NewClientConnectedEvent(port))

	if err := c.Send(protocol.NewHeartbeat(c.id, protocol.OrchestratorID)); err != nil {
		return err
	}
	return nil
}

// Send frames and writes one message. The from field defaults to the
// client's identity when unset.
func (c *Client) Send(msg protocol.Message) error {
	if msg.From == "" {
		msg.From = c.id
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn == nil {
		return errors.NewChannelError("not connected", errors.ErrNotConnected)
	}
	if _, err := c.conn.Write(data); err != nil {
		return errors.NewChannelError("write failed", errors.Join(errors.ErrSendFailure, err))
	}
	return nil
}

// WaitForMessage returns the first queued or future inbound message
// matching the filter, or fails with ErrTimeout.
func (c *Client) WaitForMessage(filter Filter, timeout time.Duration) (protocol.Message, error) {
	if timeout <= 0 {
		timeout = c.msgTimeout
	}
	return c.inbox.wait(filter, timeout)
}

// Request sends a message and waits for the response carrying its
// correlation ID.
func (c *Client) Request(msg protocol.Message, timeout time.Duration) (protocol.Message, error) {
	if err := c.Send(msg); err != nil {
		return protocol.Message{}, err
	}
	return c.WaitForMessage(func(m protocol.Message) bool {
		return m.CorrelationID == msg.ID
	}, timeout)
}

// StartHeartbeat begins sending periodic heartbeats to the orchestrator.
func (c *Client) StartHeartbeat(interval time.Duration) {
	if interval <= 0 {
		return
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				if err := c.Send(protocol.NewHeartbeat(c.id, protocol.OrchestratorID)); err != nil {
					c.log.Debug("heartbeat send failed", "error", err)
				}
			}
		}
	}()
}

// readLoop consumes inbound frames until the socket drops, then attempts
// reconnection.
func (c *Client) readLoop(conn net.Conn) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
	scanner.Split(protocol.SplitLines)

	for scanner.Scan() {
		msg, err := protocol.Decode(scanner.Bytes())
		if err != nil {
			c.log.Warn("dropping unparseable frame", "error", err)
			continue
		}
		c.inbox.offer(msg)
	}

	_ = conn.Close()

	c.mu.Lock()
	if c.conn == conn {
		c.conn = nil
	}
	stopped := c.stopped
	c.mu.Unlock()

	if stopped {
		return
	}

	c.publish(event.NewClientDisconnectedEvent())
	c.reconnect()
}

// reconnect retries the connection with exponential backoff:
// delay = reconnectDelay x 2^(attempt-1), up to maxReconnects attempts,
// after which reconnect-failed is surfaced.
func (c *Client) reconnect() {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.reconnectDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxInterval = 5 * time.Minute
	bo.MaxElapsedTime = 0 // attempts, not elapsed time, bound the retries
	bo.Reset()

	for attempt := 1; attempt <= c.maxReconnects; attempt++ {
		select {
		case <-c.stopCh:
			return
		case <-time.After(bo.NextBackOff()):
		}

		c.mu.Lock()
		port := c.port
		c.mu.Unlock()

		c.log.Info("reconnecting", "attempt", attempt, "port", port)
		if err := c.Connect(port); err == nil {
			return
		}
	}

	c.log.Warn("reconnect attempts exhausted", "attempts", c.maxReconnects)
	c.publish(event.NewReconnectFailedEvent(c.maxReconnects))
}

// Close stops the client, closes the socket, and rejects outstanding
// waiters with a disposed error. It is idempotent.
func (c *Client) Close() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	close(c.stopCh)
	if conn != nil {
		_ = conn.Close()
	}
	c.inbox.dispose()
	c.wg.Wait()
}

// publish sends an event if a bus is attached.
func (c *Client) publish(e event.Event) {
	if c.bus != nil {
		c.bus.Publish(e)
	}
}
