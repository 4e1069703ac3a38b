// Package channel delivers typed messages between the orchestrator (one
// server endpoint) and its workers (many client endpoints) over
// newline-delimited JSON on loopback TCP.
//
// The server binds worker identities to sockets on first contact, relays
// worker-to-worker traffic, correlates request/response pairs, and queues
// unconsumed messages per destination with a bounded FIFO. Clients
// reconnect with exponential backoff. When a local send fails, or a
// destination has been declared remote, messages are handed to an
// injected remote sink behind a circuit breaker.
package channel
