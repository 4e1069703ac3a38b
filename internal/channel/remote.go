package channel

import (
	"time"

	"github.com/sony/gobreaker"

	"github.com/Mnehmos/rooswarm/internal/logging"
	"github.com/Mnehmos/rooswarm/internal/protocol"
)

// RemoteSink is the fallback transport for workers that are not reachable
// locally. The core does not specify the remote transport; the embedding
// host injects an implementation (cloud relay, queue, etc.).
type RemoteSink interface {
	Send(msg protocol.Message) error
}

// RemoteSinkFunc adapts a function to the RemoteSink interface.
type RemoteSinkFunc func(msg protocol.Message) error

// Send implements RemoteSink.
func (f RemoteSinkFunc) Send(msg protocol.Message) error { return f(msg) }

// remoteGateway wraps the injected sink in a circuit breaker so a failing
// remote transport trips open instead of stalling every send that falls
// back to it.
type remoteGateway struct {
	sink    RemoteSink
	breaker *gobreaker.CircuitBreaker
	log     *logging.Logger
}

// newRemoteGateway builds the breaker-wrapped gateway. A nil sink yields a
// nil gateway; callers treat that as "no remote transport available".
func newRemoteGateway(sink RemoteSink, log *logging.Logger) *remoteGateway {
	if sink == nil {
		return nil
	}
	return &remoteGateway{
		sink: sink,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "remote-sink",
			Timeout: 15 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 3
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				log.Warn("remote sink breaker state change",
					"from", from.String(), "to", to.String())
			},
		}),
		log: log,
	}
}

// send hands the message to the sink through the breaker.
func (g *remoteGateway) send(msg protocol.Message) error {
	_, err := g.breaker.Execute(func() (any, error) {
		return nil, g.sink.Send(msg)
	})
	if err != nil {
		g.log.Warn("remote handoff failed", "message_id", msg.ID, "to", msg.To, "error", err)
	}
	return err
}
