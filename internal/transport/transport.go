// Package transport defines the message boundary between the protocol
// engine and the link that carries bytes to the device bridge.
package transport

import (
	"context"
	"time"
)

// DefaultPacketDelay is the pause imposed after every send.
const DefaultPacketDelay = 500 * time.Millisecond

// Port is a message-oriented link to the device.
type Port interface {
	// Send publishes one message. It does not wait for a reply.
	Send(ctx context.Context, data []byte) error
	// OnDeliver registers the callback for inbound messages. The callback
	// runs on the transport's own goroutine.
	OnDeliver(fn func([]byte))
}

// Paced wraps port so that every successful send is followed by delay.
func Paced(port Port, delay time.Duration) Port {
	if delay <= 0 {
		return port
	}
	return &pacedPort{Port: port, delay: delay}
}

type pacedPort struct {
	Port
	delay time.Duration
}

func (p *pacedPort) Send(ctx context.Context, data []byte) error {
	if err := p.Port.Send(ctx, data); err != nil {
		return err
	}

	timer := time.NewTimer(p.delay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
