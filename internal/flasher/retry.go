package flasher

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/bigbag/ota-flasher/internal/protocol"
	"github.com/bigbag/ota-flasher/internal/session"
)

// attempt runs send and waits once per attempt for a reply, up to
// maxRetries attempts. Any reply other than an ack advances to the next
// attempt. Transport and context errors end the loop immediately.
func (f *Flasher) attempt(ctx context.Context, req *session.Request, maxRetries int, send func(context.Context) error) error {
	var last error

	for n := 1; n <= maxRetries; n++ {
		req.Reset()
		if err := send(ctx); err != nil {
			return err
		}

		resp, err := req.Await(ctx, f.config.ResponseTimeout)
		switch {
		case errors.Is(err, session.ErrTimeout):
			last = ErrResponseTimeout
		case err != nil:
			return err
		case resp.Kind == protocol.Acknowledge:
			return nil
		case resp.Kind == protocol.NegativeAcknowledge:
			last = ErrNegativeAcknowledged
		default:
			last = fmt.Errorf("%w: %s", ErrUnrecognizedResponse, resp)
		}

		f.log.Warn("attempt failed",
			zap.Int("attempt", n),
			zap.Int("max", maxRetries),
			zap.Error(last))
	}

	return &RetriesExhaustedError{Attempts: maxRetries, Last: last}
}
