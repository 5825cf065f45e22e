package serial

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/bigbag/ota-flasher/internal/slip"
)

// Link carries bootloader messages over a byte stream, one SLIP frame per
// message, so message boundaries survive the UART.
type Link struct {
	rw  io.ReadWriteCloser
	log *zap.Logger

	wmu sync.Mutex

	mu      sync.RWMutex
	deliver func([]byte)

	done chan struct{}
}

// Dial opens portName and starts a Link on it.
func Dial(portName string, baudRate int, log *zap.Logger) (*Link, error) {
	port, err := Open(portName, baudRate)
	if err != nil {
		return nil, err
	}
	l := NewLink(port, log)
	l.log.Info("port opened", zap.String("port", port.PortName()), zap.Int("baud", port.BaudRate()))
	return l, nil
}

// NewLink starts receiving frames from rw.
func NewLink(rw io.ReadWriteCloser, log *zap.Logger) *Link {
	if log == nil {
		log = zap.NewNop()
	}
	l := &Link{
		rw:   rw,
		log:  log.Named("serial"),
		done: make(chan struct{}),
	}
	go l.readLoop()
	return l
}

// Send writes data as one SLIP frame.
func (l *Link) Send(ctx context.Context, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	l.wmu.Lock()
	defer l.wmu.Unlock()

	if _, err := l.rw.Write(slip.Encode(data)); err != nil {
		return fmt.Errorf("serial write: %w", err)
	}
	return nil
}

// OnDeliver registers the inbound message callback.
func (l *Link) OnDeliver(fn func([]byte)) {
	l.mu.Lock()
	l.deliver = fn
	l.mu.Unlock()
}

// Close closes the underlying stream and waits for the receive loop to stop.
func (l *Link) Close() error {
	err := l.rw.Close()
	<-l.done
	return err
}

func (l *Link) readLoop() {
	defer close(l.done)

	buf := make([]byte, 256)
	frames := slip.NewReader(slip.DefaultMaxFrame)

	for {
		n, err := l.rw.Read(buf)
		if n > 0 {
			for _, msg := range frames.Feed(buf[:n]) {
				l.dispatch(msg)
			}
		}
		if err != nil {
			if err != io.EOF {
				l.log.Debug("receive loop stopped", zap.Error(err), zap.Int("dropped", frames.Dropped()))
			}
			return
		}
	}
}

func (l *Link) dispatch(msg []byte) {
	l.mu.RLock()
	fn := l.deliver
	l.mu.RUnlock()

	if fn == nil {
		l.log.Debug("no receiver registered, dropping frame", zap.String("data", hex.EncodeToString(msg)))
		return
	}
	fn(msg)
}
