package flasher

import (
	"time"

	"go.uber.org/zap"
)

// Default limits
const (
	DefaultResponseTimeout  = 5 * time.Second
	DefaultHandshakeRetries = 1
	DefaultCommandRetries   = 5
	DefaultTransferRetries  = 3
)

// ProgressCallback is called to report flash progress.
type ProgressCallback func(current, total int)

// Config holds the flasher configuration.
type Config struct {
	// Logger receives protocol events (optional)
	Logger *zap.Logger

	// Progress is called after every acknowledged image chunk (optional)
	Progress ProgressCallback

	// ResponseTimeout bounds each wait for a device reply
	ResponseTimeout time.Duration

	// HandshakeRetries limits attempts for the get version handshake
	HandshakeRetries int

	// CommandRetries limits attempts for erase and jump acknowledgment
	CommandRetries int

	// TransferRetries limits attempts per flash program packet
	TransferRetries int
}

func defaultConfig() Config {
	return Config{
		ResponseTimeout:  DefaultResponseTimeout,
		HandshakeRetries: DefaultHandshakeRetries,
		CommandRetries:   DefaultCommandRetries,
		TransferRetries:  DefaultTransferRetries,
	}
}

// Option is a functional option for configuring the Flasher.
type Option func(*Config)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(c *Config) {
		c.Logger = log
	}
}

// WithProgressCallback sets the progress callback.
func WithProgressCallback(cb ProgressCallback) Option {
	return func(c *Config) {
		c.Progress = cb
	}
}

// WithResponseTimeout sets the wait for each device reply.
func WithResponseTimeout(timeout time.Duration) Option {
	return func(c *Config) {
		if timeout > 0 {
			c.ResponseTimeout = timeout
		}
	}
}

// WithRetries sets the attempt limits. Values below 1 keep the default.
func WithRetries(handshake, command, transfer int) Option {
	return func(c *Config) {
		if handshake > 0 {
			c.HandshakeRetries = handshake
		}
		if command > 0 {
			c.CommandRetries = command
		}
		if transfer > 0 {
			c.TransferRetries = transfer
		}
	}
}
