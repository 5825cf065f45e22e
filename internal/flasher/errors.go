package flasher

import (
	"errors"
	"fmt"

	"github.com/bigbag/ota-flasher/internal/session"
)

// Exchange outcomes. NegativeAcknowledged, ResponseTimeout and
// UnrecognizedResponse are retried; RetriesExhausted ends the sequence.
var (
	ErrNegativeAcknowledged = errors.New("device rejected the packet")
	ErrResponseTimeout      = session.ErrTimeout
	ErrUnrecognizedResponse = errors.New("unrecognized response")
	ErrRetriesExhausted     = errors.New("retries exhausted")
)

// Input errors
var (
	ErrEmptyImage   = errors.New("firmware image is empty")
	ErrImageSize    = errors.New("header image size does not match image")
	ErrImageTooLong = errors.New("firmware image exceeds 4 GiB")
)

// RetriesExhaustedError reports an exchange that never got an ack.
// It matches both ErrRetriesExhausted and the cause of the last attempt.
type RetriesExhaustedError struct {
	Attempts int
	Last     error
}

func (e *RetriesExhaustedError) Error() string {
	return fmt.Sprintf("no ack after %d attempt(s): %v", e.Attempts, e.Last)
}

func (e *RetriesExhaustedError) Unwrap() []error {
	return []error{ErrRetriesExhausted, e.Last}
}

// TransferError reports the packet that aborted a flash program sequence.
// Index 0 is the header; chunks are numbered from 1.
type TransferError struct {
	Index int
	Total int
	Err   error
}

func (e *TransferError) Error() string {
	if e.Index == 0 {
		return fmt.Sprintf("flash program header failed: %v", e.Err)
	}
	return fmt.Sprintf("flash program chunk %d/%d failed: %v", e.Index, e.Total, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}
