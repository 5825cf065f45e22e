package flasher

import (
	"context"
	"encoding/hex"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/bigbag/ota-flasher/internal/protocol"
	"github.com/bigbag/ota-flasher/internal/session"
	"github.com/bigbag/ota-flasher/internal/transport"
)

// Flasher drives the bootloader command sequences over a transport port.
// Sequences are serialized: a sequence holds the session until it returns.
type Flasher struct {
	port    transport.Port
	session *session.Session
	config  Config
	log     *zap.Logger
}

// New creates a Flasher for the given port and registers its receive callback.
func New(port transport.Port, opts ...Option) *Flasher {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}

	f := &Flasher{
		port:    port,
		session: session.New(log.Named("session")),
		config:  cfg,
		log:     log.Named("flasher"),
	}
	port.OnDeliver(f.session.Deliver)
	return f
}

// SetProgressCallback sets the progress callback function.
func (f *Flasher) SetProgressCallback(cb ProgressCallback) {
	f.config.Progress = cb
}

// reportProgress calls the progress callback if set.
func (f *Flasher) reportProgress(current, total int) {
	if f.config.Progress != nil {
		f.config.Progress(current, total)
	}
}

// GetVersion reads the version of the application stored on the device.
func (f *Flasher) GetVersion(ctx context.Context) (protocol.Version, error) {
	packet, err := protocol.Encode(protocol.CmdGetVersion, nil)
	if err != nil {
		return protocol.Version{}, err
	}

	req := f.session.Begin()
	defer req.End()

	if err := f.sendPacket(ctx, packet, "get version command"); err != nil {
		return protocol.Version{}, err
	}
	if err := f.attempt(ctx, req, f.config.HandshakeRetries, f.requestAck); err != nil {
		return protocol.Version{}, fmt.Errorf("get version not acknowledged: %w", err)
	}

	req.Reset()
	if err := f.sendControl(ctx, protocol.CtrlRequestVersion); err != nil {
		return protocol.Version{}, err
	}

	resp, err := req.AwaitKind(ctx, protocol.VersionReport, f.config.ResponseTimeout)
	if err != nil {
		return protocol.Version{}, fmt.Errorf("waiting for version: %w", err)
	}

	f.log.Info("version received", zap.Stringer("version", resp.Version))
	return resp.Version, nil
}

// Erase erases the sectors selected by spec.
func (f *Flasher) Erase(ctx context.Context, spec protocol.EraseSpec) error {
	packet, err := protocol.Encode(protocol.CmdEraseFlash, spec.Payload())
	if err != nil {
		return err
	}

	if err := f.command(ctx, packet, "erase flash command"); err != nil {
		return fmt.Errorf("erase (%s) failed: %w", spec, err)
	}

	f.log.Info("erase acknowledged", zap.Stringer("spec", spec))
	return nil
}

// Jump directs the bootloader to leave for application code.
func (f *Flasher) Jump(ctx context.Context, spec protocol.JumpSpec) error {
	spec = spec.Normalize()
	packet, err := protocol.Encode(protocol.CmdJumpToAddress, spec.Payload())
	if err != nil {
		return err
	}

	if err := f.command(ctx, packet, "jump to address command"); err != nil {
		return fmt.Errorf("jump to %s failed: %w", spec, err)
	}

	f.log.Info("jump acknowledged", zap.Stringer("target", spec))
	return nil
}

// Program sends the flash program header followed by the image in chunks.
// Every packet must be acknowledged before the next one is sent; the first
// packet that exhausts its retries aborts the sequence.
func (f *Flasher) Program(ctx context.Context, header protocol.FlashProgramHeader, image []byte) error {
	if len(image) == 0 {
		return ErrEmptyImage
	}
	if uint64(len(image)) > math.MaxUint32 {
		return ErrImageTooLong
	}
	if header.ImageSize != uint32(len(image)) {
		return fmt.Errorf("%w: header %d, image %d", ErrImageSize, header.ImageSize, len(image))
	}

	packets, err := programPackets(header, image)
	if err != nil {
		return err
	}
	total := len(packets) - 1

	req := f.session.Begin()
	defer req.End()

	f.log.Info("flash program started",
		zap.Stringer("version", header.Version),
		zap.String("address", fmt.Sprintf("0x%08X", header.StartAddress)),
		zap.Int("size", len(image)),
		zap.Int("chunks", total))

	for i, packet := range packets {
		desc := "flash program header"
		if i > 0 {
			desc = fmt.Sprintf("chunk %d/%d", i, total)
		}

		err := f.attempt(ctx, req, f.config.TransferRetries, func(ctx context.Context) error {
			if err := f.sendPacket(ctx, packet, desc); err != nil {
				return err
			}
			return f.requestAck(ctx)
		})
		if err != nil {
			return &TransferError{Index: i, Total: total, Err: err}
		}

		if i > 0 {
			f.reportProgress(i, total)
		}
	}

	f.log.Info("flash program completed", zap.Int("chunks", total))
	return nil
}

// programPackets encodes the header and every chunk up front so that a
// retry resends identical bytes.
func programPackets(header protocol.FlashProgramHeader, image []byte) ([]protocol.Packet, error) {
	chunks := protocol.Chunks(image, protocol.ChunkSize)
	packets := make([]protocol.Packet, 0, len(chunks)+1)

	headerPacket, err := protocol.Encode(protocol.CmdFlashProgram, header.Payload())
	if err != nil {
		return nil, err
	}
	packets = append(packets, headerPacket)

	for i, chunk := range chunks {
		packet, err := protocol.EncodeChunk(chunk)
		if err != nil {
			return nil, fmt.Errorf("chunk %d: %w", i+1, err)
		}
		packets = append(packets, packet)
	}
	return packets, nil
}

// command sends a framed command once and polls for its acknowledgment.
func (f *Flasher) command(ctx context.Context, packet protocol.Packet, desc string) error {
	req := f.session.Begin()
	defer req.End()

	if err := f.sendPacket(ctx, packet, desc); err != nil {
		return err
	}
	return f.attempt(ctx, req, f.config.CommandRetries, f.requestAck)
}

// requestAck polls the device for the ack or nack of the last packet.
func (f *Flasher) requestAck(ctx context.Context) error {
	return f.sendControl(ctx, protocol.CtrlRequestAck)
}

func (f *Flasher) sendPacket(ctx context.Context, packet protocol.Packet, desc string) error {
	f.log.Debug("sending",
		zap.String("what", desc),
		zap.Int("length", len(packet)),
		zap.String("packet", hex.EncodeToString(packet)))

	if err := f.port.Send(ctx, packet); err != nil {
		return fmt.Errorf("failed to send %s: %w", desc, err)
	}
	return nil
}

func (f *Flasher) sendControl(ctx context.Context, b byte) error {
	f.log.Debug("sending control", zap.String("what", protocol.ControlName(b)))

	if err := f.port.Send(ctx, []byte{b}); err != nil {
		return fmt.Errorf("failed to send %s: %w", protocol.ControlName(b), err)
	}
	return nil
}
