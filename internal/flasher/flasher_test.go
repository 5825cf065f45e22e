package flasher

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bigbag/ota-flasher/internal/protocol"
)

const testTimeout = 30 * time.Millisecond

var (
	ack          = []byte{protocol.RespAck}
	nack         = []byte{protocol.RespNack}
	unrecognized = []byte{0x42, 0x42}
)

// fakeDevice answers ack polls from a script and version polls with a fixed triple.
type fakeDevice struct {
	mu      sync.Mutex
	sent    [][]byte
	deliver func([]byte)

	polls   int
	script  [][]byte // reply per ack poll; nil entries stay silent
	silent  bool     // stay silent once the script is used up
	version []byte
	sendErr error
}

func (d *fakeDevice) Send(_ context.Context, data []byte) error {
	d.mu.Lock()
	d.sent = append(d.sent, append([]byte(nil), data...))
	if d.sendErr != nil {
		d.mu.Unlock()
		return d.sendErr
	}

	var reply []byte
	if len(data) == 1 {
		switch data[0] {
		case protocol.CtrlRequestAck:
			if d.polls < len(d.script) {
				reply = d.script[d.polls]
			} else if !d.silent {
				reply = ack
			}
			d.polls++
		case protocol.CtrlRequestVersion:
			reply = d.version
		}
	}
	deliver := d.deliver
	d.mu.Unlock()

	if reply != nil {
		deliver(reply)
	}
	return nil
}

func (d *fakeDevice) OnDeliver(fn func([]byte)) {
	d.mu.Lock()
	d.deliver = fn
	d.mu.Unlock()
}

func (d *fakeDevice) Sent() [][]byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent
}

func (d *fakeDevice) count(b byte) int {
	n := 0
	for _, s := range d.Sent() {
		if len(s) == 1 && s[0] == b {
			n++
		}
	}
	return n
}

func newTestFlasher(d *fakeDevice, opts ...Option) *Flasher {
	opts = append([]Option{WithResponseTimeout(testTimeout), WithLogger(zap.NewNop())}, opts...)
	return New(d, opts...)
}

func TestAttempt_Scenarios(t *testing.T) {
	tests := []struct {
		name       string
		replies    [][]byte
		maxRetries int
		wantErr    error
		wantSends  int
	}{
		{"ack on first attempt", [][]byte{ack}, 5, nil, 1},
		{"nack then ack", [][]byte{nack, ack}, 5, nil, 2},
		{"unrecognized then ack", [][]byte{unrecognized, ack}, 5, nil, 2},
		{"version report then ack", [][]byte{{1, 2, 3}, ack}, 5, nil, 2},
		{"no response", nil, 3, ErrResponseTimeout, 3},
		{"single attempt nack", [][]byte{nack}, 1, ErrNegativeAcknowledged, 1},
		{"always unrecognized", [][]byte{unrecognized, unrecognized}, 2, ErrUnrecognizedResponse, 2},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			d := &fakeDevice{}
			f := newTestFlasher(d)

			req := f.session.Begin()
			defer req.End()

			sends := 0
			err := f.attempt(context.Background(), req, tc.maxRetries, func(context.Context) error {
				if sends < len(tc.replies) {
					d.deliver(tc.replies[sends])
				}
				sends++
				return nil
			})

			assert.Equal(t, tc.wantSends, sends)
			if tc.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrRetriesExhausted)
			assert.ErrorIs(t, err, tc.wantErr)

			var exhausted *RetriesExhaustedError
			require.ErrorAs(t, err, &exhausted)
			assert.Equal(t, tc.maxRetries, exhausted.Attempts)
		})
	}
}

func TestAttempt_SendErrorIsTerminal(t *testing.T) {
	f := newTestFlasher(&fakeDevice{})
	req := f.session.Begin()
	defer req.End()

	boom := errors.New("broker gone")
	sends := 0
	err := f.attempt(context.Background(), req, 5, func(context.Context) error {
		sends++
		return boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, sends)
}

func TestAttempt_ContextCancelled(t *testing.T) {
	f := newTestFlasher(&fakeDevice{}, WithResponseTimeout(time.Second))
	req := f.session.Begin()
	defer req.End()

	ctx, cancel := context.WithCancel(context.Background())
	err := f.attempt(ctx, req, 5, func(context.Context) error {
		cancel()
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestAttempt_StaleReplyIsCleared(t *testing.T) {
	d := &fakeDevice{}
	f := newTestFlasher(d)
	req := f.session.Begin()
	defer req.End()

	d.deliver(ack)

	err := f.attempt(context.Background(), req, 1, func(context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrResponseTimeout)
}

func TestGetVersion(t *testing.T) {
	d := &fakeDevice{version: []byte{1, 4, 2}}
	f := newTestFlasher(d)

	v, err := f.GetVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, protocol.Version{Major: 1, Minor: 4, Patch: 2}, v)

	packet, err := protocol.Encode(protocol.CmdGetVersion, nil)
	require.NoError(t, err)

	sent := d.Sent()
	require.Len(t, sent, 3)
	assert.Equal(t, []byte(packet), sent[0])
	assert.Equal(t, []byte{protocol.CtrlRequestAck}, sent[1])
	assert.Equal(t, []byte{protocol.CtrlRequestVersion}, sent[2])
}

func TestGetVersion_HandshakeHasNoRetry(t *testing.T) {
	d := &fakeDevice{script: [][]byte{nack}, version: []byte{1, 0, 0}}
	f := newTestFlasher(d)

	_, err := f.GetVersion(context.Background())
	assert.ErrorIs(t, err, ErrNegativeAcknowledged)
	assert.Equal(t, 1, d.count(protocol.CtrlRequestAck))
	assert.Equal(t, 0, d.count(protocol.CtrlRequestVersion))
}

func TestGetVersion_Timeout(t *testing.T) {
	d := &fakeDevice{}
	f := newTestFlasher(d)

	_, err := f.GetVersion(context.Background())
	assert.ErrorIs(t, err, ErrResponseTimeout)
	assert.Equal(t, 1, d.count(protocol.CtrlRequestVersion))
}

func TestErase_MassErase(t *testing.T) {
	d := &fakeDevice{}
	f := newTestFlasher(d)

	require.NoError(t, f.Erase(context.Background(), protocol.MassErase()))

	sent := d.Sent()
	require.Len(t, sent, 2)
	assert.Equal(t, []byte{0x03, 0x01, 0xFF, 0xFF}, sent[0][:4])
	assert.Len(t, sent[0], 8)
	assert.Equal(t, []byte{protocol.CtrlRequestAck}, sent[1])
}

func TestErase_RetriesUntilAck(t *testing.T) {
	d := &fakeDevice{script: [][]byte{nack, nil, unrecognized}}
	f := newTestFlasher(d)

	require.NoError(t, f.Erase(context.Background(), protocol.EraseSpec{StartSector: 1, SectorCount: 2}))
	assert.Equal(t, 4, d.count(protocol.CtrlRequestAck))
	assert.Equal(t, []byte{0x03, 0x01, 0x01, 0x02}, d.Sent()[0][:4])
}

func TestErase_RetriesExhausted(t *testing.T) {
	d := &fakeDevice{silent: true}
	f := newTestFlasher(d)

	err := f.Erase(context.Background(), protocol.MassErase())
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, DefaultCommandRetries, d.count(protocol.CtrlRequestAck))
}

func TestJump_ToApplication(t *testing.T) {
	d := &fakeDevice{}
	f := newTestFlasher(d)

	require.NoError(t, f.Jump(context.Background(), protocol.NewJumpToApplication(false)))

	packet := d.Sent()[0]
	assert.Equal(t, byte(6), packet[0])
	assert.Equal(t, byte(protocol.CmdJumpToAddress), packet[1])
	assert.Equal(t, []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}, packet[2:7])
	assert.Equal(t, protocol.Checksum(packet[:7]), protocol.Packet(packet).Checksum())
}

func TestJump_SpecificAddressForcesBootApplication(t *testing.T) {
	d := &fakeDevice{}
	f := newTestFlasher(d)

	spec := protocol.JumpSpec{TargetAddress: 0x0800C000, PersistChoice: protocol.BootBootloader}
	require.NoError(t, f.Jump(context.Background(), spec))

	assert.Equal(t, []byte{0x08, 0x00, 0xC0, 0x00, protocol.BootApplication}, d.Sent()[0][2:7])
}

func TestJump_RetryLimitIsConfigurable(t *testing.T) {
	d := &fakeDevice{silent: true}
	f := newTestFlasher(d, WithRetries(0, 2, 0))

	err := f.Jump(context.Background(), protocol.NewJumpToApplication(true))
	assert.ErrorIs(t, err, ErrRetriesExhausted)
	assert.Equal(t, 2, d.count(protocol.CtrlRequestAck))
}

func testImage(n int) []byte {
	image := make([]byte, n)
	for i := range image {
		image[i] = byte(i * 31)
	}
	return image
}

func testHeader(image []byte) protocol.FlashProgramHeader {
	return protocol.FlashProgramHeader{
		Version:      protocol.Version{Major: 2, Minor: 0, Patch: 1},
		StartAddress: protocol.ApplicationAddress,
		ImageSize:    uint32(len(image)),
	}
}

func TestProgram_StreamsChunksInOrder(t *testing.T) {
	image := testImage(600)
	d := &fakeDevice{}

	var progress [][2]int
	f := newTestFlasher(d, WithProgressCallback(func(current, total int) {
		progress = append(progress, [2]int{current, total})
	}))

	require.NoError(t, f.Program(context.Background(), testHeader(image), image))

	sent := d.Sent()
	require.Len(t, sent, 8)

	header, err := protocol.Encode(protocol.CmdFlashProgram, testHeader(image).Payload())
	require.NoError(t, err)
	assert.Equal(t, []byte(header), sent[0])

	var rebuilt []byte
	for i, chunk := range protocol.Chunks(image, protocol.ChunkSize) {
		want, err := protocol.EncodeChunk(chunk)
		require.NoError(t, err)
		got := sent[2+2*i]
		assert.Equal(t, []byte(want), got, "chunk %d", i+1)
		rebuilt = append(rebuilt, got[1:len(got)-protocol.ChecksumSize]...)
	}
	assert.True(t, bytes.Equal(image, rebuilt))

	for i := 1; i < len(sent); i += 2 {
		assert.Equal(t, []byte{protocol.CtrlRequestAck}, sent[i])
	}
	assert.Equal(t, [][2]int{{1, 3}, {2, 3}, {3, 3}}, progress)
}

func TestProgram_NackResendsSamePacket(t *testing.T) {
	image := testImage(300)
	// header ack, chunk 1 nack then ack, chunk 2 ack
	d := &fakeDevice{script: [][]byte{ack, nack, ack, ack}}
	f := newTestFlasher(d)

	require.NoError(t, f.Program(context.Background(), testHeader(image), image))

	sent := d.Sent()
	require.Len(t, sent, 8)
	assert.Equal(t, sent[2], sent[4], "retry must resend identical bytes")
	assert.Equal(t, image[:protocol.ChunkSize], sent[2][1:1+protocol.ChunkSize])
	assert.Equal(t, image[protocol.ChunkSize:], sent[6][1:len(sent[6])-protocol.ChecksumSize])
}

func TestProgram_AbortsOnExhaustedChunk(t *testing.T) {
	image := testImage(600)
	d := &fakeDevice{script: [][]byte{ack}, silent: true}
	f := newTestFlasher(d)

	err := f.Program(context.Background(), testHeader(image), image)
	require.Error(t, err)

	var transferErr *TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, 1, transferErr.Index)
	assert.Equal(t, 3, transferErr.Total)
	assert.ErrorIs(t, err, ErrRetriesExhausted)

	// header + 3 attempts of chunk 1, each followed by an ack poll
	assert.Len(t, d.Sent(), 2+2*DefaultTransferRetries)
	assert.Equal(t, 1+DefaultTransferRetries, d.count(protocol.CtrlRequestAck))
}

func TestProgram_HeaderRejected(t *testing.T) {
	image := testImage(10)
	d := &fakeDevice{script: [][]byte{nack, nack, nack}}
	f := newTestFlasher(d)

	err := f.Program(context.Background(), testHeader(image), image)

	var transferErr *TransferError
	require.ErrorAs(t, err, &transferErr)
	assert.Equal(t, 0, transferErr.Index)
	assert.ErrorIs(t, err, ErrNegativeAcknowledged)
	assert.Contains(t, err.Error(), "header")
}

func TestProgram_InvalidInput(t *testing.T) {
	f := newTestFlasher(&fakeDevice{})

	err := f.Program(context.Background(), testHeader(nil), nil)
	assert.ErrorIs(t, err, ErrEmptyImage)

	image := testImage(10)
	header := testHeader(image)
	header.ImageSize = 11
	err = f.Program(context.Background(), header, image)
	assert.ErrorIs(t, err, ErrImageSize)
}

func TestFlasher_SequencesAreSerialized(t *testing.T) {
	d := &fakeDevice{version: []byte{1, 0, 0}}
	f := newTestFlasher(d)

	var wg sync.WaitGroup
	errs := make(chan error, 4)
	for i := 0; i < 2; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			errs <- f.Erase(context.Background(), protocol.MassErase())
		}()
		go func() {
			defer wg.Done()
			_, err := f.GetVersion(context.Background())
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
}
