package slip

// DefaultMaxFrame bounds a single message. The bootloader never sends
// more than its 256 byte buffer.
const DefaultMaxFrame = 256

// Reader splits a byte stream into decoded messages. Bytes seen before
// the first End are discarded, as are frames longer than the limit.
type Reader struct {
	max     int
	buf     []byte
	synced  bool
	escaped bool
	tooLong bool
	dropped int
}

// NewReader returns a Reader for messages of at most max bytes.
func NewReader(max int) *Reader {
	if max <= 0 {
		max = DefaultMaxFrame
	}
	return &Reader{max: max}
}

// Feed consumes p and returns every message completed by it.
func (r *Reader) Feed(p []byte) [][]byte {
	var msgs [][]byte

	for _, b := range p {
		if b == End {
			switch {
			case r.tooLong:
				r.dropped++
			case len(r.buf) > 0:
				msgs = append(msgs, r.buf)
			}
			r.buf = nil
			r.synced = true
			r.escaped = false
			r.tooLong = false
			continue
		}
		if !r.synced || r.tooLong {
			continue
		}

		if r.escaped {
			r.escaped = false
			switch b {
			case EscEnd:
				b = End
			case EscEsc:
				b = Esc
			}
		} else if b == Esc {
			r.escaped = true
			continue
		}

		if len(r.buf) == r.max {
			r.tooLong = true
			r.buf = nil
			continue
		}
		r.buf = append(r.buf, b)
	}

	return msgs
}

// Dropped returns how many overlong frames were discarded.
func (r *Reader) Dropped() int {
	return r.dropped
}
