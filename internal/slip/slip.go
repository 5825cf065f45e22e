// Package slip frames messages on a byte stream (RFC 1055).
package slip

// Special bytes
const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// AppendEncode appends the frame for data to dst.
// Frames open and close with End; End and Esc inside data are escaped.
func AppendEncode(dst, data []byte) []byte {
	dst = append(dst, End)
	for _, b := range data {
		switch b {
		case End:
			dst = append(dst, Esc, EscEnd)
		case Esc:
			dst = append(dst, Esc, EscEsc)
		default:
			dst = append(dst, b)
		}
	}
	return append(dst, End)
}

// Encode returns the frame for data.
func Encode(data []byte) []byte {
	return AppendEncode(make([]byte, 0, len(data)+2), data)
}

// Decode unescapes a single frame. End bytes around the frame are ignored.
// It returns nil for a frame without content.
func Decode(frame []byte) []byte {
	r := &Reader{max: len(frame) + 1, synced: true}
	msgs := r.Feed(frame)
	msgs = append(msgs, r.Feed([]byte{End})...)
	if len(msgs) == 0 {
		return nil
	}
	return msgs[0]
}
