// Package slip frames packets on the serial line (RFC 1055 byte stuffing).
package slip

const (
	End    = 0xC0
	Esc    = 0xDB
	EscEnd = 0xDC
	EscEsc = 0xDD
)

// Encode wraps data in SLIP framing.
// Adds END byte at start and end, escapes special bytes.
func Encode(data []byte) []byte {
	return Append(make([]byte, 0, len(data)+10), data)
}

// Append appends the SLIP frame of data to dst.
func Append(dst, data []byte) []byte {
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

// Decoder reassembles frames from a byte stream that may arrive in pieces.
// Bytes before the first END are line noise and are dropped. Empty frames
// (back-to-back END bytes) are skipped.
type Decoder struct {
	buf     []byte
	synced  bool
	escaped bool
	frames  [][]byte
}

// Write feeds received bytes into the decoder. It never fails.
func (d *Decoder) Write(p []byte) (int, error) {
	for _, b := range p {
		d.feed(b)
	}
	return len(p), nil
}

func (d *Decoder) feed(b byte) {
	if b == End {
		if d.synced && len(d.buf) > 0 {
			d.frames = append(d.frames, d.buf)
		}
		d.buf = nil
		d.synced = true
		d.escaped = false
		return
	}
	if !d.synced {
		return
	}

	if d.escaped {
		d.escaped = false
		switch b {
		case EscEnd:
			b = End
		case EscEsc:
			b = Esc
		}
		d.buf = append(d.buf, b)
		return
	}
	if b == Esc {
		d.escaped = true
		return
	}
	d.buf = append(d.buf, b)
}

// Frame returns the oldest complete decoded frame, or nil if none is ready.
func (d *Decoder) Frame() []byte {
	if len(d.frames) == 0 {
		return nil
	}
	f := d.frames[0]
	d.frames = d.frames[1:]
	return f
}

// Reset drops buffered bytes and pending frames.
func (d *Decoder) Reset() {
	*d = Decoder{}
}

// Decode extracts the first frame from a complete SLIP byte sequence.
func Decode(data []byte) []byte {
	var d Decoder
	d.Write(data)
	return d.Frame()
}
