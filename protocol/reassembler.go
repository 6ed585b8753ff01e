package protocol

// Reassembler turns arbitrarily fragmented reads into whole payloads.
//
// The network loop reads whatever the socket has (often a fixed 1 KiB chunk)
// and feeds it here. One read may complete zero, one, or many frames, and a
// single frame may span many reads:
//
//	read #1: [len=9][{"a":]          → nothing yet
//	read #2: [1}    ][len=2][{}]      → {"a":1}, {}
//
// A Reassembler is owned by a single goroutine and is not safe for concurrent use.
type Reassembler struct {
	buf    []byte
	limits Limits
}

// NewReassembler creates an empty reassembler enforcing limits.
func NewReassembler(limits Limits) *Reassembler {
	return &Reassembler{limits: limits.Normalize()}
}

// Feed appends p to the accumulation buffer and extracts every complete frame.
//
// Returned payloads do not alias p or the internal buffer. If a length prefix
// exceeds the limit, ErrFrameTooLarge is returned together with any payloads
// completed before it; the buffer is then in an undefined state and the caller
// should Reset it and drop the connection.
func (r *Reassembler) Feed(p []byte) ([][]byte, error) {
	r.buf = append(r.buf, p...)

	var out [][]byte
	offset := 0
	for len(r.buf)-offset >= HeaderSize {
		length := ByteOrder.Uint32(r.buf[offset : offset+HeaderSize])
		if err := r.limits.check(length); err != nil {
			r.compact(offset)
			return out, err
		}
		end := offset + HeaderSize + int(length)
		if len(r.buf) < end {
			break // wait for more reads
		}

		payload := make([]byte, length)
		copy(payload, r.buf[offset+HeaderSize:end])
		out = append(out, payload)
		offset = end
	}
	r.compact(offset)
	return out, nil
}

// Buffered reports how many bytes are waiting for the rest of their frame.
func (r *Reassembler) Buffered() int {
	return len(r.buf)
}

// Reset discards any partially received frame.
func (r *Reassembler) Reset() {
	r.buf = r.buf[:0]
}

// compact drops the consumed prefix without reallocating when possible.
func (r *Reassembler) compact(consumed int) {
	if consumed == 0 {
		return
	}
	n := copy(r.buf, r.buf[consumed:])
	r.buf = r.buf[:n]
}
