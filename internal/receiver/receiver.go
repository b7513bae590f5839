package receiver

// ReadFunc copies up to len(p) bytes into p and reports how many it moved.
type ReadFunc func(p []byte) int

// Receiver accumulates a bitstream of known size into a fixed buffer.
type Receiver struct {
	buf      []byte
	received int
}

// New allocates a Receiver for a bitstream of exactly capacity bytes.
func New(capacity int) *Receiver {
	return &Receiver{buf: make([]byte, capacity)}
}

// Reset discards any progress. The buffer is reused as is.
func (r *Receiver) Reset() {
	r.received = 0
}

// Feed reads at most min(available, remaining) bytes through read and
// returns the number actually moved. Bytes beyond the capacity are never
// requested.
func (r *Receiver) Feed(available int, read ReadFunc) int {
	if available <= 0 {
		return 0
	}
	want := r.Remaining()
	if available < want {
		want = available
	}
	if want == 0 {
		return 0
	}

	n := read(r.buf[r.received : r.received+want])
	if n < 0 {
		n = 0
	}
	if n > want {
		n = want
	}
	r.received += n
	return n
}

// Complete reports whether the whole bitstream has arrived.
func (r *Receiver) Complete() bool {
	return r.received >= len(r.buf)
}

// Received returns the number of bytes accumulated so far.
func (r *Receiver) Received() int {
	return r.received
}

// Remaining returns the free space left in the buffer.
func (r *Receiver) Remaining() int {
	return len(r.buf) - r.received
}

// Capacity returns the fixed bitstream size.
func (r *Receiver) Capacity() int {
	return len(r.buf)
}

// Bytes returns the buffer. Callers must not retain it past their use.
func (r *Receiver) Bytes() []byte {
	return r.buf
}
