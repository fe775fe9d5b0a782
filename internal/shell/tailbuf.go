package shell

import "sync"

// tailBuffer is a bounded circular byte buffer that always retains the
// most recent bytes. Oldest data is silently overwritten when full, so
// readers see a contiguous suffix of the stream.
type tailBuffer struct {
	mu   sync.Mutex
	buf  []byte
	size int
	pos  int  // next write position
	full bool // wrapped at least once
}

func newTailBuffer(size int) *tailBuffer {
	return &tailBuffer{buf: make([]byte, size), size: size}
}

// Write appends data, overwriting the oldest bytes beyond capacity.
func (t *tailBuffer) Write(data []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(data) >= t.size {
		// Only the final window can survive anyway.
		copy(t.buf, data[len(data)-t.size:])
		t.pos = 0
		t.full = true
		return
	}
	for len(data) > 0 {
		n := copy(t.buf[t.pos:], data)
		data = data[n:]
		t.pos += n
		if t.pos >= t.size {
			t.pos = 0
			t.full = true
		}
	}
}

// Bytes returns the retained tail in order, oldest first. When the
// buffer has wrapped mid-rune, orphaned UTF-8 continuation bytes are
// skipped so the result starts on a character boundary.
func (t *tailBuffer) Bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.full {
		out := make([]byte, t.pos)
		copy(out, t.buf[:t.pos])
		return out
	}
	out := make([]byte, t.size)
	n := copy(out, t.buf[t.pos:])
	copy(out[n:], t.buf[:t.pos])
	return skipLeadingContinuationBytes(out)
}

// Len reports how many bytes are currently retained.
func (t *tailBuffer) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.full {
		return t.size
	}
	return t.pos
}

// skipLeadingContinuationBytes drops orphaned UTF-8 continuation bytes
// (10xxxxxx) left at the start when a wrap overwrote the rune's first
// byte.
func skipLeadingContinuationBytes(data []byte) []byte {
	i := 0
	for i < len(data) && i < 4 && data[i]&0xC0 == 0x80 {
		i++
	}
	return data[i:]
}
