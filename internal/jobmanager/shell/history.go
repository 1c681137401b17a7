package shell

// history is a ring holding the last len(buf) bytes of a stream.
type history struct {
	buf    []byte
	pos    int
	filled int
}

func newHistory(size int) *history {
	return &history{buf: make([]byte, size)}
}

func (h *history) push(p []byte) {
	size := len(h.buf)

	if len(p) > size {
		p = p[len(p)-size:]
	}

	for _, b := range p {
		h.buf[h.pos] = b
		h.pos = (h.pos + 1) % size
	}

	h.filled = min(h.filled+len(p), size)
}

// equal reports whether the ring, read oldest first, holds exactly want.
func (h *history) equal(want []byte) bool {
	size := len(h.buf)

	if h.filled < size || len(want) != size {
		return false
	}

	for i := range size {
		if h.buf[(h.pos+i)%size] != want[i] {
			return false
		}
	}

	return true
}
