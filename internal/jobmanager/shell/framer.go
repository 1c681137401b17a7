package shell

import "github.com/nixpig/fpar/internal/jobmanager/output"

// Framer finds the completion marker at the end of a chunked byte stream and
// forwards every byte before it to an output.Accumulator.
//
// Bytes are only forwarded once they can't be part of the marker: the last
// len(marker) bytes seen are held back as an uncleared tail. Because the
// marker is only ever written after the command has finished, the stream is
// complete exactly when the last len(marker) bytes equal the marker, no matter
// how the stream was split across reads.
//
// A Framer is used for one stream of one job.
type Framer struct {
	marker  []byte
	history *history
	tail    []byte
	out     *output.Accumulator

	done bool
	err  error
}

// NewFramer returns a Framer writing cleared bytes to out.
func NewFramer(marker []byte, out *output.Accumulator) *Framer {
	return &Framer{
		marker:  marker,
		history: newHistory(len(marker)),
		tail:    make([]byte, 0, len(marker)),
		out:     out,
	}
}

// Feed consumes the next chunk of the stream and reports whether the marker
// has been seen. Once complete, further chunks are ignored.
func (f *Framer) Feed(p []byte) bool {
	if f.done || len(p) == 0 {
		return f.done
	}

	m := len(f.marker)

	switch {
	case len(p) >= m:
		f.emit(f.tail)
		f.emit(p[:len(p)-m])
		f.tail = append(f.tail[:0], p[len(p)-m:]...)

	case len(p)+len(f.tail) > m:
		k := len(p) + len(f.tail) - m
		f.emit(f.tail[:k])
		f.tail = append(f.tail[:0], f.tail[k:]...)
		f.tail = append(f.tail, p...)

	default:
		f.tail = append(f.tail, p...)
	}

	f.history.push(p)

	if f.history.equal(f.marker) {
		f.done = true
		f.tail = f.tail[:0]

		if err := f.out.Finish(); err != nil && f.err == nil {
			f.err = err
		}
	}

	return f.done
}

// Done reports whether the marker has been seen.
func (f *Framer) Done() bool {
	return f.done
}

// Err returns the first error from the accumulator. Framing carries on after
// an error so the stream stays in sync with the shell.
func (f *Framer) Err() error {
	return f.err
}

func (f *Framer) emit(p []byte) {
	if len(p) == 0 || f.err != nil {
		return
	}

	if _, err := f.out.Write(p); err != nil {
		f.err = err
	}
}
