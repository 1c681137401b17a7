package jobmanager

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"
)

// readJobs reads newline-terminated lines from input and sends them as Jobs
// with contiguous sequence numbers. Lines that aren't valid UTF-8 or contain a
// NUL byte are passed to skip and don't use up a sequence number.
//
// It returns when input is exhausted or done is closed.
func readJobs(
	input io.Reader,
	jobs chan<- Job,
	done <-chan struct{},
	skip func(lineNo int),
) error {
	r := bufio.NewReader(input)

	var (
		seq    uint64
		lineNo int
	)

	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			lineNo++

			line = bytes.TrimSuffix(line, []byte{'\n'})
			line = bytes.TrimSuffix(line, []byte{'\r'})

			if !wellFormed(line) {
				skip(lineNo)
			} else {
				select {
				case jobs <- Job{Seq: seq, Line: string(line)}:
					seq++
				case <-done:
					return nil
				}
			}
		}

		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return fmt.Errorf("read input line %d: %w", lineNo+1, err)
		}
	}
}

func wellFormed(line []byte) bool {
	return utf8.Valid(line) && bytes.IndexByte(line, 0) == -1
}
