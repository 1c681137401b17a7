package output

import "fmt"

// SpillError is returned when output could not be moved to, or written to, a
// temporary file. It is fatal to the output of one job only.
type SpillError struct {
	Op   string
	Path string
	Err  error
}

func (e *SpillError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("spill %s: %v", e.Op, e.Err)
	}

	return fmt.Sprintf("spill %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *SpillError) Unwrap() error {
	return e.Err
}
