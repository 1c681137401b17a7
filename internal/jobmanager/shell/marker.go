package shell

import (
	"strings"

	"github.com/google/uuid"
)

// MarkerSize is the length of a completion marker.
const MarkerSize = 16

// newMarker returns a random marker for one shell lifetime. Uniqueness is
// probabilistic: a command that prints the marker ends its own job early.
func newMarker() []byte {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")

	return []byte(id[:MarkerSize])
}
