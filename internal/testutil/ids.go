package testutil

import (
	"fmt"
	"sync/atomic"
)

// SequentialIDs returns a generator producing "id-1", "id-2", and so
// on. Each call to SequentialIDs starts a fresh sequence, so separate
// runs assign the same IDs to the same events.
func SequentialIDs() func() string {
	var n atomic.Uint64
	return func() string {
		return fmt.Sprintf("id-%d", n.Add(1))
	}
}
