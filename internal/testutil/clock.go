// Package testutil provides the deterministic fixtures scenario runs
// and engine tests share: a fake clock pinned to a fixed epoch and a
// sequential event ID generator. Two runs built from these produce
// byte-identical output, which is what golden comparison depends on.
package testutil

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Epoch is the instant deterministic runs start from. Scenario
// timestamps are offsets from here.
var Epoch = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

// NewClock returns a fake clock pinned to Epoch. Time moves only when
// the test advances it.
func NewClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(Epoch)
}
