// Monotonic timestamp source normalised to a process-start epoch.
package emit

import (
	"time"

	"github.com/zoobzio/clockz"
)

// Clock produces the timestamps stamped onto every record: nanoseconds
// elapsed since the epoch captured when the clock was built. The underlying
// clockz.Clock is injectable so tests control time.
type Clock struct {
	clk   clockz.Clock
	epoch time.Time
}

// NewClock captures the current instant as the epoch.
func NewClock(clk clockz.Clock) *Clock {
	return &Clock{clk: clk, epoch: clk.Now()}
}

// Now returns nanoseconds since the epoch. The reading is monotonic on a
// single core; cross-core comparisons are resolved by the transport's
// sequence counter, never by timestamp.
func (c *Clock) Now() uint64 {
	d := c.clk.Since(c.epoch)
	if d < 0 {
		return 0
	}
	return uint64(d)
}

// EpochWall returns the epoch as wall-clock unix nanoseconds, carried by
// StreamStart records so a reader can map record times back to wall time.
func (c *Clock) EpochWall() uint64 {
	return uint64(c.epoch.UnixNano())
}
