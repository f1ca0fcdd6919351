package broadcast

import (
	"fmt"
	"time"
)

// minElapsed guards the throughput division for empty or instant fan-outs.
const minElapsed = time.Millisecond

// DeliveryReport is the aggregate outcome of one Publish call.
// Delivered + Failed == Attempted always holds.
type DeliveryReport struct {
	Attempted int
	Delivered int
	Failed    int
	Elapsed   time.Duration
}

// Throughput is delivered messages per second over the fan-out wall time.
func (r DeliveryReport) Throughput() float64 {
	elapsed := r.Elapsed
	if elapsed < minElapsed {
		elapsed = minElapsed
	}
	return float64(r.Delivered) / elapsed.Seconds()
}

// Summary renders the human-readable line reported to the channel admin.
func (r DeliveryReport) Summary() string {
	return fmt.Sprintf("Delivered: %d, failed: %d in: %.2f sec, avg: %.2f msg/sec",
		r.Delivered, r.Failed, r.Elapsed.Seconds(), r.Throughput())
}
