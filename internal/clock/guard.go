// Package clock checks that two sides of a sync agree on the time closely
// enough to compare modification times.
package clock

import (
	"fmt"
	"time"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// Guard rejects a session when the local and remote clocks differ by more
// than Tolerance.
type Guard struct {
	Tolerance time.Duration
}

// NewGuard returns a Guard with the given tolerance, or the default one
// when tolerance is not positive.
func NewGuard(tolerance time.Duration) Guard {
	if tolerance <= 0 {
		tolerance = types.DefaultClockTolerance
	}
	return Guard{Tolerance: tolerance}
}

// Skew returns the absolute difference between two clocks.
func Skew(local, remote time.Time) time.Duration {
	d := local.Sub(remote)
	if d < 0 {
		d = -d
	}
	return d
}

// Check returns a KindClockSkew SyncError carrying the skew in whole
// seconds when it exceeds the tolerance, and nil otherwise.
func (g Guard) Check(local, remote time.Time) error {
	skew := Skew(local, remote)
	if skew <= g.Tolerance {
		return nil
	}
	secs := int64(skew / time.Second)
	return types.NewSyncError(types.KindClockSkew,
		fmt.Sprintf("clocks differ by %d seconds; fix the system time on one side", secs),
		fmt.Errorf("%w: %ds > %s", types.ErrClockSkew, secs, g.Tolerance))
}

// CheckMillis is Check for unix millisecond timestamps.
func (g Guard) CheckMillis(local, remote int64) error {
	return g.Check(time.UnixMilli(local), time.UnixMilli(remote))
}
