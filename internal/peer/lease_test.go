package peer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

func TestLease(t *testing.T) {
	clock := newFakeClock()
	l := newLease(time.Minute, clock.Now)

	broken, err := l.acquire("a")
	require.NoError(t, err)
	assert.Empty(t, broken)

	_, err = l.acquire("b")
	assert.ErrorIs(t, err, types.ErrBusy)

	clock.Advance(50 * time.Second)
	require.NoError(t, l.refresh("a"))
	clock.Advance(50 * time.Second)
	_, err = l.acquire("b")
	assert.ErrorIs(t, err, types.ErrBusy, "refresh extends the lease")

	clock.Advance(time.Minute)
	assert.Empty(t, l.held())
	broken, err = l.acquire("b")
	require.NoError(t, err)
	assert.Equal(t, "a", broken)
	assert.ErrorIs(t, l.refresh("a"), types.ErrNoSession)

	l.release("a")
	assert.Equal(t, "b", l.held(), "release by a non-holder is ignored")
	l.release("b")
	assert.Empty(t, l.held())
}

func TestNewLeaseDefaultTTL(t *testing.T) {
	l := newLease(0, time.Now)
	assert.Equal(t, DefaultLeaseTTL, l.ttl)
}
