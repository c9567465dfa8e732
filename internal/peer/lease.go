package peer

import (
	"fmt"
	"sync"
	"time"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// DefaultLeaseTTL is how long a session may stay idle before another
// client can take the collection over.
const DefaultLeaseTTL = 5 * time.Minute

// lease grants one client at a time the right to run a session. It is
// acquired by the first call of a session and refreshed by every later one.
// A client that vanishes mid-session loses the lease once it sits idle for
// ttl.
type lease struct {
	mu      sync.Mutex
	holder  string
	expires time.Time
	ttl     time.Duration
	now     func() time.Time
}

func newLease(ttl time.Duration, now func() time.Time) *lease {
	if ttl <= 0 {
		ttl = DefaultLeaseTTL
	}
	return &lease{ttl: ttl, now: now}
}

// acquire takes or refreshes the lease for clientID. It returns whether an
// expired lease of another client was broken.
func (l *lease) acquire(clientID string) (broken string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if l.holder != "" && l.holder != clientID {
		if now.Before(l.expires) {
			return "", fmt.Errorf("%w: collection in use by another device", types.ErrBusy)
		}
		broken = l.holder
	}
	l.holder = clientID
	l.expires = now.Add(l.ttl)
	return broken, nil
}

// refresh extends the lease if clientID holds it.
func (l *lease) refresh(clientID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder != clientID || !l.now().Before(l.expires) {
		return fmt.Errorf("%w: session expired or never started", types.ErrNoSession)
	}
	l.expires = l.now().Add(l.ttl)
	return nil
}

// release drops the lease if clientID holds it.
func (l *lease) release(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == clientID {
		l.holder = ""
	}
}

// held reports the current holder, or "" when the lease is free.
func (l *lease) held() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.holder == "" || !l.now().Before(l.expires) {
		return ""
	}
	return l.holder
}
