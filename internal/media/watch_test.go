package media

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcherRescansAfterChange(t *testing.T) {
	s := setupMedia(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var added int
	done := make(chan error, 1)
	w := NewWatcher(s, 20*time.Millisecond, nil)
	go func() {
		done <- w.Run(ctx, func(res ScanResult, err error) {
			mu.Lock()
			defer mu.Unlock()
			if err == nil {
				added += res.Added
			}
		})
	}()

	// Give the watcher time to register the folder.
	time.Sleep(50 * time.Millisecond)
	writeMedia(t, s, "new.png", "fresh")

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return added == 1
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}
