package peer

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mesh-intelligence/decksync/internal/media"
	"github.com/mesh-intelligence/decksync/internal/sqlite"
	"github.com/mesh-intelligence/decksync/pkg/types"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{t: time.UnixMilli(1_700_000_000_000)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func openStore(t *testing.T, clock *fakeClock) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(t.TempDir(), sqlite.WithClock(clock.Now))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func setupHost(t *testing.T, clock *fakeClock, opts ...HostOption) *Host {
	t.Helper()
	dir := t.TempDir()
	ml, err := media.OpenLog(filepath.Join(dir, media.FolderName), filepath.Join(dir, media.LedgerFile), nil)
	require.NoError(t, err)
	t.Cleanup(func() { ml.Close() })
	opts = append([]HostOption{WithHostClock(clock.Now), WithLeaseTTL(time.Minute)}, opts...)
	return NewHost(openStore(t, clock), ml, opts...)
}

func seedDeck(t *testing.T, s *sqlite.Store, name string) *types.Deck {
	t.Helper()
	d := &types.Deck{Name: name}
	require.NoError(t, s.PutDeck(context.Background(), d))
	return d
}

func TestHostLease(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	h := setupHost(t, clock)

	_, err := h.Summaries(ctx, "laptop")
	require.NoError(t, err)
	assert.Equal(t, "laptop", h.Busy())

	_, err = h.Summaries(ctx, "phone")
	assert.ErrorIs(t, err, types.ErrBusy)
	assert.Equal(t, types.KindServerOverloaded, types.KindOf(err))

	t.Run("idle session is taken over", func(t *testing.T) {
		clock.Advance(2 * time.Minute)
		_, err := h.Summaries(ctx, "phone")
		require.NoError(t, err)

		_, err = h.ApplyPayload(ctx, "laptop", &types.Payload{})
		assert.ErrorIs(t, err, types.ErrNoSession)
	})

	t.Run("finish releases the lease", func(t *testing.T) {
		_, err := h.Finish(ctx, "phone", 0)
		require.NoError(t, err)
		assert.Empty(t, h.Busy())
		_, err = h.Summaries(ctx, "laptop")
		require.NoError(t, err)
		require.NoError(t, h.Abort(ctx, "laptop"))
		assert.Empty(t, h.Busy())
	})
}

func TestHostRequiresSession(t *testing.T) {
	ctx := context.Background()
	h := setupHost(t, newFakeClock())

	_, err := h.ApplyPayload(ctx, "laptop", &types.Payload{})
	assert.ErrorIs(t, err, types.ErrNoSession)
	_, err = h.Finish(ctx, "laptop", 0)
	assert.ErrorIs(t, err, types.ErrNoSession)
	_, err = h.Summaries(ctx, "")
	assert.ErrorIs(t, err, types.ErrAuth)
}

func TestHostSession(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	h := setupHost(t, clock)
	local := seedDeck(t, h.Store(), "Server deck")
	clock.Advance(time.Second)

	sums, err := h.Summaries(ctx, "laptop")
	require.NoError(t, err)
	require.Len(t, sums[types.TableDecks], 1)

	p := &types.Payload{Want: map[string][]string{types.TableDecks: {local.ID}}}
	p.Add(&types.Deck{ID: "d-laptop", Name: "Laptop deck", Mod: clock.Now().UnixMilli() - 500})
	reply, err := h.ApplyPayload(ctx, "laptop", p)
	require.NoError(t, err)
	require.Len(t, reply.Decks, 1)
	assert.Equal(t, "Server deck", reply.Decks[0].Name)

	hint := clock.Now().Add(time.Hour).UnixMilli()
	st, err := h.Finish(ctx, "laptop", hint)
	require.NoError(t, err)
	assert.Equal(t, hint, st)

	m, err := h.Meta(ctx, "laptop")
	require.NoError(t, err)
	assert.Equal(t, hint, m.LastSync)
	assert.Equal(t, hint, m.Mod)
	assert.True(t, m.Continue)

	sums, err = h.Summaries(ctx, "laptop")
	require.NoError(t, err)
	assert.True(t, sums.Empty())
	require.NoError(t, h.Abort(ctx, "laptop"))

	t.Run("another client still sees everything", func(t *testing.T) {
		sums, err := h.Summaries(ctx, "phone")
		require.NoError(t, err)
		assert.Len(t, sums[types.TableDecks], 2)
		require.NoError(t, h.Abort(ctx, "phone"))
	})
}

func TestHostNotice(t *testing.T) {
	ctx := context.Background()
	h := setupHost(t, newFakeClock(), WithNotice("down for maintenance", true))

	m, err := h.Meta(ctx, "laptop")
	require.NoError(t, err)
	assert.False(t, m.Continue)
	assert.Equal(t, "down for maintenance", m.Message)

	_, err = h.Summaries(ctx, "laptop")
	assert.ErrorIs(t, err, types.ErrServerAbort)
}

func TestHostFullDownload(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	h := setupHost(t, clock)
	seedDeck(t, h.Store(), "Shared")

	rc, err := h.FullDownload(ctx, "laptop")
	require.NoError(t, err)
	assert.Equal(t, "laptop", h.Busy())

	client := openStore(t, clock)
	st, err := client.Import(ctx, rc, sqlite.ImportOptions{PeerID: "server"})
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, rc)
	require.NoError(t, rc.Close())

	assert.Eventually(t, func() bool { return h.Busy() == "" }, time.Second, 5*time.Millisecond)
	m, err := h.Meta(ctx, "laptop")
	require.NoError(t, err)
	assert.Equal(t, st, m.LastSync)
	assert.Equal(t, st, m.Mod)

	n, err := client.Count(ctx, types.TableDecks)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestHostMediaMeta(t *testing.T) {
	ctx := context.Background()
	h := setupHost(t, newFakeClock())
	w := media.NewArchiveWriter()
	require.NoError(t, w.AddFile("a.jpg", []byte("a")))
	body, err := w.Close()
	require.NoError(t, err)

	l := NewLocal(h, "laptop")
	res, err := l.MediaPut(ctx, bytes.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Processed)

	m, err := l.Meta(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, m.MediaUSN)
	n, err := l.MediaCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
