// Package peer implements both ends of the sync protocol: the Host that
// serves a collection to its clients, an in-process Local peer over a Host,
// and an HTTP Client that speaks to a Host behind decksync serve.
package peer

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/decksync/internal/media"
	"github.com/mesh-intelligence/decksync/internal/reconcile"
	"github.com/mesh-intelligence/decksync/internal/sqlite"
	"github.com/mesh-intelligence/decksync/pkg/types"
)

// Host serves one collection to any number of clients, one session at a
// time. Every method names the calling client; last-sync bookkeeping is
// kept per client in the collection's peers table.
type Host struct {
	store *sqlite.Store
	media *media.Log
	log   logrus.FieldLogger
	now   func() time.Time
	lease *lease

	mu      sync.Mutex
	session *hostSession

	message string
	refuse  bool
}

// hostSession is the state of an incremental session between Summaries and
// Finish.
type hostSession struct {
	clientID string
	snapshot int64
	settled  sqlite.Stamps
	repush   map[string]map[string]bool
}

// HostOption configures a Host.
type HostOption func(*Host)

// WithHostLogger sets the logger.
func WithHostLogger(l logrus.FieldLogger) HostOption {
	return func(h *Host) {
		if l != nil {
			h.log = l
		}
	}
}

// WithHostClock replaces the wall clock used to negotiate sync times.
func WithHostClock(now func() time.Time) HostOption {
	return func(h *Host) {
		if now != nil {
			h.now = now
		}
	}
}

// WithLeaseTTL sets how long an idle session keeps other clients out.
func WithLeaseTTL(ttl time.Duration) HostOption {
	return func(h *Host) {
		if ttl > 0 {
			h.lease.ttl = ttl
		}
	}
}

// WithNotice attaches a message to every meta reply. With refuse set the
// host also declines to start sessions.
func WithNotice(message string, refuse bool) HostOption {
	return func(h *Host) {
		h.message = message
		h.refuse = refuse
	}
}

// NewHost serves store and, when log is not nil, its media.
func NewHost(store *sqlite.Store, log *media.Log, opts ...HostOption) *Host {
	h := &Host{
		store: store,
		media: log,
		log:   discardLogger(),
		now:   time.Now,
	}
	h.lease = newLease(DefaultLeaseTTL, func() time.Time { return h.now() })
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Store returns the served collection.
func (h *Host) Store() *sqlite.Store { return h.store }

func (h *Host) nowMs() int64 { return h.now().UnixMilli() }

// Meta reports the collection state as seen by clientID.
func (h *Host) Meta(ctx context.Context, clientID string) (types.Meta, error) {
	m, err := h.store.Meta(ctx, clientID)
	if err != nil {
		return types.Meta{}, err
	}
	m.ServerTime = h.nowMs()
	if h.media != nil {
		if m.MediaUSN, err = h.media.LastUSN(ctx); err != nil {
			return types.Meta{}, err
		}
	}
	m.Message = h.message
	m.Continue = !h.refuse
	return m, nil
}

func (h *Host) begin(clientID string) error {
	if clientID == "" {
		return fmt.Errorf("%w: missing client id", types.ErrAuth)
	}
	if h.refuse {
		return fmt.Errorf("%w: %s", types.ErrServerAbort, h.message)
	}
	broken, err := h.lease.acquire(clientID)
	if err != nil {
		return err
	}
	if broken != "" {
		h.log.WithFields(logrus.Fields{"client": clientID, "previous": broken}).Warn("took over idle session")
	}
	h.mu.Lock()
	h.session = nil
	h.mu.Unlock()
	return nil
}

func (h *Host) current(clientID string) (*hostSession, error) {
	if err := h.lease.refresh(clientID); err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil || h.session.clientID != clientID {
		return nil, fmt.Errorf("%w: call summaries first", types.ErrNoSession)
	}
	return h.session, nil
}

func (h *Host) end(clientID string) {
	h.mu.Lock()
	if h.session != nil && h.session.clientID == clientID {
		h.session = nil
	}
	h.mu.Unlock()
	h.lease.release(clientID)
}

// Summaries opens a session for clientID and returns the rows changed since
// its last sync. A second client gets ErrBusy until the session ends or
// sits idle past the lease.
func (h *Host) Summaries(ctx context.Context, clientID string) (types.Summaries, error) {
	if err := h.begin(clientID); err != nil {
		return nil, err
	}
	sums, snapshot, err := h.store.Summaries(ctx, clientID)
	if err != nil {
		h.end(clientID)
		return nil, err
	}
	h.mu.Lock()
	h.session = &hostSession{
		clientID: clientID,
		snapshot: snapshot,
		settled:  make(sqlite.Stamps),
		repush:   make(map[string]map[string]bool),
	}
	h.mu.Unlock()
	h.log.WithFields(logrus.Fields{"client": clientID, "changed": sums.Count()}).Debug("opened session")
	return sums, nil
}

// ApplyPayload applies rows from clientID and replies with the rows it asked
// for in p.Want, read after applying.
func (h *Host) ApplyPayload(ctx context.Context, clientID string, p *types.Payload) (*types.Payload, error) {
	sess, err := h.current(clientID)
	if err != nil {
		return nil, err
	}
	res, err := h.store.ApplyPayload(ctx, clientID, p, reconcile.NewHostMerger())
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	sess.settled.Merge(res.Stamps)
	for table, ids := range res.Diverged {
		if sess.repush[table] == nil {
			sess.repush[table] = make(map[string]bool)
		}
		for _, id := range ids {
			sess.repush[table][id] = true
		}
	}
	h.mu.Unlock()

	reply := &types.Payload{}
	if p.WantCount() > 0 {
		var stamps sqlite.Stamps
		// No tag deltas: the host's merge base is not the client's, so the
		// client derives the change from its own base.
		reply, stamps, err = h.store.BuildPayload(ctx, p.Want, false)
		if err != nil {
			return nil, err
		}
		h.mu.Lock()
		sess.settled.Merge(stamps)
		// The reply carries the merged result, so the client holds it.
		for table, ids := range stamps {
			for id := range ids {
				delete(sess.repush[table], id)
			}
		}
		h.mu.Unlock()
	}
	if len(res.Conflicts) > 0 {
		h.log.WithFields(logrus.Fields{"client": clientID, "conflicts": len(res.Conflicts)}).Info("merged conflicting rows")
	}
	return reply, nil
}

// Finish commits the session and returns the negotiated sync time: the
// latest of the host clock, hint and the collection mod.
func (h *Host) Finish(ctx context.Context, clientID string, hint int64) (int64, error) {
	sess, err := h.current(clientID)
	if err != nil {
		return 0, err
	}
	defer h.end(clientID)

	m, err := h.store.Meta(ctx, "")
	if err != nil {
		return 0, err
	}
	t := max(h.nowMs(), hint, m.Mod)

	repush := make(map[string][]string, len(sess.repush))
	for table, ids := range sess.repush {
		for id := range ids {
			repush[table] = append(repush[table], id)
		}
	}
	res, err := h.store.Commit(ctx, sqlite.CommitParams{
		PeerID:   clientID,
		SyncTime: t,
		Snapshot: sess.snapshot,
		Settled:  sess.settled,
		Repush:   repush,
	})
	if err != nil {
		return 0, err
	}
	h.log.WithFields(logrus.Fields{"client": clientID, "sync_time": t, "pending": res.Pending}).Info("committed session")
	return t, nil
}

// Abort discards clientID's session.
func (h *Host) Abort(_ context.Context, clientID string) error {
	h.end(clientID)
	return nil
}

// FullUpload replaces the collection with the snapshot read from r. Every
// other client's next session becomes a full sync.
func (h *Host) FullUpload(ctx context.Context, clientID string, r io.Reader) (int64, error) {
	if err := h.begin(clientID); err != nil {
		return 0, err
	}
	defer h.end(clientID)
	m, err := h.store.Meta(ctx, "")
	if err != nil {
		return 0, err
	}
	t, err := h.store.Import(ctx, r, sqlite.ImportOptions{PeerID: clientID, Floor: max(h.nowMs(), m.Mod)})
	if err != nil {
		return 0, err
	}
	h.log.WithFields(logrus.Fields{"client": clientID, "sync_time": t}).Info("accepted full upload")
	return t, nil
}

// FullDownload streams a snapshot of the collection. The export records
// the full sync with clientID once the whole stream has been written.
func (h *Host) FullDownload(ctx context.Context, clientID string) (io.ReadCloser, error) {
	if err := h.begin(clientID); err != nil {
		return nil, err
	}
	m, err := h.store.Meta(ctx, "")
	if err != nil {
		h.end(clientID)
		return nil, err
	}
	opts := sqlite.ExportOptions{PeerID: clientID, SyncTime: max(h.nowMs(), m.Mod)}
	pr, pw := io.Pipe()
	go func() {
		defer h.end(clientID)
		_, err := h.store.Export(ctx, pw, opts)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// MediaChanges lists media changes after since.
func (h *Host) MediaChanges(ctx context.Context, since int64) ([]types.MediaChange, error) {
	if h.media == nil {
		return nil, nil
	}
	return h.media.Changes(ctx, since)
}

// MediaGet writes an archive of the named files to w.
func (h *Host) MediaGet(ctx context.Context, names []string, w io.Writer) error {
	if h.media == nil {
		data, err := media.NewArchiveWriter().Close()
		if err != nil {
			return err
		}
		_, err = w.Write(data)
		return err
	}
	return h.media.Get(ctx, names, w)
}

// MediaPut applies an uploaded archive.
func (h *Host) MediaPut(ctx context.Context, r io.Reader) (types.MediaPutResult, error) {
	if h.media == nil {
		return types.MediaPutResult{}, fmt.Errorf("%w: host keeps no media", types.ErrServerAbort)
	}
	return h.media.Put(ctx, r)
}

// MediaCount returns the number of files held.
func (h *Host) MediaCount(ctx context.Context) (int, error) {
	if h.media == nil {
		return 0, nil
	}
	return h.media.Count(ctx)
}

// Busy reports the client currently holding a session, if any.
func (h *Host) Busy() string { return h.lease.held() }

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
