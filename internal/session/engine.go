// Package session runs sync sessions between a local collection and a peer.
//
// An Engine owns one collection. Start runs a session on its own goroutine
// and returns a Session handle the caller waits on or cancels. Progress,
// conflicts and the full-sync prompt reach the caller through Callbacks.
package session

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/decksync/internal/clock"
	"github.com/mesh-intelligence/decksync/internal/media"
	"github.com/mesh-intelligence/decksync/internal/reconcile"
	"github.com/mesh-intelligence/decksync/internal/sqlite"
	"github.com/mesh-intelligence/decksync/pkg/types"
)

// LockFile is the cross-process session lock inside a collection directory.
const LockFile = ".sync.lock"

// DefaultPeerID names the relationship with the sync server.
const DefaultPeerID = "server"

// Options configures an Engine.
type Options struct {
	// PeerID names the relationship last-sync bookkeeping is kept under.
	PeerID string
	// User and Secret, when User is set, are exchanged for a session key
	// before the first request.
	User   string
	Secret string
	// ClockTolerance bounds the accepted clock difference.
	ClockTolerance time.Duration
	TieBreak       reconcile.TiePolicy
	// MaxPayloadRows bounds the rows and wanted ids of one applyPayload
	// request.
	MaxPayloadRows int
	// Force, when not ChoiceCancel, makes every session a full sync in
	// that direction without asking.
	Force types.FullSyncChoice
	// BackupDir receives a snapshot of the collection before a download
	// replaces it. Empty means a backups folder next to the collection.
	BackupDir string
	Log       logrus.FieldLogger
}

// Engine runs sessions for one collection, one at a time.
type Engine struct {
	store *sqlite.Store
	media *media.Store
	opts  Options
	guard clock.Guard
	log   logrus.FieldLogger

	mu      sync.Mutex
	running bool
}

// NewEngine returns an engine for store. media may be nil, in which case
// sessions skip the media step.
func NewEngine(store *sqlite.Store, mediaStore *media.Store, opts Options) *Engine {
	if opts.PeerID == "" {
		opts.PeerID = DefaultPeerID
	}
	if opts.MaxPayloadRows <= 0 {
		opts.MaxPayloadRows = types.DefaultMaxPayloadRows
	}
	if opts.BackupDir == "" {
		opts.BackupDir = filepath.Join(store.Dir(), "backups")
	}
	l := opts.Log
	if l == nil {
		dl := logrus.New()
		dl.SetOutput(io.Discard)
		l = dl
	}
	return &Engine{
		store: store,
		media: mediaStore,
		opts:  opts,
		guard: clock.NewGuard(opts.ClockTolerance),
		log:   l.WithField("peer", opts.PeerID),
	}
}

// Session is a running sync session.
type Session struct {
	cancel context.CancelFunc
	done   chan struct{}
	result Result

	mu    sync.Mutex
	state State
}

// Start begins a session with remote. It fails with ErrSessionActive when
// another session, in this process or another, holds the collection.
func (e *Engine) Start(ctx context.Context, remote types.Peer, cb Callbacks) (*Session, error) {
	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, types.ErrSessionActive
	}
	lock := flock.New(filepath.Join(e.store.Dir(), LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("acquiring sync lock: %w", err)
	}
	if !locked {
		e.mu.Unlock()
		return nil, types.ErrSessionActive
	}
	e.running = true
	e.mu.Unlock()

	ctx, cancel := context.WithCancel(ctx)
	s := &Session{cancel: cancel, done: make(chan struct{})}
	r := &runner{engine: e, remote: remote, cb: cb, session: s, log: e.log}
	go func() {
		defer func() {
			_ = lock.Unlock()
			e.mu.Lock()
			e.running = false
			e.mu.Unlock()
			cancel()
			close(s.done)
		}()
		s.result = r.run(ctx)
	}()
	return s, nil
}

// Sync runs a session and waits for it.
func (e *Engine) Sync(ctx context.Context, remote types.Peer, cb Callbacks) (Result, error) {
	s, err := e.Start(ctx, remote, cb)
	if err != nil {
		return Result{}, err
	}
	return s.Wait(), nil
}

// Cancel asks the session to stop. It takes effect between steps; a
// cancelled session never advances the last sync time.
func (s *Session) Cancel() { s.cancel() }

// Done is closed when the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// Wait blocks until the session ends and returns its result.
func (s *Session) Wait() Result {
	<-s.done
	return s.result
}

// State returns the current step.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	s.state = st
	s.mu.Unlock()
}
