// Package server runs decksync serve: the HTTP front of one peer.Host per
// account.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/decksync/internal/auth"
	"github.com/mesh-intelligence/decksync/internal/media"
	"github.com/mesh-intelligence/decksync/internal/peer"
	"github.com/mesh-intelligence/decksync/internal/sqlite"
	"github.com/mesh-intelligence/decksync/pkg/types"
)

const shutdownTimeout = 10 * time.Second

// Server holds the collections of every account. A collection is opened on
// the first request of its account and stays open until Close.
type Server struct {
	accounts *auth.Accounts
	keys     *auth.Keys
	dataDir  string
	log      logrus.FieldLogger
	now      func() time.Time
	hostOpts []peer.HostOption

	mu     sync.Mutex
	hosts  map[string]*account
	closed bool
}

type account struct {
	host  *peer.Host
	store *sqlite.Store
	media *media.Log
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(s *Server) {
		if l != nil {
			s.log = l
		}
	}
}

// WithClock replaces the wall clock of every collection and host.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		if now != nil {
			s.now = now
		}
	}
}

// WithHostOptions passes opts to every host the server creates.
func WithHostOptions(opts ...peer.HostOption) Option {
	return func(s *Server) {
		s.hostOpts = append(s.hostOpts, opts...)
	}
}

// New returns a server for cfg. Accounts come from cfg.Users.
func New(cfg types.ServerConfig, opts ...Option) (*Server, error) {
	if cfg.DataDir == "" {
		return nil, errors.New("server data_dir must not be empty")
	}
	keys, err := auth.NewKeys(cfg.JWTSecret, auth.DefaultKeyTTL)
	if err != nil {
		return nil, err
	}
	s := &Server{
		accounts: auth.NewAccounts(cfg.Users),
		keys:     keys,
		dataDir:  cfg.DataDir,
		log:      discardLogger(),
		now:      time.Now,
		hosts:    make(map[string]*account),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(s.dataDir, 0755); err != nil {
		return nil, fmt.Errorf("creating server data dir: %w", err)
	}
	return s, nil
}

// Accounts returns the account set, for adding users at runtime.
func (s *Server) Accounts() *auth.Accounts { return s.accounts }

// Host returns the host serving user's collection, opening it on first use.
func (s *Server) Host(user string) (*peer.Host, error) {
	user = strings.ToLower(user)
	if !validUser(user) {
		return nil, fmt.Errorf("%w: invalid account name %q", types.ErrAuth, user)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, types.ErrStoreClosed
	}
	if a, ok := s.hosts[user]; ok {
		return a.host, nil
	}

	dir := filepath.Join(s.dataDir, user)
	l := s.log.WithField("user", user)
	store, err := sqlite.Open(dir, sqlite.WithLogger(l), sqlite.WithClock(s.now))
	if err != nil {
		return nil, err
	}
	ml, err := media.OpenLog(filepath.Join(dir, media.FolderName), filepath.Join(dir, media.LedgerFile), l)
	if err != nil {
		store.Close()
		return nil, err
	}
	opts := append([]peer.HostOption{peer.WithHostLogger(l), peer.WithHostClock(s.now)}, s.hostOpts...)
	a := &account{host: peer.NewHost(store, ml, opts...), store: store, media: ml}
	s.hosts[user] = a
	l.Info("opened collection")
	return a.host, nil
}

func validUser(user string) bool {
	if user == "" || user == "." || user == ".." {
		return false
	}
	return !strings.ContainsAny(user, `/\:`) && filepath.Base(user) == user
}

// Serve listens on addr until ctx is done, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: NewRouter(s), ReadHeaderTimeout: 10 * time.Second}
	errc := make(chan error, 1)
	go func() {
		s.log.WithField("addr", addr).Info("sync server listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// Close closes every open collection.
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	var errs []error
	for user, a := range s.hosts {
		errs = append(errs, a.media.Close(), a.store.Close())
		delete(s.hosts, user)
	}
	return errors.Join(errs...)
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}
