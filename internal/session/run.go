package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/decksync/internal/fullsync"
	"github.com/mesh-intelligence/decksync/internal/media"
	"github.com/mesh-intelligence/decksync/internal/sqlite"
	"github.com/mesh-intelligence/decksync/pkg/types"
)

// abortTimeout bounds the best-effort abort sent to the remote after a
// failed incremental session.
const abortTimeout = 10 * time.Second

// runner drives one session through the state machine.
type runner struct {
	engine  *Engine
	remote  types.Peer
	cb      Callbacks
	session *Session
	log     logrus.FieldLogger

	local, rmeta types.Meta
	remoteOpen   bool
	stats        Stats
}

func (r *runner) enter(st State, msg string) {
	r.session.setState(st)
	r.log.WithField("state", st).Debug(msg)
	r.emit(Event{State: st, Message: msg})
}

func (r *runner) emit(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if r.cb.OnProgress != nil {
		r.cb.OnProgress(ev)
	}
}

// checkpoint is polled between steps.
func checkpoint(ctx context.Context) error {
	if ctx.Err() != nil {
		return types.ErrCancelled
	}
	return nil
}

func (r *runner) run(ctx context.Context) Result {
	res, err := r.sync(ctx)
	if err == nil {
		r.enter(Done, res.Outcome.String())
		return res
	}
	if r.remoteOpen {
		actx, cancel := context.WithTimeout(context.Background(), abortTimeout)
		if aerr := r.remote.Abort(actx); aerr != nil {
			r.log.WithError(aerr).Warn("remote abort failed")
		}
		cancel()
	}
	reason := classify(ctx, err)
	r.log.WithFields(logrus.Fields{"kind": reason.Kind, "category": reason.Kind.Category()}).WithError(err).Warn("sync aborted")
	r.enter(Aborted, reason.Error())
	return Result{Outcome: Failed, Reason: reason, Message: r.rmeta.Message, Stats: r.stats}
}

// classify maps a failure to the reason reported to the caller.
// Cancellation wins over whatever error the cancelled call returned.
func classify(ctx context.Context, err error) *types.SyncError {
	if ctx.Err() != nil || errors.Is(err, types.ErrCancelled) || errors.Is(err, context.Canceled) {
		return types.NewSyncError(types.KindUserCancelled, "sync cancelled", types.ErrCancelled)
	}
	return types.AsSyncError(err)
}

func (r *runner) sync(ctx context.Context) (Result, error) {
	e := r.engine

	r.enter(Connecting, "contacting peer")
	if e.opts.User != "" {
		if _, err := r.remote.HostAuth(ctx, e.opts.User, e.opts.Secret); err != nil {
			return Result{}, err
		}
	}
	rmeta, err := r.remote.Meta(ctx)
	if err != nil {
		return Result{}, err
	}
	r.rmeta = rmeta
	if rmeta.Message != "" {
		r.emit(Event{State: Connecting, Message: rmeta.Message})
	}
	if !rmeta.Continue {
		return Result{}, types.NewSyncError(types.KindServerAbort, "the sync server refused the session",
			fmt.Errorf("%w: %s", types.ErrServerAbort, rmeta.Message))
	}
	if rmeta.ProtocolVersion != types.ProtocolVersion {
		return Result{}, types.NewSyncError(types.KindProtocolVersion, "update decksync to sync with this peer",
			fmt.Errorf("%w: local %d, remote %d", types.ErrProtocolVersion, types.ProtocolVersion, rmeta.ProtocolVersion))
	}

	r.enter(ClockCheck, "comparing clocks")
	if err := e.guard.CheckMillis(e.store.Now(), rmeta.ServerTime); err != nil {
		return Result{}, err
	}
	if err := checkpoint(ctx); err != nil {
		return Result{}, err
	}

	r.local, err = e.store.Meta(ctx, e.opts.PeerID)
	if err != nil {
		return Result{}, err
	}

	decision := fullsync.Decide(r.local, r.rmeta)
	if e.opts.Force != types.ChoiceCancel {
		decision = fullsync.Decision{Outcome: fullsync.FullRequired, Reason: "requested by the user"}
	}
	r.log.WithField("decision", decision).Info("starting sync")

	outcome := Success
	switch decision.Outcome {
	case fullsync.NoChanges:
		outcome = NoChangesNeeded
	case fullsync.Incremental:
		if err := r.incremental(ctx); err != nil {
			return Result{}, err
		}
	case fullsync.FullRequired:
		if err := r.full(ctx, decision.Reason); err != nil {
			return Result{}, err
		}
	}

	if err := r.syncMedia(ctx); err != nil {
		return Result{}, err
	}
	if outcome == NoChangesNeeded && r.stats.Media.Downloaded+r.stats.Media.Uploaded+r.stats.Media.DeletedLocal > 0 {
		outcome = Success
	}
	return Result{Outcome: outcome, Message: r.rmeta.Message, Stats: r.stats}, nil
}

// full runs a whole-collection transfer, asking the caller for a direction
// when both sides changed.
func (r *runner) full(ctx context.Context, reason fullsync.Reason) error {
	e := r.engine
	r.enter(FullSyncDirectionPrompt, string(reason))
	choice, ask := fullsync.Direction(r.local, r.rmeta)
	if e.opts.Force != types.ChoiceCancel {
		choice, ask = e.opts.Force, false
	}
	if ask {
		if r.cb.OnFullSyncPrompt == nil {
			return types.ErrCancelled
		}
		var err error
		choice, err = r.cb.OnFullSyncPrompt(ctx, Prompt{Reason: reason, Local: r.local, Remote: r.rmeta})
		if err != nil {
			return err
		}
	}
	if err := checkpoint(ctx); err != nil {
		return err
	}

	r.enter(FullSyncTransfer, choice.String())
	opts := fullsync.Options{
		PeerID:    e.opts.PeerID,
		BackupDir: e.opts.BackupDir,
		Log:       r.log,
		Progress: func(n int64) {
			r.emit(Event{State: FullSyncTransfer, Message: choice.String(), Done: n})
		},
	}
	var t int64
	var err error
	switch choice {
	case types.ChoiceKeepLocal:
		t, err = fullsync.Upload(ctx, e.store, r.remote, opts)
	case types.ChoiceKeepRemote:
		t, err = fullsync.Download(ctx, e.store, r.remote, opts)
	default:
		return types.ErrCancelled
	}
	if err != nil {
		return err
	}
	r.stats.Full = choice
	r.stats.SyncTime = t
	r.stats.Committed = true
	return nil
}

// syncMedia runs the media step once the rows are committed. A missing
// media store skips it.
func (r *runner) syncMedia(ctx context.Context) error {
	if r.engine.media == nil {
		return nil
	}
	if err := checkpoint(ctx); err != nil {
		return err
	}
	r.enter(MediaSync, "syncing media")
	cursor := &peerCursor{store: r.engine.store, peerID: r.engine.opts.PeerID}
	s := media.NewSyncer(r.engine.media, r.remote, cursor, r.log)
	s.Progress = func(res media.Result) {
		r.emit(Event{State: MediaSync, Done: int64(res.Downloaded + res.Uploaded + res.DeletedLocal)})
	}
	res, err := s.Sync(ctx)
	r.stats.Media = res
	if err != nil {
		return fmt.Errorf("syncing media: %w", err)
	}
	if len(res.Skipped) > 0 {
		r.log.WithField("files", res.Skipped).Warn("media files skipped")
	}
	return nil
}

// peerCursor keeps the media cursor in the collection's peers table.
type peerCursor struct {
	store  *sqlite.Store
	peerID string
}

func (c *peerCursor) MediaUSN(ctx context.Context) (int64, error) {
	p, err := c.store.Peer(ctx, c.peerID)
	return p.MediaUSN, err
}

func (c *peerCursor) SetMediaUSN(ctx context.Context, usn int64) error {
	return c.store.SetMediaUSN(ctx, c.peerID, usn)
}
