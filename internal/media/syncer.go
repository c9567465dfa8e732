package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/sirupsen/logrus"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// Remote is the media half of the peer protocol.
type Remote interface {
	MediaChanges(ctx context.Context, since int64) ([]types.MediaChange, error)
	MediaGet(ctx context.Context, names []string) (io.ReadCloser, error)
	MediaPut(ctx context.Context, archive io.Reader) (types.MediaPutResult, error)
	MediaCount(ctx context.Context) (int, error)
}

// Cursor persists the last remote usn this side has seen.
type Cursor interface {
	MediaUSN(ctx context.Context) (int64, error)
	SetMediaUSN(ctx context.Context, usn int64) error
}

// Result summarises one media sync.
type Result struct {
	Downloaded   int
	Uploaded     int
	DeletedLocal int
	// Skipped lists files given up on, such as downloads whose checksum
	// kept failing.
	Skipped  []string
	LastUSN  int64
	Resynced bool
}

// Syncer reconciles a local Store with a Remote.
type Syncer struct {
	store  *Store
	remote Remote
	cursor Cursor
	log    logrus.FieldLogger

	// Progress, when set, receives the running result after every batch.
	Progress func(Result)
}

// NewSyncer returns a syncer for store against remote.
func NewSyncer(store *Store, remote Remote, cursor Cursor, l logrus.FieldLogger) *Syncer {
	if l == nil {
		l = discardLogger()
	}
	return &Syncer{store: store, remote: remote, cursor: cursor, log: l}
}

// errConcurrentUpdate reports that the remote log moved while this side
// was uploading.
var errConcurrentUpdate = errors.New("remote media log changed during upload")

// Sync scans the folder, pulls remote changes, pushes local ones and checks
// that both sides hold the same number of files. A remote log that moves
// during the upload restarts the exchange once; a count mismatch at the end
// clears the ledger and cursor so the next sync compares everything again.
func (s *Syncer) Sync(ctx context.Context) (Result, error) {
	var res Result
	if _, err := s.store.Scan(ctx); err != nil {
		s.log.WithError(err).Warn("media scan failed, rebuilding ledger")
		if err := s.store.ForceResync(ctx); err != nil {
			return res, err
		}
		if _, err := s.store.Rescan(ctx); err != nil {
			return res, err
		}
	}

	err := s.exchange(ctx, &res)
	if errors.Is(err, errConcurrentUpdate) {
		s.log.Info("remote media changed during upload, restarting")
		err = s.exchange(ctx, &res)
		if errors.Is(err, errConcurrentUpdate) {
			// The next sync pulls what we missed.
			err = nil
		}
	}
	if err != nil {
		return res, err
	}
	if err := s.checkCounts(ctx, &res); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Syncer) exchange(ctx context.Context, res *Result) error {
	since, err := s.cursor.MediaUSN(ctx)
	if err != nil {
		return err
	}
	changes, err := s.remote.MediaChanges(ctx, since)
	if err != nil {
		return fmt.Errorf("listing remote media: %w", err)
	}
	res.LastUSN = since

	want := make(map[string]string)
	for _, c := range changes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.reconcile(ctx, c, want, res); err != nil {
			return err
		}
		if c.USN > res.LastUSN {
			res.LastUSN = c.USN
		}
	}
	if err := s.download(ctx, want, res); err != nil {
		return err
	}
	if err := s.cursor.SetMediaUSN(ctx, res.LastUSN); err != nil {
		return err
	}
	return s.upload(ctx, res)
}

// reconcile decides what one remote change means locally. Files that need
// fetching are added to want with their expected checksum.
func (s *Syncer) reconcile(ctx context.Context, c types.MediaChange, want map[string]string, res *Result) error {
	if ValidName(c.Name) != nil {
		s.log.WithField("file", c.Name).Warn("ignoring remote media with an unusable name")
		res.Skipped = append(res.Skipped, c.Name)
		return nil
	}
	local, known, err := s.store.Entry(ctx, c.Name)
	if err != nil {
		return err
	}
	switch {
	case c.Deleted():
		if !known {
			return nil
		}
		if local.Dirty && local.Checksum != "" {
			// A local edit outlives the remote deletion and is pushed back.
			return nil
		}
		if err := s.store.RemoveFile(ctx, c.Name); err != nil {
			return err
		}
		if local.Checksum != "" {
			res.DeletedLocal++
		}
	case known && local.Checksum == c.Checksum:
		if local.Dirty {
			return s.store.MarkClean(ctx, c.Name)
		}
	case known && local.Dirty && local.Checksum != "":
		// Both sides changed the file; the local copy wins and is pushed.
	default:
		want[c.Name] = c.Checksum
	}
	return nil
}

func (s *Syncer) download(ctx context.Context, want map[string]string, res *Result) error {
	queue := make([]string, 0, len(want))
	for name := range want {
		queue = append(queue, name)
	}
	retried := make(map[string]bool)

	for len(queue) > 0 {
		n := min(len(queue), types.MediaBatchFiles)
		batch := queue[:n]
		queue = queue[n:]

		rc, err := s.remote.MediaGet(ctx, batch)
		if err != nil {
			return fmt.Errorf("fetching media: %w", err)
		}
		a, err := ReadArchive(rc, MaxArchiveBytes)
		rc.Close()
		if err != nil {
			return fmt.Errorf("fetching media: %w", err)
		}

		got := make(map[string]bool, len(a.Entries))
		for _, e := range a.Entries {
			if e.Deleted() {
				continue
			}
			data, err := a.Open(e)
			if err != nil {
				return err
			}
			got[e.Name] = true
			if Checksum(data) != want[e.Name] {
				if !retried[e.Name] {
					retried[e.Name] = true
					queue = append(queue, e.Name)
					continue
				}
				s.log.WithField("file", e.Name).Warn(types.ErrMediaChecksum.Error())
				res.Skipped = append(res.Skipped, e.Name)
				continue
			}
			if err := s.store.WriteFile(ctx, e.Name, data); err != nil {
				return err
			}
			res.Downloaded++
		}
		for _, name := range batch {
			if !got[name] {
				// Gone on the remote since it was listed; a later change
				// entry will say so.
				s.log.WithField("file", name).Debug("remote media missing from archive")
			}
		}
		s.report(*res)
	}
	return nil
}

func (s *Syncer) upload(ctx context.Context, res *Result) error {
	for {
		dirty, err := s.store.Dirty(ctx, types.MediaBatchFiles)
		if err != nil {
			return err
		}
		if len(dirty) == 0 {
			return nil
		}

		a := NewArchiveWriter()
		var sent []string
		for _, e := range dirty {
			if a.Full() {
				break
			}
			if e.Checksum == "" {
				a.AddDeletion(e.Name)
				sent = append(sent, e.Name)
				continue
			}
			data, err := os.ReadFile(s.store.Path(e.Name))
			if errors.Is(err, os.ErrNotExist) {
				a.AddDeletion(e.Name)
				sent = append(sent, e.Name)
				continue
			}
			if err != nil {
				return fmt.Errorf("reading %s: %w", e.Name, err)
			}
			if err := a.AddFile(e.Name, data); err != nil {
				return err
			}
			sent = append(sent, e.Name)
		}
		body, err := a.Close()
		if err != nil {
			return err
		}

		put, err := s.remote.MediaPut(ctx, bytes.NewReader(body))
		if err != nil {
			return fmt.Errorf("sending media: %w", err)
		}
		if put.Processed <= 0 {
			return fmt.Errorf("sending media: peer accepted none of %d entries", len(sent))
		}
		if err := s.store.MarkClean(ctx, sent[:min(put.Processed, len(sent))]...); err != nil {
			return err
		}
		res.Uploaded += put.Processed
		s.report(*res)

		if put.LastUSN-int64(put.Processed) != res.LastUSN {
			return errConcurrentUpdate
		}
		res.LastUSN = put.LastUSN
		if err := s.cursor.SetMediaUSN(ctx, res.LastUSN); err != nil {
			return err
		}
	}
}

func (s *Syncer) checkCounts(ctx context.Context, res *Result) error {
	pending, err := s.store.DirtyCount(ctx)
	if err != nil || pending > 0 || len(res.Skipped) > 0 {
		return err
	}
	local, err := s.store.Count(ctx)
	if err != nil {
		return err
	}
	remote, err := s.remote.MediaCount(ctx)
	if err != nil {
		return fmt.Errorf("counting remote media: %w", err)
	}
	if local == remote {
		return nil
	}
	s.log.WithFields(logrus.Fields{"local": local, "remote": remote}).Warn("media counts differ, forcing a full media resync")
	if err := s.store.ForceResync(ctx); err != nil {
		return err
	}
	if err := s.cursor.SetMediaUSN(ctx, 0); err != nil {
		return err
	}
	res.Resynced = true
	res.LastUSN = 0
	return nil
}

func (s *Syncer) report(r Result) {
	if s.Progress != nil {
		s.Progress(r)
	}
}
