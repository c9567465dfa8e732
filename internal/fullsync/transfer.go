package fullsync

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/mesh-intelligence/decksync/internal/sqlite"
)

// Collection is the local side of a full sync.
type Collection interface {
	Export(ctx context.Context, w io.Writer, opts sqlite.ExportOptions) (int64, error)
	Import(ctx context.Context, r io.Reader, opts sqlite.ImportOptions) (int64, error)
	MarkFullSynced(ctx context.Context, peerID string, exported, syncTime int64) (sqlite.CommitResult, error)
	CheckIntegrity(ctx context.Context) error
	Backup(ctx context.Context, dir string) (string, error)
}

// Remote is the peer side of a full sync.
type Remote interface {
	FullUpload(ctx context.Context, r io.Reader) (int64, error)
	FullDownload(ctx context.Context) (io.ReadCloser, error)
}

// Options controls a transfer.
type Options struct {
	// PeerID names the relationship the transfer concludes.
	PeerID string
	// BackupDir, when set, receives a snapshot of the local collection
	// before a download replaces it.
	BackupDir string
	// Progress, when set, is called with the running byte count.
	Progress func(bytes int64)
	Log      logrus.FieldLogger
}

func (o Options) logger() logrus.FieldLogger {
	if o.Log != nil {
		return o.Log
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Upload replaces the remote collection with the local one. The local
// collection must pass its integrity check first. On success both sides
// record the sync time the remote negotiated.
func Upload(ctx context.Context, col Collection, remote Remote, opts Options) (int64, error) {
	log := opts.logger().WithField("peer", opts.PeerID)
	if err := col.CheckIntegrity(ctx); err != nil {
		return 0, fmt.Errorf("checking collection before upload: %w", err)
	}

	pr, pw := io.Pipe()
	var exported, syncTime int64
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		exported, err = col.Export(gctx, pw, sqlite.ExportOptions{})
		pw.CloseWithError(err)
		return err
	})
	g.Go(func() error {
		var err error
		syncTime, err = remote.FullUpload(gctx, &countingReader{r: pr, progress: opts.Progress})
		pr.CloseWithError(errOrClosed(err))
		return err
	})
	if err := g.Wait(); err != nil {
		return 0, fmt.Errorf("uploading collection: %w", err)
	}

	res, err := col.MarkFullSynced(ctx, opts.PeerID, exported, syncTime)
	if err != nil {
		return 0, err
	}
	log.WithFields(logrus.Fields{"sync_time": syncTime, "pending": res.Pending}).Info("uploaded collection")
	return syncTime, nil
}

// Download replaces the local collection with the remote one in a single
// transaction. The import refuses to replace a collection holding notes or
// cards with an empty one, and the result must pass the integrity check.
func Download(ctx context.Context, col Collection, remote Remote, opts Options) (int64, error) {
	log := opts.logger().WithField("peer", opts.PeerID)
	if opts.BackupDir != "" {
		path, err := col.Backup(ctx, opts.BackupDir)
		if err != nil {
			return 0, fmt.Errorf("backing up before download: %w", err)
		}
		log.WithField("path", path).Info("backed up collection")
	}

	rc, err := remote.FullDownload(ctx)
	if err != nil {
		return 0, fmt.Errorf("downloading collection: %w", err)
	}
	defer rc.Close()

	syncTime, err := col.Import(ctx, &countingReader{r: rc, progress: opts.Progress}, sqlite.ImportOptions{PeerID: opts.PeerID})
	if err != nil {
		return 0, fmt.Errorf("importing collection: %w", err)
	}
	if err := col.CheckIntegrity(ctx); err != nil {
		return 0, fmt.Errorf("checking downloaded collection: %w", err)
	}
	log.WithField("sync_time", syncTime).Info("downloaded collection")
	return syncTime, nil
}

// errOrClosed makes the exporting side stop when the upload ends early
// without an error of its own.
func errOrClosed(err error) error {
	if err == nil {
		return io.ErrClosedPipe
	}
	return err
}

type countingReader struct {
	r        io.Reader
	n        int64
	progress func(int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	if c.progress != nil && n > 0 {
		c.progress(c.n)
	}
	return n, err
}
