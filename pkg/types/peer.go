package types

import (
	"context"
	"io"
)

// Peer is the remote side of a sync session. Every call may block on the
// network and honours ctx cancellation. Implementations identify the calling
// client themselves (the HTTP client sends its client id; the in-process peer
// is constructed with one) so that last-sync bookkeeping is per relationship.
type Peer interface {
	// Meta reports the peer's collection state as seen by this client.
	Meta(ctx context.Context) (Meta, error)
	// HostAuth exchanges credentials for a session key.
	HostAuth(ctx context.Context, user, secret string) (string, error)
	// Summaries returns the peer's rows changed since its last sync with
	// this client, and opens a session on the peer.
	Summaries(ctx context.Context) (Summaries, error)
	// ApplyPayload applies p on the peer and returns the peer's rows for
	// the ids named in p.Want, read after applying.
	ApplyPayload(ctx context.Context, p *Payload) (*Payload, error)
	// Finish commits the session on the peer and returns the negotiated
	// sync time, which is never earlier than hint.
	Finish(ctx context.Context, hint int64) (int64, error)
	// Abort discards the peer-side session.
	Abort(ctx context.Context) error
	// FullUpload replaces the peer's collection with the snapshot read from
	// r and returns the negotiated sync time.
	FullUpload(ctx context.Context, r io.Reader) (int64, error)
	// FullDownload streams a snapshot of the peer's whole collection.
	FullDownload(ctx context.Context) (io.ReadCloser, error)
	// MediaChanges lists media changes with a sequence number above since.
	MediaChanges(ctx context.Context, since int64) ([]MediaChange, error)
	// MediaGet returns a zip archive holding the named files.
	MediaGet(ctx context.Context, names []string) (io.ReadCloser, error)
	// MediaPut uploads a zip archive of additions and deletions.
	MediaPut(ctx context.Context, archive io.Reader) (MediaPutResult, error)
	// MediaCount returns the number of files the peer currently holds.
	MediaCount(ctx context.Context) (int, error)
}
