package peer

import (
	"bytes"
	"context"
	"io"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// Local is a types.Peer that calls a Host in process, as one client.
type Local struct {
	host     *Host
	clientID string
}

var _ types.Peer = (*Local)(nil)

// NewLocal returns the peer clientID sees when talking to host directly.
func NewLocal(host *Host, clientID string) *Local {
	return &Local{host: host, clientID: clientID}
}

func (l *Local) Meta(ctx context.Context) (types.Meta, error) {
	return l.host.Meta(ctx, l.clientID)
}

// HostAuth accepts any credentials; a Local peer shares the caller's
// process and needs no key.
func (l *Local) HostAuth(_ context.Context, user, _ string) (string, error) {
	return "local:" + user, nil
}

func (l *Local) Summaries(ctx context.Context) (types.Summaries, error) {
	return l.host.Summaries(ctx, l.clientID)
}

func (l *Local) ApplyPayload(ctx context.Context, p *types.Payload) (*types.Payload, error) {
	return l.host.ApplyPayload(ctx, l.clientID, p)
}

func (l *Local) Finish(ctx context.Context, hint int64) (int64, error) {
	return l.host.Finish(ctx, l.clientID, hint)
}

func (l *Local) Abort(ctx context.Context) error {
	return l.host.Abort(ctx, l.clientID)
}

func (l *Local) FullUpload(ctx context.Context, r io.Reader) (int64, error) {
	return l.host.FullUpload(ctx, l.clientID, r)
}

func (l *Local) FullDownload(ctx context.Context) (io.ReadCloser, error) {
	return l.host.FullDownload(ctx, l.clientID)
}

func (l *Local) MediaChanges(ctx context.Context, since int64) ([]types.MediaChange, error) {
	return l.host.MediaChanges(ctx, since)
}

func (l *Local) MediaGet(ctx context.Context, names []string) (io.ReadCloser, error) {
	var buf bytes.Buffer
	if err := l.host.MediaGet(ctx, names, &buf); err != nil {
		return nil, err
	}
	return io.NopCloser(&buf), nil
}

func (l *Local) MediaPut(ctx context.Context, archive io.Reader) (types.MediaPutResult, error) {
	return l.host.MediaPut(ctx, archive)
}

func (l *Local) MediaCount(ctx context.Context) (int, error) {
	return l.host.MediaCount(ctx)
}
