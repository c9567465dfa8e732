package peer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// Client is a types.Peer that talks to decksync serve over HTTP. Requests
// carry the session key as a bearer token and the client id in
// HeaderClientID.
type Client struct {
	httpClient *http.Client
	baseURL    string
	clientID   string

	mu  sync.Mutex
	key string
}

var _ types.Peer = (*Client)(nil)

// NewClient returns a client for the server at baseURL.
func NewClient(httpClient *http.Client, baseURL, clientID string) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		clientID:   strings.TrimSpace(clientID),
	}
}

// SetKey sets the session key used for later requests.
func (c *Client) SetKey(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.key = key
}

func (c *Client) sessionKey() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.key
}

func (c *Client) HostAuth(ctx context.Context, user, secret string) (string, error) {
	var out HostKeyResponse
	if err := c.doJSON(ctx, http.MethodPost, PathHostKey, HostKeyRequest{User: user, Secret: secret}, &out); err != nil {
		return "", err
	}
	c.SetKey(out.Key)
	return out.Key, nil
}

func (c *Client) Meta(ctx context.Context) (types.Meta, error) {
	var out types.Meta
	err := c.doJSON(ctx, http.MethodGet, PathMeta, nil, &out)
	return out, err
}

func (c *Client) Summaries(ctx context.Context) (types.Summaries, error) {
	var out types.Summaries
	err := c.doJSON(ctx, http.MethodPost, PathSummaries, nil, &out)
	return out, err
}

func (c *Client) ApplyPayload(ctx context.Context, p *types.Payload) (*types.Payload, error) {
	out := &types.Payload{}
	if err := c.doJSON(ctx, http.MethodPost, PathApplyPayload, p, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Finish(ctx context.Context, hint int64) (int64, error) {
	var out SyncTimeResponse
	err := c.doJSON(ctx, http.MethodPost, PathFinish, FinishRequest{Hint: hint}, &out)
	return out.SyncTime, err
}

func (c *Client) Abort(ctx context.Context) error {
	return c.doJSON(ctx, http.MethodPost, PathAbort, nil, nil)
}

func (c *Client) FullUpload(ctx context.Context, r io.Reader) (int64, error) {
	resp, err := c.do(ctx, http.MethodPost, PathUpload, "application/gzip", r)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	var out SyncTimeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, c.networkError(ctx, err)
	}
	return out.SyncTime, nil
}

func (c *Client) FullDownload(ctx context.Context) (io.ReadCloser, error) {
	resp, err := c.do(ctx, http.MethodGet, PathDownload, "", nil)
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) MediaChanges(ctx context.Context, since int64) ([]types.MediaChange, error) {
	var out []types.MediaChange
	err := c.doJSON(ctx, http.MethodGet, PathMediaChanges+"?since="+strconv.FormatInt(since, 10), nil, &out)
	return out, err
}

func (c *Client) MediaGet(ctx context.Context, names []string) (io.ReadCloser, error) {
	b, err := json.Marshal(MediaGetRequest{Names: names})
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, http.MethodPost, PathMediaGet, "application/json", bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	return resp.Body, nil
}

func (c *Client) MediaPut(ctx context.Context, archive io.Reader) (types.MediaPutResult, error) {
	resp, err := c.do(ctx, http.MethodPost, PathMediaPut, "application/zip", archive)
	if err != nil {
		return types.MediaPutResult{}, err
	}
	defer resp.Body.Close()
	var out types.MediaPutResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return types.MediaPutResult{}, c.networkError(ctx, err)
	}
	return out, nil
}

func (c *Client) MediaCount(ctx context.Context) (int, error) {
	var out MediaCountResponse
	err := c.doJSON(ctx, http.MethodGet, PathMediaCount, nil, &out)
	return out.Count, err
}

func (c *Client) doJSON(ctx context.Context, method, path string, body, out any) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		r = bytes.NewReader(b)
	}
	resp, err := c.do(ctx, method, path, "application/json", r)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return c.networkError(ctx, fmt.Errorf("decoding %s: %w", path, err))
	}
	return nil
}

// do sends a request and returns the response of a 2xx status. Any other
// status is turned into the error the server reported.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if contentType != "" && body != nil {
		req.Header.Set("Content-Type", contentType)
	}
	if key := c.sessionKey(); key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	if c.clientID != "" {
		req.Header.Set(HeaderClientID, c.clientID)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.networkError(ctx, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return resp, nil
	}
	defer resp.Body.Close()
	var eb ErrorBody
	_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&eb)
	return nil, errorFromResponse(resp.StatusCode, eb)
}

func (c *Client) networkError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%w: %v", types.ErrCancelled, ctx.Err())
	}
	return types.NewSyncError(types.KindNetwork, "cannot reach the sync server", err)
}
