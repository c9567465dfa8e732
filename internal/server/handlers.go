package server

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mesh-intelligence/decksync/internal/media"
	"github.com/mesh-intelligence/decksync/internal/peer"
	"github.com/mesh-intelligence/decksync/pkg/types"
)

type handlers struct {
	srv *Server
}

// writeError logs failures the client did not cause and sends the wire
// form of err.
func (h *handlers) writeError(c *gin.Context, err error) {
	status, body := peer.ErrorResponse(err)
	if status >= http.StatusInternalServerError {
		h.srv.log.WithError(err).WithField("path", c.FullPath()).Error("request failed")
	}
	c.AbortWithStatusJSON(status, body)
}

// host returns the host of the authenticated account and the calling client.
func (h *handlers) host(c *gin.Context) (*peer.Host, string, bool) {
	host, err := h.srv.Host(c.GetString(userKey))
	if err != nil {
		h.writeError(c, err)
		return nil, "", false
	}
	return host, c.GetString(clientKey), true
}

func (h *handlers) hostKey(c *gin.Context) {
	var req peer.HostKeyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, fmt.Errorf("%w: invalid hostKey body", types.ErrAuth))
		return
	}
	if err := h.srv.accounts.Verify(req.User, req.Secret); err != nil {
		h.srv.log.WithField("user", req.User).Warn("rejected credentials")
		h.writeError(c, err)
		return
	}
	key, err := h.srv.keys.Issue(req.User)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, peer.HostKeyResponse{Key: key})
}

func (h *handlers) meta(c *gin.Context) {
	host, client, ok := h.host(c)
	if !ok {
		return
	}
	m, err := host.Meta(c.Request.Context(), client)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, m)
}

func (h *handlers) summaries(c *gin.Context) {
	host, client, ok := h.host(c)
	if !ok {
		return
	}
	sums, err := host.Summaries(c.Request.Context(), client)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, sums)
}

func (h *handlers) applyPayload(c *gin.Context) {
	host, client, ok := h.host(c)
	if !ok {
		return
	}
	var p types.Payload
	if err := c.ShouldBindJSON(&p); err != nil {
		h.writeError(c, fmt.Errorf("%w: decoding payload: %v", types.ErrInvalidRow, err))
		return
	}
	reply, err := host.ApplyPayload(c.Request.Context(), client, &p)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, reply)
}

func (h *handlers) finish(c *gin.Context) {
	host, client, ok := h.host(c)
	if !ok {
		return
	}
	var req peer.FinishRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, fmt.Errorf("%w: invalid finish body", types.ErrInvalidRow))
		return
	}
	t, err := host.Finish(c.Request.Context(), client, req.Hint)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, peer.SyncTimeResponse{SyncTime: t})
}

func (h *handlers) abort(c *gin.Context) {
	host, client, ok := h.host(c)
	if !ok {
		return
	}
	if err := host.Abort(c.Request.Context(), client); err != nil {
		h.writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *handlers) upload(c *gin.Context) {
	host, client, ok := h.host(c)
	if !ok {
		return
	}
	t, err := host.FullUpload(c.Request.Context(), client, c.Request.Body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, peer.SyncTimeResponse{SyncTime: t})
}

// download streams the snapshot. A client that disconnects closes the pipe,
// which fails the export and leaves the full sync unrecorded.
func (h *handlers) download(c *gin.Context) {
	host, client, ok := h.host(c)
	if !ok {
		return
	}
	rc, err := host.FullDownload(c.Request.Context(), client)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer rc.Close()
	c.DataFromReader(http.StatusOK, -1, "application/gzip", rc, nil)
}

func (h *handlers) mediaChanges(c *gin.Context) {
	host, _, ok := h.host(c)
	if !ok {
		return
	}
	since, err := strconv.ParseInt(c.DefaultQuery("since", "0"), 10, 64)
	if err != nil || since < 0 {
		h.writeError(c, fmt.Errorf("%w: bad since %q", types.ErrProtocolVersion, c.Query("since")))
		return
	}
	changes, err := host.MediaChanges(c.Request.Context(), since)
	if err != nil {
		h.writeError(c, err)
		return
	}
	if changes == nil {
		changes = []types.MediaChange{}
	}
	c.JSON(http.StatusOK, changes)
}

func (h *handlers) mediaGet(c *gin.Context) {
	host, _, ok := h.host(c)
	if !ok {
		return
	}
	var req peer.MediaGetRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, fmt.Errorf("%w: invalid media get body", types.ErrMediaName))
		return
	}
	var buf bytes.Buffer
	if err := host.MediaGet(c.Request.Context(), req.Names, &buf); err != nil {
		h.writeError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/zip", buf.Bytes())
}

func (h *handlers) mediaPut(c *gin.Context) {
	host, _, ok := h.host(c)
	if !ok {
		return
	}
	body := io.LimitReader(c.Request.Body, media.MaxArchiveBytes+1)
	res, err := host.MediaPut(c.Request.Context(), body)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *handlers) mediaCount(c *gin.Context) {
	host, _, ok := h.host(c)
	if !ok {
		return
	}
	n, err := host.MediaCount(c.Request.Context())
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, peer.MediaCountResponse{Count: n})
}
