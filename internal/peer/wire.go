package peer

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// HTTP routes of the sync protocol.
const (
	PathHealth       = "/healthz"
	PathHostKey      = "/sync/hostKey"
	PathMeta         = "/sync/meta"
	PathSummaries    = "/sync/summaries"
	PathApplyPayload = "/sync/applyPayload"
	PathFinish       = "/sync/finish"
	PathAbort        = "/sync/abort"
	PathUpload       = "/sync/upload"
	PathDownload     = "/sync/download"
	PathMediaChanges = "/media/changes"
	PathMediaGet     = "/media/get"
	PathMediaPut     = "/media/put"
	PathMediaCount   = "/media/count"
)

// HeaderClientID names the calling client on every authenticated request.
const HeaderClientID = "X-Client-ID"

// Request and response bodies.
type (
	HostKeyRequest struct {
		User   string `json:"user"`
		Secret string `json:"secret"`
	}
	HostKeyResponse struct {
		Key string `json:"key"`
	}
	FinishRequest struct {
		Hint int64 `json:"hint"`
	}
	SyncTimeResponse struct {
		SyncTime int64 `json:"sync_time"`
	}
	MediaGetRequest struct {
		Names []string `json:"names"`
	}
	MediaCountResponse struct {
		Count int `json:"count"`
	}
	// ErrorBody is the JSON body of every failed request. Code names the
	// sentinel the failure wraps, when there is one.
	ErrorBody struct {
		Error string `json:"error"`
		Code  string `json:"code,omitempty"`
	}
)

var wireErrors = []struct {
	code   string
	err    error
	status int
}{
	{"auth", types.ErrAuth, http.StatusUnauthorized},
	{"busy", types.ErrBusy, http.StatusConflict},
	{"no_session", types.ErrNoSession, http.StatusConflict},
	{"abort", types.ErrServerAbort, http.StatusForbidden},
	{"protocol", types.ErrProtocolVersion, http.StatusBadRequest},
	{"clobber", types.ErrDownloadClobber, http.StatusUnprocessableEntity},
	{"integrity", types.ErrIntegrity, http.StatusUnprocessableEntity},
	{"unknown_table", types.ErrUnknownTable, http.StatusBadRequest},
	{"invalid_row", types.ErrInvalidRow, http.StatusBadRequest},
	{"media_name", types.ErrMediaName, http.StatusBadRequest},
	{"media_size", types.ErrMediaTooLarge, http.StatusRequestEntityTooLarge},
	{"media_checksum", types.ErrMediaChecksum, http.StatusUnprocessableEntity},
}

// ErrorResponse returns the status and body the server sends for err.
func ErrorResponse(err error) (int, ErrorBody) {
	for _, w := range wireErrors {
		if errors.Is(err, w.err) {
			return w.status, ErrorBody{Error: err.Error(), Code: w.code}
		}
	}
	return http.StatusInternalServerError, ErrorBody{Error: err.Error()}
}

// errorFromResponse rebuilds the error a server reported.
func errorFromResponse(status int, body ErrorBody) error {
	msg := body.Error
	if msg == "" {
		msg = http.StatusText(status)
	}
	for _, w := range wireErrors {
		if body.Code == w.code {
			return fmt.Errorf("%w: server said: %s", w.err, msg)
		}
	}
	switch {
	case status == http.StatusUnauthorized:
		return fmt.Errorf("%w: server said: %s", types.ErrAuth, msg)
	case status == http.StatusServiceUnavailable || status == http.StatusTooManyRequests:
		return types.NewSyncError(types.KindServerOverloaded, "sync server is overloaded", errors.New(msg))
	case status >= 500:
		return types.NewSyncError(types.KindUnknown, fmt.Sprintf("sync server failed with status %d", status), errors.New(msg))
	}
	return fmt.Errorf("sync server status %d: %s", status, msg)
}
