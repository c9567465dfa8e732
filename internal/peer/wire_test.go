package peer

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

func TestErrorResponseRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"auth", types.ErrAuth, http.StatusUnauthorized},
		{"busy", types.ErrBusy, http.StatusConflict},
		{"no session", types.ErrNoSession, http.StatusConflict},
		{"abort", types.ErrServerAbort, http.StatusForbidden},
		{"clobber", types.ErrDownloadClobber, http.StatusUnprocessableEntity},
		{"integrity", types.ErrIntegrity, http.StatusUnprocessableEntity},
		{"media size", types.ErrMediaTooLarge, http.StatusRequestEntityTooLarge},
		{"media checksum", types.ErrMediaChecksum, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := ErrorResponse(fmt.Errorf("handling request: %w", tt.err))
			assert.Equal(t, tt.status, status)
			assert.NotEmpty(t, body.Code)

			got := errorFromResponse(status, body)
			assert.ErrorIs(t, got, tt.err)
			assert.Contains(t, got.Error(), "handling request")
		})
	}
}

func TestErrorFromStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		kind   types.Kind
	}{
		{"unauthorized", http.StatusUnauthorized, types.KindAuth},
		{"unavailable", http.StatusServiceUnavailable, types.KindServerOverloaded},
		{"rate limited", http.StatusTooManyRequests, types.KindServerOverloaded},
		{"internal", http.StatusInternalServerError, types.KindUnknown},
		{"bad gateway", http.StatusBadGateway, types.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := errorFromResponse(tt.status, ErrorBody{})
			assert.Equal(t, tt.kind, types.KindOf(err))
			assert.Contains(t, err.Error(), http.StatusText(tt.status))
		})
	}
}

func TestErrorResponseUnknown(t *testing.T) {
	status, body := ErrorResponse(errors.New("disk on fire"))
	assert.Equal(t, http.StatusInternalServerError, status)
	assert.Empty(t, body.Code)
	assert.Equal(t, "disk on fire", body.Error)
}
