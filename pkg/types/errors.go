package types

import (
	"errors"
	"fmt"
)

// Store errors.
var (
	ErrNotFound        = errors.New("row not found")
	ErrUnknownTable    = errors.New("unknown table")
	ErrInvalidRow      = errors.New("invalid row")
	ErrIntegrity       = errors.New("integrity check failed")
	ErrStoreClosed     = errors.New("store is closed")
	ErrDownloadClobber = errors.New("refusing to replace a non-empty collection with an empty one")
)

// Session errors.
var (
	ErrSessionActive = errors.New("a sync session is already running for this collection")
	ErrCancelled     = errors.New("sync cancelled")
	ErrNoSession     = errors.New("no open sync session")
)

// Peer errors.
var (
	ErrAuth            = errors.New("authentication failed")
	ErrBusy            = errors.New("peer is busy with another session")
	ErrProtocolVersion = errors.New("peer protocol version mismatch")
	ErrClockSkew       = errors.New("clock skew exceeds tolerance")
	ErrServerAbort     = errors.New("peer refused to sync")
)

// Media errors.
var (
	ErrMediaChecksum = errors.New("media checksum mismatch")
	ErrMediaName     = errors.New("invalid media file name")
	ErrMediaTooLarge = errors.New("media file too large")
)

// Kind classifies why a sync session failed. Every kind maps to a message
// category the caller can show without reading the underlying error.
type Kind string

const (
	KindAuth             Kind = "auth"
	KindProtocolVersion  Kind = "protocol_version"
	KindClockSkew        Kind = "clock_skew"
	KindNetwork          Kind = "network"
	KindIntegrity        Kind = "integrity"
	KindMediaChecksum    Kind = "media_checksum"
	KindServerOverloaded Kind = "server_overloaded"
	KindServerAbort      Kind = "server_abort"
	KindUserCancelled    Kind = "user_cancelled"
	KindStorage          Kind = "storage"
	KindDownloadClobber  Kind = "download_clobber"
	KindUnknown          Kind = "unknown"
)

// Category returns the user-facing message category for the kind.
func (k Kind) Category() string {
	switch k {
	case KindAuth:
		return "credentials"
	case KindNetwork:
		return "connectivity"
	case KindClockSkew:
		return "clock"
	case KindProtocolVersion:
		return "version"
	case KindServerOverloaded, KindServerAbort:
		return "server-overloaded"
	case KindIntegrity, KindMediaChecksum, KindDownloadClobber, KindStorage:
		return "integrity"
	case KindUserCancelled:
		return "cancelled"
	default:
		return "unknown-with-diagnostic-trace"
	}
}

// Retryable reports whether retrying the same session later may succeed
// without the user changing anything.
func (k Kind) Retryable() bool {
	switch k {
	case KindNetwork, KindServerOverloaded, KindMediaChecksum:
		return true
	default:
		return false
	}
}

// SyncError is the error reported for an aborted session.
type SyncError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *SyncError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *SyncError) Unwrap() error { return e.Err }

// NewSyncError returns a SyncError of the given kind.
func NewSyncError(kind Kind, message string, err error) *SyncError {
	return &SyncError{Kind: kind, Message: message, Err: err}
}

// KindOf classifies err. A SyncError anywhere in the chain keeps its kind;
// otherwise the package sentinels decide, and anything else is KindUnknown.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	switch {
	case errors.Is(err, ErrCancelled):
		return KindUserCancelled
	case errors.Is(err, ErrAuth):
		return KindAuth
	case errors.Is(err, ErrBusy):
		return KindServerOverloaded
	case errors.Is(err, ErrProtocolVersion):
		return KindProtocolVersion
	case errors.Is(err, ErrClockSkew):
		return KindClockSkew
	case errors.Is(err, ErrServerAbort):
		return KindServerAbort
	case errors.Is(err, ErrMediaChecksum):
		return KindMediaChecksum
	case errors.Is(err, ErrDownloadClobber):
		return KindDownloadClobber
	case errors.Is(err, ErrIntegrity):
		return KindIntegrity
	case errors.Is(err, ErrStoreClosed):
		return KindStorage
	}
	return KindUnknown
}

// AsSyncError returns err as a SyncError, classifying it with KindOf when it
// is not one already.
func AsSyncError(err error) *SyncError {
	if err == nil {
		return nil
	}
	var se *SyncError
	if errors.As(err, &se) {
		return se
	}
	return &SyncError{Kind: KindOf(err), Message: "sync failed", Err: err}
}
