package gateway

import (
	"errors"

	"github.com/hazyhaar/gridsync/cellstore"
	"github.com/hazyhaar/gridsync/engine"
	"github.com/hazyhaar/gridsync/gridcache"
	"github.com/hazyhaar/gridsync/protocol"
)

// Close and error reasons sent to clients.
const (
	ReasonUnauthenticated = "unauthenticated"
	ReasonNotAuthorized   = "not_authorized"
	ReasonForbidden       = "forbidden"
	ReasonRateLimited     = "rate_limited"
	ReasonOutOfBounds     = "out_of_bounds"
	ReasonInvalidColor    = "invalid_color"
	ReasonBadRequest      = "bad_request"
	ReasonNotFound        = "not_found"
	ReasonUnavailable     = "unavailable"
	ReasonStorage         = "storage_failure"
	ReasonLivenessTimeout = "liveness_timeout"
	ReasonShuttingDown    = "shutting_down"
)

// errorReason maps a mutation or decode error to its client-facing reason.
func errorReason(err error) string {
	switch {
	case errors.Is(err, cellstore.ErrOutOfBounds):
		return ReasonOutOfBounds
	case errors.Is(err, cellstore.ErrInvalidColor), errors.Is(err, engine.ErrColorNotInPalette):
		return ReasonInvalidColor
	case errors.Is(err, cellstore.ErrEmptyBatch), errors.Is(err, gridcache.ErrBadEncoding):
		return ReasonBadRequest
	case errors.Is(err, cellstore.ErrSnapshotNotFound):
		return ReasonNotFound
	case errors.Is(err, protocol.ErrMalformed):
		return protocol.ErrMalformed.Error()
	case errors.Is(err, protocol.ErrUnknownType):
		return protocol.ErrUnknownType.Error()
	case errors.Is(err, engine.ErrStopped):
		return ReasonUnavailable
	default:
		return ReasonStorage
	}
}
