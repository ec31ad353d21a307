package subnet

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/kjstillabower/prediction-subnet/internal/keys"
	"github.com/kjstillabower/prediction-subnet/internal/validation"
)

// ErrRegistry is returned for registry failures without a more specific sentinel.
var ErrRegistry = errors.New("registry error")

// Error codes carried in registry error bodies.
const (
	CodeSubnetNotFound = "SUBNET_NOT_FOUND"
	CodeNotRegistered  = "NOT_REGISTERED"
	CodeUnknownUID     = "UNKNOWN_UID"
	CodeInvalidVote    = "INVALID_VOTE"
	CodeInvalidModule  = "INVALID_MODULE"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeInternal       = "INTERNAL"
)

var codeErrors = map[string]error{
	CodeSubnetNotFound: ErrSubnetNotFound,
	CodeNotRegistered:  ErrNotRegistered,
	CodeUnknownUID:     ErrUnknownUID,
	CodeInvalidVote:    validation.ErrInvalidVote,
	CodeInvalidModule:  validation.ErrInvalidModule,
	CodeUnauthorized:   keys.ErrBadSignature,
}

// ErrorCode maps a registry error to its wire code and HTTP status.
func ErrorCode(err error) (string, int) {
	switch {
	case errors.Is(err, ErrSubnetNotFound):
		return CodeSubnetNotFound, http.StatusNotFound
	case errors.Is(err, ErrNotRegistered):
		return CodeNotRegistered, http.StatusForbidden
	case errors.Is(err, ErrUnknownUID):
		return CodeUnknownUID, http.StatusBadRequest
	case errors.Is(err, validation.ErrInvalidVote):
		return CodeInvalidVote, http.StatusBadRequest
	case errors.Is(err, validation.ErrInvalidModule):
		return CodeInvalidModule, http.StatusBadRequest
	case errors.Is(err, keys.ErrMissingSignature), errors.Is(err, keys.ErrBadSignature),
		errors.Is(err, keys.ErrStaleTimestamp), errors.Is(err, keys.ErrInvalidKey):
		return CodeUnauthorized, http.StatusUnauthorized
	default:
		return CodeInternal, http.StatusInternalServerError
	}
}

// errorForCode rebuilds a sentinel-wrapped error from a registry error body.
func errorForCode(status int, code, message string) error {
	if sentinel, ok := codeErrors[code]; ok {
		return fmt.Errorf("%w: %s", sentinel, message)
	}
	return fmt.Errorf("%w: HTTP %d %s: %s", ErrRegistry, status, code, message)
}
