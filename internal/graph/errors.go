package graph

import "net/http"

// ErrorClass is the error taxonomy from spec §4.2/§7. Every Graph response
// or transport failure is classified into exactly one of these so callers
// (C4, C5, C6) can decide retry vs surface-to-client without re-deriving
// policy from raw status codes.
type ErrorClass int

const (
	// ClassOK indicates the call succeeded.
	ClassOK ErrorClass = iota
	// ClassRetryable covers 5xx, 429, network errors, and timeouts.
	ClassRetryable
	// ClassAuth covers 401/403 observed after a refresh attempt has already
	// been made for this call.
	ClassAuth
	// ClassPermanent covers 400/404/413/422 with a non-transient body.
	ClassPermanent
)

// String renders the class name for logging.
func (c ErrorClass) String() string {
	switch c {
	case ClassOK:
		return "ok"
	case ClassRetryable:
		return "retryable"
	case ClassAuth:
		return "auth"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// classifyStatus maps an HTTP status code to an ErrorClass. refreshed
// indicates whether a token refresh has already been attempted for this
// call; a 401/403 observed after that point is ClassAuth rather than being
// retried again.
func classifyStatus(status int, refreshed bool) ErrorClass {
	switch {
	case status >= 200 && status < 300:
		return ClassOK
	case status == http.StatusTooManyRequests:
		return ClassRetryable
	case status >= 500:
		return ClassRetryable
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		if refreshed {
			return ClassAuth
		}
		return ClassRetryable
	case status == http.StatusBadRequest,
		status == http.StatusNotFound,
		status == http.StatusRequestEntityTooLarge,
		status == http.StatusUnprocessableEntity:
		return ClassPermanent
	default:
		return ClassPermanent
	}
}

// MapSMTPCode maps a Graph error into the conservative SMTP reply code
// spec §4.5 requires: 554 default, 552 for a size violation, 550 for a
// policy/addressing violation.
func MapSMTPCode(class ErrorClass, status int) int {
	if class != ClassPermanent {
		return 554
	}
	switch status {
	case http.StatusRequestEntityTooLarge:
		return 552
	case http.StatusBadRequest, http.StatusUnprocessableEntity, http.StatusNotFound:
		return 550
	default:
		return 554
	}
}
