package relayerr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for propagation policy and HTTP mapping.
type Kind string

const (
	KindUnknown       Kind = "Unknown"
	SignatureInvalid  Kind = "SignatureInvalid"
	DigestMismatch    Kind = "DigestMismatch"
	Unauthorized      Kind = "Unauthorized"
	NotSubscribed     Kind = "NotSubscribed"
	Forbidden         Kind = "Forbidden"
	MalformedActivity Kind = "MalformedActivity"
	ActorUnavailable  Kind = "ActorUnavailable"
	StoreCorrupt      Kind = "StoreCorrupt"
	StoreTransient    Kind = "StoreTransient"
	NetworkTransient  Kind = "NetworkTransient"
	NetworkPermanent  Kind = "NetworkPermanent"
	JobTimeout        Kind = "JobTimeout"
	ConfigInvalid     Kind = "ConfigInvalid"
)

type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

func E(kind Kind, message string) error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, cause error) error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf walks the error chain for the outermost classified kind.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Retryable reports whether a delivery failure should be retried with
// backoff rather than treated as terminal.
func Retryable(err error) bool {
	switch KindOf(err) {
	case NetworkTransient, StoreTransient, ActorUnavailable, JobTimeout:
		return true
	}
	return false
}

// HTTPStatus maps an error kind onto the wire status. Bodies never carry
// more than the kind name.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case SignatureInvalid, DigestMismatch, Unauthorized, NotSubscribed:
		return http.StatusUnauthorized
	case Forbidden:
		return http.StatusForbidden
	case MalformedActivity:
		return http.StatusBadRequest
	case ActorUnavailable:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
