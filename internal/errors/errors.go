// Package errors defines the service error taxonomy used across the vault.
//
// Failures fall into three families:
//
//   - precondition: the call was invalid and nothing changed (bad amount, unknown protocol, ...)
//   - backend: an adapter call failed; callers contain these locally
//   - consistency: the request would break an accounting invariant
//
// plus authorization and re-entrancy rejections. Errors compare by Code, so a
// sentinel enriched with WithDetails or Wrap still matches errors.Is.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// Kind groups error codes by how callers are expected to react.
type Kind string

const (
	KindPrecondition Kind = "precondition"
	KindBackend      Kind = "backend"
	KindConsistency  Kind = "consistency"
	KindUnauthorized Kind = "unauthorized"
	KindReentrant    Kind = "reentrant"
)

// ServiceError is a classified error with an HTTP mapping.
type ServiceError struct {
	Kind       Kind
	Code       string
	Message    string
	HTTPStatus int
	Details    map[string]interface{}
	Err        error
}

func (e *ServiceError) Error() string {
	var b strings.Builder
	b.WriteString(e.Message)
	if len(e.Details) > 0 {
		keys := make([]string, 0, len(e.Details))
		for k := range e.Details {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, e.Details[k])
		}
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *ServiceError) Unwrap() error { return e.Err }

// Is matches any ServiceError with the same code.
func (e *ServiceError) Is(target error) bool {
	var other *ServiceError
	if !stderrors.As(target, &other) {
		return false
	}
	return other.Code == e.Code
}

// WithDetails returns a copy carrying an extra detail.
func (e *ServiceError) WithDetails(key string, value interface{}) *ServiceError {
	cp := e.clone()
	cp.Details[key] = value
	return cp
}

// Wrap returns a copy with cause attached.
func (e *ServiceError) Wrap(cause error) *ServiceError {
	cp := e.clone()
	cp.Err = cause
	return cp
}

func (e *ServiceError) clone() *ServiceError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	return &cp
}

func newError(kind Kind, status int, code, message string) *ServiceError {
	return &ServiceError{Kind: kind, Code: code, Message: message, HTTPStatus: status}
}

// Precondition violations.
var (
	ErrInvalidAmount      = newError(KindPrecondition, http.StatusBadRequest, "invalid_amount", "amount must be greater than zero")
	ErrZeroAddress        = newError(KindPrecondition, http.StatusBadRequest, "zero_address", "address is required")
	ErrInvalidProtocolID  = newError(KindPrecondition, http.StatusBadRequest, "invalid_protocol_id", "protocol id must be non-zero")
	ErrEmptyName          = newError(KindPrecondition, http.StatusBadRequest, "empty_name", "protocol name is required")
	ErrProtocolExists     = newError(KindPrecondition, http.StatusConflict, "protocol_exists", "protocol already registered")
	ErrProtocolNotFound   = newError(KindPrecondition, http.StatusNotFound, "protocol_not_found", "protocol not registered")
	ErrAdapterNotBound    = newError(KindPrecondition, http.StatusNotFound, "adapter_not_bound", "no adapter bound for protocol and asset")
	ErrAssetUnsupported   = newError(KindPrecondition, http.StatusBadRequest, "asset_unsupported", "adapter does not support asset")
	ErrAlreadyActive      = newError(KindPrecondition, http.StatusConflict, "already_active", "protocol already active")
	ErrNotActive          = newError(KindPrecondition, http.StatusConflict, "not_active", "protocol not active")
	ErrProtocolActive     = newError(KindPrecondition, http.StatusConflict, "protocol_active", "protocol is active for the vault asset")
	ErrLastActiveProtocol = newError(KindPrecondition, http.StatusConflict, "last_active_protocol", "cannot remove the last active protocol")
	ErrCapacityFull       = newError(KindPrecondition, http.StatusConflict, "capacity_full", "active set is at capacity")
	ErrNoActiveProtocols  = newError(KindPrecondition, http.StatusConflict, "no_active_protocols", "no active backends")
	ErrZeroShares         = newError(KindPrecondition, http.StatusBadRequest, "zero_shares", "amount converts to zero shares")
	ErrInvalidConfig      = newError(KindPrecondition, http.StatusBadRequest, "invalid_config", "invalid configuration")
)

// Backend failures.
var (
	ErrBackendFailed = newError(KindBackend, http.StatusBadGateway, "backend_failed", "backend call failed")
	ErrZeroResult    = newError(KindBackend, http.StatusBadGateway, "zero_result", "backend returned zero")
	ErrVerification  = newError(KindBackend, http.StatusBadGateway, "verification_failed", "postcondition did not verify")
)

// Consistency violations.
var (
	ErrInsufficientShares  = newError(KindConsistency, http.StatusUnprocessableEntity, "insufficient_shares", "insufficient share balance")
	ErrInsufficientBalance = newError(KindConsistency, http.StatusUnprocessableEntity, "insufficient_balance", "insufficient balance")
)

// Authorization and serialization.
var (
	ErrUnauthorized = newError(KindUnauthorized, http.StatusForbidden, "unauthorized", "caller is not authorized")
	ErrReentrant    = newError(KindReentrant, http.StatusConflict, "reentrant_call", "re-entrant vault call rejected")
)

// Transport rejections.
var (
	ErrInvalidRequest = newError(KindPrecondition, http.StatusBadRequest, "invalid_request", "malformed request")
	ErrInvalidToken   = newError(KindUnauthorized, http.StatusUnauthorized, "invalid_token", "bearer token is invalid")
	ErrRateLimited    = newError(KindPrecondition, http.StatusTooManyRequests, "rate_limited", "too many requests")
)

// KindOf returns the kind of err, or "" for unclassified errors.
func KindOf(err error) Kind {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// HTTPStatus maps err to a response status.
func HTTPStatus(err error) int {
	var se *ServiceError
	if stderrors.As(err, &se) && se.HTTPStatus != 0 {
		return se.HTTPStatus
	}
	return http.StatusInternalServerError
}

// Code returns the machine-readable code of err, or "internal".
func Code(err error) string {
	var se *ServiceError
	if stderrors.As(err, &se) {
		return se.Code
	}
	return "internal"
}

// DetailsOf returns the details attached to err, if any.
func DetailsOf(err error) map[string]interface{} {
	var se *ServiceError
	if stderrors.As(err, &se) && len(se.Details) > 0 {
		return se.Details
	}
	return nil
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool { return stderrors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return stderrors.As(err, target) }

// New returns a plain error.
func New(text string) error { return stderrors.New(text) }
