package protocol

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies an error for callers and maps it to an HTTP status.
type Kind string

const (
	KindNotFound     Kind = "not_found"
	KindLocked       Kind = "locked"
	KindConstruction Kind = "construction"
	KindInvalidPatch Kind = "invalid_patch"
	KindMethod       Kind = "method"
	KindTransport    Kind = "transport"
	KindStore        Kind = "store"
	KindUnauthorized Kind = "unauthorized"
)

// Error is a classified error. Sentinels carry only a Kind and match any
// Error of the same Kind under errors.Is.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// Sentinels for errors.Is.
var (
	ErrNotFound     = &Error{Kind: KindNotFound}
	ErrLocked       = &Error{Kind: KindLocked}
	ErrConstruction = &Error{Kind: KindConstruction}
	ErrInvalidPatch = &Error{Kind: KindInvalidPatch}
	ErrMethod       = &Error{Kind: KindMethod}
	ErrTransport    = &Error{Kind: KindTransport}
	ErrStore        = &Error{Kind: KindStore}
	ErrUnauthorized = &Error{Kind: KindUnauthorized}
)

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Msg == "" && t.Err == nil && t.Kind == e.Kind
}

// Errorf builds a classified error.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind with a context message.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// NotFound reports a missing entity.
func NotFound(collection, id string) error {
	return Errorf(KindNotFound, "%s %q not found", collection, id)
}

// Locked reports a station locked by another session.
func Locked(stationID, holder string) error {
	return Errorf(KindLocked, "station %s is locked by %s", stationID, holder)
}

// KindOf returns the Kind of the first classified error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// StatusCode maps an error to its HTTP status.
func StatusCode(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindLocked:
		return http.StatusForbidden
	case KindConstruction, KindInvalidPatch:
		return http.StatusBadRequest
	case KindMethod:
		return http.StatusUnprocessableEntity
	case KindTransport:
		return http.StatusBadGateway
	case KindUnauthorized:
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

// NewErrorBody renders err for an HTTP response.
func NewErrorBody(err error) ErrorBody {
	return ErrorBody{Error: err.Error(), Kind: KindOf(err)}
}

// ErrorFromStatus rebuilds a classified error from an HTTP error response.
// The kind in the body wins over the status code when present.
func ErrorFromStatus(code int, body ErrorBody) error {
	kind := body.Kind
	if kind == "" {
		switch code {
		case http.StatusNotFound:
			kind = KindNotFound
		case http.StatusForbidden:
			kind = KindLocked
		case http.StatusBadRequest:
			kind = KindConstruction
		case http.StatusUnprocessableEntity:
			kind = KindMethod
		case http.StatusUnauthorized:
			kind = KindUnauthorized
		case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
			kind = KindTransport
		default:
			kind = KindStore
		}
	}
	msg := body.Error
	if msg == "" {
		msg = fmt.Sprintf("http %d", code)
	}
	return &Error{Kind: kind, Msg: msg}
}
