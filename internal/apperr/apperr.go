// Package apperr holds the error taxonomy shared by the upload engine, the
// analysis pipeline and the HTTP control surface.
package apperr

import (
	"errors"
	"net/http"
)

var (
	// ErrNotFound is returned when the local resource does not exist.
	ErrNotFound = errors.New("resource not found")

	// ErrNotConfigured is returned when remote credentials are missing.
	ErrNotConfigured = errors.New("remote storage is not configured")

	// ErrSessionExpired is returned when the remote no longer recognises a
	// resumable session handle. It is fatal for that session.
	ErrSessionExpired = errors.New("remote upload session expired")

	// ErrTransientNetwork marks a timeout, abort or unexpected status during a
	// chunk or probe request. The session is kept so the upload can resume.
	ErrTransientNetwork = errors.New("transient network failure")

	// ErrUnparseableMedia is returned by an analysis step that could not
	// extract a signal. It yields a partial result, never an aborted one.
	ErrUnparseableMedia = errors.New("unparseable media")

	// ErrAlreadyActive is returned when a transfer loop already runs for the
	// resource.
	ErrAlreadyActive = errors.New("an upload is already active for this resource")

	// ErrNoSession is returned when resume finds nothing persisted.
	ErrNoSession = errors.New("no interrupted upload found")

	// ErrNotActive is returned when pausing a resource with no running loop.
	ErrNotActive = errors.New("no active upload for this resource")
)

var codes = []struct {
	err    error
	code   string
	status int
}{
	{ErrNotFound, "NOT_FOUND", http.StatusNotFound},
	{ErrNotConfigured, "NOT_CONFIGURED", http.StatusServiceUnavailable},
	{ErrSessionExpired, "SESSION_EXPIRED", http.StatusGone},
	{ErrTransientNetwork, "TRANSIENT_NETWORK", http.StatusServiceUnavailable},
	{ErrUnparseableMedia, "UNPARSEABLE_MEDIA", http.StatusUnprocessableEntity},
	{ErrAlreadyActive, "ALREADY_ACTIVE", http.StatusConflict},
	{ErrNoSession, "NO_SESSION", http.StatusNotFound},
	{ErrNotActive, "NOT_ACTIVE", http.StatusConflict},
}

// Code returns the stable machine-readable code for err, or "INTERNAL_ERROR"
// when err is not part of the taxonomy.
func Code(err error) string {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "INTERNAL_ERROR"
}

// Status maps err to an HTTP status code.
func Status(err error) int {
	for _, c := range codes {
		if errors.Is(err, c.err) {
			return c.status
		}
	}
	return http.StatusInternalServerError
}

// Retryable reports whether a caller may retry the operation that produced
// err. NotFound, NotConfigured and SessionExpired are never retryable.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransientNetwork)
}
