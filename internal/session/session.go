// Package session persists per-resource upload progress so an interrupted
// transfer can be resumed after a pause, a network failure or a restart.
package session

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when no session exists for the resource.
var ErrNotFound = errors.New("session not found")

// Status values stored with a session.
const (
	StatusTransferring = "transferring"
	StatusPaused       = "paused"
	StatusError        = "error"
	// StatusInterrupted marks a session found mid-transfer at startup.
	StatusInterrupted = "interrupted"
)

// Session is the persisted state of one resumable upload. BytesTransferred
// is a local checkpoint only; the remote's offset wins on resume.
type Session struct {
	ResourceID       string     `json:"resource_id"`
	RemoteHandle     string     `json:"remote_handle"`
	BytesTransferred int64      `json:"bytes_transferred"`
	BytesTotal       int64      `json:"bytes_total"`
	Label            string     `json:"label"`
	Status           string     `json:"status"`
	InterruptedAt    *time.Time `json:"interrupted_at,omitempty"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// Store is a key-value store of sessions keyed by resource id. The upload
// engine is its only writer and serialises updates per resource.
type Store interface {
	Get(ctx context.Context, resourceID string) (Session, error)
	Put(ctx context.Context, s Session) error
	Delete(ctx context.Context, resourceID string) error
	List(ctx context.Context) ([]Session, error)
}
