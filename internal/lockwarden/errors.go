package lockwarden

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput    = errors.New("invalid input")
	ErrNotImplemented  = errors.New("not implemented")
	ErrQueueClosed     = errors.New("mutation queue closed")
	ErrMissingAsset    = errors.New("missing cached asset")
	ErrDownloadFailed  = errors.New("download failed")
	ErrRemoteCall      = errors.New("remote call failed")
	ErrHandlerFailed   = errors.New("event handler failed")
	ErrPersistenceLoad = errors.New("lock state not loaded")
)

// PersistenceWarning reports a missing or unreadable lock document. The store
// keeps running with an empty LockSet when it is returned.
type PersistenceWarning struct {
	Source string
	Err    error
}

func (e *PersistenceWarning) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("lock state %s unavailable, using defaults", e.Source)
	}
	return fmt.Sprintf("lock state %s unavailable, using defaults: %v", e.Source, e.Err)
}

func (e *PersistenceWarning) Unwrap() error {
	return e.Err
}

func (e *PersistenceWarning) Is(target error) bool {
	return target == ErrPersistenceLoad
}

type RemoteCallError struct {
	Method   string
	ThreadID string
	Err      error
}

func (e *RemoteCallError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Method, e.ThreadID, e.Err)
}

func (e *RemoteCallError) Unwrap() error {
	return e.Err
}

func (e *RemoteCallError) Is(target error) bool {
	return target == ErrRemoteCall
}

type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

func (e *DownloadError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("download %s: %v", e.URL, e.Err)
	}
	return fmt.Sprintf("download %s: status %d", e.URL, e.StatusCode)
}

func (e *DownloadError) Unwrap() error {
	return e.Err
}

func (e *DownloadError) Is(target error) bool {
	return target == ErrDownloadFailed
}

type MissingAssetError struct {
	ThreadID string
	Path     string
}

func (e *MissingAssetError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("no saved image for %s", e.ThreadID)
	}
	return fmt.Sprintf("saved image for %s missing at %s", e.ThreadID, e.Path)
}

func (e *MissingAssetError) Is(target error) bool {
	return target == ErrMissingAsset
}

// HandlerError isolates a failure (or panic) to the single event that caused it.
type HandlerError struct {
	EventType string
	ThreadID  string
	Cause     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handle %s event in %s: %v", e.EventType, e.ThreadID, e.Cause)
}

func (e *HandlerError) Unwrap() error {
	return e.Cause
}

func (e *HandlerError) Is(target error) bool {
	return target == ErrHandlerFailed
}

func IsMissingAsset(err error) bool {
	var missing *MissingAssetError
	return errors.As(err, &missing)
}

func IsDownloadError(err error) bool {
	var download *DownloadError
	return errors.As(err, &download)
}
