package model

import (
	"errors"
	"fmt"
)

// Kind classifies a sync failure for routing: local retry, durable enqueue,
// counted drop, or process exit.
type Kind int

const (
	KindUnknown Kind = iota
	// KindConfigInvalid is fatal at startup (exit 1).
	KindConfigInvalid
	// KindSourceUnavailable is transient; the watermark is not advanced past
	// unread rows and the next cycle retries.
	KindSourceUnavailable
	// KindCRMTransient survives client-level retries; the record is enqueued.
	KindCRMTransient
	// KindCRMValidation is a semantic 4xx; enqueued for human inspection,
	// never retried at the call site.
	KindCRMValidation
	// KindDataQuality records are counted and dropped, never enqueued.
	KindDataQuality
	// KindAutoBindAmbiguous records are skipped with a warning, not enqueued.
	KindAutoBindAmbiguous
	// KindStageReadFailed is the auto-binding safety failure; the deal is not
	// touched and the record is enqueued.
	KindStageReadFailed
	// KindStorageCorrupt is fatal for the queue or watermark (exit 2), and a
	// warning for the rebuildable plan cache.
	KindStorageCorrupt
)

func (k Kind) String() string {
	switch k {
	case KindConfigInvalid:
		return "ConfigInvalid"
	case KindSourceUnavailable:
		return "SourceUnavailable"
	case KindCRMTransient:
		return "CrmTransient"
	case KindCRMValidation:
		return "CrmValidation"
	case KindDataQuality:
		return "DataQuality"
	case KindAutoBindAmbiguous:
		return "AutoBindAmbiguous"
	case KindStageReadFailed:
		return "StageReadFailed"
	case KindStorageCorrupt:
		return "StorageCorrupt"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// SyncError attaches a routing Kind to an underlying failure.
type SyncError struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *SyncError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Err)
}

func (e *SyncError) Unwrap() error { return e.Err }

// E builds a SyncError.
func E(kind Kind, op string, err error) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: err}
}

// Errorf builds a SyncError from a formatted message.
func Errorf(kind Kind, op, format string, args ...any) *SyncError {
	return &SyncError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf extracts the routing kind of |err|, or KindUnknown.
func KindOf(err error) Kind {
	var se *SyncError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}
