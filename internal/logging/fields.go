package logging

import (
	"log/slog"
	"time"
)

// Common field names used across the ledger.
const (
	FieldService   = "service"
	FieldRequestID = "request_id"
	FieldScope     = "scope_id"
	FieldEpochID   = "epoch_id"
	FieldFactID    = "fact_id"
	FieldSubjectID = "subject_id"
	FieldAdapter   = "adapter"
	FieldRunKey    = "run_key"
	FieldDuration  = "duration_ms"
	FieldError     = "error"
)

func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

func Scope(id string) slog.Attr {
	return slog.String(FieldScope, id)
}

func EpochID(id string) slog.Attr {
	return slog.String(FieldEpochID, id)
}

func FactID(id string) slog.Attr {
	return slog.String(FieldFactID, id)
}

func SubjectID(id string) slog.Attr {
	return slog.String(FieldSubjectID, id)
}

func Adapter(name string) slog.Attr {
	return slog.String(FieldAdapter, name)
}

func RunKey(key string) slog.Attr {
	return slog.String(FieldRunKey, key)
}

// Duration returns the elapsed time in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error. A nil error logs as "".
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}
