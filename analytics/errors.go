package analytics

import (
	"fmt"
	"strings"
	"time"
)

// MissingFieldError reports a reading that lacks a field the feature schema
// needs. It is fatal to that reading only.
type MissingFieldError struct {
	Field     Field
	DeviceID  string
	Timestamp time.Time
}

func (e *MissingFieldError) Error() string {
	return fmt.Sprintf("missing field %q in reading from device %q at %s",
		e.Field, e.DeviceID, e.Timestamp.Format(time.RFC3339))
}

// SchemaMismatchError reports a feature vector whose shape or order differs
// from the schema the model was trained with. It aborts the whole batch.
type SchemaMismatchError struct {
	Expected Schema
	Got      Schema
	Reason   string
}

func (e *SchemaMismatchError) Error() string {
	msg := fmt.Sprintf("feature schema mismatch: model expects [%s], got [%s]",
		joinSchema(e.Expected), joinSchema(e.Got))
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func joinSchema(s Schema) string {
	names := make([]string, len(s))
	for i, f := range s {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}
