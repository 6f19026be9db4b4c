// Package dberrors holds the sentinel errors shared across the engine's
// public surface. Absent keys are not errors; a lookup miss is reported
// through a boolean, never through ErrNotFound-style sentinels.
package dberrors

import "github.com/cockroachdb/errors"

var (
	ErrClosed          = errors.New("snaildb: engine closed")
	ErrInvalidArgument = errors.New("snaildb: invalid argument")
)
