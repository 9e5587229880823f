package runlog

import (
	"errors"
	"fmt"
)

var (
	// ErrCorrupted means a line could not be decoded.
	ErrCorrupted = errors.New("runlog: file is corrupted")

	// ErrChecksumMismatch means a record does not match its checksum.
	ErrChecksumMismatch = errors.New("runlog: checksum mismatch")

	// ErrEmpty means the log holds no records.
	ErrEmpty = errors.New("runlog: no runs recorded")

	// ErrClosed means the log was closed.
	ErrClosed = errors.New("runlog: already closed")
)

// ChecksumError reports which record failed verification.
type ChecksumError struct {
	Seq      uint64
	Expected uint32
	Actual   uint32
}

func (e *ChecksumError) Error() string {
	return fmt.Sprintf("runlog: checksum mismatch at seq=%d (expected=0x%08x, got=0x%08x)", e.Seq, e.Expected, e.Actual)
}

func (e *ChecksumError) Is(target error) bool {
	return target == ErrChecksumMismatch
}

// CorruptionError reports an undecodable line.
type CorruptionError struct {
	Line  int
	Cause error
}

func (e *CorruptionError) Error() string {
	return fmt.Sprintf("runlog: corrupted record at line %d: %v", e.Line, e.Cause)
}

func (e *CorruptionError) Unwrap() error {
	return e.Cause
}

func (e *CorruptionError) Is(target error) bool {
	return target == ErrCorrupted
}
