package kernel

import (
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by any operation on a chainstate manager, chain
	// view or block tree entry after the owning manager has been closed.
	ErrClosed = errors.New("chainstate manager is closed")

	// ErrNotFound is returned when a block hash is not present in the block
	// index.
	ErrNotFound = errors.New("block not found in index")

	// ErrOutOfRange is returned for height lookups outside [0, tip height].
	ErrOutOfRange = errors.New("height out of range")

	// ErrNoParent is returned by BlockTreeEntry.Previous at genesis.
	ErrNoParent = errors.New("genesis block has no parent")

	// ErrNoUndoData is returned when requesting spent outputs for the
	// genesis block, which has none by construction.
	ErrNoUndoData = errors.New("genesis block has no undo data")

	// ErrInterrupted is returned when a long-running operation was cut short
	// by Context.Interrupt. Partial state is not rolled back.
	ErrInterrupted = errors.New("operation interrupted")
)

// InitializationError reports a failure to construct a chainstate manager:
// the data directory is locked by another manager, the wipe flags are
// inconsistent, or the on-disk state is corrupted beyond recovery.
type InitializationError struct {
	Msg string
	Err error
}

func (e *InitializationError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("chainstate initialization: %s", e.Msg)
	}
	return fmt.Sprintf("chainstate initialization: %s: %v", e.Msg, e.Err)
}

func (e *InitializationError) Unwrap() error { return e.Err }

// IOError reports a disk read that should have succeeded for an entry
// obtained from this manager. Distinct from misuse errors so callers can
// treat it as a storage integrity issue.
type IOError struct {
	Op  string
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("disk i/o: %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// ProcessBlockError reports a genuine validation failure from ProcessBlock.
// Duplicate submission of an already-known block is not an error.
type ProcessBlockError struct {
	Result BlockValidationResult
	Msg    string
}

func (e *ProcessBlockError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("process block: %s", e.Result)
	}
	return fmt.Sprintf("process block: %s: %s", e.Result, e.Msg)
}

// ResultLabel returns the narrow rejection reason as a stable label.
func (e *ProcessBlockError) ResultLabel() string { return e.Result.String() }

// ScriptVerifyError reports a misuse of the script verification call: bad
// flags, a missing required argument, or an out-of-bounds input index. A
// script that simply does not validate is not an error.
type ScriptVerifyError struct {
	Status ScriptVerifyStatus
}

func (e *ScriptVerifyError) Error() string {
	return fmt.Sprintf("script verification: %s", e.Status)
}
