package models

import (
	"errors"
	"io/fs"
)

var (
	ErrIOFailure        = errors.New("i/o failure")
	ErrCorruptBaseline  = errors.New("corrupt baseline")
	ErrPermissionDenied = errors.New("permission denied")
	ErrSymlinkLoop      = errors.New("symlink loop detected")
	ErrBaselineNotFound = errors.New("baseline not found")
	ErrBackupUnreadable = errors.New("backup unreadable")
	ErrNotAuthorized    = errors.New("not authorized")
)

// PathError records a failure tied to one path. It matches ErrPermissionDenied
// for permission failures and ErrIOFailure for every other I/O failure.
type PathError struct {
	Op   string
	Path string
	Err  error
}

func (e *PathError) Error() string {
	return e.Op + " " + e.Path + ": " + e.Err.Error()
}

func (e *PathError) Unwrap() error {
	return e.Err
}

func (e *PathError) Is(target error) bool {
	switch target {
	case ErrPermissionDenied:
		return errors.Is(e.Err, fs.ErrPermission)
	case ErrIOFailure:
		return !errors.Is(e.Err, ErrSymlinkLoop)
	}
	return false
}

// NewPathError wraps err for path unless it is nil.
func NewPathError(op, path string, err error) error {
	if err == nil {
		return nil
	}
	return &PathError{Op: op, Path: path, Err: err}
}
