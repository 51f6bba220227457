package logstore

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidName is returned for filenames the store will not create.
	ErrInvalidName = errors.New("invalid log filename")

	// ErrExists is returned by Commit when the record already exists.
	ErrExists = errors.New("log file already exists")
)

// StorageError reports a filesystem failure in the store.
type StorageError struct {
	Op   string
	Name string
	Err  error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("logstore: %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// ParseError marks a stored file whose content is not valid JSON.
type ParseError struct {
	Name string
	Err  error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("logstore: parse %s: %v", e.Name, e.Err)
}

func (e *ParseError) Unwrap() error { return e.Err }

// ErrorMessage is the text shown in a record's error placeholder.
func ErrorMessage(err error) string {
	var pe *ParseError
	if errors.As(err, &pe) {
		return "Invalid JSON"
	}
	return err.Error()
}
