package gtfseditor

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidInput marks rows or feeds that parse but violate GTFS or referential rules.
	ErrInvalidInput = errors.New("invalid input")
	// ErrFormat marks input that could not be read at all: not a zip, unreadable CSV.
	ErrFormat = errors.New("malformed input")
	ErrNotFound = errors.New("not found")
	// ErrConflict marks requests that clash with the current state of a project.
	ErrConflict = errors.New("conflict")
)

// RowError describes one problem with one row of an uploaded file.
// Line is the 1-based line number in the file, counting the header.
type RowError struct {
	File    string `json:"file"`
	Line    int    `json:"line"`
	Column  string `json:"column,omitempty"`
	Message string `json:"message"`
}

func (e *RowError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("%s:%d: %s: %s", e.File, e.Line, e.Column, e.Message)
	}
	return fmt.Sprintf("%s:%d: %s", e.File, e.Line, e.Message)
}

// FeedError is returned when a file or feed is rejected. It unwraps to ErrFormat or ErrInvalidInput.
type FeedError struct {
	File string
	Rows []*RowError
	Err  error
}

func (e *FeedError) Error() string {
	var b strings.Builder
	if e.File != "" {
		b.WriteString(e.File)
		b.WriteString(": ")
	}
	b.WriteString(e.Err.Error())
	const maxShown = 5
	for i, row := range e.Rows {
		if i == maxShown {
			fmt.Fprintf(&b, "; and %d more", len(e.Rows)-maxShown)
			break
		}
		b.WriteString("; ")
		b.WriteString(row.Error())
	}
	return b.String()
}

func (e *FeedError) Unwrap() error {
	return e.Err
}

func formatErrorf(file string, format string, args ...any) *FeedError {
	return &FeedError{File: file, Err: fmt.Errorf("%w: %s", ErrFormat, fmt.Sprintf(format, args...))}
}

func invalidRows(file string, rows []*RowError) *FeedError {
	return &FeedError{File: file, Rows: rows, Err: ErrInvalidInput}
}

// StateError reports a build request that is not valid in the project's current build state.
type StateError struct {
	ProjectID int64
	Status    BuildStatus
	Op        string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("cannot %s project %d: build is %s", e.Op, e.ProjectID, e.Status)
}

func (e *StateError) Unwrap() error {
	return ErrConflict
}
