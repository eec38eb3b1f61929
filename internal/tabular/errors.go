package tabular

import (
	"errors"
	"fmt"
)

// ErrorKind distinguishes the ways reading a data file can fail.
type ErrorKind string

const (
	KindFileNotFound ErrorKind = "FILE_NOT_FOUND"
	KindInvalidCSV   ErrorKind = "INVALID_CSV"
	KindNoHeaders    ErrorKind = "NO_HEADERS"
	KindEncoding     ErrorKind = "ENCODING_ERROR"
)

// Error is returned by every reader function.
type Error struct {
	Kind   ErrorKind
	Path   string
	Reason string
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindFileNotFound:
		return fmt.Sprintf("File not found: %s", e.Path)
	case KindNoHeaders:
		return "CSV file must have a header row"
	default:
		return fmt.Sprintf("Invalid CSV file: %s", e.Reason)
	}
}

// IsKind reports whether err is a tabular error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var te *Error
	return errors.As(err, &te) && te.Kind == kind
}

func notFound(path string) error {
	return &Error{Kind: KindFileNotFound, Path: path}
}

func invalid(path, reason string) error {
	return &Error{Kind: KindInvalidCSV, Path: path, Reason: reason}
}

func encodingError(path string, line int) error {
	return &Error{Kind: KindEncoding, Path: path, Reason: fmt.Sprintf("Encoding error: invalid UTF-8 on line %d", line)}
}

func noHeaders(path string) error {
	return &Error{Kind: KindNoHeaders, Path: path}
}
