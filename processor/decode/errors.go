package decode

import (
	stderrors "errors"
)

// Decode errors. All of them are returned wrapped as Invalid by the errors package.
var (
	ErrUnknownFormat     = stderrors.New("unknown data format")
	ErrTruncated         = stderrors.New("payload truncated")
	ErrUnsupportedFormat = stderrors.New("unsupported data format")
	ErrOutOfRange        = stderrors.New("value out of range")
)

// Kind returns a short label for a decode error, suitable as a metric label.
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case stderrors.Is(err, ErrUnknownFormat):
		return "unknown_format"
	case stderrors.Is(err, ErrTruncated):
		return "truncated"
	case stderrors.Is(err, ErrUnsupportedFormat):
		return "unsupported_format"
	case stderrors.Is(err, ErrOutOfRange):
		return "out_of_range"
	default:
		return "other"
	}
}
