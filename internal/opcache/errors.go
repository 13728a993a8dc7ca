package opcache

import "errors"

var (
	// ErrUnknownRef is returned when a content reference does not resolve.
	ErrUnknownRef = errors.New("unknown content reference")

	// ErrRelativePath is returned for paths that are not absolute.
	ErrRelativePath = errors.New("path must be absolute")
)
