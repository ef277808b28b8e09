package content

import "errors"

var (
	// ErrContentNotFound indicates the content stream doesn't exist.
	ErrContentNotFound = errors.New("content not found")
	// ErrContentExists indicates a create collided with an existing content id.
	ErrContentExists = errors.New("content already exists")
	// ErrVersionNotFound indicates the version is not part of the content stream.
	ErrVersionNotFound = errors.New("version not found")
	// ErrInvalidInput indicates a malformed request.
	ErrInvalidInput = errors.New("invalid content input")
)
