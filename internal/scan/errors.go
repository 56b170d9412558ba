package scan

import (
	"errors"
	"fmt"
)

var (
	ErrValidation       = errors.New("invalid upload")
	ErrTooLarge         = fmt.Errorf("%w: file exceeds size limit", ErrValidation)
	ErrUnsupportedType  = fmt.Errorf("%w: unsupported file type", ErrValidation)
	ErrNotFound         = errors.New("scan not found")
	ErrStoreUnavailable = errors.New("job store unavailable")
	ErrClosed           = errors.New("scan service closed")
)
