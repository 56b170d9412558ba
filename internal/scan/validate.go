package scan

import (
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/neuroscan/internal/layout"
)

// AllowedExtensions are the accepted upload types, lower-case with the dot.
var AllowedExtensions = []string{".jpg", ".jpeg", ".png", ".dcm"}

// Upload is one submitted artifact. Size is the declared length; a negative
// Size means unknown and the body is measured while it is written.
type Upload struct {
	OwnerID  uuid.UUID
	FileName string
	Size     int64
	Body     io.Reader
}

func (u Upload) validate(maxBytes int64) error {
	if u.OwnerID == uuid.Nil {
		return fmt.Errorf("%w: owner is required", ErrValidation)
	}
	if u.Body == nil {
		return fmt.Errorf("%w: no file provided", ErrValidation)
	}
	if strings.TrimSpace(u.FileName) == "" {
		return fmt.Errorf("%w: file name is required", ErrValidation)
	}
	if !allowedExt(layout.Ext(u.FileName)) {
		return fmt.Errorf("%w %q, expected one of %s",
			ErrUnsupportedType, layout.Ext(u.FileName), strings.Join(AllowedExtensions, ", "))
	}
	if u.Size == 0 {
		return fmt.Errorf("%w: file is empty", ErrValidation)
	}
	if u.Size > maxBytes {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, u.Size, maxBytes)
	}
	return nil
}

func allowedExt(ext string) bool {
	for _, a := range AllowedExtensions {
		if ext == a {
			return true
		}
	}
	return false
}
