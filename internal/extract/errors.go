package extract

import (
	"fmt"

	"github.com/cockroachdb/errors"
)

// ErrOCRUnavailable means pdftoppm or tesseract is not installed, so the OCR
// fallback cannot run.
var ErrOCRUnavailable = errors.New("ocr tools not installed")

// ErrSubprocessTimeout means an OCR tool ran past its deadline and was
// killed.
var ErrSubprocessTimeout = errors.New("ocr subprocess timed out")

// PDFError reports a document pdfcpu could not read or validate.
type PDFError struct {
	Path string
	Err  error
}

func (e *PDFError) Error() string {
	return fmt.Sprintf("pdf parse %s: %v", e.Path, e.Err)
}

func (e *PDFError) Unwrap() error { return e.Err }

// SubprocessError reports an OCR tool that started but exited abnormally.
// Stderr carries the first part of the tool's error output.
type SubprocessError struct {
	Tool   string
	Stderr string
	Err    error
}

func (e *SubprocessError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s failed: %v: %s", e.Tool, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s failed: %v", e.Tool, e.Err)
}

func (e *SubprocessError) Unwrap() error { return e.Err }
