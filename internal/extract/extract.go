// Package extract turns downloaded PDFs into per-page plain text files.
// Native text comes from the PDF content streams; pages that yield almost
// nothing are retried through a pdftoppm plus tesseract OCR pass, capped per
// document so one huge scanned file cannot stall a run.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/cockroachdb/errors"
	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
)

// MaxOCRPages caps OCR attempts per document.
const MaxOCRPages = 50

// Extraction method names recorded in the catalog.
const (
	MethodNative    = "pdf-native"
	MethodNativeOCR = "pdf-native+ocr"
	MethodError     = "error"
)

const (
	defaultMinCharsPerPage = 50
	defaultOCRDPI          = 300
	defaultTesseractLang   = "eng"
)

// Options tunes an Extractor. Zero values fall back to defaults.
type Options struct {
	// MinCharsPerPage is the native text length below which a page is
	// considered scanned and handed to OCR.
	MinCharsPerPage int
	// OCRDPI is the render resolution for OCR page images.
	OCRDPI int
	// TesseractLang selects the tesseract language model.
	TesseractLang string
}

// Extractor extracts text from PDF documents. Tool availability is probed
// once at construction; when either OCR tool is missing the fallback is
// disabled and native extraction still runs.
type Extractor struct {
	opts         Options
	hasPdftoppm  bool
	hasTesseract bool
}

// Result summarizes one extraction.
type Result struct {
	PageCount int
	CharCount int
	OCRPages  int
	Method    string
}

// New probes the OCR toolchain and returns a ready Extractor.
func New(opts Options) *Extractor {
	if opts.MinCharsPerPage <= 0 {
		opts.MinCharsPerPage = defaultMinCharsPerPage
	}
	if opts.OCRDPI <= 0 {
		opts.OCRDPI = defaultOCRDPI
	}
	if opts.TesseractLang == "" {
		opts.TesseractLang = defaultTesseractLang
	}

	e := &Extractor{
		opts:         opts,
		hasPdftoppm:  probeTool("pdftoppm"),
		hasTesseract: probeTool("tesseract"),
	}
	if !e.hasPdftoppm {
		slog.Warn("pdftoppm not found, ocr fallback disabled")
	}
	if !e.hasTesseract {
		slog.Warn("tesseract not found, ocr fallback disabled")
	}
	return e
}

// CheckOCR returns ErrOCRUnavailable when the OCR fallback cannot run.
func (e *Extractor) CheckOCR() error {
	if !e.hasPdftoppm || !e.hasTesseract {
		return ErrOCRUnavailable
	}
	return nil
}

// ExtractPDF extracts all pages of pdfPath into outputPath. Each page is
// written as a "--- Page N ---" marker followed by its text; pages are
// joined by blank lines. A page whose native text is shorter than
// MinCharsPerPage is OCRed, and the OCR text is adopted only when it is
// strictly longer than the native text. OCR failures degrade that page to
// its native text; only an unreadable PDF or an unwritable output fails the
// whole document.
func (e *Extractor) ExtractPDF(ctx context.Context, pdfPath, outputPath string) (*Result, error) {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "create output directory")
	}

	f, err := os.Open(pdfPath)
	if err != nil {
		return nil, errors.Wrap(err, "open pdf")
	}
	defer f.Close()

	conf := model.NewDefaultConfiguration()
	pdfCtx, err := api.ReadValidateAndOptimize(f, conf)
	if err != nil {
		return nil, &PDFError{Path: pdfPath, Err: err}
	}

	canOCR := e.hasPdftoppm && e.hasTesseract
	method := MethodNative
	ocrPages := 0
	pages := make([]string, 0, pdfCtx.PageCount)

	for pageNr := 1; pageNr <= pdfCtx.PageCount; pageNr++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		text := pageText(pdfCtx, pageNr)

		if utf8.RuneCountInString(text) < e.opts.MinCharsPerPage && canOCR && ocrPages < MaxOCRPages {
			ocrText, ocrErr := e.ocrPage(ctx, pdfPath, pageNr)
			if ocrErr != nil {
				slog.Debug("ocr failed, keeping native text",
					"pdf", pdfPath, "page", pageNr, "error", ocrErr)
			}
			if ocrText != "" && len(ocrText) > len(text) {
				text = ocrText
				ocrPages++
				method = MethodNativeOCR
			}
		}

		pages = append(pages, fmt.Sprintf("--- Page %d ---\n%s", pageNr, text))
	}

	fullText := strings.Join(pages, "\n\n")
	if err := os.WriteFile(outputPath, []byte(fullText), 0o644); err != nil {
		return nil, errors.Wrap(err, "write extracted text")
	}

	if ocrPages >= MaxOCRPages {
		slog.Warn("ocr capped for document", "pdf", pdfPath, "max_pages", MaxOCRPages)
	}

	return &Result{
		PageCount: pdfCtx.PageCount,
		CharCount: utf8.RuneCountInString(fullText),
		OCRPages:  ocrPages,
		Method:    method,
	}, nil
}

// ocrPage renders one page to PNG and runs tesseract over it. The page
// number is 1-based.
func (e *Extractor) ocrPage(ctx context.Context, pdfPath string, pageNr int) (string, error) {
	tmpdir, err := os.MkdirTemp("", "harvest-ocr-")
	if err != nil {
		return "", errors.Wrap(err, "create ocr tempdir")
	}
	defer os.RemoveAll(tmpdir)

	p := strconv.Itoa(pageNr)
	_, exitErr, err := runTool(ctx, pdftoppmTimeout, "pdftoppm",
		"-f", p, "-l", p,
		"-r", strconv.Itoa(e.opts.OCRDPI),
		"-png", pdfPath, filepath.Join(tmpdir, "page"))
	if err != nil {
		return "", err
	}
	if exitErr != nil {
		return "", exitErr
	}

	img, err := firstPNG(tmpdir)
	if err != nil || img == "" {
		return "", err
	}

	stdout, tessExit, err := runTool(ctx, tesseractTimeout, "tesseract",
		img, "stdout", "-l", e.opts.TesseractLang)
	if err != nil {
		return "", err
	}
	if tessExit != nil {
		// tesseract often exits nonzero after emitting usable text; keep
		// whatever it printed.
		slog.Debug("tesseract exited abnormally", "pdf", pdfPath, "page", pageNr, "error", tessExit)
	}
	return strings.TrimSpace(stdout), nil
}

func firstPNG(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", errors.Wrap(err, "list ocr tempdir")
	}
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".png") {
			return filepath.Join(dir, entry.Name()), nil
		}
	}
	return "", nil
}
