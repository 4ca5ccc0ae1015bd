// Package extract pulls plain text out of PDF files.
//
// NativeExtractor parses the file in-process. PdftotextExtractor shells out
// to poppler's pdftotext, which copes better with complex layouts.
package extract

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
)

var (
	// ErrUnreadablePDF wraps any failure to parse a single document.
	ErrUnreadablePDF = errors.New("unreadable pdf")

	// ErrPDFToolNotFound indicates pdftotext is not installed.
	ErrPDFToolNotFound = errors.New("pdftotext not found in PATH")
)

// Extractor returns the plain text of the PDF at path.
type Extractor interface {
	Extract(ctx context.Context, path string) (string, error)
}

// New returns the extractor for the given backend name: "native" (default)
// or "pdftotext".
func New(backend string) (Extractor, error) {
	switch backend {
	case "native", "":
		return NativeExtractor{}, nil
	case "pdftotext":
		if err := CheckAvailable(); err != nil {
			return nil, err
		}
		return NewPdftotext(), nil
	default:
		return nil, fmt.Errorf("unknown extractor %q (supported: native, pdftotext)", backend)
	}
}

// NativeExtractor reads PDFs with github.com/ledongthuc/pdf.
type NativeExtractor struct{}

// Extract returns the text of every page, pages joined by newlines.
func (NativeExtractor) Extract(ctx context.Context, path string) (text string, err error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	// The parser panics on some malformed files.
	defer func() {
		if r := recover(); r != nil {
			text, err = "", fmt.Errorf("%w: %s: %v", ErrUnreadablePDF, path, r)
		}
	}()

	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnreadablePDF, path, err)
	}
	defer f.Close()

	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnreadablePDF, path, err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrUnreadablePDF, path, err)
	}
	return Clean(buf.String()), nil
}

// CommandRunner runs an external command and returns its stdout.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return out, nil
}

// PdftotextExtractor runs `pdftotext -layout <path> -`.
type PdftotextExtractor struct {
	runner CommandRunner
}

// NewPdftotext returns an extractor that executes the real binary.
func NewPdftotext() *PdftotextExtractor {
	return &PdftotextExtractor{runner: execRunner{}}
}

// NewPdftotextWithRunner injects the command runner, for tests.
func NewPdftotextWithRunner(runner CommandRunner) *PdftotextExtractor {
	return &PdftotextExtractor{runner: runner}
}

func (e *PdftotextExtractor) Extract(ctx context.Context, path string) (string, error) {
	out, err := e.runner.Run(ctx, "pdftotext", "-layout", path, "-")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", ErrPDFToolNotFound
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("%w: %s: pdftotext failed: %v", ErrUnreadablePDF, path, err)
	}
	return Clean(string(out)), nil
}

// CheckAvailable reports whether pdftotext is on PATH.
func CheckAvailable() error {
	if _, err := exec.LookPath("pdftotext"); err != nil {
		return ErrPDFToolNotFound
	}
	return nil
}

// InstallInstructions explains how to install pdftotext.
func InstallInstructions() string {
	return "pdftotext is part of poppler: brew install poppler (macOS), apt install poppler-utils (Debian/Ubuntu)"
}

var trailingSpace = regexp.MustCompile(`[ \t\f\v\r]+\n`)

// Clean strips whitespace before line breaks, form feeds between pages, and
// surrounding whitespace.
func Clean(text string) string {
	text = strings.ReplaceAll(text, "\f", "\n")
	text = trailingSpace.ReplaceAllString(text, "\n")
	return strings.TrimSpace(text)
}
