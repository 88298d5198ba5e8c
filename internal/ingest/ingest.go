// Package ingest fetches input objects and renders PDF pages to images.
// Rendering shells out to pdftoppm (poppler-utils); page counting uses pdfcpu.
package ingest

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/jackzampolin/docpipe/internal/doc"
)

// DefaultDPI is the render resolution for page images.
const DefaultDPI = 300

// PageCount returns the number of pages in a PDF file.
func PageCount(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("failed to open PDF: %w", err)
	}
	defer f.Close()

	count, err := api.PageCount(f, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to get page count: %w", err)
	}
	return count, nil
}

// RenderPDF renders every page of a PDF to PNG and hands the bytes to fn in
// page order readiness (fn may be called from multiple goroutines). Returns
// the page count. fn errors abort the render.
func RenderPDF(ctx context.Context, pdfPath string, dpi int, fn func(pageNum int, png []byte) error) (int, error) {
	pageCount, err := PageCount(pdfPath)
	if err != nil {
		return 0, err
	}
	if pageCount == 0 {
		return 0, nil
	}
	if dpi <= 0 {
		dpi = DefaultDPI
	}

	maxWorkers := runtime.NumCPU()

	type result struct {
		pageNum int
		err     error
	}

	results := make(chan result, pageCount)
	sem := make(chan struct{}, maxWorkers)

	for page := 1; page <= pageCount; page++ {
		sem <- struct{}{} // acquire
		go func(pageNum int) {
			defer func() { <-sem }() // release

			if err := ctx.Err(); err != nil {
				results <- result{pageNum: pageNum, err: err}
				return
			}
			png, err := renderPage(pdfPath, pageNum, dpi)
			if err == nil {
				err = fn(pageNum, png)
			}
			results <- result{pageNum: pageNum, err: err}
		}(page)
	}

	var firstErr error
	for i := 0; i < pageCount; i++ {
		r := <-results
		if r.err != nil && firstErr == nil {
			firstErr = fmt.Errorf("page %d: %w", r.pageNum, r.err)
		}
	}
	if firstErr != nil {
		return 0, firstErr
	}
	return pageCount, nil
}

// renderPage renders a single page using pdftoppm.
func renderPage(pdfPath string, pageNum, dpi int) ([]byte, error) {
	tmpDir, err := os.MkdirTemp("", "docpipe-page-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	outputPrefix := filepath.Join(tmpDir, "page")

	// -singlefile suppresses the page number suffix on the output name.
	pageStr := fmt.Sprintf("%d", pageNum)
	cmd := exec.Command("pdftoppm",
		"-png",
		"-f", pageStr,
		"-l", pageStr,
		"-r", fmt.Sprintf("%d", dpi),
		"-singlefile",
		pdfPath,
		outputPrefix,
	)

	output, err := cmd.CombinedOutput()
	if err != nil {
		return nil, fmt.Errorf("pdftoppm failed: %w (output: %s)", err, string(output))
	}

	data, err := os.ReadFile(outputPrefix + ".png")
	if err != nil {
		return nil, fmt.Errorf("pdftoppm did not create expected output: %w", err)
	}
	return data, nil
}

// PageID formats the zero-padded page identifier for an ordinal.
func PageID(pageNum int) string {
	return fmt.Sprintf("%04d", pageNum)
}

// Source fetches an input object to a local file for rendering.
type Source interface {
	// Fetch downloads the object and returns a local path plus a cleanup
	// function. The path is valid until cleanup is called.
	Fetch(ctx context.Context, loc doc.Location) (string, func(), error)
}
