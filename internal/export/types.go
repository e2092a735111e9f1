// Package export renders a project's graph into a printable PDF summary.
package export

import "errors"

// Request contains parameters for an export operation
type Request struct {
	ProjectID       string
	IncludeComments bool
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
var ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
