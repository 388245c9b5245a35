// Package export renders a board report as HTML or PDF.
package export

import (
	"errors"
	"time"
)

type Format string

const (
	FormatPDF  Format = "pdf"
	FormatHTML Format = "html"
)

// Report is a snapshot of a board, already resolved to display values.
type Report struct {
	Title        string
	Organization string
	GeneratedAt  time.Time
	GeneratedBy  string
	Columns      []ReportColumn
}

type ReportColumn struct {
	Name              string
	IsCompletionStage bool
	Cards             []ReportCard
}

type ReportCard struct {
	Title     string
	Kind      string
	DueDate   *time.Time
	Assignees []string
	// Approval is the "completed/total" ratio for collaborative cards.
	Approval       string
	TimerStartedAt *time.Time
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
var ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
