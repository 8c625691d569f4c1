// Package export renders curation reports as PDF or DOCX and optionally
// archives them to object storage.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// Request contains parameters for an export operation
type Request struct {
	RequestID       string
	Format          Format
	IncludeTimeline bool
}

// RequestInfo holds the curation-request metadata included in the report.
type RequestInfo struct {
	ID            string
	Status        string
	IsOpen        bool
	CreatedByName string
	TopicRecordID string
	Title         string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RecordInfo holds the topic record metadata included in the report.
type RecordInfo struct {
	ID          string
	Title       string
	OwnerName   string
	IsPublished bool
	Version     int
}

// EventInfo holds one timeline entry for the report.
type EventInfo struct {
	Type      string // "L" log, "C" comment
	Content   string // HTML for comments, plain text for log entries
	Author    string
	CreatedAt time.Time
}

// Result contains the export output
type Result struct {
	Data       []byte
	Filename   string
	MimeType   string
	ArchiveKey string // set when the report was archived to object storage
}

var (
	// ErrReportUnavailable indicates report data could not be loaded for export.
	ErrReportUnavailable = errors.New("export report unavailable")
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
