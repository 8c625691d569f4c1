package export

import (
	"context"
	"fmt"
	"log"
	"time"
)

// DataStore defines the interface for report data access
type DataStore interface {
	GetReportRequest(ctx context.Context, requestID string) (RequestInfo, error)
	GetReportRecord(ctx context.Context, recordID string) (RecordInfo, error)
	ListReportTimeline(ctx context.Context, requestID string) ([]EventInfo, error)
}

// Service renders curation reports.
type Service struct {
	store    DataStore
	archiver *Archiver // nil when object storage is not configured
}

// NewService creates a new export service
func NewService(store DataStore, archiver *Archiver) *Service {
	return &Service{store: store, archiver: archiver}
}

// Export generates a curation report in the requested format and, when an
// archiver is configured, stores a copy in object storage.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	reqInfo, err := s.store.GetReportRequest(ctx, req.RequestID)
	if err != nil {
		return nil, fmt.Errorf("%w: load request: %v", ErrReportUnavailable, err)
	}
	recInfo, err := s.store.GetReportRecord(ctx, reqInfo.TopicRecordID)
	if err != nil {
		return nil, fmt.Errorf("%w: load record: %v", ErrReportUnavailable, err)
	}

	data := TemplateData{
		Request:     reqInfo,
		Record:      recInfo,
		GeneratedAt: time.Now(),
	}

	if req.IncludeTimeline {
		events, err := s.store.ListReportTimeline(ctx, req.RequestID)
		if err != nil {
			return nil, fmt.Errorf("%w: load timeline: %v", ErrReportUnavailable, err)
		}
		data.Timeline = events
	}

	html, err := RenderReportHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}

	title := reqInfo.Title
	if title == "" {
		title = recInfo.Title
	}

	var result *Result
	switch req.Format {
	case FormatPDF:
		result, err = exportPDF(html, title)
	case FormatDOCX:
		result, err = exportDOCX(html, title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
	if err != nil {
		return nil, err
	}

	if s.archiver != nil {
		key := fmt.Sprintf("reports/%s/%s", reqInfo.ID, result.Filename)
		if err := s.archiver.Upload(ctx, key, result.Data, result.MimeType); err != nil {
			log.Printf("export: archive report %s: %v", key, err)
		} else {
			result.ArchiveKey = key
		}
	}

	return result, nil
}
