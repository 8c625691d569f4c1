package export

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

type fakeReportStore struct {
	requestFn  func(ctx context.Context, requestID string) (RequestInfo, error)
	recordFn   func(ctx context.Context, recordID string) (RecordInfo, error)
	timelineFn func(ctx context.Context, requestID string) ([]EventInfo, error)
}

func (f *fakeReportStore) GetReportRequest(ctx context.Context, requestID string) (RequestInfo, error) {
	if f.requestFn != nil {
		return f.requestFn(ctx, requestID)
	}
	return RequestInfo{
		ID:            requestID,
		Status:        "accepted",
		CreatedByName: "Pat Submitter",
		TopicRecordID: "rec_1",
		Title:         "Solar Flare Data",
		CreatedAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
	}, nil
}

func (f *fakeReportStore) GetReportRecord(ctx context.Context, recordID string) (RecordInfo, error) {
	if f.recordFn != nil {
		return f.recordFn(ctx, recordID)
	}
	return RecordInfo{ID: recordID, Title: "Solar Flare Data", OwnerName: "Pat Submitter", Version: 2}, nil
}

func (f *fakeReportStore) ListReportTimeline(ctx context.Context, requestID string) ([]EventInfo, error) {
	if f.timelineFn != nil {
		return f.timelineFn(ctx, requestID)
	}
	return nil, nil
}

func TestRenderReportHTML(t *testing.T) {
	html, err := RenderReportHTML(TemplateData{
		Request: RequestInfo{
			ID:            "req_1",
			Status:        "critiqued",
			CreatedByName: "Pat Submitter",
			CreatedAt:     time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		},
		Record: RecordInfo{ID: "rec_1", Title: "Solar Flare Data", OwnerName: "Pat Submitter", Version: 1},
		Timeline: []EventInfo{
			{Type: "L", Content: "submitted", Author: "Pat Submitter", CreatedAt: time.Now()},
			{Type: "C", Content: `<div class="curation-diff"><p>Changes</p></div>`, Author: "System", CreatedAt: time.Now()},
		},
		GeneratedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("RenderReportHTML() error = %v", err)
	}

	if !strings.Contains(html, "Solar Flare Data") {
		t.Error("report should contain record title")
	}
	if !strings.Contains(html, "critiqued") {
		t.Error("report should contain request status")
	}
	// Comment HTML passes through unescaped, log entries are escaped text.
	if !strings.Contains(html, `<div class="curation-diff">`) {
		t.Error("comment HTML should be embedded as-is")
	}
	if !strings.Contains(html, "<p>submitted</p>") {
		t.Error("log entries should render as plain paragraphs")
	}
}

func TestExportFailsOnUnknownFormat(t *testing.T) {
	svc := NewService(&fakeReportStore{}, nil)
	_, err := svc.Export(context.Background(), Request{RequestID: "req_1", Format: "odt"})
	if err == nil || !strings.Contains(err.Error(), "unsupported format") {
		t.Fatalf("expected unsupported format error, got %v", err)
	}
}

func TestExportWrapsStoreFailure(t *testing.T) {
	svc := NewService(&fakeReportStore{
		requestFn: func(ctx context.Context, requestID string) (RequestInfo, error) {
			return RequestInfo{}, errors.New("not found")
		},
	}, nil)

	_, err := svc.Export(context.Background(), Request{RequestID: "req_missing", Format: FormatPDF})
	if !errors.Is(err, ErrReportUnavailable) {
		t.Fatalf("expected ErrReportUnavailable, got %v", err)
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Solar Flare Data", "Solar-Flare-Data"},
		{"data / set: v2", "data--set-v2"},
		{"", "curation-report"},
		{"???", "curation-report"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	got := percentEncodeForDataURL("a b<c>")
	if got != "a%20b%3Cc%3E" {
		t.Fatalf("percentEncodeForDataURL = %q", got)
	}
}
