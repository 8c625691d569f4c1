package comment

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"curator/api/internal/diff"
	"curator/api/internal/store"
)

type fakeEventStore struct {
	latestFn func(ctx context.Context, requestID string) (*store.RequestEvent, error)
	insertFn func(ctx context.Context, event store.RequestEvent) (store.RequestEvent, error)
	updateFn func(ctx context.Context, eventID, content string, expectedRevision int) (store.RequestEvent, error)

	inserted []store.RequestEvent
	updated  []string
}

func (f *fakeEventStore) LatestRequestEvent(ctx context.Context, requestID string) (*store.RequestEvent, error) {
	if f.latestFn != nil {
		return f.latestFn(ctx, requestID)
	}
	return nil, nil
}

func (f *fakeEventStore) InsertRequestEvent(ctx context.Context, event store.RequestEvent) (store.RequestEvent, error) {
	if f.insertFn != nil {
		return f.insertFn(ctx, event)
	}
	event.ID = "evt_new"
	f.inserted = append(f.inserted, event)
	return event, nil
}

func (f *fakeEventStore) UpdateRequestEventContent(ctx context.Context, eventID, content string, expectedRevision int) (store.RequestEvent, error) {
	if f.updateFn != nil {
		return f.updateFn(ctx, eventID, content, expectedRevision)
	}
	f.updated = append(f.updated, eventID)
	return store.RequestEvent{ID: eventID, Content: content, Revision: expectedRevision + 1}, nil
}

func openRequest(status string) store.Request {
	return store.Request{ID: "req_1", Type: store.RequestTypeCuration, Status: status, IsOpen: true}
}

func snapshot(description string) diff.Snapshot {
	return diff.Snapshot{
		Title:    "Solar Flare Data",
		Metadata: map[string]any{"description": description},
	}
}

func TestProcessUpdatesExistingProcessorComment(t *testing.T) {
	baseline, _ := json.Marshal(snapshot("first"))
	events := &fakeEventStore{
		latestFn: func(ctx context.Context, requestID string) (*store.RequestEvent, error) {
			return &store.RequestEvent{
				ID:             "evt_live",
				RequestID:      requestID,
				Type:           store.EventTypeComment,
				CreatedByID:    store.SystemUserID,
				ReferenceDraft: string(baseline),
				Revision:       3,
			}, nil
		},
	}
	events.updateFn = func(ctx context.Context, eventID, content string, expectedRevision int) (store.RequestEvent, error) {
		events.updated = append(events.updated, eventID)
		if expectedRevision != 3 {
			t.Fatalf("expected revision 3, got %d", expectedRevision)
		}
		if !strings.Contains(content, "second") {
			t.Fatalf("expected diff against stored baseline, got %q", content)
		}
		return store.RequestEvent{ID: eventID, Content: content}, nil
	}

	p := NewProcessor(events, diff.Default())
	warnings := p.Process(context.Background(), openRequest("critiqued"), snapshot("second"), snapshot("first"))

	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(events.updated) != 1 || events.updated[0] != "evt_live" {
		t.Fatalf("expected update of evt_live, got %v", events.updated)
	}
	if len(events.inserted) != 0 {
		t.Fatalf("expected no new comment, got %d", len(events.inserted))
	}
}

func TestProcessCreatesCommentAfterManualComment(t *testing.T) {
	events := &fakeEventStore{
		latestFn: func(ctx context.Context, requestID string) (*store.RequestEvent, error) {
			return &store.RequestEvent{
				ID:          "evt_manual",
				Type:        store.EventTypeComment,
				Content:     "please fix the abstract",
				CreatedByID: "usr_reviewer",
			}, nil
		},
	}

	p := NewProcessor(events, diff.Default())
	warnings := p.Process(context.Background(), openRequest("critiqued"), snapshot("second"), snapshot("first"))

	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(events.inserted) != 1 {
		t.Fatalf("expected one new comment, got %d", len(events.inserted))
	}
	created := events.inserted[0]
	if created.CreatedByID != store.SystemUserID {
		t.Fatalf("expected system comment, got created_by %q", created.CreatedByID)
	}
	if created.ReferenceDraft == "" {
		t.Fatal("expected baseline snapshot on new critique comment")
	}
	var ref diff.Snapshot
	if err := json.Unmarshal([]byte(created.ReferenceDraft), &ref); err != nil {
		t.Fatalf("reference draft is not valid JSON: %v", err)
	}
	if ref.Metadata["description"] != "first" {
		t.Fatalf("baseline should be the pre-save draft, got %v", ref.Metadata["description"])
	}
}

func TestProcessAlwaysCreatesInReview(t *testing.T) {
	events := &fakeEventStore{
		latestFn: func(ctx context.Context, requestID string) (*store.RequestEvent, error) {
			return &store.RequestEvent{
				ID:             "evt_live",
				Type:           store.EventTypeComment,
				CreatedByID:    store.SystemUserID,
				ReferenceDraft: `{"metadata":{}}`,
			}, nil
		},
	}

	p := NewProcessor(events, diff.Default())
	for _, description := range []string{"second", "third"} {
		warnings := p.Process(context.Background(), openRequest("review"), snapshot(description), snapshot("first"))
		if len(warnings) != 0 {
			t.Fatalf("unexpected warnings: %v", warnings)
		}
	}

	if len(events.inserted) != 2 {
		t.Fatalf("expected one comment per save, got %d", len(events.inserted))
	}
	for _, event := range events.inserted {
		if event.ReferenceDraft != "" {
			t.Fatal("review-phase comments must not carry a reference draft")
		}
	}
	if len(events.updated) != 0 {
		t.Fatalf("expected no in-place updates in review, got %v", events.updated)
	}
}

func TestProcessRejectsClosedRequest(t *testing.T) {
	events := &fakeEventStore{
		latestFn: func(ctx context.Context, requestID string) (*store.RequestEvent, error) {
			t.Fatal("store must not be touched for a closed request")
			return nil, nil
		},
	}

	p := NewProcessor(events, diff.Default())
	req := store.Request{ID: "req_1", Status: "accepted", IsOpen: false}
	warnings := p.Process(context.Background(), req, snapshot("b"), snapshot("a"))

	if len(warnings) != 1 {
		t.Fatalf("expected one warning, got %v", warnings)
	}
}

func TestProcessSoftFailsOnStoreError(t *testing.T) {
	events := &fakeEventStore{
		insertFn: func(ctx context.Context, event store.RequestEvent) (store.RequestEvent, error) {
			return store.RequestEvent{}, errors.New("connection reset")
		},
	}

	p := NewProcessor(events, diff.Default())
	warnings := p.Process(context.Background(), openRequest("review"), snapshot("b"), snapshot("a"))

	if len(warnings) != 1 {
		t.Fatalf("expected soft warning on store failure, got %v", warnings)
	}
}

func TestProcessIgnoresStatusesWithoutCommentFlow(t *testing.T) {
	events := &fakeEventStore{}

	p := NewProcessor(events, diff.Default())
	warnings := p.Process(context.Background(), openRequest("submitted"), snapshot("b"), snapshot("a"))

	if len(warnings) != 0 {
		t.Fatalf("unexpected warnings: %v", warnings)
	}
	if len(events.inserted) != 0 || len(events.updated) != 0 {
		t.Fatal("no comment activity expected before review starts")
	}
}
