// Package comment attaches auto-generated diff comments to curation
// requests as a draft evolves under review.
package comment

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"curator/api/internal/diff"
	"curator/api/internal/store"
	"curator/api/internal/workflow"
)

// EventStore is the slice of the request-event store the processor needs.
type EventStore interface {
	LatestRequestEvent(ctx context.Context, requestID string) (*store.RequestEvent, error)
	InsertRequestEvent(ctx context.Context, event store.RequestEvent) (store.RequestEvent, error)
	UpdateRequestEventContent(ctx context.Context, eventID, content string, expectedRevision int) (store.RequestEvent, error)
}

type Processor struct {
	events EventStore
	engine *diff.Engine
}

func NewProcessor(events EventStore, engine *diff.Engine) *Processor {
	return &Processor{events: events, engine: engine}
}

// Process decides whether the draft change warrants a new comment or a
// rewrite of the last auto-generated one, and applies it. Failures never
// propagate: they are logged and returned as soft warnings so that saving a
// draft cannot fail because comment generation did.
func (p *Processor) Process(ctx context.Context, req store.Request, newData, currentDraft diff.Snapshot) []string {
	if !req.IsOpen {
		return []string{"comments can only be added to an open curation request"}
	}

	var warnings []string
	switch workflow.Status(req.Status) {
	case workflow.StatusCritiqued, workflow.StatusResubmitted:
		if err := p.createOrUpdate(ctx, req, newData, currentDraft); err != nil {
			log.Printf("comment: request %s: %v", req.ID, err)
			warnings = append(warnings, "could not attach a change summary to the curation request")
		}
	case workflow.StatusReview:
		// Review-phase comments are informational notices, not a running
		// diff baseline, so each save gets its own comment.
		if err := p.create(ctx, req, currentDraft, newData, "update_while_review", false); err != nil {
			log.Printf("comment: request %s: %v", req.ID, err)
			warnings = append(warnings, "could not attach a change summary to the curation request")
		}
	}
	return warnings
}

// createOrUpdate keeps one live comment per critique cycle: consecutive
// saves rewrite the same comment against its stored baseline instead of
// producing one comment per save.
func (p *Processor) createOrUpdate(ctx context.Context, req store.Request, newData, currentDraft diff.Snapshot) error {
	action := "update_while_critiqued"
	if workflow.Status(req.Status) == workflow.StatusResubmitted {
		action = "resubmit"
	}

	last, err := p.events.LatestRequestEvent(ctx, req.ID)
	if err != nil {
		return fmt.Errorf("load latest event: %w", err)
	}

	if last == nil || !isProcessorComment(*last) {
		return p.create(ctx, req, currentDraft, newData, action, true)
	}

	var baseline diff.Snapshot
	if err := json.Unmarshal([]byte(last.ReferenceDraft), &baseline); err != nil {
		return fmt.Errorf("decode reference draft: %w", err)
	}

	content, err := p.engine.Render(diff.Compute(baseline, newData), action)
	if err != nil {
		return fmt.Errorf("render diff: %w", err)
	}
	if _, err := p.events.UpdateRequestEventContent(ctx, last.ID, content, last.Revision); err != nil {
		return fmt.Errorf("update comment: %w", err)
	}
	return nil
}

func (p *Processor) create(ctx context.Context, req store.Request, baseline, newData diff.Snapshot, action string, keepReference bool) error {
	content, err := p.engine.Render(diff.Compute(baseline, newData), action)
	if err != nil {
		return fmt.Errorf("render diff: %w", err)
	}

	event := store.RequestEvent{
		RequestID:   req.ID,
		Type:        store.EventTypeComment,
		Content:     content,
		CreatedByID: store.SystemUserID,
	}
	if keepReference {
		encoded, err := json.Marshal(baseline)
		if err != nil {
			return fmt.Errorf("encode reference draft: %w", err)
		}
		event.ReferenceDraft = string(encoded)
	}

	if _, err := p.events.InsertRequestEvent(ctx, event); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

// isProcessorComment reports whether the event is a comment this processor
// created as a diff baseline. Manual comments and plain log entries always
// start a fresh comment.
func isProcessorComment(event store.RequestEvent) bool {
	return event.Type == store.EventTypeComment &&
		event.CreatedByID == store.SystemUserID &&
		event.ReferenceDraft != ""
}
