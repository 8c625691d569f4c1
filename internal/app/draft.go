package app

import (
	"context"
	"errors"
	"log"
	"strings"
	"time"

	"curator/api/internal/diff"
	"curator/api/internal/draftrepo"
	"curator/api/internal/search"
	"curator/api/internal/store"
	"curator/api/internal/util"
	"curator/api/internal/workflow"
)

// DraftInput is the body of record-creation and draft-save calls. It carries
// the comparable slice of the draft; everything else about a record lives in
// the store row.
type DraftInput struct {
	Title        string         `json:"title"`
	Metadata     map[string]any `json:"metadata"`
	CustomFields map[string]any `json:"custom_fields"`
}

func (in DraftInput) snapshot() diff.Snapshot {
	return diff.Snapshot{
		Title:        strings.TrimSpace(in.Title),
		Metadata:     in.Metadata,
		CustomFields: in.CustomFields,
	}
}

func (s *Service) CreateRecord(ctx context.Context, session Session, input DraftInput) (map[string]any, error) {
	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = "Untitled record"
	}
	record := store.Record{
		ID:      util.NewID("rec"),
		Title:   title,
		OwnerID: session.UserID,
	}
	if err := s.store.InsertRecord(ctx, record); err != nil {
		return nil, err
	}
	snap := input.snapshot()
	snap.Title = title
	if err := s.drafts.Ensure(record.ID, snap, session.UserName); err != nil {
		return nil, err
	}
	if s.index != nil {
		s.index.IndexRecord(recordDoc(record))
	}
	return recordItem(record), nil
}

func (s *Service) GetRecordDetail(ctx context.Context, recordID string) (map[string]any, error) {
	record, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	payload := recordItem(record)
	if review, err := s.GetReview(ctx, recordID); err == nil && review != nil {
		payload["curation"] = requestItem(*review)
	}
	if grants, err := s.store.ListPermissionGrants(ctx, recordID); err == nil {
		items := make([]map[string]any, 0, len(grants))
		for _, grant := range grants {
			items = append(items, map[string]any{
				"subjectType": grant.SubjectType,
				"subjectId":   grant.SubjectID,
				"permission":  grant.Permission,
				"origin":      grant.Origin,
			})
		}
		payload["grants"] = items
	}
	return payload, nil
}

func (s *Service) ListRecords(ctx context.Context) (map[string]any, error) {
	records, err := s.store.ListRecords(ctx)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(records))
	for _, record := range records {
		items = append(items, recordItem(record))
	}
	return map[string]any{"records": items}, nil
}

func (s *Service) GetDraft(ctx context.Context, recordID string) (map[string]any, error) {
	if _, err := s.store.GetRecord(ctx, recordID); err != nil {
		return nil, err
	}
	snap, head, err := s.drafts.Head(recordID)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"recordId": recordID,
		"draft": map[string]any{
			"title":         snap.Title,
			"metadata":      snap.Metadata,
			"custom_fields": snap.CustomFields,
		},
		"head": commitItem(head),
	}, nil
}

// DraftAt returns the draft snapshot as of a specific history commit.
func (s *Service) DraftAt(ctx context.Context, recordID, hash string) (map[string]any, error) {
	if _, err := s.store.GetRecord(ctx, recordID); err != nil {
		return nil, err
	}
	snap, err := s.drafts.At(recordID, hash)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"recordId": recordID,
		"hash":     hash,
		"draft": map[string]any{
			"title":         snap.Title,
			"metadata":      snap.Metadata,
			"custom_fields": snap.CustomFields,
		},
	}, nil
}

func (s *Service) DraftHistory(ctx context.Context, recordID string, limit int) (map[string]any, error) {
	if _, err := s.store.GetRecord(ctx, recordID); err != nil {
		return nil, err
	}
	commits, err := s.drafts.History(recordID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(commits))
	for _, commit := range commits {
		items = append(items, commitItem(commit))
	}
	return map[string]any{"recordId": recordID, "commits": items}, nil
}

// UpdateDraft is the on-update lifecycle hook. The draft save itself always
// goes through; curation consequences (title re-derivation, diff comments,
// pending_resubmission flagging) ride along and degrade to warnings.
func (s *Service) UpdateDraft(ctx context.Context, session Session, recordID string, input DraftInput) (map[string]any, error) {
	record, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	snap := input.snapshot()
	if snap.Title == "" {
		snap.Title = record.Title
	}

	// The head snapshot before this save is the comment processor's
	// comparison baseline, so read it before committing.
	current, _, err := s.drafts.Head(recordID)
	if errors.Is(err, draftrepo.ErrNoDraft) {
		if err := s.drafts.Ensure(recordID, snap, session.UserName); err != nil {
			return nil, err
		}
		current = diff.Snapshot{Title: record.Title}
	} else if err != nil {
		return nil, err
	} else {
		if _, err := s.drafts.Save(recordID, snap, session.UserName, "Update draft"); err != nil {
			return nil, err
		}
	}

	if snap.Title != record.Title {
		if err := s.store.UpdateRecordTitle(ctx, recordID, snap.Title); err != nil {
			return nil, err
		}
		record.Title = snap.Title
		if s.index != nil {
			s.index.IndexRecord(recordDoc(record))
		}
	}

	result := map[string]any{"recordId": recordID, "warnings": []string{}}

	if s.isPrivileged(session) || (record.IsPublished && s.cfg.AllowPublishingEdits) {
		return result, nil
	}

	review, err := s.GetReview(ctx, recordID)
	if err != nil {
		return nil, err
	}
	var warnings []string
	if review == nil {
		if s.cfg.RequireRequestOnSave {
			warnings = append(warnings, "No curation request exists for this record yet, create one to get it reviewed")
		}
		result["warnings"] = nonEmpty(warnings)
		return result, nil
	}

	if expected := "Curation: " + record.Title; review.Title != expected {
		renamed, err := s.store.UpdateRequestTitle(ctx, review.ID, expected, review.Revision)
		if err != nil {
			log.Printf("app: sync request title %s: %v", review.ID, err)
		} else {
			review = &renamed
			if s.index != nil {
				s.index.IndexRequest(requestDoc(renamed))
			}
		}
	}

	if review.IsOpen {
		if s.cfg.CommentsEnabled {
			warnings = append(warnings, s.comments.Process(ctx, *review, snap, current)...)
		}
		result["warnings"] = nonEmpty(warnings)
		result["requestStatus"] = review.Status
		return result, nil
	}

	// Closed request: a substantive metadata change flags the record for
	// re-review via the pending_resubmission transition, when legal.
	if elements := diff.Compute(current, snap); len(elements) > 0 &&
		review.Status != string(workflow.StatusPendingResubmission) {
		next, err := workflow.Transition(workflow.ActionPendingResubmission, workflow.Status(review.Status))
		if err == nil {
			updated, err := s.store.ApplyTransition(ctx, store.TransitionUpdate{
				RequestID:        review.ID,
				Status:           string(next),
				IsOpen:           workflow.IsOpen(next),
				ExpectedRevision: review.Revision,
				Events: []store.RequestEvent{{
					Type:        store.EventTypeLog,
					Content:     actionLogMessages[workflow.ActionPendingResubmission],
					CreatedByID: store.SystemUserID,
				}},
			})
			if err != nil {
				log.Printf("app: flag %s for resubmission: %v", review.ID, err)
				warnings = append(warnings, "Could not flag the curation request for re-review, save again to retry")
			} else {
				review = &updated
				s.afterRequestChange(updated, workflow.ActionPendingResubmission, record.Title)
			}
		}
	}

	result["warnings"] = nonEmpty(warnings)
	result["requestStatus"] = review.Status
	return result, nil
}

// DeleteDraft is the on-delete lifecycle hook. An unpublished record takes
// its request down with it; discarding the draft of a published record only
// cancels the request, since one request tracks the whole record lineage.
func (s *Service) DeleteDraft(ctx context.Context, session Session, recordID string) (map[string]any, error) {
	record, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}
	review, err := s.GetReview(ctx, recordID)
	if err != nil {
		return nil, err
	}

	if review != nil {
		if !record.IsPublished {
			if err := s.store.DeleteRequest(ctx, review.ID); err != nil {
				return nil, err
			}
			if s.index != nil {
				s.index.DeleteRequest(review.ID)
			}
		} else if next, err := workflow.Transition(workflow.ActionCancel, workflow.Status(review.Status)); err == nil {
			updated, err := s.store.ApplyTransition(ctx, store.TransitionUpdate{
				RequestID:        review.ID,
				Status:           string(next),
				IsOpen:           workflow.IsOpen(next),
				ExpectedRevision: review.Revision,
				Events: []store.RequestEvent{{
					Type:        store.EventTypeLog,
					Content:     "Draft discarded, request cancelled",
					CreatedByID: session.UserID,
				}},
			})
			if err != nil {
				return nil, err
			}
			s.afterRequestChange(updated, workflow.ActionCancel, record.Title)
		}
	}

	if !record.IsPublished {
		if err := s.store.DeleteRecord(ctx, recordID); err != nil {
			return nil, err
		}
		if err := s.drafts.Remove(recordID); err != nil {
			log.Printf("app: remove draft repo %s: %v", recordID, err)
		}
		if s.index != nil {
			s.index.DeleteRecord(recordID)
		}
	}

	return map[string]any{"ok": true, "recordId": recordID}, nil
}

// Publish is the publish gate: without an accepted curation request the
// publish fails, unless the caller is privileged or this is an allowed
// post-publication metadata edit.
func (s *Service) Publish(ctx context.Context, session Session, recordID string) (map[string]any, error) {
	record, err := s.store.GetRecord(ctx, recordID)
	if err != nil {
		return nil, err
	}

	var accepted *store.Request
	bypass := s.isPrivileged(session) || (record.IsPublished && s.cfg.AllowPublishingEdits)
	if !bypass {
		accepted, err = s.AcceptedRecord(ctx, recordID)
		if err != nil {
			return nil, err
		}
		if accepted == nil {
			return nil, errCurationNotAccepted()
		}
	}

	if err := s.store.MarkRecordPublished(ctx, recordID); err != nil {
		return nil, err
	}
	record.IsPublished = true
	record.Version++
	// Publication opens the record up beyond its curation preview grants.
	if err := s.store.InsertPermissionGrant(ctx, store.PermissionGrant{
		RecordID:    recordID,
		SubjectType: "role",
		SubjectID:   "viewer",
		Permission:  "view",
		Origin:      "publication",
	}); err != nil {
		log.Printf("app: grant view on published %s: %v", recordID, err)
	}
	if s.index != nil {
		s.index.IndexRecord(recordDoc(record))
	}
	if accepted != nil {
		if _, err := s.store.InsertRequestEvent(ctx, store.RequestEvent{
			RequestID:   accepted.ID,
			Type:        store.EventTypeLog,
			Content:     "Record published",
			CreatedByID: store.SystemUserID,
		}); err != nil {
			log.Printf("app: log publish on %s: %v", accepted.ID, err)
		}
	}

	return map[string]any{"recordId": recordID, "published": true, "version": record.Version}, nil
}

func recordDoc(record store.Record) search.RecordDoc {
	return search.RecordDoc{
		ID:          record.ID,
		Title:       record.Title,
		OwnerID:     record.OwnerID,
		IsPublished: record.IsPublished,
	}
}

func recordItem(record store.Record) map[string]any {
	return map[string]any{
		"id":          record.ID,
		"title":       record.Title,
		"ownerId":     record.OwnerID,
		"isPublished": record.IsPublished,
		"version":     record.Version,
		"createdAt":   record.CreatedAt.Format(time.RFC3339),
		"updatedAt":   record.UpdatedAt.Format(time.RFC3339),
	}
}

func commitItem(commit draftrepo.CommitInfo) map[string]any {
	return map[string]any{
		"hash":      commit.Hash,
		"message":   commit.Message,
		"author":    commit.Author,
		"createdAt": commit.CreatedAt.Format(time.RFC3339),
	}
}

func nonEmpty(warnings []string) []string {
	if warnings == nil {
		return []string{}
	}
	return warnings
}
