package app

import (
	"context"

	"curator/api/internal/export"
	"curator/api/internal/store"
)

// ReportStore adapts the request store to the export service's read model.
type ReportStore struct {
	store dataStore
}

func NewReportStore(st *store.PostgresStore) *ReportStore {
	return &ReportStore{store: st}
}

func (r *ReportStore) GetReportRequest(ctx context.Context, requestID string) (export.RequestInfo, error) {
	req, err := r.store.GetRequest(ctx, requestID)
	if err != nil {
		return export.RequestInfo{}, err
	}
	return export.RequestInfo{
		ID:            req.ID,
		Status:        req.Status,
		IsOpen:        req.IsOpen,
		CreatedByName: req.CreatedByName,
		TopicRecordID: req.TopicRecordID,
		Title:         req.Title,
		CreatedAt:     req.CreatedAt,
		UpdatedAt:     req.UpdatedAt,
	}, nil
}

func (r *ReportStore) GetReportRecord(ctx context.Context, recordID string) (export.RecordInfo, error) {
	record, err := r.store.GetRecord(ctx, recordID)
	if err != nil {
		return export.RecordInfo{}, err
	}
	ownerName := record.OwnerID
	if owner, err := r.store.GetUserByID(ctx, record.OwnerID); err == nil {
		ownerName = owner.DisplayName
	}
	return export.RecordInfo{
		ID:          record.ID,
		Title:       record.Title,
		OwnerName:   ownerName,
		IsPublished: record.IsPublished,
		Version:     record.Version,
	}, nil
}

func (r *ReportStore) ListReportTimeline(ctx context.Context, requestID string) ([]export.EventInfo, error) {
	events, err := r.store.ListRequestEvents(ctx, requestID, 0)
	if err != nil {
		return nil, err
	}
	out := make([]export.EventInfo, 0, len(events))
	for _, event := range events {
		author := event.CreatedByID
		if author == store.SystemUserID {
			author = "System"
		} else if user, err := r.store.GetUserByID(ctx, event.CreatedByID); err == nil {
			author = user.DisplayName
		}
		out = append(out, export.EventInfo{
			Type:      event.Type,
			Content:   event.Content,
			Author:    author,
			CreatedAt: event.CreatedAt,
		})
	}
	return out, nil
}
