package app

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"curator/api/internal/store"
	"curator/api/internal/workflow"
)

func seedCurationWorld(env *testEnv) (creator Session, reviewer Session, admin Session) {
	env.store.addUser("usr-1", "Uma Uploader", "submitter")
	env.store.addUser("usr-2", "Rex Reviewer", "submitter")
	env.store.addUser("usr-3", "Ada Admin", "admin")
	role := env.store.addRole("rol-cur", "records-curation")
	env.store.roleMembers[role.ID] = []string{"usr-2"}
	env.store.addRecord("rec-1", "Solar Flare Data", "usr-1")

	creator = Session{UserID: "usr-1", UserName: "Uma Uploader", Role: "submitter"}
	reviewer = Session{UserID: "usr-2", UserName: "Rex Reviewer", Role: "submitter", Groups: []string{"records-curation"}}
	admin = Session{UserID: "usr-3", UserName: "Ada Admin", Role: "admin"}
	return creator, reviewer, admin
}

func TestCreateRequestSubmitsImmediately(t *testing.T) {
	env := newTestEnv(testConfig())
	creator, _, _ := seedCurationWorld(env)

	payload, err := env.svc.CreateRequest(context.Background(), creator, CreateRequestInput{TopicRecordID: "rec-1"})
	if err != nil {
		t.Fatalf("CreateRequest: %v", err)
	}
	if payload["status"] != string(workflow.StatusSubmitted) {
		t.Fatalf("status = %v, want submitted", payload["status"])
	}
	if payload["isOpen"] != true {
		t.Fatalf("isOpen = %v, want true", payload["isOpen"])
	}
	if payload["title"] != "Curation: Solar Flare Data" {
		t.Fatalf("title = %v", payload["title"])
	}

	requestID := payload["id"].(string)
	events := env.store.eventsFor(requestID)
	if len(events) != 2 {
		t.Fatalf("timeline has %d events, want 2", len(events))
	}
	if events[0].Content != "Request created" || events[1].Content != "Request submitted for review" {
		t.Fatalf("unexpected opening log entries: %q, %q", events[0].Content, events[1].Content)
	}

	if len(env.store.grants) != 1 || env.store.grants[0].Permission != "preview" {
		t.Fatalf("expected one preview grant, got %+v", env.store.grants)
	}

	if actions := env.notify.actions(); len(actions) != 1 || actions[0] != "submit" {
		t.Fatalf("notification actions = %v, want [submit]", actions)
	}
}

func TestCreateRequestUnknownReceiverRole(t *testing.T) {
	env := newTestEnv(testConfig())
	creator, _, _ := seedCurationWorld(env)

	_, err := env.svc.CreateRequest(context.Background(), creator, CreateRequestInput{
		TopicRecordID: "rec-1",
		ReceiverRole:  "no-such-role",
	})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "ROLE_NOT_FOUND" {
		t.Fatalf("expected ROLE_NOT_FOUND, got %v", err)
	}
	if domainErr.Status != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", domainErr.Status)
	}
}

func TestCreateRequestRejectsSecondOpenRequest(t *testing.T) {
	env := newTestEnv(testConfig())
	creator, _, admin := seedCurationWorld(env)
	ctx := context.Background()

	first, err := env.svc.CreateRequest(ctx, creator, CreateRequestInput{TopicRecordID: "rec-1"})
	if err != nil {
		t.Fatalf("first CreateRequest: %v", err)
	}

	_, err = env.svc.CreateRequest(ctx, creator, CreateRequestInput{TopicRecordID: "rec-1"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "OPEN_REQUEST_EXISTS" {
		t.Fatalf("expected OPEN_REQUEST_EXISTS, got %v", err)
	}

	// Closing the first request frees the slot.
	requestID := first["id"].(string)
	if _, err := env.svc.ExecuteAction(ctx, admin, requestID, workflow.ActionCancel, ActionInput{}); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if _, err := env.svc.CreateRequest(ctx, creator, CreateRequestInput{TopicRecordID: "rec-1"}); err != nil {
		t.Fatalf("CreateRequest after close: %v", err)
	}
}

func TestExecuteActionMatchesStateMachine(t *testing.T) {
	env := newTestEnv(testConfig())
	_, _, admin := seedCurationWorld(env)
	ctx := context.Background()

	for _, status := range workflow.Statuses() {
		for _, action := range workflow.Actions() {
			req := env.store.addRequest(store.Request{
				Status:        string(status),
				IsOpen:        workflow.IsOpen(status),
				CreatedByID:   "usr-1",
				ReceiverRoleID: "rol-cur",
				TopicRecordID: "rec-1",
				Title:         "Curation: Solar Flare Data",
			})

			payload, err := env.svc.ExecuteAction(ctx, admin, req.ID, action, ActionInput{})
			next, wantErr := workflow.Transition(action, status)
			if wantErr != nil {
				var domainErr *DomainError
				if !errors.As(err, &domainErr) || domainErr.Code != "INVALID_TRANSITION" {
					t.Fatalf("%s from %s: expected INVALID_TRANSITION, got %v", action, status, err)
				}
				continue
			}
			if err != nil {
				t.Fatalf("%s from %s: %v", action, status, err)
			}
			if payload["status"] != string(next) {
				t.Fatalf("%s from %s: status = %v, want %s", action, status, payload["status"], next)
			}
			if payload["isOpen"] != workflow.IsOpen(next) {
				t.Fatalf("%s from %s: isOpen = %v, want %v", action, status, payload["isOpen"], workflow.IsOpen(next))
			}
		}
	}
}

func TestExecuteActionGuards(t *testing.T) {
	cfg := testConfig()
	env := newTestEnv(cfg)
	creator, reviewer, _ := seedCurationWorld(env)
	ctx := context.Background()
	stranger := Session{UserID: "usr-9", UserName: "Sal Stranger", Role: "submitter"}
	env.store.addUser("usr-9", "Sal Stranger", "submitter")

	newRequest := func(status workflow.Status) store.Request {
		return env.store.addRequest(store.Request{
			Status:         string(status),
			IsOpen:         workflow.IsOpen(status),
			CreatedByID:    "usr-1",
			ReceiverRoleID: "rol-cur",
			TopicRecordID:  "rec-1",
		})
	}

	req := newRequest(workflow.StatusSubmitted)
	if _, err := env.svc.ExecuteAction(ctx, stranger, req.ID, workflow.ActionReview, ActionInput{}); !isForbidden(err) {
		t.Fatalf("stranger review: expected FORBIDDEN, got %v", err)
	}
	if _, err := env.svc.ExecuteAction(ctx, reviewer, req.ID, workflow.ActionReview, ActionInput{}); err != nil {
		t.Fatalf("receiver-group review: %v", err)
	}

	req = newRequest(workflow.StatusCritiqued)
	if _, err := env.svc.ExecuteAction(ctx, stranger, req.ID, workflow.ActionResubmit, ActionInput{}); !isForbidden(err) {
		t.Fatalf("stranger resubmit: expected FORBIDDEN, got %v", err)
	}
	if _, err := env.svc.ExecuteAction(ctx, creator, req.ID, workflow.ActionResubmit, ActionInput{}); err != nil {
		t.Fatalf("creator resubmit: %v", err)
	}

	req = newRequest(workflow.StatusSubmitted)
	if _, err := env.svc.ExecuteAction(ctx, creator, req.ID, workflow.ActionDelete, ActionInput{}); !isForbidden(err) {
		t.Fatalf("creator delete: expected FORBIDDEN, got %v", err)
	}

	// A curator-role session may review without receiver-group membership.
	curator := Session{UserID: "usr-2", UserName: "Rex Reviewer", Role: "curator"}
	req = newRequest(workflow.StatusSubmitted)
	if _, err := env.svc.ExecuteAction(ctx, curator, req.ID, workflow.ActionReview, ActionInput{}); err != nil {
		t.Fatalf("curator review: %v", err)
	}
}

func isForbidden(err error) bool {
	var domainErr *DomainError
	return errors.As(err, &domainErr) && domainErr.Code == "FORBIDDEN"
}

func TestExecuteActionAttachesMessageAsComment(t *testing.T) {
	env := newTestEnv(testConfig())
	_, reviewer, _ := seedCurationWorld(env)

	req := env.store.addRequest(store.Request{
		Status:         string(workflow.StatusReview),
		IsOpen:         true,
		CreatedByID:    "usr-1",
		ReceiverRoleID: "rol-cur",
		TopicRecordID:  "rec-1",
	})

	_, err := env.svc.ExecuteAction(context.Background(), reviewer, req.ID, workflow.ActionCritique, ActionInput{
		Message: "Please add a license to the metadata.",
	})
	if err != nil {
		t.Fatalf("critique: %v", err)
	}

	events := env.store.eventsFor(req.ID)
	if len(events) != 2 {
		t.Fatalf("got %d events, want log + comment", len(events))
	}
	if events[1].Type != store.EventTypeComment || events[1].Content != "Please add a license to the metadata." {
		t.Fatalf("comment event = %+v", events[1])
	}
}

func TestExecuteActionConcurrentModification(t *testing.T) {
	env := newTestEnv(testConfig())
	_, _, admin := seedCurationWorld(env)

	req := env.store.addRequest(store.Request{
		Status:         string(workflow.StatusSubmitted),
		IsOpen:         true,
		CreatedByID:    "usr-1",
		ReceiverRoleID: "rol-cur",
		TopicRecordID:  "rec-1",
	})
	env.store.applyTransitionFn = func(ctx context.Context, up store.TransitionUpdate) (store.Request, error) {
		return store.Request{}, store.ErrConcurrentModification
	}

	_, err := env.svc.ExecuteAction(context.Background(), admin, req.ID, workflow.ActionReview, ActionInput{})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "CONCURRENT_MODIFICATION" {
		t.Fatalf("expected CONCURRENT_MODIFICATION, got %v", err)
	}
	if domainErr.Status != http.StatusConflict {
		t.Fatalf("status = %d, want 409", domainErr.Status)
	}
}

func TestAvailableActionsTrackStatus(t *testing.T) {
	env := newTestEnv(testConfig())
	seedCurationWorld(env)

	req := env.store.addRequest(store.Request{
		Status:         string(workflow.StatusReview),
		IsOpen:         true,
		CreatedByID:    "usr-1",
		ReceiverRoleID: "rol-cur",
		TopicRecordID:  "rec-1",
	})

	payload, err := env.svc.GetCuration(context.Background(), req.ID)
	if err != nil {
		t.Fatalf("GetCuration: %v", err)
	}
	actions := payload["availableActions"].([]string)
	want := map[string]bool{"critique": true, "accept": true, "cancel": true, "delete": true}
	if len(actions) != len(want) {
		t.Fatalf("availableActions = %v", actions)
	}
	for _, action := range actions {
		if !want[action] {
			t.Fatalf("unexpected available action %q in %v", action, actions)
		}
	}
}

func TestExpireStaleRequests(t *testing.T) {
	cfg := testConfig()
	env := newTestEnv(cfg)
	seedCurationWorld(env)
	ctx := context.Background()

	stale := env.store.addRequest(store.Request{
		Status:         string(workflow.StatusSubmitted),
		IsOpen:         true,
		CreatedByID:    "usr-1",
		ReceiverRoleID: "rol-cur",
		TopicRecordID:  "rec-1",
	})
	env.store.mu.Lock()
	entry := env.store.requests[stale.ID]
	entry.UpdatedAt = time.Now().Add(-cfg.ExpireAfter - time.Hour)
	env.store.requests[stale.ID] = entry
	env.store.mu.Unlock()

	fresh := env.store.addRequest(store.Request{
		Status:         string(workflow.StatusCritiqued),
		IsOpen:         true,
		CreatedByID:    "usr-1",
		ReceiverRoleID: "rol-cur",
		TopicRecordID:  "rec-2",
	})

	expired, err := env.svc.ExpireStaleRequests(ctx)
	if err != nil {
		t.Fatalf("ExpireStaleRequests: %v", err)
	}
	if expired != 1 {
		t.Fatalf("expired = %d, want 1", expired)
	}

	got, _ := env.store.GetRequest(ctx, stale.ID)
	if got.Status != string(workflow.StatusExpired) || got.IsOpen {
		t.Fatalf("stale request now %s open=%v, want expired closed", got.Status, got.IsOpen)
	}
	untouched, _ := env.store.GetRequest(ctx, fresh.ID)
	if untouched.Status != string(workflow.StatusCritiqued) {
		t.Fatalf("fresh request was expired")
	}
	events := env.store.eventsFor(stale.ID)
	if len(events) != 1 || events[0].CreatedByID != store.SystemUserID {
		t.Fatalf("expected one system log event, got %+v", events)
	}
}

func TestSessionRoundTrip(t *testing.T) {
	env := newTestEnv(testConfig())
	seedCurationWorld(env)
	ctx := context.Background()

	session, err := env.svc.CreateSession(ctx, "usr-2")
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	if len(session.Groups) != 1 || session.Groups[0] != "records-curation" {
		t.Fatalf("groups = %v", session.Groups)
	}

	parsed, err := env.svc.SessionFromToken(ctx, session.Token)
	if err != nil {
		t.Fatalf("SessionFromToken: %v", err)
	}
	if parsed.UserID != "usr-2" || parsed.UserName != "Rex Reviewer" {
		t.Fatalf("parsed session = %+v", parsed)
	}

	refreshed, err := env.svc.Refresh(ctx, session.RefreshToken)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.UserID != "usr-2" {
		t.Fatalf("refreshed user = %s", refreshed.UserID)
	}
	// Refresh tokens are single use.
	if _, err := env.svc.Refresh(ctx, session.RefreshToken); err == nil {
		t.Fatalf("expected reused refresh token to fail")
	}

	if err := env.svc.Logout(ctx, refreshed, refreshed.RefreshToken); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if _, err := env.svc.SessionFromToken(ctx, refreshed.Token); err == nil {
		t.Fatalf("expected revoked access token to be rejected")
	}
}
