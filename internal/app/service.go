package app

import (
	"context"
	"database/sql"
	"errors"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"curator/api/internal/auth"
	"curator/api/internal/authpw"
	"curator/api/internal/comment"
	"curator/api/internal/config"
	"curator/api/internal/diff"
	"curator/api/internal/draftrepo"
	"curator/api/internal/export"
	"curator/api/internal/notify"
	"curator/api/internal/rbac"
	"curator/api/internal/search"
	"curator/api/internal/store"
	"curator/api/internal/util"
	"curator/api/internal/workflow"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	UserName     string
	Role         string
	Groups       []string
	JTI          string
	ExpiresAt    time.Time
}

// CreateRequestInput carries the request-body fields of POST /api/curations.
// ReceiverRole and Title are optional; they default to the configured
// moderation role and "Curation: <record title>".
type CreateRequestInput struct {
	TopicRecordID string `json:"recordId"`
	ReceiverRole  string `json:"receiverRole"`
	Title         string `json:"title"`
}

// ActionInput is the optional body of an action invocation. A non-empty
// message is attached to the timeline as a comment alongside the log entry.
type ActionInput struct {
	Message string `json:"message"`
}

type dataStore interface {
	Ping(ctx context.Context) error

	GetUserByID(ctx context.Context, userID string) (store.User, error)
	GetRoleByName(ctx context.Context, name string) (store.Role, error)
	GetRoleByID(ctx context.Context, roleID string) (store.Role, error)
	EnsureRole(ctx context.Context, name string) (store.Role, error)
	AddRoleMember(ctx context.Context, roleID, userID string) error
	ListRoleMembers(ctx context.Context, roleID string) ([]store.User, error)
	ListRoleNamesForUser(ctx context.Context, userID string) ([]string, error)

	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	InsertRecord(ctx context.Context, record store.Record) error
	GetRecord(ctx context.Context, recordID string) (store.Record, error)
	UpdateRecordTitle(ctx context.Context, recordID, title string) error
	MarkRecordPublished(ctx context.Context, recordID string) error
	DeleteRecord(ctx context.Context, recordID string) error
	ListRecords(ctx context.Context) ([]store.Record, error)

	CreateRequest(ctx context.Context, req store.Request, grants []store.PermissionGrant, events []store.RequestEvent) (store.Request, error)
	GetRequest(ctx context.Context, requestID string) (store.Request, error)
	ApplyTransition(ctx context.Context, up store.TransitionUpdate) (store.Request, error)
	UpdateRequestTitle(ctx context.Context, requestID, title string, expectedRevision int) (store.Request, error)
	DeleteRequest(ctx context.Context, requestID string) error
	LatestRequestForTopic(ctx context.Context, requestType, topicRecordID string) (*store.Request, error)
	AcceptedRequestForTopic(ctx context.Context, requestType, topicRecordID string) (*store.Request, error)
	SearchRequests(ctx context.Context, filter store.RequestFilter) ([]store.Request, error)
	ExpireCandidates(ctx context.Context, statuses []string, cutoff time.Time) ([]store.Request, error)

	InsertPermissionGrant(ctx context.Context, grant store.PermissionGrant) error
	ListPermissionGrants(ctx context.Context, recordID string) ([]store.PermissionGrant, error)

	InsertRequestEvent(ctx context.Context, event store.RequestEvent) (store.RequestEvent, error)
	ListRequestEvents(ctx context.Context, requestID string, limit int) ([]store.RequestEvent, error)
	LatestRequestEvent(ctx context.Context, requestID string) (*store.RequestEvent, error)
	UpdateRequestEventContent(ctx context.Context, eventID, content string, expectedRevision int) (store.RequestEvent, error)
}

// sessionStore holds refresh sessions. Backed by Postgres out of the box and
// by Redis when configured; the Redis lookup returns a sparse user carrying
// only the ID, so callers always re-read the user record.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

type draftStore interface {
	Ensure(recordID string, initial diff.Snapshot, author string) error
	Save(recordID string, snap diff.Snapshot, author, message string) (draftrepo.CommitInfo, error)
	Head(recordID string) (diff.Snapshot, draftrepo.CommitInfo, error)
	At(recordID, hash string) (diff.Snapshot, error)
	History(recordID string, limit int) ([]draftrepo.CommitInfo, error)
	Remove(recordID string) error
}

type notifier interface {
	DispatchAsync(event notify.Event)
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexRequest(doc search.RequestDoc)
	IndexRecord(doc search.RecordDoc)
	DeleteRequest(id string)
	DeleteRecord(id string)
}

type exporter interface {
	Export(ctx context.Context, req export.Request) (*export.Result, error)
}

type mailer interface {
	IsConfigured() bool
	SendVerificationEmail(to, userName, verificationURL string) error
}

type Service struct {
	cfg      config.Config
	store    dataStore
	sessions sessionStore
	drafts   draftStore
	comments *comment.Processor
	engine   *diff.Engine
	notify   notifier
	index    searchIndex
	exports  exporter
	authpw   *authpw.Service
	mail     mailer
}

// Deps bundles the collaborators main wires into the service. Sessions,
// Notify, Index, Exports and Mail may be nil; the service then falls back to
// the Postgres session store and skips the optional side channel.
type Deps struct {
	Store    *store.PostgresStore
	Sessions sessionStore
	Drafts   *draftrepo.Service
	Engine   *diff.Engine
	Notify   notifier
	Index    searchIndex
	Exports  exporter
	AuthPW   *authpw.Service
	Mail     mailer
}

func New(cfg config.Config, deps Deps) *Service {
	engine := deps.Engine
	if engine == nil {
		engine = diff.Default()
	}
	sessions := deps.Sessions
	if sessions == nil {
		sessions = deps.Store
	}
	return &Service{
		cfg:      cfg,
		store:    deps.Store,
		sessions: sessions,
		drafts:   deps.Drafts,
		comments: comment.NewProcessor(deps.Store, engine),
		engine:   engine,
		notify:   deps.Notify,
		index:    deps.Index,
		exports:  deps.Exports,
		authpw:   deps.AuthPW,
		mail:     deps.Mail,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func (s *Service) AuthPasswordService() *authpw.Service {
	return s.authpw
}

func (s *Service) SMTPConfigured() bool {
	return s.mail != nil && s.mail.IsConfigured()
}

// SendVerificationMail delivers the email verification link in the background.
func (s *Service) SendVerificationMail(email, userName, token string) {
	if !s.SMTPConfigured() {
		return
	}
	verifyURL := strings.TrimRight(s.cfg.PublicBaseURL, "/") + "/verify-email?token=" + url.QueryEscape(token)
	go func() {
		if err := s.mail.SendVerificationEmail(email, userName, verifyURL); err != nil {
			log.Printf("app: verification email to %s failed: %v", email, err)
		}
	}()
}

// Bootstrap makes sure the configured moderation role exists so request
// creation never trips over a missing receiver on a fresh database.
func (s *Service) Bootstrap(ctx context.Context) error {
	_, err := s.store.EnsureRole(ctx, s.cfg.ModerationRole)
	return err
}

// ---- sessions ----

func (s *Service) CreateSession(ctx context.Context, userID string) (Session, error) {
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	tokenHash := auth.HashToken(refreshToken)
	sparse, err := s.sessions.LookupRefreshSession(ctx, tokenHash)
	if err != nil {
		return Session{}, err
	}
	if err := s.sessions.RevokeRefreshSession(ctx, tokenHash); err != nil {
		return Session{}, err
	}
	user, err := s.store.GetUserByID(ctx, sparse.ID)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	groups, err := s.store.ListRoleNamesForUser(ctx, user.ID)
	if err != nil {
		return Session{}, err
	}

	now := time.Now()
	expiresAt := now.Add(s.cfg.AccessTTL)
	jti := util.NewID("jti")

	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:    user.ID,
		Name:   user.DisplayName,
		Role:   user.Role,
		Groups: groups,
		JTI:    jti,
		Exp:    expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, err
	}

	refresh := util.NewID("rft") + util.NewID("")
	refreshExpires := now.Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, refreshExpires); err != nil {
		return Session{}, err
	}

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		Groups:       groups,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}

	user, err := s.store.GetUserByID(ctx, claims.Sub)
	if err != nil {
		return Session{}, err
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		Groups:    claims.Groups,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if session.JTI != "" {
		_ = s.store.RevokeAccessToken(ctx, session.JTI, session.ExpiresAt)
	}
	if refreshToken != "" {
		_ = s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken))
	}
	return nil
}

func (s *Service) Can(role string, action rbac.Action) bool {
	return rbac.Can(rbac.Normalize(role), action)
}

// ---- identity helpers ----

func (s *Service) isPrivileged(session Session) bool {
	for _, privileged := range s.cfg.PrivilegedRoles {
		if session.Role == privileged {
			return true
		}
		for _, group := range session.Groups {
			if group == privileged {
				return true
			}
		}
	}
	return false
}

func (s *Service) isReceiver(ctx context.Context, session Session, req store.Request) bool {
	role, err := s.store.GetRoleByID(ctx, req.ReceiverRoleID)
	if err != nil {
		return false
	}
	for _, group := range session.Groups {
		if group == role.Name {
			return true
		}
	}
	return false
}

// ---- curation service ----

// CurationsData is the privilege/config projection the UI reads before
// deciding which affordances to show.
func (s *Service) CurationsData(session Session) map[string]any {
	return map[string]any{
		"isPrivileged":    s.isPrivileged(session),
		"publishingEdits": s.cfg.AllowPublishingEdits,
		"commentsEnabled": s.cfg.CommentsEnabled,
		"moderationRole":  s.cfg.ModerationRole,
	}
}

func (s *Service) CreateRequest(ctx context.Context, session Session, input CreateRequestInput) (map[string]any, error) {
	record, err := s.store.GetRecord(ctx, strings.TrimSpace(input.TopicRecordID))
	if err != nil {
		return nil, err
	}

	receiverName := strings.TrimSpace(input.ReceiverRole)
	if receiverName == "" {
		receiverName = s.cfg.ModerationRole
	}
	receiver, err := s.store.GetRoleByName(ctx, receiverName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errRoleNotFound(receiverName)
	}
	if err != nil {
		return nil, err
	}

	// System-level pre-check regardless of the caller's visibility; the
	// partial unique index still backstops racing creations.
	existing, err := s.store.LatestRequestForTopic(ctx, store.RequestTypeCuration, record.ID)
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.IsOpen {
		return nil, errOpenRequestExists(record.ID)
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		title = "Curation: " + record.Title
	}

	// Create is create-and-submit: the request lands already submitted,
	// with the receiver's preview grant and the opening log entries in the
	// same transaction.
	req := store.Request{
		ID:             util.NewID("req"),
		Type:           store.RequestTypeCuration,
		Status:         string(workflow.StatusSubmitted),
		IsOpen:         true,
		CreatedByID:    session.UserID,
		CreatedByName:  session.UserName,
		ReceiverRoleID: receiver.ID,
		TopicRecordID:  record.ID,
		Title:          title,
	}
	grants := []store.PermissionGrant{{
		RecordID:    record.ID,
		SubjectType: "role",
		SubjectID:   receiver.ID,
		Permission:  "preview",
		Origin:      "curation-request",
	}}
	events := []store.RequestEvent{
		{Type: store.EventTypeLog, Content: "Request created", CreatedByID: session.UserID},
		{Type: store.EventTypeLog, Content: "Request submitted for review", CreatedByID: session.UserID},
	}

	created, err := s.store.CreateRequest(ctx, req, grants, events)
	if errors.Is(err, store.ErrOpenRequestExists) {
		return nil, errOpenRequestExists(record.ID)
	}
	if err != nil {
		return nil, err
	}

	s.afterRequestChange(created, workflow.ActionSubmit, record.Title)
	return s.requestPayload(ctx, created)
}

// GetReview returns the most recent curation request for a topic, open or
// closed, or nil when the record has never been under curation.
func (s *Service) GetReview(ctx context.Context, topicRecordID string) (*store.Request, error) {
	return s.store.LatestRequestForTopic(ctx, store.RequestTypeCuration, topicRecordID)
}

// AcceptedRecord returns the accepted, closed request for a record. The
// publish gate treats a non-nil result as the sole proof of approval.
func (s *Service) AcceptedRecord(ctx context.Context, recordID string) (*store.Request, error) {
	return s.store.AcceptedRequestForTopic(ctx, store.RequestTypeCuration, recordID)
}

func (s *Service) GetCuration(ctx context.Context, requestID string) (map[string]any, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	return s.requestPayload(ctx, req)
}

func (s *Service) ListCurations(ctx context.Context, topicRecordID, status string, isOpen *bool, limit int) (map[string]any, error) {
	requests, err := s.store.SearchRequests(ctx, store.RequestFilter{
		Type:          store.RequestTypeCuration,
		TopicRecordID: strings.TrimSpace(topicRecordID),
		Status:        strings.TrimSpace(status),
		IsOpen:        isOpen,
		Limit:         limit,
	})
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(requests))
	for _, req := range requests {
		items = append(items, requestItem(req))
	}
	return map[string]any{"curations": items}, nil
}

// actionLogMessages is the timeline entry written with each transition.
var actionLogMessages = map[workflow.Action]string{
	workflow.ActionSubmit:              "Request submitted for review",
	workflow.ActionReview:              "Review started",
	workflow.ActionCritique:            "Changes requested",
	workflow.ActionAccept:              "Request accepted",
	workflow.ActionResubmit:            "Request resubmitted",
	workflow.ActionPendingResubmission: "Record changed after closure, resubmission required",
	workflow.ActionCancel:              "Request cancelled",
	workflow.ActionExpire:              "Request expired",
	workflow.ActionDelete:              "Request deleted",
}

// ExecuteAction runs one state-machine action on a request: guard check,
// transition legality, then the status mutation plus its timeline events in
// a single transaction. Notifications go out only after the commit.
func (s *Service) ExecuteAction(ctx context.Context, session Session, requestID string, action workflow.Action, input ActionInput) (map[string]any, error) {
	req, err := s.store.GetRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	if err := s.checkActionGuard(ctx, session, req, action); err != nil {
		return nil, err
	}

	next, err := workflow.Transition(action, workflow.Status(req.Status))
	if err != nil {
		return nil, errInvalidTransition(string(action), req.Status)
	}

	events := []store.RequestEvent{{
		Type:        store.EventTypeLog,
		Content:     actionLogMessages[action],
		CreatedByID: session.UserID,
	}}
	if message := strings.TrimSpace(input.Message); message != "" {
		events = append(events, store.RequestEvent{
			Type:        store.EventTypeComment,
			Content:     message,
			CreatedByID: session.UserID,
		})
	}

	updated, err := s.store.ApplyTransition(ctx, store.TransitionUpdate{
		RequestID:        req.ID,
		Status:           string(next),
		IsOpen:           workflow.IsOpen(next),
		ExpectedRevision: req.Revision,
		Events:           events,
	})
	if errors.Is(err, store.ErrConcurrentModification) {
		return nil, errConcurrentModification()
	}
	if err != nil {
		return nil, err
	}

	recordTitle := ""
	if record, err := s.store.GetRecord(ctx, updated.TopicRecordID); err == nil {
		recordTitle = record.Title
	}
	s.afterRequestChange(updated, action, recordTitle)
	return s.requestPayload(ctx, updated)
}

// checkActionGuard decides who may run which action. Reviewer actions need
// receiver-group membership or review permission; submitter actions belong
// to the creator. Privileged identities bypass all of it.
func (s *Service) checkActionGuard(ctx context.Context, session Session, req store.Request, action workflow.Action) error {
	if !workflow.IsValidAction(action) {
		return errInvalidTransition(string(action), req.Status)
	}
	if s.isPrivileged(session) {
		return nil
	}
	switch action {
	case workflow.ActionReview, workflow.ActionCritique, workflow.ActionAccept, workflow.ActionExpire:
		if s.isReceiver(ctx, session, req) || s.Can(session.Role, rbac.ActionReview) {
			return nil
		}
	case workflow.ActionSubmit, workflow.ActionResubmit, workflow.ActionCancel:
		if req.CreatedByID == session.UserID {
			return nil
		}
	case workflow.ActionDelete, workflow.ActionPendingResubmission:
		if s.Can(session.Role, rbac.ActionAdmin) {
			return nil
		}
	}
	return domainError(http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
}

func (s *Service) Timeline(ctx context.Context, requestID string, limit int) (map[string]any, error) {
	if _, err := s.store.GetRequest(ctx, requestID); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = s.cfg.TimelinePageSize
	}
	events, err := s.store.ListRequestEvents(ctx, requestID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(events))
	for _, event := range events {
		items = append(items, map[string]any{
			"id":        event.ID,
			"type":      event.Type,
			"content":   event.Content,
			"createdBy": event.CreatedByID,
			"createdAt": event.CreatedAt.Format(time.RFC3339),
		})
	}
	return map[string]any{"requestId": requestID, "events": items}, nil
}

// ExpireStaleRequests sweeps open requests untouched past the configured age
// through the expire transition. Driven by a timer in main; expiry here is
// just another transition.
func (s *Service) ExpireStaleRequests(ctx context.Context) (int, error) {
	statuses := make([]string, 0, 3)
	for _, status := range workflow.AllowedFrom(workflow.ActionExpire) {
		statuses = append(statuses, string(status))
	}
	cutoff := time.Now().Add(-s.cfg.ExpireAfter)
	candidates, err := s.store.ExpireCandidates(ctx, statuses, cutoff)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, req := range candidates {
		next, err := workflow.Transition(workflow.ActionExpire, workflow.Status(req.Status))
		if err != nil {
			continue
		}
		updated, err := s.store.ApplyTransition(ctx, store.TransitionUpdate{
			RequestID:        req.ID,
			Status:           string(next),
			IsOpen:           workflow.IsOpen(next),
			ExpectedRevision: req.Revision,
			Events: []store.RequestEvent{{
				Type:        store.EventTypeLog,
				Content:     actionLogMessages[workflow.ActionExpire],
				CreatedByID: store.SystemUserID,
			}},
		})
		if err != nil {
			// A concurrent action beat the sweep to this request.
			log.Printf("app: expire %s: %v", req.ID, err)
			continue
		}
		expired++
		s.afterRequestChange(updated, workflow.ActionExpire, "")
	}
	return expired, nil
}

func (s *Service) ExportReport(ctx context.Context, req export.Request) (*export.Result, error) {
	if s.exports == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Report export is not configured", nil)
	}
	return s.exports.Export(ctx, req)
}

func (s *Service) Search(q search.Query) search.Response {
	if s.index == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.index.Search(q)
}

// afterRequestChange is the post-commit side channel: search indexing and
// notification dispatch, both fire-and-forget.
func (s *Service) afterRequestChange(req store.Request, action workflow.Action, recordTitle string) {
	if s.index != nil {
		s.index.IndexRequest(requestDoc(req))
	}
	if s.notify != nil {
		s.notify.DispatchAsync(notify.Event{Action: action, Request: req, RecordTitle: recordTitle})
	}
}

func requestDoc(req store.Request) search.RequestDoc {
	return search.RequestDoc{
		ID:            req.ID,
		Title:         req.Title,
		Status:        req.Status,
		IsOpen:        req.IsOpen,
		TopicRecordID: req.TopicRecordID,
		CreatedByName: req.CreatedByName,
		CreatedAt:     req.CreatedAt.Unix(),
	}
}

func requestItem(req store.Request) map[string]any {
	return map[string]any{
		"id":        req.ID,
		"type":      req.Type,
		"status":    req.Status,
		"isOpen":    req.IsOpen,
		"title":     req.Title,
		"recordId":  req.TopicRecordID,
		"createdBy": map[string]any{"id": req.CreatedByID, "name": req.CreatedByName},
		"revision":  req.Revision,
		"createdAt": req.CreatedAt.Format(time.RFC3339),
		"updatedAt": req.UpdatedAt.Format(time.RFC3339),
	}
}

func (s *Service) requestPayload(ctx context.Context, req store.Request) (map[string]any, error) {
	payload := requestItem(req)
	if role, err := s.store.GetRoleByID(ctx, req.ReceiverRoleID); err == nil {
		payload["receiver"] = map[string]any{"id": role.ID, "name": role.Name}
	}
	actions := make([]string, 0, 4)
	for _, action := range workflow.Actions() {
		if _, err := workflow.Transition(action, workflow.Status(req.Status)); err == nil {
			actions = append(actions, string(action))
		}
	}
	payload["availableActions"] = actions
	return payload, nil
}
