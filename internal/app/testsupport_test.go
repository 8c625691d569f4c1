package app

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"curator/api/internal/comment"
	"curator/api/internal/config"
	"curator/api/internal/diff"
	"curator/api/internal/draftrepo"
	"curator/api/internal/notify"
	"curator/api/internal/search"
	"curator/api/internal/store"
)

// fakeStore is an in-memory dataStore and sessionStore. Override the func
// fields to inject failures for a single call site.
type fakeStore struct {
	mu sync.Mutex

	users       map[string]store.User
	roles       map[string]store.Role // by ID
	roleMembers map[string][]string   // roleID -> userIDs
	records     map[string]store.Record
	requests    map[string]store.Request
	events      []store.RequestEvent
	grants      []store.PermissionGrant
	refresh     map[string]string // tokenHash -> userID
	revokedJTI  map[string]bool

	seq        int
	createdSeq map[string]int // request ID -> insertion order

	applyTransitionFn func(ctx context.Context, up store.TransitionUpdate) (store.Request, error)
	createRequestFn   func(ctx context.Context, req store.Request, grants []store.PermissionGrant, events []store.RequestEvent) (store.Request, error)
	pingFn            func(ctx context.Context) error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:       map[string]store.User{},
		roles:       map[string]store.Role{},
		roleMembers: map[string][]string{},
		records:     map[string]store.Record{},
		requests:    map[string]store.Request{},
		refresh:     map[string]string{},
		revokedJTI:  map[string]bool{},
		createdSeq:  map[string]int{},
	}
}

func (f *fakeStore) nextID(prefix string) string {
	f.seq++
	return fmt.Sprintf("%s-%d", prefix, f.seq)
}

func (f *fakeStore) addUser(id, name, role string) store.User {
	user := store.User{ID: id, DisplayName: name, Role: role}
	f.users[id] = user
	return user
}

func (f *fakeStore) addRole(id, name string) store.Role {
	role := store.Role{ID: id, Name: name}
	f.roles[id] = role
	return role
}

func (f *fakeStore) addRecord(id, title, ownerID string) store.Record {
	record := store.Record{ID: id, Title: title, OwnerID: ownerID, CreatedAt: time.Now(), UpdatedAt: time.Now()}
	f.records[id] = record
	return record
}

func (f *fakeStore) addRequest(req store.Request) store.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.ID == "" {
		req.ID = f.nextID("req")
	}
	if req.Type == "" {
		req.Type = store.RequestTypeCuration
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = time.Now()
	}
	req.UpdatedAt = req.CreatedAt
	f.seq++
	f.createdSeq[req.ID] = f.seq
	f.requests[req.ID] = req
	return req
}

func (f *fakeStore) eventsFor(requestID string) []store.RequestEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.RequestEvent
	for _, event := range f.events {
		if event.RequestID == requestID {
			out = append(out, event)
		}
	}
	return out
}

func (f *fakeStore) Ping(ctx context.Context) error {
	if f.pingFn != nil {
		return f.pingFn(ctx)
	}
	return nil
}

func (f *fakeStore) GetUserByID(ctx context.Context, userID string) (store.User, error) {
	user, ok := f.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (f *fakeStore) GetRoleByName(ctx context.Context, name string) (store.Role, error) {
	for _, role := range f.roles {
		if role.Name == name {
			return role, nil
		}
	}
	return store.Role{}, sql.ErrNoRows
}

func (f *fakeStore) GetRoleByID(ctx context.Context, roleID string) (store.Role, error) {
	role, ok := f.roles[roleID]
	if !ok {
		return store.Role{}, sql.ErrNoRows
	}
	return role, nil
}

func (f *fakeStore) EnsureRole(ctx context.Context, name string) (store.Role, error) {
	if role, err := f.GetRoleByName(ctx, name); err == nil {
		return role, nil
	}
	return f.addRole(f.nextID("rol"), name), nil
}

func (f *fakeStore) AddRoleMember(ctx context.Context, roleID, userID string) error {
	for _, member := range f.roleMembers[roleID] {
		if member == userID {
			return nil
		}
	}
	f.roleMembers[roleID] = append(f.roleMembers[roleID], userID)
	return nil
}

func (f *fakeStore) ListRoleMembers(ctx context.Context, roleID string) ([]store.User, error) {
	var out []store.User
	for _, userID := range f.roleMembers[roleID] {
		if user, ok := f.users[userID]; ok {
			out = append(out, user)
		}
	}
	return out, nil
}

func (f *fakeStore) ListRoleNamesForUser(ctx context.Context, userID string) ([]string, error) {
	var names []string
	for roleID, members := range f.roleMembers {
		for _, member := range members {
			if member == userID {
				names = append(names, f.roles[roleID].Name)
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

func (f *fakeStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	f.revokedJTI[jti] = true
	return nil
}

func (f *fakeStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	return f.revokedJTI[jti], nil
}

func (f *fakeStore) InsertRecord(ctx context.Context, record store.Record) error {
	record.CreatedAt = time.Now()
	record.UpdatedAt = record.CreatedAt
	f.records[record.ID] = record
	return nil
}

func (f *fakeStore) GetRecord(ctx context.Context, recordID string) (store.Record, error) {
	record, ok := f.records[recordID]
	if !ok {
		return store.Record{}, sql.ErrNoRows
	}
	return record, nil
}

func (f *fakeStore) UpdateRecordTitle(ctx context.Context, recordID, title string) error {
	record, ok := f.records[recordID]
	if !ok {
		return sql.ErrNoRows
	}
	record.Title = title
	record.UpdatedAt = time.Now()
	f.records[recordID] = record
	return nil
}

func (f *fakeStore) MarkRecordPublished(ctx context.Context, recordID string) error {
	record, ok := f.records[recordID]
	if !ok {
		return sql.ErrNoRows
	}
	record.IsPublished = true
	record.Version++
	record.UpdatedAt = time.Now()
	f.records[recordID] = record
	return nil
}

func (f *fakeStore) DeleteRecord(ctx context.Context, recordID string) error {
	delete(f.records, recordID)
	return nil
}

func (f *fakeStore) ListRecords(ctx context.Context) ([]store.Record, error) {
	out := make([]store.Record, 0, len(f.records))
	for _, record := range f.records {
		out = append(out, record)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (f *fakeStore) CreateRequest(ctx context.Context, req store.Request, grants []store.PermissionGrant, events []store.RequestEvent) (store.Request, error) {
	if f.createRequestFn != nil {
		return f.createRequestFn(ctx, req, grants, events)
	}
	for _, existing := range f.requests {
		if existing.IsOpen && existing.Type == req.Type && existing.TopicRecordID == req.TopicRecordID {
			return store.Request{}, store.ErrOpenRequestExists
		}
	}
	created := f.addRequest(req)
	f.mu.Lock()
	f.grants = append(f.grants, grants...)
	for _, event := range events {
		event.ID = f.nextID("evt")
		event.RequestID = created.ID
		event.CreatedAt = time.Now()
		f.events = append(f.events, event)
	}
	f.mu.Unlock()
	return created, nil
}

func (f *fakeStore) GetRequest(ctx context.Context, requestID string) (store.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[requestID]
	if !ok {
		return store.Request{}, sql.ErrNoRows
	}
	return req, nil
}

func (f *fakeStore) ApplyTransition(ctx context.Context, up store.TransitionUpdate) (store.Request, error) {
	if f.applyTransitionFn != nil {
		return f.applyTransitionFn(ctx, up)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[up.RequestID]
	if !ok {
		return store.Request{}, sql.ErrNoRows
	}
	if req.Revision != up.ExpectedRevision {
		return store.Request{}, store.ErrConcurrentModification
	}
	req.Status = up.Status
	req.IsOpen = up.IsOpen
	if up.Title != "" {
		req.Title = up.Title
	}
	req.Revision++
	req.UpdatedAt = time.Now()
	f.requests[req.ID] = req
	f.grants = append(f.grants, up.Grants...)
	for _, event := range up.Events {
		event.ID = f.nextID("evt")
		event.RequestID = req.ID
		event.CreatedAt = time.Now()
		f.events = append(f.events, event)
	}
	return req, nil
}

func (f *fakeStore) UpdateRequestTitle(ctx context.Context, requestID, title string, expectedRevision int) (store.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	req, ok := f.requests[requestID]
	if !ok {
		return store.Request{}, sql.ErrNoRows
	}
	if req.Revision != expectedRevision {
		return store.Request{}, store.ErrConcurrentModification
	}
	req.Title = title
	req.Revision++
	req.UpdatedAt = time.Now()
	f.requests[requestID] = req
	return req, nil
}

func (f *fakeStore) DeleteRequest(ctx context.Context, requestID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.requests, requestID)
	return nil
}

func (f *fakeStore) LatestRequestForTopic(ctx context.Context, requestType, topicRecordID string) (*store.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest *store.Request
	latestSeq := -1
	for id := range f.requests {
		req := f.requests[id]
		if req.Type != requestType || req.TopicRecordID != topicRecordID {
			continue
		}
		if f.createdSeq[req.ID] > latestSeq {
			latestSeq = f.createdSeq[req.ID]
			copied := req
			latest = &copied
		}
	}
	return latest, nil
}

func (f *fakeStore) AcceptedRequestForTopic(ctx context.Context, requestType, topicRecordID string) (*store.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id := range f.requests {
		req := f.requests[id]
		if req.Type == requestType && req.TopicRecordID == topicRecordID &&
			req.Status == "accepted" && !req.IsOpen {
			copied := req
			return &copied, nil
		}
	}
	return nil, nil
}

func (f *fakeStore) SearchRequests(ctx context.Context, filter store.RequestFilter) ([]store.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Request
	for id := range f.requests {
		req := f.requests[id]
		if filter.Type != "" && req.Type != filter.Type {
			continue
		}
		if filter.TopicRecordID != "" && req.TopicRecordID != filter.TopicRecordID {
			continue
		}
		if filter.Status != "" && req.Status != filter.Status {
			continue
		}
		if filter.IsOpen != nil && req.IsOpen != *filter.IsOpen {
			continue
		}
		out = append(out, req)
	}
	sort.Slice(out, func(i, j int) bool { return f.createdSeq[out[i].ID] > f.createdSeq[out[j].ID] })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (f *fakeStore) ExpireCandidates(ctx context.Context, statuses []string, cutoff time.Time) ([]store.Request, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	eligible := map[string]bool{}
	for _, status := range statuses {
		eligible[status] = true
	}
	var out []store.Request
	for id := range f.requests {
		req := f.requests[id]
		if req.IsOpen && eligible[req.Status] && req.UpdatedAt.Before(cutoff) {
			out = append(out, req)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertPermissionGrant(ctx context.Context, grant store.PermissionGrant) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.grants = append(f.grants, grant)
	return nil
}

func (f *fakeStore) ListPermissionGrants(ctx context.Context, recordID string) ([]store.PermissionGrant, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.PermissionGrant
	for _, grant := range f.grants {
		if grant.RecordID == recordID {
			out = append(out, grant)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertRequestEvent(ctx context.Context, event store.RequestEvent) (store.RequestEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	event.ID = f.nextID("evt")
	event.CreatedAt = time.Now()
	f.events = append(f.events, event)
	return event, nil
}

func (f *fakeStore) ListRequestEvents(ctx context.Context, requestID string, limit int) ([]store.RequestEvent, error) {
	events := f.eventsFor(requestID)
	if limit > 0 && len(events) > limit {
		events = events[:limit]
	}
	return events, nil
}

func (f *fakeStore) LatestRequestEvent(ctx context.Context, requestID string) (*store.RequestEvent, error) {
	events := f.eventsFor(requestID)
	if len(events) == 0 {
		return nil, nil
	}
	last := events[len(events)-1]
	return &last, nil
}

func (f *fakeStore) UpdateRequestEventContent(ctx context.Context, eventID, content string, expectedRevision int) (store.RequestEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.events {
		if f.events[i].ID != eventID {
			continue
		}
		if f.events[i].Revision != expectedRevision {
			return store.RequestEvent{}, store.ErrConcurrentModification
		}
		f.events[i].Content = content
		f.events[i].Revision++
		return f.events[i], nil
	}
	return store.RequestEvent{}, sql.ErrNoRows
}

func (f *fakeStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	f.refresh[tokenHash] = userID
	return nil
}

func (f *fakeStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	userID, ok := f.refresh[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return store.User{ID: userID}, nil
}

func (f *fakeStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	delete(f.refresh, tokenHash)
	return nil
}

// fakeDrafts keeps draft snapshots in memory with a linear history.
type fakeDrafts struct {
	mu      sync.Mutex
	repos   map[string][]diff.Snapshot
	commits map[string][]draftrepo.CommitInfo
	seq     int
}

func newFakeDrafts() *fakeDrafts {
	return &fakeDrafts{repos: map[string][]diff.Snapshot{}, commits: map[string][]draftrepo.CommitInfo{}}
}

func (f *fakeDrafts) commit(recordID, author, message string) draftrepo.CommitInfo {
	f.seq++
	info := draftrepo.CommitInfo{
		Hash:      fmt.Sprintf("commit-%d", f.seq),
		Author:    author,
		Message:   message,
		CreatedAt: time.Now(),
	}
	f.commits[recordID] = append(f.commits[recordID], info)
	return info
}

func (f *fakeDrafts) Ensure(recordID string, initial diff.Snapshot, author string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.repos[recordID]; ok {
		return nil
	}
	f.repos[recordID] = []diff.Snapshot{initial}
	f.commit(recordID, author, "Initial draft")
	return nil
}

func (f *fakeDrafts) Save(recordID string, snap diff.Snapshot, author, message string) (draftrepo.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.repos[recordID]; !ok {
		return draftrepo.CommitInfo{}, draftrepo.ErrNoDraft
	}
	f.repos[recordID] = append(f.repos[recordID], snap)
	return f.commit(recordID, author, message), nil
}

func (f *fakeDrafts) Head(recordID string) (diff.Snapshot, draftrepo.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snaps, ok := f.repos[recordID]
	if !ok || len(snaps) == 0 {
		return diff.Snapshot{}, draftrepo.CommitInfo{}, draftrepo.ErrNoDraft
	}
	commits := f.commits[recordID]
	return snaps[len(snaps)-1], commits[len(commits)-1], nil
}

func (f *fakeDrafts) At(recordID, hash string) (diff.Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snaps, ok := f.repos[recordID]
	if !ok {
		return diff.Snapshot{}, draftrepo.ErrNoDraft
	}
	for i, commit := range f.commits[recordID] {
		if commit.Hash == hash && i < len(snaps) {
			return snaps[i], nil
		}
	}
	return diff.Snapshot{}, draftrepo.ErrNoDraft
}

func (f *fakeDrafts) History(recordID string, limit int) ([]draftrepo.CommitInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	commits, ok := f.commits[recordID]
	if !ok {
		return nil, draftrepo.ErrNoDraft
	}
	out := make([]draftrepo.CommitInfo, len(commits))
	copy(out, commits)
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (f *fakeDrafts) Remove(recordID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.repos, recordID)
	delete(f.commits, recordID)
	return nil
}

// fakeIndex records indexing calls.
type fakeIndex struct {
	mu              sync.Mutex
	requests        map[string]search.RequestDoc
	records         map[string]search.RecordDoc
	deletedRequests []string
	deletedRecords  []string
}

func newFakeIndex() *fakeIndex {
	return &fakeIndex{requests: map[string]search.RequestDoc{}, records: map[string]search.RecordDoc{}}
}

func (f *fakeIndex) Search(q search.Query) search.Response {
	return search.Response{Results: []search.Result{}, Query: q.Text}
}

func (f *fakeIndex) IndexRequest(doc search.RequestDoc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests[doc.ID] = doc
}

func (f *fakeIndex) IndexRecord(doc search.RecordDoc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[doc.ID] = doc
}

func (f *fakeIndex) DeleteRequest(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.requests, id)
	f.deletedRequests = append(f.deletedRequests, id)
}

func (f *fakeIndex) DeleteRecord(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, id)
	f.deletedRecords = append(f.deletedRecords, id)
}

// fakeNotifier collects dispatched events synchronously.
type fakeNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeNotifier) DispatchAsync(event notify.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
}

func (f *fakeNotifier) actions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for _, event := range f.events {
		out = append(out, string(event.Action))
	}
	return out
}

func testConfig() config.Config {
	return config.Config{
		JWTSecret:        "test-secret",
		AccessTTL:        15 * time.Minute,
		RefreshTTL:       time.Hour,
		ModerationRole:   "records-curation",
		PrivilegedRoles:  []string{"admin"},
		CommentsEnabled:  true,
		TimelinePageSize: 15,
		ExpireAfter:      30 * 24 * time.Hour,
	}
}

type testEnv struct {
	store  *fakeStore
	drafts *fakeDrafts
	index  *fakeIndex
	notify *fakeNotifier
	svc    *Service
}

func newTestEnv(cfg config.Config) *testEnv {
	fs := newFakeStore()
	fd := newFakeDrafts()
	fi := newFakeIndex()
	fn := &fakeNotifier{}
	engine := diff.Default()
	svc := &Service{
		cfg:      cfg,
		store:    fs,
		sessions: fs,
		drafts:   fd,
		comments: comment.NewProcessor(fs, engine),
		engine:   engine,
		notify:   fn,
		index:    fi,
	}
	return &testEnv{store: fs, drafts: fd, index: fi, notify: fn, svc: svc}
}
