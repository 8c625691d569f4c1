package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"curator/api/internal/util"
)

var (
	// ErrConcurrentModification is returned when a revision-checked update
	// hits a stale revision. Callers retry or abort; the store never does.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrOpenRequestExists is returned when request creation collides with
	// the partial unique index on open requests per topic.
	ErrOpenRequestExists = errors.New("open request already exists for topic")
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users and roles ----

func (s *PostgresStore) EnsureUserByName(ctx context.Context, name string) (User, error) {
	const findUser = `SELECT id, display_name, email, role FROM users WHERE display_name = $1`
	var user User
	err := s.db.QueryRowContext(ctx, findUser, name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return User{}, fmt.Errorf("lookup user: %w", err)
	}

	const insertUser = `
		INSERT INTO users (id, display_name, email, role)
		VALUES ($1, $2, CONCAT(LOWER(REPLACE($2, ' ', '.')), '@local.curator.dev'), 'submitter')
		RETURNING id, display_name, email, role
	`
	if err := s.db.QueryRowContext(ctx, insertUser, util.NewID("usr"), name).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role); err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, role FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, role, password_hash, is_email_verified, COALESCE(verification_token, '')
		FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role, &user.PasswordHash, &user.IsEmailVerified, &user.VerificationToken)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) (User, error) {
	if user.ID == "" {
		user.ID = util.NewID("usr")
	}
	if user.Role == "" {
		user.Role = "submitter"
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, display_name, email, role, password_hash, is_email_verified, verification_token, verification_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8)
		RETURNING id, display_name, email, role
	`, user.ID, user.DisplayName, user.Email, user.Role, user.PasswordHash, user.IsEmailVerified, user.VerificationToken, user.VerificationExpiresAt).
		Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err != nil {
		return User{}, fmt.Errorf("insert user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) VerifyUserEmail(ctx context.Context, token string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE users
		SET is_email_verified=TRUE, verification_token=NULL, verification_expires_at=NULL, updated_at=NOW()
		WHERE verification_token=$1 AND (verification_expires_at IS NULL OR verification_expires_at > NOW())
	`, token)
	if err != nil {
		return fmt.Errorf("verify email: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("verify email result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) GetRoleByName(ctx context.Context, name string) (Role, error) {
	var role Role
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM roles WHERE name=$1
	`, name).Scan(&role.ID, &role.Name, &role.CreatedAt)
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

func (s *PostgresStore) GetRoleByID(ctx context.Context, roleID string) (Role, error) {
	var role Role
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at FROM roles WHERE id=$1
	`, roleID).Scan(&role.ID, &role.Name, &role.CreatedAt)
	if err != nil {
		return Role{}, err
	}
	return role, nil
}

func (s *PostgresStore) EnsureRole(ctx context.Context, name string) (Role, error) {
	role, err := s.GetRoleByName(ctx, name)
	if err == nil {
		return role, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Role{}, err
	}
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO roles (id, name) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET name=EXCLUDED.name
		RETURNING id, name, created_at
	`, util.NewID("rol"), name).Scan(&role.ID, &role.Name, &role.CreatedAt)
	if err != nil {
		return Role{}, fmt.Errorf("ensure role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) AddRoleMember(ctx context.Context, roleID, userID string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO role_members (role_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (role_id, user_id) DO NOTHING
	`, roleID, userID)
	if err != nil {
		return fmt.Errorf("add role member: %w", err)
	}
	return nil
}

// ListRoleMembers resolves current group membership. Notification dispatch
// relies on this being a live lookup, not a snapshot.
func (s *PostgresStore) ListRoleMembers(ctx context.Context, roleID string) ([]User, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT u.id, u.display_name, u.email, u.role
		FROM role_members rm
		JOIN users u ON u.id = rm.user_id
		WHERE rm.role_id = $1
		ORDER BY u.display_name
	`, roleID)
	if err != nil {
		return nil, fmt.Errorf("list role members: %w", err)
	}
	defer rows.Close()

	users := make([]User, 0)
	for rows.Next() {
		var user User
		if err := rows.Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role); err != nil {
			return nil, fmt.Errorf("scan role member: %w", err)
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate role members: %w", err)
	}
	return users, nil
}

func (s *PostgresStore) ListRoleNamesForUser(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT r.name
		FROM role_members rm
		JOIN roles r ON r.id = rm.role_id
		WHERE rm.user_id = $1
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list user roles: %w", err)
	}
	defer rows.Close()

	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("scan role name: %w", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate role names: %w", err)
	}
	return names, nil
}

// ---- refresh sessions and token revocation ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.role
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.Role)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- records ----

func (s *PostgresStore) InsertRecord(ctx context.Context, record Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO records (id, title, owner_id, is_published, version)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO NOTHING
	`, record.ID, record.Title, record.OwnerID, record.IsPublished, record.Version)
	if err != nil {
		return fmt.Errorf("insert record: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetRecord(ctx context.Context, recordID string) (Record, error) {
	var record Record
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, owner_id, is_published, version, created_at, updated_at
		FROM records WHERE id=$1
	`, recordID).Scan(&record.ID, &record.Title, &record.OwnerID, &record.IsPublished, &record.Version, &record.CreatedAt, &record.UpdatedAt)
	if err != nil {
		return Record{}, err
	}
	return record, nil
}

func (s *PostgresStore) UpdateRecordTitle(ctx context.Context, recordID, title string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE records SET title=$2, updated_at=NOW() WHERE id=$1
	`, recordID, title)
	if err != nil {
		return fmt.Errorf("update record title: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkRecordPublished(ctx context.Context, recordID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE records SET is_published=TRUE, version=version+1, updated_at=NOW() WHERE id=$1
	`, recordID)
	if err != nil {
		return fmt.Errorf("mark record published: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark record published result: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

func (s *PostgresStore) DeleteRecord(ctx context.Context, recordID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE id=$1`, recordID)
	if err != nil {
		return fmt.Errorf("delete record: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRecords(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title, owner_id, is_published, version, created_at, updated_at
		FROM records ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var record Record
		if err := rows.Scan(&record.ID, &record.Title, &record.OwnerID, &record.IsPublished, &record.Version, &record.CreatedAt, &record.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan record: %w", err)
		}
		records = append(records, record)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate records: %w", err)
	}
	return records, nil
}

// ---- requests ----

const requestColumns = `id, type, status, is_open, created_by_id, created_by_name, receiver_role_id, topic_record_id, title, revision, created_at, updated_at`

func scanRequest(row interface{ Scan(...any) error }) (Request, error) {
	var req Request
	err := row.Scan(
		&req.ID, &req.Type, &req.Status, &req.IsOpen,
		&req.CreatedByID, &req.CreatedByName, &req.ReceiverRoleID,
		&req.TopicRecordID, &req.Title, &req.Revision,
		&req.CreatedAt, &req.UpdatedAt,
	)
	return req, err
}

// CreateRequest inserts a request plus its creation-time side effects (grants
// and log events) in one transaction. Events are stamped with the new
// request's ID before insert. A collision with the open-request partial
// unique index surfaces as ErrOpenRequestExists.
func (s *PostgresStore) CreateRequest(ctx context.Context, req Request, grants []PermissionGrant, events []RequestEvent) (Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Request{}, fmt.Errorf("begin create request: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		INSERT INTO requests (id, type, status, is_open, created_by_id, created_by_name, receiver_role_id, topic_record_id, title)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING `+requestColumns+`
	`, req.ID, req.Type, req.Status, req.IsOpen, req.CreatedByID, req.CreatedByName, req.ReceiverRoleID, req.TopicRecordID, req.Title)
	created, err := scanRequest(row)
	if err != nil {
		if isOpenRequestConflict(err) {
			return Request{}, ErrOpenRequestExists
		}
		return Request{}, fmt.Errorf("insert request: %w", err)
	}

	for _, grant := range grants {
		if err := insertGrantTx(ctx, tx, grant); err != nil {
			return Request{}, err
		}
	}
	for _, event := range events {
		event.RequestID = created.ID
		if _, err := insertEventTx(ctx, tx, event); err != nil {
			return Request{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Request{}, fmt.Errorf("commit create request: %w", err)
	}
	return created, nil
}

func (s *PostgresStore) GetRequest(ctx context.Context, requestID string) (Request, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+requestColumns+` FROM requests WHERE id=$1`, requestID)
	return scanRequest(row)
}

// ApplyTransition commits a status transition and its store-side effects
// atomically. A stale ExpectedRevision yields ErrConcurrentModification; a
// missing request yields sql.ErrNoRows.
func (s *PostgresStore) ApplyTransition(ctx context.Context, up TransitionUpdate) (Request, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Request{}, fmt.Errorf("begin transition: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE requests
		SET status=$2, is_open=$3, title=COALESCE(NULLIF($4, ''), title), revision=revision+1, updated_at=NOW()
		WHERE id=$1 AND revision=$5
		RETURNING `+requestColumns+`
	`, up.RequestID, up.Status, up.IsOpen, up.Title, up.ExpectedRevision)
	updated, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		var exists bool
		if checkErr := tx.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM requests WHERE id=$1)`, up.RequestID).Scan(&exists); checkErr != nil {
			return Request{}, fmt.Errorf("check request exists: %w", checkErr)
		}
		if exists {
			return Request{}, ErrConcurrentModification
		}
		return Request{}, sql.ErrNoRows
	}
	if err != nil {
		return Request{}, fmt.Errorf("update request: %w", err)
	}

	for _, grant := range up.Grants {
		if err := insertGrantTx(ctx, tx, grant); err != nil {
			return Request{}, err
		}
	}
	for _, event := range up.Events {
		event.RequestID = up.RequestID
		if _, err := insertEventTx(ctx, tx, event); err != nil {
			return Request{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Request{}, fmt.Errorf("commit transition: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) UpdateRequestTitle(ctx context.Context, requestID, title string, expectedRevision int) (Request, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE requests
		SET title=$2, revision=revision+1, updated_at=NOW()
		WHERE id=$1 AND revision=$3
		RETURNING `+requestColumns+`
	`, requestID, title, expectedRevision)
	updated, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Request{}, ErrConcurrentModification
	}
	if err != nil {
		return Request{}, fmt.Errorf("update request title: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) DeleteRequest(ctx context.Context, requestID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM requests WHERE id=$1`, requestID)
	if err != nil {
		return fmt.Errorf("delete request: %w", err)
	}
	return nil
}

// LatestRequestForTopic returns the most recent request of the given type
// referencing the topic, regardless of open/closed status. Nil when none.
func (s *PostgresStore) LatestRequestForTopic(ctx context.Context, requestType, topicRecordID string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE type=$1 AND topic_record_id=$2
		ORDER BY created_at DESC
		LIMIT 1
	`, requestType, topicRecordID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest request for topic: %w", err)
	}
	return &req, nil
}

// AcceptedRequestForTopic returns the closed, accepted request for a topic,
// or nil. This is the publish gate's sole authority.
func (s *PostgresStore) AcceptedRequestForTopic(ctx context.Context, requestType, topicRecordID string) (*Request, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+requestColumns+`
		FROM requests
		WHERE type=$1 AND topic_record_id=$2 AND status='accepted' AND is_open=FALSE
		ORDER BY created_at DESC
		LIMIT 1
	`, requestType, topicRecordID)
	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("accepted request for topic: %w", err)
	}
	return &req, nil
}

func (s *PostgresStore) SearchRequests(ctx context.Context, filter RequestFilter) ([]Request, error) {
	query := `SELECT ` + requestColumns + ` FROM requests WHERE 1=1`
	args := make([]any, 0, 4)
	if filter.Type != "" {
		args = append(args, filter.Type)
		query += fmt.Sprintf(" AND type=$%d", len(args))
	}
	if filter.TopicRecordID != "" {
		args = append(args, filter.TopicRecordID)
		query += fmt.Sprintf(" AND topic_record_id=$%d", len(args))
	}
	if filter.Status != "" {
		args = append(args, filter.Status)
		query += fmt.Sprintf(" AND status=$%d", len(args))
	}
	if filter.IsOpen != nil {
		args = append(args, *filter.IsOpen)
		query += fmt.Sprintf(" AND is_open=$%d", len(args))
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("search requests: %w", err)
	}
	defer rows.Close()

	requests := make([]Request, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate requests: %w", err)
	}
	return requests, nil
}

// ExpireCandidates returns open requests in the given statuses untouched
// since the cutoff. The expire sweep feeds these through the state machine
// rather than updating them directly.
func (s *PostgresStore) ExpireCandidates(ctx context.Context, statuses []string, cutoff time.Time) ([]Request, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	args := []any{cutoff}
	query := `SELECT ` + requestColumns + ` FROM requests WHERE is_open=TRUE AND updated_at < $1 AND status IN (`
	for i, status := range statuses {
		if i > 0 {
			query += ","
		}
		args = append(args, status)
		query += fmt.Sprintf("$%d", len(args))
	}
	query += ") ORDER BY updated_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("expire candidates: %w", err)
	}
	defer rows.Close()

	requests := make([]Request, 0)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan expire candidate: %w", err)
		}
		requests = append(requests, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate expire candidates: %w", err)
	}
	return requests, nil
}

// ---- request events ----

const eventColumns = `id, request_id, type, content, COALESCE(reference_draft::text, ''), created_by_id, revision, created_at`

func scanEvent(row interface{ Scan(...any) error }) (RequestEvent, error) {
	var event RequestEvent
	err := row.Scan(
		&event.ID, &event.RequestID, &event.Type, &event.Content,
		&event.ReferenceDraft, &event.CreatedByID, &event.Revision, &event.CreatedAt,
	)
	return event, err
}

func insertEventTx(ctx context.Context, tx *sql.Tx, event RequestEvent) (RequestEvent, error) {
	if event.ID == "" {
		event.ID = util.NewID("evt")
	}
	row := tx.QueryRowContext(ctx, `
		INSERT INTO request_events (id, request_id, type, content, reference_draft, created_by_id)
		VALUES ($1, $2, $3, $4, NULLIF($5, '')::jsonb, $6)
		RETURNING `+eventColumns+`
	`, event.ID, event.RequestID, event.Type, event.Content, event.ReferenceDraft, event.CreatedByID)
	inserted, err := scanEvent(row)
	if err != nil {
		return RequestEvent{}, fmt.Errorf("insert request event: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) InsertRequestEvent(ctx context.Context, event RequestEvent) (RequestEvent, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return RequestEvent{}, fmt.Errorf("begin insert event: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	inserted, err := insertEventTx(ctx, tx, event)
	if err != nil {
		return RequestEvent{}, err
	}
	if err := tx.Commit(); err != nil {
		return RequestEvent{}, fmt.Errorf("commit insert event: %w", err)
	}
	return inserted, nil
}

// UpdateRequestEventContent rewrites a comment's content in place, keeping
// its identity. Revision-checked like request updates.
func (s *PostgresStore) UpdateRequestEventContent(ctx context.Context, eventID, content string, expectedRevision int) (RequestEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE request_events
		SET content=$2, revision=revision+1
		WHERE id=$1 AND revision=$3
		RETURNING `+eventColumns+`
	`, eventID, content, expectedRevision)
	updated, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return RequestEvent{}, ErrConcurrentModification
	}
	if err != nil {
		return RequestEvent{}, fmt.Errorf("update request event: %w", err)
	}
	return updated, nil
}

// ListRequestEvents returns the request timeline in chronological order; the
// last element is the most recent.
func (s *PostgresStore) ListRequestEvents(ctx context.Context, requestID string, limit int) ([]RequestEvent, error) {
	query := `SELECT ` + eventColumns + ` FROM request_events WHERE request_id=$1 ORDER BY created_at, id`
	args := []any{requestID}
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list request events: %w", err)
	}
	defer rows.Close()

	events := make([]RequestEvent, 0)
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan request event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate request events: %w", err)
	}
	return events, nil
}

func (s *PostgresStore) LatestRequestEvent(ctx context.Context, requestID string) (*RequestEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+eventColumns+`
		FROM request_events
		WHERE request_id=$1
		ORDER BY created_at DESC, id DESC
		LIMIT 1
	`, requestID)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest request event: %w", err)
	}
	return &event, nil
}

// ---- permission grants ----

func insertGrantTx(ctx context.Context, tx *sql.Tx, grant PermissionGrant) error {
	if grant.ID == "" {
		grant.ID = util.NewID("grt")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO permission_grants (id, record_id, subject_type, subject_id, permission, origin)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (record_id, subject_type, subject_id, permission) DO NOTHING
	`, grant.ID, grant.RecordID, grant.SubjectType, grant.SubjectID, grant.Permission, grant.Origin)
	if err != nil {
		return fmt.Errorf("insert permission grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) InsertPermissionGrant(ctx context.Context, grant PermissionGrant) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert grant: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertGrantTx(ctx, tx, grant); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit insert grant: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListPermissionGrants(ctx context.Context, recordID string) ([]PermissionGrant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_id, subject_type, subject_id, permission, origin, created_at
		FROM permission_grants
		WHERE record_id=$1
		ORDER BY created_at
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("list permission grants: %w", err)
	}
	defer rows.Close()

	grants := make([]PermissionGrant, 0)
	for rows.Next() {
		var grant PermissionGrant
		if err := rows.Scan(&grant.ID, &grant.RecordID, &grant.SubjectType, &grant.SubjectID, &grant.Permission, &grant.Origin, &grant.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan permission grant: %w", err)
		}
		grants = append(grants, grant)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate permission grants: %w", err)
	}
	return grants, nil
}

// isOpenRequestConflict matches a unique violation on the partial index that
// enforces one open request per topic. Other 23505s (such as a request ID
// collision) are left to the generic insert error path.
func isOpenRequestConflict(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505" && pgErr.ConstraintName == "requests_open_topic_uniq"
}
