package store

import "time"

// RequestTypeCuration is the type discriminator for curation requests in the
// shared request store.
const RequestTypeCuration = "rdm-curation"

// Event type discriminators: plain log entries vs comments.
const (
	EventTypeLog     = "L"
	EventTypeComment = "C"
)

// SystemUserID marks events and grants created by the service itself rather
// than a human actor.
const SystemUserID = "system"

type User struct {
	ID                    string
	DisplayName           string
	Email                 string
	PasswordHash          string
	Role                  string
	IsEmailVerified       bool
	VerificationToken     string
	VerificationExpiresAt *time.Time
	CreatedAt             time.Time
	UpdatedAt             time.Time
}

type Role struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// Record is the topic entity a curation request is about. Draft content
// itself lives in the draft repository; the store only tracks identity and
// publication state.
type Record struct {
	ID          string
	Title       string
	OwnerID     string
	IsPublished bool
	Version     int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Request is one curation workflow instance. Status strings are defined by
// the workflow package; Revision backs optimistic concurrency.
type Request struct {
	ID             string
	Type           string
	Status         string
	IsOpen         bool
	CreatedByID    string
	CreatedByName  string
	ReceiverRoleID string
	TopicRecordID  string
	Title          string
	Revision       int
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RequestEvent is an append-only timeline entry on a request. For comments,
// Content holds rendered HTML and ReferenceDraft optionally holds the
// serialized snapshot the comment's diff was computed against.
type RequestEvent struct {
	ID             string
	RequestID      string
	Type           string
	Content        string
	ReferenceDraft string
	CreatedByID    string
	Revision       int
	CreatedAt      time.Time
}

// PermissionGrant gives a subject (user or role) a permission on a record.
type PermissionGrant struct {
	ID          string
	RecordID    string
	SubjectType string
	SubjectID   string
	Permission  string
	Origin      string
	CreatedAt   time.Time
}

// RequestFilter narrows request searches. Nil pointer fields are ignored.
type RequestFilter struct {
	Type          string
	TopicRecordID string
	Status        string
	IsOpen        *bool
	Limit         int
}

// TransitionUpdate is one atomic request transition: the status mutation plus
// every store-side effect that must land with it. ApplyTransition commits all
// of it in a single transaction or none of it.
type TransitionUpdate struct {
	RequestID        string
	Status           string
	IsOpen           bool
	ExpectedRevision int
	Title            string // empty leaves the title unchanged
	Grants           []PermissionGrant
	Events           []RequestEvent
}
