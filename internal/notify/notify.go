// Package notify turns curation-request transitions into email
// notifications for the people involved in the review.
package notify

import (
	"context"
	"fmt"
	"log"

	"curator/api/internal/store"
	"curator/api/internal/workflow"
)

// Store is the slice of the user store needed to resolve recipients.
// Group membership is resolved at dispatch time so role changes take effect
// immediately.
type Store interface {
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	ListRoleMembers(ctx context.Context, roleID string) ([]store.User, error)
}

// Mailer is the delivery backend.
type Mailer interface {
	IsConfigured() bool
	SendCurationNotice(to, userName, subject, heading, message, recordTitle, requestURL string) error
}

type audience int

const (
	audienceReviewers audience = iota // members of the moderation role
	audienceCreator                   // the user who opened the request
)

type notice struct {
	audience audience
	subject  string
	heading  string
	message  string
}

// notices is keyed by notification type, "curation-request.<action>".
// Actions without an entry do not notify anyone.
var notices = map[string]notice{
	"curation-request.submit": {
		audience: audienceReviewers,
		subject:  "New curation request",
		heading:  "A record was submitted for curation",
		message:  "A new record is waiting for review by the curation team.",
	},
	"curation-request.resubmit": {
		audience: audienceReviewers,
		subject:  "Curation request resubmitted",
		heading:  "A record was resubmitted for curation",
		message:  "The uploader applied changes and asked for another look.",
	},
	"curation-request.cancel": {
		audience: audienceReviewers,
		subject:  "Curation request cancelled",
		heading:  "A curation request was cancelled",
		message:  "The uploader withdrew the record from curation.",
	},
	"curation-request.review": {
		audience: audienceCreator,
		subject:  "Your record is in review",
		heading:  "Review of your record has started",
		message:  "A member of the curation team started reviewing your record.",
	},
	"curation-request.critique": {
		audience: audienceCreator,
		subject:  "Changes requested on your record",
		heading:  "Your record was critiqued",
		message:  "The curation team requested changes before publication. Open the request to see the review comments.",
	},
	"curation-request.accept": {
		audience: audienceCreator,
		subject:  "Your record was accepted",
		heading:  "Curation finished",
		message:  "Your record passed curation and can now be published.",
	},
	"curation-request.decline": {
		audience: audienceCreator,
		subject:  "Your record was declined",
		heading:  "Curation declined",
		message:  "The curation team declined your record.",
	},
	"curation-request.expire": {
		audience: audienceCreator,
		subject:  "Your curation request expired",
		heading:  "Curation request expired",
		message:  "Your curation request saw no activity for a long time and was closed. Submit a new request to resume curation.",
	},
}

// Event describes one executed transition.
type Event struct {
	Action      workflow.Action
	Request     store.Request
	RecordTitle string
}

type Service struct {
	store   Store
	mailer  Mailer
	baseURL string
}

func NewService(st Store, mailer Mailer, baseURL string) *Service {
	return &Service{store: st, mailer: mailer, baseURL: baseURL}
}

// Dispatch resolves recipients and sends the notice for the event, if its
// action has one. Delivery failures are logged per recipient and never
// returned; a transition is already committed by the time we get here.
func (s *Service) Dispatch(ctx context.Context, event Event) {
	key := "curation-request." + string(event.Action)
	n, ok := notices[key]
	if !ok {
		return
	}
	if !s.mailer.IsConfigured() {
		log.Printf("notify: %s for request %s skipped, mailer not configured", key, event.Request.ID)
		return
	}

	recipients, err := s.recipients(ctx, n.audience, event.Request)
	if err != nil {
		log.Printf("notify: %s for request %s: %v", key, event.Request.ID, err)
		return
	}

	requestURL := fmt.Sprintf("%s/curations/%s", s.baseURL, event.Request.ID)
	for _, recipient := range recipients {
		if recipient.Email == "" {
			continue
		}
		err := s.mailer.SendCurationNotice(
			recipient.Email, recipient.DisplayName,
			n.subject, n.heading, n.message,
			event.RecordTitle, requestURL,
		)
		if err != nil {
			log.Printf("notify: %s to %s: %v", key, recipient.Email, err)
		}
	}
}

// DispatchAsync sends in the background with a detached context, for use on
// the request path after the transition commits.
func (s *Service) DispatchAsync(event Event) {
	go s.Dispatch(context.Background(), event)
}

func (s *Service) recipients(ctx context.Context, aud audience, req store.Request) ([]store.User, error) {
	switch aud {
	case audienceReviewers:
		members, err := s.store.ListRoleMembers(ctx, req.ReceiverRoleID)
		if err != nil {
			return nil, fmt.Errorf("resolve reviewers: %w", err)
		}
		return members, nil
	case audienceCreator:
		creator, err := s.store.GetUserByID(ctx, req.CreatedByID)
		if err != nil {
			return nil, fmt.Errorf("resolve creator: %w", err)
		}
		return []store.User{creator}, nil
	}
	return nil, nil
}
