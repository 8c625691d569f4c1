// Package workflow defines the curation request state machine: the set of
// request statuses, the actions that move between them, and the legality of
// each transition. Side effects are attached by the service layer; this
// package only answers "may action a run from status s, and where does it go".
package workflow

import (
	"errors"
	"fmt"
)

type Status string

const (
	StatusCreated             Status = "created"
	StatusSubmitted           Status = "submitted"
	StatusReview              Status = "review"
	StatusCritiqued           Status = "critiqued"
	StatusResubmitted         Status = "resubmitted"
	StatusAccepted            Status = "accepted"
	StatusDeclined            Status = "declined"
	StatusCancelled           Status = "cancelled"
	StatusExpired             Status = "expired"
	StatusPendingResubmission Status = "pending_resubmission"
	StatusDeleted             Status = "deleted"
)

type Action string

const (
	ActionCreate              Action = "create"
	ActionSubmit              Action = "submit"
	ActionReview              Action = "review"
	ActionCritique            Action = "critique"
	ActionAccept              Action = "accept"
	ActionDecline             Action = "decline"
	ActionResubmit            Action = "resubmit"
	ActionPendingResubmission Action = "pending_resubmission"
	ActionCancel              Action = "cancel"
	ActionExpire              Action = "expire"
	ActionDelete              Action = "delete"
)

var ErrInvalidTransition = errors.New("invalid transition")

// openStatuses classifies each status. Statuses missing from the map are
// unknown, not closed.
var openStatuses = map[Status]bool{
	StatusCreated:             true,
	StatusSubmitted:           true,
	StatusReview:              true,
	StatusCritiqued:           true,
	StatusResubmitted:         true,
	StatusAccepted:            false,
	StatusDeclined:            false,
	StatusCancelled:           false,
	StatusExpired:             false,
	StatusPendingResubmission: false,
	StatusDeleted:             false,
}

type transition struct {
	From []Status
	To   Status
}

// anyActiveStatus is the from-set shared by cancel and delete: every status a
// request can sit in short of being deleted.
var anyActiveStatus = []Status{
	StatusAccepted, StatusCancelled, StatusCreated, StatusCritiqued,
	StatusDeclined, StatusExpired, StatusResubmitted, StatusReview,
	StatusSubmitted,
}

// transitions is the full action table. An empty From set disables the action
// outright: declining a curation request is not permitted, critique is the
// substitute.
var transitions = map[Action]transition{
	ActionCreate:              {From: []Status{StatusCreated}, To: StatusSubmitted},
	ActionSubmit:              {From: []Status{StatusCreated}, To: StatusSubmitted},
	ActionReview:              {From: []Status{StatusSubmitted, StatusResubmitted}, To: StatusReview},
	ActionCritique:            {From: []Status{StatusReview}, To: StatusCritiqued},
	ActionAccept:              {From: []Status{StatusReview}, To: StatusAccepted},
	ActionDecline:             {From: []Status{}, To: StatusDeclined},
	ActionResubmit:            {From: []Status{StatusCritiqued, StatusPendingResubmission, StatusCancelled, StatusDeclined}, To: StatusResubmitted},
	ActionPendingResubmission: {From: []Status{StatusAccepted, StatusCancelled, StatusDeclined}, To: StatusPendingResubmission},
	ActionCancel:              {From: anyActiveStatus, To: StatusCancelled},
	ActionExpire:              {From: []Status{StatusSubmitted, StatusCritiqued, StatusResubmitted}, To: StatusExpired},
	ActionDelete:              {From: anyActiveStatus, To: StatusDeleted},
}

// IsOpen reports whether a request in the given status is still in flight.
// Unknown statuses count as closed.
func IsOpen(status Status) bool {
	return openStatuses[status]
}

// IsValidStatus reports whether the status is one the machine defines.
func IsValidStatus(status Status) bool {
	_, ok := openStatuses[status]
	return ok
}

// IsValidAction reports whether the action is one the machine defines.
func IsValidAction(action Action) bool {
	_, ok := transitions[action]
	return ok
}

// Transition returns the status an action leads to from the given status, or
// ErrInvalidTransition when the action is not legal there (or not defined).
func Transition(action Action, from Status) (Status, error) {
	t, ok := transitions[action]
	if !ok {
		return "", fmt.Errorf("%w: unknown action %q", ErrInvalidTransition, action)
	}
	for _, allowed := range t.From {
		if allowed == from {
			return t.To, nil
		}
	}
	return "", fmt.Errorf("%w: action %q not allowed from status %q", ErrInvalidTransition, action, from)
}

// AllowedFrom returns the source statuses an action may run from. The result
// is a copy; callers may mutate it.
func AllowedFrom(action Action) []Status {
	t, ok := transitions[action]
	if !ok {
		return nil
	}
	out := make([]Status, len(t.From))
	copy(out, t.From)
	return out
}

// Statuses returns every status the machine defines.
func Statuses() []Status {
	out := make([]Status, 0, len(openStatuses))
	for status := range openStatuses {
		out = append(out, status)
	}
	return out
}

// Actions returns every action the machine defines.
func Actions() []Action {
	out := make([]Action, 0, len(transitions))
	for action := range transitions {
		out = append(out, action)
	}
	return out
}
