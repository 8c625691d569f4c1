package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"curator/api/internal/rbac"
)

// Role administration. Reviewer groups are ordinary roles; adding a user to
// the receiver role of a curation request makes them a reviewer for it.

func (s *Service) CreateRole(ctx context.Context, name string) (map[string]any, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, &DomainError{
			Status:  http.StatusUnprocessableEntity,
			Code:    "VALIDATION_ERROR",
			Message: "Role name is required",
		}
	}
	role, err := s.store.EnsureRole(ctx, name)
	if err != nil {
		return nil, err
	}
	return map[string]any{"id": role.ID, "name": role.Name}, nil
}

func (s *Service) AddRoleMember(ctx context.Context, roleName, userID string) (map[string]any, error) {
	role, err := s.store.GetRoleByName(ctx, roleName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errRoleNotFound(roleName)
		}
		return nil, err
	}
	user, err := s.store.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := s.store.AddRoleMember(ctx, role.ID, user.ID); err != nil {
		return nil, err
	}
	return map[string]any{
		"role":   role.Name,
		"userId": user.ID,
		"added":  true,
	}, nil
}

func (s *Service) RoleMembers(ctx context.Context, roleName string) (map[string]any, error) {
	role, err := s.store.GetRoleByName(ctx, roleName)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, errRoleNotFound(roleName)
		}
		return nil, err
	}
	users, err := s.store.ListRoleMembers(ctx, role.ID)
	if err != nil {
		return nil, err
	}
	members := make([]map[string]any, 0, len(users))
	for _, user := range users {
		members = append(members, map[string]any{
			"userId":      user.ID,
			"displayName": user.DisplayName,
			"email":       user.Email,
		})
	}
	return map[string]any{
		"role":    role.Name,
		"members": members,
	}, nil
}

// routeAdmin handles /api/admin/* routes. Returns false when the path does
// not belong to the admin surface so the caller can fall through to 404.
func (s *HTTPServer) routeAdmin(w http.ResponseWriter, r *http.Request, session Session, rest []string) bool {
	if len(rest) == 0 || rest[0] != "roles" {
		return false
	}
	if !s.service.Can(session.Role, rbac.ActionAdmin) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return true
	}

	if len(rest) == 1 && r.Method == http.MethodPost {
		var body struct {
			Name string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return true
		}
		payload, err := s.service.CreateRole(r.Context(), body.Name)
		if err != nil {
			status, code, message, details := mapError(err)
			writeError(w, status, code, message, details)
			return true
		}
		writeJSON(w, http.StatusCreated, payload)
		return true
	}

	if len(rest) == 3 && rest[2] == "members" {
		roleName := rest[1]
		switch r.Method {
		case http.MethodGet:
			payload, err := s.service.RoleMembers(r.Context(), roleName)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
			return true
		case http.MethodPost:
			var body struct {
				UserID string `json:"userId"`
			}
			if err := decodeBody(r, &body); err != nil {
				writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
				return true
			}
			payload, err := s.service.AddRoleMember(r.Context(), roleName, body.UserID)
			if err != nil {
				status, code, message, details := mapError(err)
				writeError(w, status, code, message, details)
				return true
			}
			writeJSON(w, http.StatusOK, payload)
			return true
		}
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	return true
}
