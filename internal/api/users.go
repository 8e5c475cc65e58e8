package api

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/nugget/sentinel/internal/store"
)

type userCreateRequest struct {
	Handle      string `json:"handle"`
	Email       string `json:"email"`
	DisplayName string `json:"displayName"`
}

// userResponse mirrors store.User but omits APIToken from ordinary
// responses — the token is only ever returned once, at creation.
type userResponse struct {
	ID          int64                 `json:"id"`
	Handle      string                `json:"handle"`
	Email       string                `json:"email"`
	DisplayName string                `json:"displayName"`
	Active      bool                  `json:"active"`
	CreatedAt   string                `json:"createdAt"`
	Preferences store.UserPreferences `json:"preferences"`
}

func toUserResponse(u store.User) userResponse {
	return userResponse{
		ID:          u.ID,
		Handle:      u.Handle,
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Active:      u.Active,
		CreatedAt:   u.CreatedAt.Format("2006-01-02T15:04:05Z07:00"),
		Preferences: u.Preferences,
	}
}

func (s *Server) handleUserCreate(w http.ResponseWriter, r *http.Request) {
	var req userCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Handle == "" {
		s.errorResponse(w, http.StatusBadRequest, "handle is required")
		return
	}

	u, err := s.store.CreateUser(store.User{
		Handle:      req.Handle,
		Email:       req.Email,
		DisplayName: req.DisplayName,
		Active:      true,
	})
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	w.WriteHeader(http.StatusCreated)
	// The freshly minted token is only ever surfaced here; the caller
	// must record it, since subsequent GETs never return it.
	writeJSON(w, map[string]any{
		"user":     toUserResponse(u),
		"apiToken": u.APIToken,
	}, s.logger)
}

func (s *Server) handleUserList(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]userResponse, len(users))
	for i, u := range users {
		out[i] = toUserResponse(u)
	}
	writeJSON(w, map[string]any{"users": out}, s.logger)
}

func (s *Server) handleUserGet(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid user id")
		return
	}
	u, err := s.store.GetUser(id)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, toUserResponse(u), s.logger)
}

type userUpdateRequest struct {
	Email       *string                `json:"email,omitempty"`
	DisplayName *string                `json:"displayName,omitempty"`
	Active      *bool                  `json:"active,omitempty"`
	Preferences *store.UserPreferences `json:"preferences,omitempty"`
}

func (s *Server) handleUserUpdate(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid user id")
		return
	}
	u, err := s.store.GetUser(id)
	if err != nil {
		s.writeAPIError(w, err)
		return
	}

	var req userUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Email != nil {
		u.Email = *req.Email
	}
	if req.DisplayName != nil {
		u.DisplayName = *req.DisplayName
	}
	if req.Active != nil {
		u.Active = *req.Active
	}
	if req.Preferences != nil {
		u.Preferences = *req.Preferences
	}

	if err := s.store.UpdateUser(u); err != nil {
		s.writeAPIError(w, err)
		return
	}
	writeJSON(w, toUserResponse(u), s.logger)
}

func (s *Server) handleUserDelete(w http.ResponseWriter, r *http.Request) {
	id, err := parseID(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid user id")
		return
	}
	if err := s.store.DeleteUser(id); err != nil {
		s.writeAPIError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUserCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.CountUsers()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, map[string]int{"count": n}, s.logger)
}

func parseID(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
