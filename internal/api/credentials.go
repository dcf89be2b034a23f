package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/samber/lo"

	"github.com/opsnav/opsnav/internal/database"
	"github.com/opsnav/opsnav/internal/faults"
)

// CredentialCreateRequest stores a reusable guest login.
type CredentialCreateRequest struct {
	Name        string  `json:"name"`
	Username    string  `json:"username"`
	Password    string  `json:"password"`
	Description *string `json:"description"`
}

// credentialResponse never carries the secret.
type credentialResponse struct {
	ID          int64      `json:"id"`
	Name        string     `json:"name"`
	Username    string     `json:"username"`
	Description *string    `json:"description"`
	CreatedAt   *time.Time `json:"created_at"`
}

func credentialView(c *database.Credential) credentialResponse {
	return credentialResponse{
		ID:          c.ID,
		Name:        c.Name,
		Username:    c.Username,
		Description: textPtr(c.Description),
		CreatedAt:   timePtr(c.CreatedAt),
	}
}

func (s *Service) handleListCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	creds, err := s.store.CredentialList(ctx)
	if err != nil {
		s.logger.Error("Failed to list credentials", "error", err)
		faults.WriteJSON(w, err)
		return
	}

	response := lo.Map(creds, func(c *database.Credential, _ int) credentialResponse {
		return credentialView(c)
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

func (s *Service) handleCreateCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CredentialCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		faults.WriteJSON(w, faults.Validationf("invalid request body"))
		return
	}
	if req.Name == "" || req.Username == "" || req.Password == "" {
		faults.WriteJSON(w, faults.Validationf("name, username and password are required"))
		return
	}

	sealed, err := s.secrets.Seal(req.Password)
	if err != nil {
		s.logger.Error("Failed to seal credential", "name", req.Name, "error", err)
		faults.WriteJSON(w, err)
		return
	}

	cred, err := s.store.CredentialCreate(ctx, &database.CredentialCreateParams{
		Name:        req.Name,
		Username:    req.Username,
		Password:    sealed,
		Description: database.TextPtr(req.Description),
	})
	if err != nil {
		s.logger.Error("Failed to store credential", "name", req.Name, "error", err)
		faults.WriteJSON(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(credentialView(cred))
}

// handleDeleteCredential removes a stored login. Deleting an unknown id
// succeeds; the end state is the same.
func (s *Service) handleDeleteCredential(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		faults.WriteJSON(w, faults.Validationf("invalid credential id"))
		return
	}

	if err := s.store.CredentialDelete(ctx, id); err != nil {
		s.logger.Error("Failed to delete credential", "credential_id", id, "error", err)
		faults.WriteJSON(w, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"success": true})
}
