package handlers

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"github.com/ctfgame/api/internal/auth"
	"github.com/ctfgame/api/internal/models"
	"github.com/ctfgame/api/internal/store"
	"golang.org/x/crypto/bcrypt"
)

// AuthHandler serves login
type AuthHandler struct {
	store  store.Store
	tokens *auth.TokenManager
}

func NewAuthHandler(s store.Store, tokens *auth.TokenManager) *AuthHandler {
	return &AuthHandler{store: s, tokens: tokens}
}

// LoginRequest represents the login request body
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// AuthResponse represents the authentication response
type AuthResponse struct {
	AccessToken string       `json:"access_token"`
	User        *models.User `json:"user"`
	Team        *models.Team `json:"team"`
}

// Login handles user authentication
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req LoginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Username == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Username and password are required")
		return
	}

	user, err := h.store.GetUserByUsername(r.Context(), req.Username)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}
	if err != nil {
		log.Printf("[Auth] Failed to fetch user: %v", err)
		writeError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		writeError(w, http.StatusUnauthorized, "Invalid username or password")
		return
	}

	accessToken, err := h.tokens.GenerateAccessToken(user.ID, user.Username, user.TeamID)
	if err != nil {
		log.Printf("[Auth] Failed to generate access token: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to generate token")
		return
	}

	writeJSON(w, http.StatusOK, AuthResponse{
		AccessToken: accessToken,
		User:        user,
		Team:        models.GetTeamDetails(user.TeamID),
	})

	log.Printf("[Auth] User logged in successfully: %s (ID: %d)", user.Username, user.ID)
}
