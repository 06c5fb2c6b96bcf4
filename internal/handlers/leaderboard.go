package handlers

import (
	"errors"
	"log"
	"net/http"
	"strconv"

	"github.com/ctfgame/api/internal/leaderboard"
	"github.com/ctfgame/api/internal/middleware"
)

// LeaderboardHandler serves global rankings and the caller's own standing
type LeaderboardHandler struct {
	service *leaderboard.Service
}

func NewLeaderboardHandler(service *leaderboard.Service) *LeaderboardHandler {
	return &LeaderboardHandler{service: service}
}

// GetLeaderboard returns players ranked by XP. Accepts ?limit= and ?offset=.
func (h *LeaderboardHandler) GetLeaderboard(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", leaderboard.DefaultLimit)
	offset := queryInt(r, "offset", 0)

	page, err := h.service.Top(r.Context(), limit, offset)
	if err != nil {
		log.Printf("[Leaderboard] Failed to fetch leaderboard: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch leaderboard")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

// GetMyRank returns the authenticated player's rank with the players around it
func (h *LeaderboardHandler) GetMyRank(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserClaims(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	standing, err := h.service.Standing(r.Context(), claims.UserID)
	if errors.Is(err, leaderboard.ErrNotRanked) {
		writeError(w, http.StatusNotFound, "User not found")
		return
	}
	if err != nil {
		log.Printf("[Leaderboard] Failed to fetch rank for user %d: %v", claims.UserID, err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch user rank")
		return
	}
	writeJSON(w, http.StatusOK, standing)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return fallback
	}
	return v
}
