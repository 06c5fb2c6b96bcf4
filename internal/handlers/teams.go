package handlers

import (
	"context"
	"log"
	"net/http"
	"strconv"

	"github.com/ctfgame/api/internal/models"
	"github.com/ctfgame/api/internal/store"
)

// TopTeamMembers is how many members team stats list
const TopTeamMembers = 10

// PresenceCounter reports connected players per team
type PresenceCounter interface {
	ActiveByTeam(ctx context.Context) (map[int]int64, error)
}

// TeamHandler serves the team list and per-team statistics
type TeamHandler struct {
	store    store.Store
	presence PresenceCounter
}

func NewTeamHandler(s store.Store, presence PresenceCounter) *TeamHandler {
	return &TeamHandler{store: s, presence: presence}
}

// GetTeams returns all teams with their current player counts
func (h *TeamHandler) GetTeams(w http.ResponseWriter, r *http.Request) {
	teams := models.GetAllTeams()

	counts, err := h.presence.ActiveByTeam(r.Context())
	if err != nil {
		// counts default to zero
		log.Printf("[API] Failed to load team presence: %v", err)
	}
	for _, team := range teams {
		team.ActivePlayers = counts[team.ID]
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"teams": teams,
	})
}

// GetTeamStats returns one team's members, territory and top players
func (h *TeamHandler) GetTeamStats(w http.ResponseWriter, r *http.Request) {
	teamID, err := strconv.Atoi(r.PathValue("id"))
	if err != nil || !models.IsValidTeam(teamID) {
		writeError(w, http.StatusNotFound, "Team not found")
		return
	}

	stats, err := h.store.TeamStats(r.Context(), teamID, TopTeamMembers)
	if err != nil {
		log.Printf("[API] Failed to fetch stats for team %d: %v", teamID, err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch team stats")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"team":  models.GetTeamDetails(teamID),
		"stats": stats,
	})
}
