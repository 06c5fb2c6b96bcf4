package handlers

import (
	"net/http"
	"time"

	"github.com/ctfgame/api/internal/middleware"
)

// Routes groups every handler served by the API
type Routes struct {
	Auth        *AuthHandler
	Flags       *FlagHandler
	Leaderboard *LeaderboardHandler
	Teams       *TeamHandler
	Live        http.Handler
	Middleware  *middleware.Authenticator
}

// NewRouter registers all routes on a fresh mux
func NewRouter(rt Routes) *http.ServeMux {
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "healthy",
			"time":   time.Now().Format(time.RFC3339),
		})
	})

	// Auth routes
	mux.HandleFunc("POST /api/auth/login", rt.Auth.Login)

	// Flag routes
	mux.HandleFunc("GET /api/flags", rt.Middleware.RequireAuth(rt.Flags.NearbyFlags))
	mux.HandleFunc("GET /api/flags/{id}", rt.Flags.GetFlag)
	mux.HandleFunc("POST /api/flags/{id}/capture", rt.Middleware.RequireAuth(rt.Flags.Capture))
	mux.HandleFunc("POST /api/flags/{id}/defenders", rt.Middleware.RequireAuth(rt.Flags.DeployDefender))

	mux.HandleFunc("GET /api/leaderboard", rt.Leaderboard.GetLeaderboard)
	mux.HandleFunc("GET /api/leaderboard/me", rt.Middleware.RequireAuth(rt.Leaderboard.GetMyRank))
	mux.HandleFunc("GET /api/teams", rt.Teams.GetTeams)
	mux.HandleFunc("GET /api/teams/{id}/stats", rt.Teams.GetTeamStats)

	// Live updates
	mux.Handle("GET /ws", rt.Live)

	return mux
}
