package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/ctfgame/api/internal/capture"
	"github.com/ctfgame/api/internal/geo"
	"github.com/ctfgame/api/internal/middleware"
	"github.com/ctfgame/api/internal/models"
	"github.com/google/uuid"
)

// RateLimiter counts hits in a fixed window
type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, error)
}

// CaptureLimit bounds capture attempts per user. A zero Limit disables it.
type CaptureLimit struct {
	Limit  int64
	Window time.Duration
}

// FlagHandler serves flag state, the nearby-flag map, captures and defender deployment
type FlagHandler struct {
	engine  *capture.Engine
	limiter RateLimiter
	limit   CaptureLimit
}

// NewFlagHandler creates the flag endpoints. limiter may be nil.
func NewFlagHandler(engine *capture.Engine, limiter RateLimiter, limit CaptureLimit) *FlagHandler {
	return &FlagHandler{engine: engine, limiter: limiter, limit: limit}
}

// CaptureRequest represents the request body for a capture attempt
type CaptureRequest struct {
	Latitude       *float64 `json:"latitude"`
	Longitude      *float64 `json:"longitude"`
	DefenderTypeID *int     `json:"defenderTypeId"`
}

// CaptureResponse represents a successful capture
type CaptureResponse struct {
	Message string          `json:"message"`
	Capture *capture.Result `json:"capture"`
}

// DeployRequest represents the request body for deploying a defender
type DeployRequest struct {
	DefenderTypeID int `json:"defenderTypeId"`
}

// tooFarResponse carries the measured and required distance
type tooFarResponse struct {
	Error            string  `json:"error"`
	DistanceMeters   float64 `json:"distanceMeters"`
	RequiredDistance float64 `json:"requiredDistance"`
}

// battleLostResponse carries the defender that held
type battleLostResponse struct {
	Error    string                 `json:"error"`
	Defender models.DefenderSummary `json:"defender"`
}

func flagIDFromPath(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid flag ID")
		return uuid.Nil, false
	}
	return id, true
}

// NearbyFlags lists flags around the caller. Accepts ?latitude=, ?longitude= and ?radius= (meters).
func (h *FlagHandler) NearbyFlags(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("latitude"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("longitude"), 64)
	if errLat != nil || errLon != nil {
		writeError(w, http.StatusBadRequest, "Invalid coordinates")
		return
	}
	radius := capture.DefaultNearbyRadius
	if raw := q.Get("radius"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid radius")
			return
		}
		radius = v
	}

	flags, err := h.engine.NearbyFlags(r.Context(), lat, lon, radius)
	if errors.Is(err, geo.ErrInvalidCoordinates) {
		writeError(w, http.StatusBadRequest, "Invalid coordinates")
		return
	}
	if err != nil {
		log.Printf("[API] Failed to fetch nearby flags: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to fetch flags")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"userLocation": map[string]float64{"latitude": lat, "longitude": lon},
		"flags":        flags,
		"count":        len(flags),
	})
}

// GetFlag returns ownership, the active defender and recent captures
func (h *FlagHandler) GetFlag(w http.ResponseWriter, r *http.Request) {
	flagID, ok := flagIDFromPath(w, r)
	if !ok {
		return
	}

	state, err := h.engine.GetFlagState(r.Context(), flagID)
	if err != nil {
		h.writeCaptureError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Capture handles a capture attempt by the authenticated user
func (h *FlagHandler) Capture(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserClaims(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	flagID, ok := flagIDFromPath(w, r)
	if !ok {
		return
	}

	var req CaptureRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Latitude == nil || req.Longitude == nil {
		writeError(w, http.StatusBadRequest, "Invalid coordinates")
		return
	}

	if !h.allow(r.Context(), claims.UserID) {
		writeError(w, http.StatusTooManyRequests, "Too many capture attempts, slow down")
		return
	}

	result, err := h.engine.AttemptCapture(r.Context(), capture.Request{
		FlagID:         flagID,
		UserID:         claims.UserID,
		Username:       claims.Username,
		TeamID:         claims.TeamID,
		Latitude:       *req.Latitude,
		Longitude:      *req.Longitude,
		DefenderTypeID: req.DefenderTypeID,
	})
	if err != nil {
		h.writeCaptureError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, CaptureResponse{
		Message: fmt.Sprintf("Successfully captured %s!", result.FlagName),
		Capture: result,
	})
}

// DeployDefender places a defender on a flag held by the user's team
func (h *FlagHandler) DeployDefender(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.GetUserClaims(r)
	if !ok {
		writeError(w, http.StatusUnauthorized, "Unauthorized")
		return
	}
	flagID, ok := flagIDFromPath(w, r)
	if !ok {
		return
	}

	var req DeployRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	summary, err := h.engine.DeployDefender(r.Context(), flagID, claims.UserID, claims.TeamID, req.DefenderTypeID)
	if err != nil {
		h.writeCaptureError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"defender": summary})
}

func (h *FlagHandler) allow(ctx context.Context, userID int) bool {
	if h.limiter == nil || h.limit.Limit <= 0 {
		return true
	}
	ok, err := h.limiter.Allow(ctx, fmt.Sprintf("capture:%d", userID), h.limit.Limit, h.limit.Window)
	if err != nil {
		// limiter outages never block play
		log.Printf("[API] Rate limiter unavailable: %v", err)
		return true
	}
	return ok
}

func (h *FlagHandler) writeCaptureError(w http.ResponseWriter, err error) {
	var (
		tooFar *capture.TooFarError
		lost   *capture.BattleLostError
	)
	switch {
	case errors.As(err, &tooFar):
		writeJSON(w, http.StatusBadRequest, tooFarResponse{
			Error:            "You are too far from the flag",
			DistanceMeters:   tooFar.Distance,
			RequiredDistance: tooFar.Required,
		})
	case errors.As(err, &lost):
		writeJSON(w, http.StatusBadRequest, battleLostResponse{
			Error:    "Failed to break through the defender!",
			Defender: lost.Defender,
		})
	case errors.Is(err, geo.ErrInvalidCoordinates):
		writeError(w, http.StatusBadRequest, "Invalid coordinates")
	case errors.Is(err, capture.ErrAlreadyControlled),
		errors.Is(err, capture.ErrNotOwner),
		errors.Is(err, capture.ErrLevelTooLow):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, capture.ErrFlagNotFound),
		errors.Is(err, capture.ErrDefenderTypeNotFound),
		errors.Is(err, capture.ErrUserNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		log.Printf("[API] Capture request failed: %v", err)
		writeError(w, http.StatusInternalServerError, "Failed to capture flag")
	}
}
