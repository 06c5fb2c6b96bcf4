package capture

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/ctfgame/api/internal/models"
	"github.com/ctfgame/api/internal/realtime"
	"github.com/google/uuid"
)

// notifyFlagLost persists a flag_lost notification for the previous owner and
// pushes it live. The previous owning team gets a team event as well.
func (e *Engine) notifyFlagLost(ctx context.Context, req Request, c committed) {
	data := map[string]any{
		"flagId":     c.flag.ID.String(),
		"flagName":   c.flag.Name,
		"capturedBy": req.Username,
		"teamId":     req.TeamID,
	}

	n := &models.Notification{
		ID:        uuid.New(),
		UserID:    *c.previousUser,
		Type:      realtime.EventFlagLost,
		Title:     "Flag Lost!",
		Body:      fmt.Sprintf("%s captured %s", req.Username, c.flag.Name),
		Data:      data,
		CreatedAt: c.capturedAt,
	}

	// the request context may already be done once the response is written
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := e.store.InsertNotification(nctx, n); err != nil {
		log.Printf("[Capture] Failed to store flag_lost notification for user %d: %v", n.UserID, err)
	}

	e.bus.Publish(ctx, realtime.Direct(n.UserID, realtime.EventFlagLost, map[string]any{
		"notificationId": n.ID.String(),
		"title":          n.Title,
		"body":           n.Body,
		"data":           data,
	}, c.capturedAt))

	if c.previousTeam != nil {
		e.bus.Publish(ctx, realtime.Team(*c.previousTeam, realtime.EventTeamFlagLost, data, c.capturedAt))
	}
}
