// Package realtime carries state-change events from producers to the live
// connection layer. Delivery is best effort: no acknowledgement, durability or
// replay.
package realtime

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Payload types as seen by clients
const (
	TypeFlagUpdate  = "flag_update"
	TypeGlobalEvent = "global_event"
	TypeDirect      = "direct"
	TypeTeamEvent   = "team_event"
)

// Event names
const (
	EventCaptured     = "captured"
	EventFlagLost     = "flag_lost"
	EventTeamFlagLost = "team_flag_lost"
	EventLevelUp      = "level_up"
)

// Event is the payload delivered to connections
type Event struct {
	Type      string `json:"type"`
	FlagID    string `json:"flagId,omitempty"`
	Event     string `json:"event"`
	Data      any    `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

// Scope selects which connections a message reaches
type Scope int

const (
	ScopeGlobal Scope = iota
	ScopeFlag
	ScopeUser
	ScopeTeam
)

func (s Scope) String() string {
	switch s {
	case ScopeFlag:
		return "flag"
	case ScopeUser:
		return "user"
	case ScopeTeam:
		return "team"
	default:
		return "global"
	}
}

// Message is an event plus its topic
type Message struct {
	Scope Scope
	Key   string
	Event Event
}

// FlagUpdate builds a per-flag message
func FlagUpdate(flagID, event string, data any, at time.Time) Message {
	return Message{
		Scope: ScopeFlag,
		Key:   flagID,
		Event: Event{Type: TypeFlagUpdate, FlagID: flagID, Event: event, Data: data, Timestamp: at.UnixMilli()},
	}
}

// Global builds a system-wide message
func Global(event string, data any, at time.Time) Message {
	return Message{
		Scope: ScopeGlobal,
		Event: Event{Type: TypeGlobalEvent, Event: event, Data: data, Timestamp: at.UnixMilli()},
	}
}

// Direct builds a message addressed to one user
func Direct(userID int, event string, data any, at time.Time) Message {
	return Message{
		Scope: ScopeUser,
		Key:   strconv.Itoa(userID),
		Event: Event{Type: TypeDirect, Event: event, Data: data, Timestamp: at.UnixMilli()},
	}
}

// Team builds a message for every member of a team
func Team(teamID int, event string, data any, at time.Time) Message {
	return Message{
		Scope: ScopeTeam,
		Key:   strconv.Itoa(teamID),
		Event: Event{Type: TypeTeamEvent, Event: event, Data: data, Timestamp: at.UnixMilli()},
	}
}

// GlobalChannel is the single system-wide topic
const GlobalChannel = "global:events"

// Channel returns the topic name for a message
func Channel(m Message) string {
	switch m.Scope {
	case ScopeFlag:
		return "flag:" + m.Key + ":updates"
	case ScopeUser:
		return "user:" + m.Key + ":direct"
	case ScopeTeam:
		return "team:" + m.Key + ":events"
	default:
		return GlobalChannel
	}
}

// ParseChannel is the inverse of Channel
func ParseChannel(channel string) (Scope, string, error) {
	if channel == GlobalChannel {
		return ScopeGlobal, "", nil
	}

	parts := strings.Split(channel, ":")
	if len(parts) != 3 || parts[1] == "" {
		return 0, "", fmt.Errorf("unknown channel %q", channel)
	}

	switch {
	case parts[0] == "flag" && parts[2] == "updates":
		return ScopeFlag, parts[1], nil
	case parts[0] == "user" && parts[2] == "direct":
		return ScopeUser, parts[1], nil
	case parts[0] == "team" && parts[2] == "events":
		return ScopeTeam, parts[1], nil
	}
	return 0, "", fmt.Errorf("unknown channel %q", channel)
}
