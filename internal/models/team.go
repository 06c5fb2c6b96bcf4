package models

// Team represents one of the fixed factions
type Team struct {
	ID            int    `json:"id"`
	Name          string `json:"name"`
	Color         string `json:"color"`
	Description   string `json:"description"`
	ActivePlayers int64  `json:"activePlayers"`
}

// TeamStats aggregates a team's members, territory and history
type TeamStats struct {
	TeamID          int                `json:"teamId"`
	MemberCount     int64              `json:"memberCount"`
	FlagsControlled int64              `json:"flagsControlled"`
	TotalCaptures   int64              `json:"totalCaptures"`
	TotalTeamXP     int64              `json:"totalTeamXp"`
	AvgLevel        float64            `json:"avgLevel"`
	TopMembers      []LeaderboardEntry `json:"topMembers"`
}

// Team ID constants
const (
	TeamTitans    = 1
	TeamGuardians = 2
	TeamPhantoms  = 3
)

// ValidTeams is a map of valid team IDs
var ValidTeams = map[int]bool{
	TeamTitans:    true,
	TeamGuardians: true,
	TeamPhantoms:  true,
}

// IsValidTeam checks if a team ID is valid
func IsValidTeam(teamID int) bool {
	return ValidTeams[teamID]
}

// GetTeamDetails returns static details for a team
func GetTeamDetails(teamID int) *Team {
	teams := map[int]*Team{
		TeamTitans: {
			ID:          TeamTitans,
			Name:        "Titans",
			Color:       "#E74C3C",
			Description: "Strength through unity, aggressive expansion",
		},
		TeamGuardians: {
			ID:          TeamGuardians,
			Name:        "Guardians",
			Color:       "#3498DB",
			Description: "Protect and defend, honor above all",
		},
		TeamPhantoms: {
			ID:          TeamPhantoms,
			Name:        "Phantoms",
			Color:       "#2ECC71",
			Description: "Speed and stealth, strike from shadows",
		},
	}

	return teams[teamID]
}

// GetAllTeams returns all teams
func GetAllTeams() []*Team {
	return []*Team{
		GetTeamDetails(TeamTitans),
		GetTeamDetails(TeamGuardians),
		GetTeamDetails(TeamPhantoms),
	}
}

// DefenderTypes is the static defender catalogue keyed by ID
var DefenderTypes = map[int]DefenderType{
	1: {ID: 1, Name: "Scout Bot", Strength: 20, DurationMinutes: 60, UnlockLevel: 1, Description: "Basic defender, lasts 1 hour"},
	2: {ID: 2, Name: "Sentinel", Strength: 50, DurationMinutes: 120, UnlockLevel: 5, Description: "Medium strength, lasts 2 hours"},
	3: {ID: 3, Name: "Guardian Titan", Strength: 80, DurationMinutes: 240, UnlockLevel: 10, Description: "Strong defender, lasts 4 hours"},
	4: {ID: 4, Name: "Phantom Shadow", Strength: 100, DurationMinutes: 360, UnlockLevel: 15, Description: "Elite defender, lasts 6 hours"},
}

// GetDefenderType looks up a catalogue entry
func GetDefenderType(id int) (DefenderType, bool) {
	dt, ok := DefenderTypes[id]
	return dt, ok
}
