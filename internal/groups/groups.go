// Package groups derives the names of the pub/sub groups a participant
// belongs to. Every function here is pure: two participants computing the
// same group independently always arrive at the same string.
package groups

import (
	"fmt"
	"regexp"
	"slices"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
)

const (
	GamemasterTeam         = "Gamemasters"
	GamemasterRole         = "Gamemaster"
	AmbassadorRole         = "Ambassador"
	CombatantCommanderRole = "Combatant Commander"
)

var joinCodeRE = regexp.MustCompile(`^[A-Za-z0-9-]+$`)

// ValidJoinCode reports whether code is safe to embed in group ids and
// store keys. Underscores are the separator there and are refused.
func ValidJoinCode(code string) bool {
	return joinCodeRE.MatchString(code)
}

// Compact normalises a team or role name for use inside a group id.
func Compact(name string) string {
	name = norm.NFC.String(name)
	return strings.Map(func(r rune) rune {
		if unicode.IsSpace(r) {
			return -1
		}
		return r
	}, name)
}

// Endpoint is the "{team}{role}" half of a channel or transfer id.
func Endpoint(team, role string) string {
	return Compact(team) + Compact(role)
}

func Game(code string) string {
	return fmt.Sprintf("game_%s", code)
}

func User(code string, userID int64) string {
	return fmt.Sprintf("game_%s_user_%d", code, userID)
}

func Team(code, team string) string {
	return fmt.Sprintf("game_%s_team_%s", code, Compact(team))
}

func TeamRole(code, team, role string) string {
	return fmt.Sprintf("game_%s_team_role_%s", code, Endpoint(team, role))
}

// Channel is symmetric: Channel(a, b) == Channel(b, a).
func Channel(code, teamA, roleA, teamB, roleB string) string {
	a, b := Endpoint(teamA, roleA), Endpoint(teamB, roleB)
	if b < a {
		a, b = b, a
	}
	return fmt.Sprintf("game_%s_channel_%s_%s", code, a, b)
}

// Transfer is directional: points flow from the first endpoint to the second.
func Transfer(code, fromTeam, fromRole, toTeam, toRole string) string {
	return fmt.Sprintf("game_%s_transfer_%s_%s", code, Endpoint(fromTeam, fromRole), Endpoint(toTeam, toRole))
}

func sortedUnique(ids []string) []string {
	slices.Sort(ids)
	return slices.Compact(ids)
}
