package groups

import (
	"github.com/DoyleJ11/wargame-backend/internal/catalog"
	"github.com/DoyleJ11/wargame-backend/pkg/types"
)

type peer struct {
	team string
	role string
}

// member bundles a participant with the catalog so the rule helpers read
// like the chain of command they encode.
type member struct {
	cat catalog.Catalog
	p   types.Participant
}

func (m member) self() peer { return peer{m.p.TeamName, m.p.RoleName} }

func (m member) gamemaster() peer { return peer{GamemasterTeam, GamemasterRole} }

// ownTeam returns own-team peers for every catalog role matching keep.
func (m member) ownTeam(keep func(catalog.Role) bool) []peer {
	var out []peer
	for _, r := range m.cat.Roles {
		if keep(r) {
			out = append(out, peer{m.p.TeamName, r.Name})
		}
	}
	return out
}

func (m member) sameBranch(r catalog.Role) bool {
	return r.Branch.Name == m.p.BranchName
}

// everyPlayer is every non-Gamemaster role on every non-Gamemaster team.
func (m member) everyPlayer() []peer {
	var out []peer
	for _, r := range m.cat.Roles {
		if r.Name == GamemasterRole {
			continue
		}
		for _, t := range m.cat.Teams {
			if t.Name == GamemasterTeam {
				continue
			}
			out = append(out, peer{t.Name, r.Name})
		}
	}
	return out
}

// ChannelGroups returns the direct communication channels a participant is
// subscribed to. Rules are additive; a participant matching none of them
// gets an empty list.
func ChannelGroups(code string, cat catalog.Catalog, p types.Participant) []string {
	m := member{cat: cat, p: p}
	flags := p.RoleFlags
	isChief := func(r catalog.Role) bool { return r.IsChiefOfStaff }

	var peers []peer

	if p.RoleName == GamemasterRole {
		peers = append(peers, m.gamemaster())
		peers = append(peers, m.everyPlayer()...)
	}

	if p.RoleName == AmbassadorRole {
		peers = append(peers, m.gamemaster())
		for _, t := range cat.Teams {
			if t.Name != GamemasterTeam {
				peers = append(peers, peer{t.Name, AmbassadorRole})
			}
		}
		peers = append(peers, peer{p.TeamName, CombatantCommanderRole})
		peers = append(peers, m.ownTeam(isChief)...)
	}

	if p.RoleName == CombatantCommanderRole {
		peers = append(peers, m.self(), m.gamemaster(), peer{p.TeamName, AmbassadorRole})
		peers = append(peers, m.ownTeam(isChief)...)
	}

	if flags.IsChiefOfStaff {
		peers = append(peers, m.self(), m.gamemaster(), peer{p.TeamName, CombatantCommanderRole})
		peers = append(peers, m.ownTeam(func(r catalog.Role) bool {
			return r.IsCommander && m.sameBranch(r)
		})...)
	}

	if flags.IsCommander {
		peers = append(peers, m.gamemaster())
		peers = append(peers, m.ownTeam(func(r catalog.Role) bool {
			return (r.IsChiefOfStaff || r.IsCommander || r.IsViceCommander) && m.sameBranch(r)
		})...)
	}

	if flags.IsViceCommander {
		peers = append(peers, m.gamemaster())
		peers = append(peers, m.ownTeam(func(r catalog.Role) bool {
			return (r.IsCommander || r.IsViceCommander) && m.sameBranch(r)
		})...)
	}

	ids := make([]string, 0, len(peers))
	for _, pr := range peers {
		ids = append(ids, Channel(code, p.TeamName, p.RoleName, pr.team, pr.role))
	}
	return sortedUnique(ids)
}

// TransferGroups returns the supply point transfer groups for a participant:
// the groups it can send to (sorted) followed by the groups it receives
// from (sorted).
func TransferGroups(code string, cat catalog.Catalog, p types.Participant) []string {
	m := member{cat: cat, p: p}
	flags := p.RoleFlags

	var sendTo, receiveFrom []peer

	if p.RoleName == GamemasterRole {
		sendTo = append(sendTo, m.everyPlayer()...)
	} else {
		receiveFrom = append(receiveFrom, m.gamemaster())
	}

	if p.RoleName == CombatantCommanderRole {
		sendTo = append(sendTo, m.ownTeam(func(r catalog.Role) bool { return r.IsChiefOfStaff })...)
	}

	if flags.IsChiefOfStaff {
		sendTo = append(sendTo, m.ownTeam(func(r catalog.Role) bool {
			return r.IsLogistics && r.IsCommander && m.sameBranch(r)
		})...)
		receiveFrom = append(receiveFrom, m.ownTeam(func(r catalog.Role) bool {
			return r.Name == CombatantCommanderRole
		})...)
	}

	if flags.IsCommander && flags.IsLogistics {
		sendTo = append(sendTo, m.ownTeam(func(r catalog.Role) bool {
			return r.IsLogistics && r.IsViceCommander && m.sameBranch(r)
		})...)
		receiveFrom = append(receiveFrom, m.ownTeam(func(r catalog.Role) bool {
			return r.IsChiefOfStaff && m.sameBranch(r)
		})...)
	}

	if flags.IsViceCommander && flags.IsLogistics {
		receiveFrom = append(receiveFrom, m.ownTeam(func(r catalog.Role) bool {
			return r.IsCommander && m.sameBranch(r)
		})...)
	}

	send := make([]string, 0, len(sendTo))
	for _, pr := range sendTo {
		send = append(send, Transfer(code, p.TeamName, p.RoleName, pr.team, pr.role))
	}
	receive := make([]string, 0, len(receiveFrom))
	for _, pr := range receiveFrom {
		receive = append(receive, Transfer(code, pr.team, pr.role, p.TeamName, p.RoleName))
	}
	return append(sortedUnique(send), sortedUnique(receive)...)
}

// TeamGroups returns the team-wide groups a participant listens on.
// Gamemasters hear every team.
func TeamGroups(code string, cat catalog.Catalog, p types.Participant) []string {
	if p.TeamName != GamemasterTeam {
		return []string{Team(code, p.TeamName)}
	}
	ids := make([]string, 0, len(cat.Teams))
	for _, t := range cat.Teams {
		ids = append(ids, Team(code, t.Name))
	}
	return sortedUnique(ids)
}
