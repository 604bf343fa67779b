package types

// RoleFlags mirror the boolean columns of a role in the catalog.
type RoleFlags struct {
	IsChiefOfStaff  bool `json:"is_chief_of_staff"`
	IsCommander     bool `json:"is_commander"`
	IsViceCommander bool `json:"is_vice_commander"`
	IsOperations    bool `json:"is_operations"`
	IsLogistics     bool `json:"is_logistics"`
}

// Participant describes who a user is playing as inside one game.
// It is produced by the REST layer and passed through verbatim.
type Participant struct {
	UserID     int64     `json:"user_id"`
	Username   string    `json:"username"`
	TeamName   string    `json:"team_name"`
	RoleName   string    `json:"role_name"`
	RoleFlags  RoleFlags `json:"role_flags"`
	BranchName string    `json:"branch_name"`
}
