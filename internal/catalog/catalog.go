// Package catalog loads the static team and role data that the game's
// relational database owns. The session layer only ever reads it.
package catalog

import "context"

type Branch struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"column:name"`
}

func (Branch) TableName() string { return "wargamelogic_branch" }

type Team struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"column:name"`
}

func (Team) TableName() string { return "wargamelogic_team" }

type Role struct {
	ID              uint   `gorm:"primaryKey"`
	Name            string `gorm:"column:name"`
	BranchID        *uint  `gorm:"column:branch_id"`
	Branch          Branch `gorm:"foreignKey:BranchID"`
	IsChiefOfStaff  bool   `gorm:"column:is_chief_of_staff"`
	IsCommander     bool   `gorm:"column:is_commander"`
	IsViceCommander bool   `gorm:"column:is_vice_commander"`
	IsOperations    bool   `gorm:"column:is_operations"`
	IsLogistics     bool   `gorm:"column:is_logistics"`
}

func (Role) TableName() string { return "wargamelogic_role" }

// Catalog is every team and role known to the game, joined or not.
type Catalog struct {
	Teams []Team
	Roles []Role
}

// Source reads the catalog from wherever it lives.
type Source interface {
	ListTeams(ctx context.Context) ([]Team, error)
	ListRoles(ctx context.Context) ([]Role, error)
}
