package catalog

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

type fileCatalog struct {
	Teams []string   `yaml:"teams"`
	Roles []fileRole `yaml:"roles"`
}

type fileRole struct {
	Name            string `yaml:"name"`
	Branch          string `yaml:"branch"`
	IsChiefOfStaff  bool   `yaml:"is_chief_of_staff"`
	IsCommander     bool   `yaml:"is_commander"`
	IsViceCommander bool   `yaml:"is_vice_commander"`
	IsOperations    bool   `yaml:"is_operations"`
	IsLogistics     bool   `yaml:"is_logistics"`
}

// StaticSource serves a catalog held in memory, typically parsed from a
// seed file when no database is configured.
type StaticSource struct {
	cat Catalog
}

func NewStaticSource(cat Catalog) *StaticSource {
	return &StaticSource{cat: cat}
}

// LoadFile parses a YAML seed catalog from disk.
func LoadFile(path string) (*StaticSource, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog %s: %w", path, err)
	}
	cat, err := ParseYAML(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse catalog %s: %w", path, err)
	}
	return NewStaticSource(cat), nil
}

func ParseYAML(data []byte) (Catalog, error) {
	var raw fileCatalog
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Catalog{}, err
	}

	cat := Catalog{}
	for i, name := range raw.Teams {
		cat.Teams = append(cat.Teams, Team{ID: uint(i + 1), Name: name})
	}

	branches := map[string]uint{}
	for i, r := range raw.Roles {
		role := Role{
			ID:              uint(i + 1),
			Name:            r.Name,
			IsChiefOfStaff:  r.IsChiefOfStaff,
			IsCommander:     r.IsCommander,
			IsViceCommander: r.IsViceCommander,
			IsOperations:    r.IsOperations,
			IsLogistics:     r.IsLogistics,
		}
		if r.Branch != "" {
			id, ok := branches[r.Branch]
			if !ok {
				id = uint(len(branches) + 1)
				branches[r.Branch] = id
			}
			role.BranchID = &id
			role.Branch = Branch{ID: id, Name: r.Branch}
		}
		cat.Roles = append(cat.Roles, role)
	}
	return cat, nil
}

func (s *StaticSource) ListTeams(context.Context) ([]Team, error) {
	return append([]Team(nil), s.cat.Teams...), nil
}

func (s *StaticSource) ListRoles(context.Context) ([]Role, error) {
	return append([]Role(nil), s.cat.Roles...), nil
}
