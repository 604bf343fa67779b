// Package combat resolves attacks between units. The REST layer loads the
// units, calls ConductAttack, and persists whatever changed.
package combat

import (
	"errors"
	"fmt"
	"math"
)

var ErrInsufficientSupply = errors.New("not enough supplies for this attack")
var ErrOutOfRange = errors.New("target out of range")

var playerMessages = map[error]string{
	ErrInsufficientSupply: "Unit does not have enough supplies for this attack",
	ErrOutOfRange:         "Range is not far enough to reach target",
}

// placeholderDamage stands in until the damage formula exists.
const placeholderDamage = 3.0

type Tile struct {
	X int `json:"x"`
	Y int `json:"y"`
}

type Unit struct {
	ID           int64   `json:"id"`
	Position     Tile    `json:"position"`
	Health       float64 `json:"health"`
	SupplyPoints float64 `json:"supply_points"`
}

type Attack struct {
	Name  string  `json:"name"`
	Cost  float64 `json:"cost"`
	Range int     `json:"range"`
}

// Distance is the Euclidean distance between two tiles, rounded up to a
// whole tile.
func Distance(a, b Tile) int {
	dx := float64(a.X - b.X)
	dy := float64(a.Y - b.Y)
	return int(math.Ceil(math.Hypot(dx, dy)))
}

// Damage is what attack deals to target.
func Damage(attacker, target *Unit, attack Attack) float64 {
	return placeholderDamage
}

// Resolve applies attack to target, or returns why it cannot happen.
// Neither unit changes on error.
func Resolve(attacker, target *Unit, attack Attack) (float64, error) {
	if attack.Cost > attacker.SupplyPoints {
		return 0, ErrInsufficientSupply
	}
	if Distance(attacker.Position, target.Position) > attack.Range {
		return 0, ErrOutOfRange
	}

	dmg := Damage(attacker, target, attack)
	target.Health = math.Max(0, target.Health-dmg)
	attacker.SupplyPoints = math.Max(0, attacker.SupplyPoints-attack.Cost)
	return dmg, nil
}

// ConductAttack is Resolve in the (success, message) shape the game
// endpoints return to players.
func ConductAttack(attacker, target *Unit, attack Attack) (bool, string) {
	dmg, err := Resolve(attacker, target, attack)
	if err != nil {
		return false, playerMessages[err]
	}
	return true, fmt.Sprintf("Unit successfully landed the attack to do %g damage", dmg)
}
