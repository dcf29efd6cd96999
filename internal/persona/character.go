package persona

import (
	"errors"
	"fmt"
	"strings"
)

// Ability score bounds accepted by [Character.Validate].
const (
	MinAbility = 1
	MaxAbility = 30
)

// Abilities holds the six ability scores.
type Abilities struct {
	STR int `yaml:"str" json:"str"`
	DEX int `yaml:"dex" json:"dex"`
	CON int `yaml:"con" json:"con"`
	INT int `yaml:"int" json:"int"`
	WIS int `yaml:"wis" json:"wis"`
	CHA int `yaml:"cha" json:"cha"`
}

// Character is the player's identity. It is fixed for the duration of a
// conversation and only parameterises persona instructions.
type Character struct {
	Name      string    `yaml:"name" json:"name"`
	Class     string    `yaml:"class" json:"class"`
	Race      string    `yaml:"race" json:"race"`
	Abilities Abilities `yaml:"abilities" json:"abilities"`
}

// DefaultCharacter is used when no character is configured.
func DefaultCharacter() Character {
	return Character{
		Name:  "Adventurer",
		Class: "Fighter",
		Race:  "Human",
		Abilities: Abilities{
			STR: 10, DEX: 10, CON: 10, INT: 10, WIS: 10, CHA: 10,
		},
	}
}

// Validate checks that the character has a name and in-range scores.
func (c Character) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Name) == "" {
		errs = append(errs, errors.New("character: name is required"))
	}
	for _, a := range []struct {
		name  string
		score int
	}{
		{"str", c.Abilities.STR},
		{"dex", c.Abilities.DEX},
		{"con", c.Abilities.CON},
		{"int", c.Abilities.INT},
		{"wis", c.Abilities.WIS},
		{"cha", c.Abilities.CHA},
	} {
		if a.score < MinAbility || a.score > MaxAbility {
			errs = append(errs, fmt.Errorf("character: %s %d out of range [%d, %d]", a.name, a.score, MinAbility, MaxAbility))
		}
	}
	return errors.Join(errs...)
}

// Modifier returns the ability modifier for a score: floor((score-10)/2).
func Modifier(score int) int {
	d := score - 10
	if d < 0 {
		return (d - 1) / 2
	}
	return d / 2
}
