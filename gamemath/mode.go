package gamemath

import "fmt"

// Mode selects which probability rows and which balance bucket a round uses.
type Mode string

const (
	ModeReal Mode = "real"
	ModeDemo Mode = "demo"
)

// Modes lists every mode a game carries a probability table for.
var Modes = []Mode{ModeReal, ModeDemo}

func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeReal, ModeDemo:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown mode %q", s)
}

func (m Mode) String() string { return string(m) }
