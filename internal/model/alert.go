package model

import (
	"fmt"
	"strings"
	"time"
)

// Direction is the side of the threshold an alert watches.
type Direction string

const (
	Above Direction = "above"
	Below Direction = "below"
)

// ParseDirection accepts "above"/"below" (and the ">=" / "<=" shorthands).
func ParseDirection(s string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "above", ">=", "":
		return Above, nil
	case "below", "<=":
		return Below, nil
	}
	return "", fmt.Errorf("%w: direction %q", ErrInvalidInput, s)
}

// Op returns the comparison operator used in alert messages.
func (d Direction) Op() string {
	if d == Below {
		return "<="
	}
	return ">="
}

// Alert is a user-defined price threshold rule.
// Only Triggered ever changes after creation.
type Alert struct {
	ID          string    `json:"id"`
	Symbol      string    `json:"symbol"`
	TargetPrice float64   `json:"target_price"`
	Direction   Direction `json:"direction"`
	OneShot     bool      `json:"one_shot"`
	Triggered   bool      `json:"triggered"`
	CreatedAt   time.Time `json:"created_at"`
}

// Matches reports whether closePrice satisfies the alert's threshold.
// The boundary price counts as a match in both directions.
func (a *Alert) Matches(closePrice float64) bool {
	if a.Direction == Below {
		return closePrice <= a.TargetPrice
	}
	return closePrice >= a.TargetPrice
}

func (a Alert) String() string {
	s := fmt.Sprintf("%s %s %.2f", a.Symbol, a.Direction, a.TargetPrice)
	if a.Triggered {
		s += " [TRIGGERED]"
	}
	return s
}
