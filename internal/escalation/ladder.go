package escalation

import (
	"fmt"
	"strings"
	"time"
)

// Level is a rung on the authority ladder, L1 through L5.
type Level int

const (
	L1 Level = iota + 1
	L2
	L3
	L4
	L5
)

func (l Level) String() string { return fmt.Sprintf("L%d", int(l)) }

// ParseLevel parses "L3" or "3".
func ParseLevel(s string) (Level, error) {
	var n int
	if _, err := fmt.Sscanf(strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(s)), "L"), "%d", &n); err != nil {
		return 0, fmt.Errorf("invalid level %q", s)
	}
	if n < int(L1) || n > int(L5) {
		return 0, fmt.Errorf("level %q out of range", s)
	}
	return Level(n), nil
}

// Step is one level of the ladder. A zero Timeout means the level never
// promotes.
type Step struct {
	Level   Level         `yaml:"level" json:"level"`
	Owner   string        `yaml:"owner" json:"owner"`
	Timeout time.Duration `yaml:"timeout" json:"timeout"`
}

// OwnerFor expands the {team} placeholder.
func (s Step) OwnerFor(team string) string {
	return strings.ReplaceAll(s.Owner, "{team}", strings.ToLower(team))
}

// Ladder is the ordered list of steps, lowest level first.
type Ladder []Step

// DefaultLadder is the standard five-level ladder.
func DefaultLadder() Ladder {
	return Ladder{
		{Level: L1, Owner: "lead:{team}", Timeout: 15 * time.Minute},
		{Level: L2, Owner: "domain-lead:{team}", Timeout: time.Hour},
		{Level: L3, Owner: "engineering-manager", Timeout: 4 * time.Hour},
		{Level: L4, Owner: "director", Timeout: 24 * time.Hour},
		{Level: L5, Owner: "human-operator"},
	}
}

// Validate checks that the ladder runs L1..L5 contiguously, that timeouts
// grow strictly, and that only L5 has no timeout.
func (l Ladder) Validate() error {
	if len(l) != int(L5) {
		return fmt.Errorf("escalation ladder has %d levels, want %d", len(l), int(L5))
	}
	for i, s := range l {
		if s.Level != Level(i+1) {
			return fmt.Errorf("ladder step %d has level %s, want %s", i, s.Level, Level(i+1))
		}
		if s.Owner == "" {
			return fmt.Errorf("ladder level %s has no owner", s.Level)
		}
		last := i == len(l)-1
		if !last && s.Timeout <= 0 {
			return fmt.Errorf("ladder level %s needs a timeout", s.Level)
		}
		if last && s.Timeout != 0 {
			return fmt.Errorf("top ladder level %s must not time out", s.Level)
		}
		if i > 0 && !last && s.Timeout <= l[i-1].Timeout {
			return fmt.Errorf("ladder level %s timeout %s must exceed %s", s.Level, s.Timeout, l[i-1].Timeout)
		}
	}
	return nil
}

// Top returns the highest level.
func (l Ladder) Top() Level { return Level(len(l)) }

// Step returns the step for level.
func (l Ladder) Step(level Level) Step {
	if level < L1 {
		level = L1
	}
	if int(level) > len(l) {
		level = l.Top()
	}
	return l[level-1]
}
