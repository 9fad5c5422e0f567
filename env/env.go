// Package env defines the contract between the trainer and a simulator.
package env

import (
	"context"
	"fmt"
)

// Action indexes the discrete command set.
type Action int

const (
	Forward Action = iota
	TurnRight
	TurnLeft
	Attack
)

// NumActions is the size of the command set.
const NumActions = 4

var labels = [NumActions]string{"move 1", "turn 1", "turn -1", "attack 1"}

// Label returns the command text sent to the simulator.
func (a Action) Label() string {
	if a < 0 || int(a) >= NumActions {
		return ""
	}
	return labels[a]
}

func (a Action) String() string {
	switch a {
	case Forward:
		return "Forward"
	case TurnRight:
		return "TurnRight"
	case TurnLeft:
		return "TurnLeft"
	case Attack:
		return "Attack"
	default:
		return fmt.Sprintf("Action(%d)", int(a))
	}
}

// ParseLabel maps a command text back onto its action.
func ParseLabel(label string) (Action, bool) {
	for i, l := range labels {
		if l == label {
			return Action(i), true
		}
	}
	return 0, false
}

// Environment launches episodes.
type Environment interface {
	// Start resets the world and returns a session for the new episode.
	// The session may not report running yet.
	Start(ctx context.Context) (Session, error)
}

// Session is one running episode. The Poll methods consume what has been
// reported since the previous call to the same method.
type Session interface {
	IsRunning() bool
	// PollObservation returns the newest observation text, if any.
	PollObservation() ([]byte, bool)
	PollErrors() []string
	PollRewardEvents() []float64
	SendAction(label string) error
	Close() error
}
