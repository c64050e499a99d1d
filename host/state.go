package host

import (
	"errors"
	"fmt"
)

// State is the host lifecycle position. It only moves forward.
type State int

const (
	Unconfigured State = iota
	Configuring
	Configured
	Running
	Stopping
	Stopped
)

var stateNames = [...]string{"unconfigured", "configuring", "configured", "running", "stopping", "stopped"}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return stateNames[s]
}

var ErrInvalidState = errors.New("invalid host state")

func stateError(op string, s State) error {
	return fmt.Errorf("%w: cannot %s while %s", ErrInvalidState, op, s)
}
