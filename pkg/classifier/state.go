package classifier

import "fmt"

// State is a committed attention classification.
type State int

const (
	// NotDetected means no usable face. It is the initial state.
	NotDetected State = iota

	// Focus means the head is near frontal and the gaze is inside the
	// calibrated region.
	Focus

	// Glance means the gaze left the region without a large head turn.
	Glance

	// Turning means the head rotated past the strict threshold.
	Turning
)

// String returns the wire name of the state.
func (s State) String() string {
	switch s {
	case NotDetected:
		return "not_detected"
	case Focus:
		return "focus"
	case Glance:
		return "glance"
	case Turning:
		return "turning"
	default:
		return "unknown"
	}
}

// Distracted reports whether a commit to s emits a distraction notification.
func (s State) Distracted() bool {
	return s == Glance || s == Turning
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a state name.
func (s *State) UnmarshalText(text []byte) error {
	st, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// ParseState returns the state with the given wire name.
func ParseState(name string) (State, error) {
	for _, s := range []State{NotDetected, Focus, Glance, Turning} {
		if s.String() == name {
			return s, nil
		}
	}
	return NotDetected, fmt.Errorf("unknown state %q", name)
}
