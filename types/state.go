package types

import "strings"

// State is a BinderHub lifecycle phase as seen by the build event stream.
type State string

const (
	StateUnset     State = "unset"     // no frame received yet
	StateWaiting   State = "waiting"   // build queued on the hub
	StateBuilding  State = "building"  // repo2docker running
	StateFetching  State = "fetching"  // cloning the repository
	StatePushing   State = "pushing"   // pushing the built image to the registry
	StateBuilt     State = "built"     // image available, server not yet launched
	StateLaunching State = "launching" // notebook server pod starting
	StateReady     State = "ready"     // server reachable; frame carries url/token
	StateFailed    State = "failed"    // build or launch failed; frame carries message

	// StateAny is the wildcard used only for callback registration.
	// It is never stored as an actual state.
	StateAny State = "*"
)

var knownStates = map[State]struct{}{
	StateUnset:     {},
	StateWaiting:   {},
	StateBuilding:  {},
	StateFetching:  {},
	StatePushing:   {},
	StateBuilt:     {},
	StateLaunching: {},
	StateReady:     {},
	StateFailed:    {},
}

// ParseState lower-cases a vendor phase string and reports whether it is a
// member of the closed lifecycle enumeration.
func ParseState(phase string) (State, bool) {
	s := State(strings.ToLower(strings.TrimSpace(phase)))
	_, ok := knownStates[s]
	return s, ok
}

// Valid reports whether s is an actual lifecycle state.
func (s State) Valid() bool {
	_, ok := knownStates[s]
	return ok
}

// Registrable reports whether callbacks may be registered on s.
func (s State) Registrable() bool {
	return s == StateAny || s.Valid()
}

// Terminal reports whether no further transitions may follow s.
func (s State) Terminal() bool {
	return s == StateReady || s == StateFailed
}

func (s State) String() string { return string(s) }
