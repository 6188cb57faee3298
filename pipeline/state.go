package pipeline

import "fmt"

// State is the position of a run in its timepoint loop.
type State int

const (
	Initialized State = iota
	AwaitingMarkers
	AwaitingMeasurements
	Updating
	Persisted
	Complete
	Failed
)

var stateNames = [...]string{
	Initialized:          "Initialized",
	AwaitingMarkers:      "AwaitingMarkers",
	AwaitingMeasurements: "AwaitingMeasurements",
	Updating:             "Updating",
	Persisted:            "Persisted",
	Complete:             "Complete",
	Failed:               "Failed",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("State(%d)", int(s))
	}
	return stateNames[s]
}

// transitions lists legal successors. A skipped timepoint moves from
// AwaitingMarkers straight to Persisted.
var transitions = map[State][]State{
	Initialized:          {AwaitingMarkers, Complete, Failed},
	AwaitingMarkers:      {AwaitingMeasurements, Persisted, Failed},
	AwaitingMeasurements: {Updating, Failed},
	Updating:             {Persisted, Failed},
	Persisted:            {AwaitingMarkers, Complete, Failed},
}

// canTransition reports whether from -> to is legal.
func canTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
