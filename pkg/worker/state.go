package worker

// State is the phase of the worker loop
type State int32

const (
	StateReseeding State = iota
	StateGenerating
	StateQuerying
	StateClassifying
	StateReporting
	StateDraining
)

func (s State) String() string {
	switch s {
	case StateReseeding:
		return "reseeding"
	case StateGenerating:
		return "generating"
	case StateQuerying:
		return "querying"
	case StateClassifying:
		return "classifying"
	case StateReporting:
		return "reporting"
	case StateDraining:
		return "draining"
	default:
		return "unknown"
	}
}
