package swproto

// WorkerState is the native state of one worker instance.
type WorkerState string

const (
	Parsed     WorkerState = "parsed"
	Installing WorkerState = "installing"
	Installed  WorkerState = "installed"
	Activating WorkerState = "activating"
	Activated  WorkerState = "activated"
	Redundant  WorkerState = "redundant"
)

var workerTransitions = map[WorkerState][]WorkerState{
	Parsed:     {Installing, Redundant},
	Installing: {Installed, Redundant},
	Installed:  {Activating, Redundant},
	Activating: {Activated, Redundant},
	Activated:  {Redundant},
}

// CanTransition reports whether a worker may move from s to next.
func (s WorkerState) CanTransition(next WorkerState) bool {
	for _, n := range workerTransitions[s] {
		if n == next {
			return true
		}
	}
	return false
}
