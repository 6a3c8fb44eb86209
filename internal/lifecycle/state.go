package lifecycle

// State is the page's view of its worker, derived from native worker events.
type State string

const (
	Unregistered    State = "unregistered"
	Registering     State = "registering"
	Registered      State = "registered"
	UpdateAvailable State = "update-available"
	Updating        State = "updating"
	Reloaded        State = "reloaded"
)

var transitions = map[State][]State{
	Unregistered:    {Registering},
	Registering:     {Registered, Unregistered},
	Registered:      {UpdateAvailable, Reloaded},
	UpdateAvailable: {UpdateAvailable, Updating, Reloaded},
	Updating:        {UpdateAvailable, Reloaded},
}

// CanTransition reports whether the page may move from s to next. Reloaded
// is terminal.
func (s State) CanTransition(next State) bool {
	for _, n := range transitions[s] {
		if n == next {
			return true
		}
	}
	return false
}
