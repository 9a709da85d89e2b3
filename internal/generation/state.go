package generation

import "time"

// State is the lifecycle state of a generation request
type State string

// Lifecycle: idle -> validating -> submitting -> queued -> processing -> completed
//
//	any non-idle, non-completed state -> error
//	completed | error -> idle (reset)
const (
	StateIdle       State = "idle"
	StateValidating State = "validating"
	StateSubmitting State = "submitting"
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// IsTerminal reports whether no further automatic transitions can occur
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateError
}

// IsActive reports whether the state occupies the slot with work in flight
func (s State) IsActive() bool {
	return s != StateIdle && !s.IsTerminal()
}

// IsPolling reports whether the backend owns the job and status is being polled
func (s State) IsPolling() bool {
	return s == StateQueued || s == StateProcessing
}

// Request is a snapshot of the single generation request held by a Machine
type Request struct {
	// LocalID is assigned when the request leaves idle, before the backend id exists
	LocalID string
	// ID is the backend's request id, empty until submission succeeds
	ID         string
	Parameters Parameters
	State      State
	ImageURL   string // set only in StateCompleted
	Reason     string // set only in StateError
	Err        error  // typed error behind Reason
	Progress   *float64

	SubmittedAt time.Time
	FinishedAt  time.Time
}

// Transition describes one state change of a machine's request
type Transition struct {
	LocalID   string
	RequestID string
	From      State
	To        State
	ImageURL  string
	Reason    string
	At        time.Time
}

// EventKind is what a poll tick observed
type EventKind int

const (
	EventQueued EventKind = iota + 1
	EventProcessing
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventQueued:
		return "queued"
	case EventProcessing:
		return "processing"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	}
	return "unknown"
}

// Event is produced by the poller and consumed by the machine
type Event struct {
	RequestID string
	Kind      EventKind
	ImageURL  string     // EventCompleted only
	Progress  *float64   // optional progress reported by the backend
	Err       *PollError // EventFailed only
}

// Terminal reports whether the event ends the poll session
func (e Event) Terminal() bool {
	return e.Kind == EventCompleted || e.Kind == EventFailed
}
