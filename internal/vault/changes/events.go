package changes

import "fmt"

// EventKind identifies a commit notification.
type EventKind int

const (
	// CommitStarting is published when a drain pass begins.
	CommitStarting EventKind = iota + 1
	// CommitFinished is published when a drain pass ends, whatever the outcome.
	CommitFinished
	// CommitSucceeded carries a change that reached the server.
	CommitSucceeded
	// CommitFailed carries a change that was given up on and dropped.
	CommitFailed
	// CommitError carries an error that left the change queued or halted
	// the drain.
	CommitError
)

func (k EventKind) String() string {
	switch k {
	case CommitStarting:
		return "starting"
	case CommitFinished:
		return "finished"
	case CommitSucceeded:
		return "succeeded"
	case CommitFailed:
		return "failed"
	case CommitError:
		return "error"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is a commit notification. Change is a private copy; Err is set for
// CommitError and sometimes for CommitFailed.
type Event struct {
	Kind   EventKind
	Record string
	Change *Change
	Err    error
}
