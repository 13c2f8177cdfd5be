// Package likes hides like-toggle replication latency behind an optimistic local projection.
package likes

import "time"

// DefaultWindow is how long an optimistic flip takes precedence over a disagreeing snapshot.
const DefaultWindow = 750 * time.Millisecond

// Phase tags the reconciliation state of one confession.
type Phase int

const (
	Clean Phase = iota
	OptimisticPending
)

func (p Phase) String() string {
	if p == OptimisticPending {
		return "optimistic_pending"
	}
	return "clean"
}

// State is the reconciliation marker. Since and Liked are meaningful only while pending.
type State struct {
	Phase        Phase
	ConfessionID string
	Since        time.Time
	Liked        bool
}

// Pending builds the marker recorded when the user taps like.
func Pending(confessionID string, liked bool, since time.Time) State {
	return State{Phase: OptimisticPending, ConfessionID: confessionID, Since: since, Liked: liked}
}

// Snapshot is the authoritative like state of a confession as seen by one user.
type Snapshot struct {
	ConfessionID string
	Liked        bool
	Count        int64
}

// Decision tells the caller whether to render the incoming snapshot.
type Decision int

const (
	Apply Decision = iota
	Discard
)

func (d Decision) String() string {
	if d == Discard {
		return "discard"
	}
	return "apply"
}

// Reconcile decides what to do with an incoming snapshot. An agreeing snapshot clears the marker;
// a disagreeing one is discarded only while the marker is younger than window.
func Reconcile(state State, snapshot Snapshot, now time.Time, window time.Duration) (State, Decision) {
	if state.Phase != OptimisticPending || state.ConfessionID != snapshot.ConfessionID {
		return state, Apply
	}
	if snapshot.Liked == state.Liked {
		return State{Phase: Clean}, Apply
	}
	if now.Sub(state.Since) < window {
		return state, Discard
	}
	return State{Phase: Clean}, Apply
}
