package likes

import (
	"sync"
	"time"
)

// Projection is what the user sees for one confession.
type Projection struct {
	ConfessionID string
	Liked        bool
	Count        int64
	Pending      bool
}

type entry struct {
	visible Projection
	prior   Projection
	state   State
}

// Tracker keeps the visible like projections of one user and reconciles snapshots against them.
type Tracker struct {
	mu      sync.Mutex
	window  time.Duration
	clock   func() time.Time
	entries map[string]*entry
}

func NewTracker(window time.Duration, clock func() time.Time) *Tracker {
	if window <= 0 {
		window = DefaultWindow
	}
	if clock == nil {
		clock = time.Now
	}
	return &Tracker{
		window:  window,
		clock:   clock,
		entries: make(map[string]*entry),
	}
}

// Apply reconciles one snapshot and returns the resulting visible projection.
func (t *Tracker) Apply(snapshot Snapshot) (Projection, Decision) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.applyLocked(snapshot)
}

// Sync reconciles a full query result and forgets confessions no longer present.
func (t *Tracker) Sync(snapshots []Snapshot) []Projection {
	t.mu.Lock()
	defer t.mu.Unlock()

	present := make(map[string]struct{}, len(snapshots))
	projections := make([]Projection, 0, len(snapshots))
	for _, snapshot := range snapshots {
		present[snapshot.ConfessionID] = struct{}{}
		projection, _ := t.applyLocked(snapshot)
		projections = append(projections, projection)
	}
	for id, current := range t.entries {
		if _, ok := present[id]; !ok && current.state.Phase == Clean {
			delete(t.entries, id)
		}
	}
	return projections
}

func (t *Tracker) applyLocked(snapshot Snapshot) (Projection, Decision) {
	current, ok := t.entries[snapshot.ConfessionID]
	if !ok {
		current = &entry{}
		t.entries[snapshot.ConfessionID] = current
	}
	next, decision := Reconcile(current.state, snapshot, t.clock(), t.window)
	current.state = next
	if decision == Apply {
		current.visible = Projection{
			ConfessionID: snapshot.ConfessionID,
			Liked:        snapshot.Liked,
			Count:        snapshot.Count,
		}
	}
	current.visible.Pending = current.state.Phase == OptimisticPending
	return current.visible, decision
}

// BeginToggle flips the visible projection locally and records the optimistic marker. It reports
// false when the confession has never been observed.
func (t *Tracker) BeginToggle(confessionID string) (Projection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.entries[confessionID]
	if !ok {
		return Projection{}, false
	}
	current.prior = current.visible
	current.prior.Pending = false

	liked := !current.visible.Liked
	count := current.visible.Count
	if liked {
		count++
	} else if count > 0 {
		count--
	}
	current.state = Pending(confessionID, liked, t.clock())
	current.visible = Projection{ConfessionID: confessionID, Liked: liked, Count: count, Pending: true}
	return current.visible, true
}

// Revert undoes a failed optimistic flip. A marker already cleared by an authoritative snapshot is
// left alone since the store state is visible.
func (t *Tracker) Revert(confessionID string) (Projection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	current, ok := t.entries[confessionID]
	if !ok {
		return Projection{}, false
	}
	if current.state.Phase == OptimisticPending {
		current.visible = current.prior
		current.state = State{Phase: Clean}
	}
	return current.visible, true
}

// Visible returns the projection currently shown for a confession.
func (t *Tracker) Visible(confessionID string) (Projection, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	current, ok := t.entries[confessionID]
	if !ok {
		return Projection{}, false
	}
	return current.visible, true
}

// StateOf exposes the reconciliation marker for a confession.
func (t *Tracker) StateOf(confessionID string) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	if current, ok := t.entries[confessionID]; ok {
		return current.state
	}
	return State{Phase: Clean}
}
