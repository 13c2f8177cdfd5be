package likes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconcile(t *testing.T) {
	since := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	pending := Pending("c1", true, since)

	tests := []struct {
		name         string
		state        State
		snapshot     Snapshot
		elapsed      time.Duration
		wantPhase    Phase
		wantDecision Decision
	}{
		{
			name:         "clean applies",
			state:        State{Phase: Clean},
			snapshot:     Snapshot{ConfessionID: "c1", Liked: false, Count: 0},
			wantPhase:    Clean,
			wantDecision: Apply,
		},
		{
			name:         "agreeing snapshot clears marker",
			state:        pending,
			snapshot:     Snapshot{ConfessionID: "c1", Liked: true, Count: 1},
			elapsed:      100 * time.Millisecond,
			wantPhase:    Clean,
			wantDecision: Apply,
		},
		{
			name:         "stale snapshot inside window is discarded",
			state:        pending,
			snapshot:     Snapshot{ConfessionID: "c1", Liked: false, Count: 0},
			elapsed:      749 * time.Millisecond,
			wantPhase:    OptimisticPending,
			wantDecision: Discard,
		},
		{
			name:         "disagreeing snapshot after window wins",
			state:        pending,
			snapshot:     Snapshot{ConfessionID: "c1", Liked: false, Count: 0},
			elapsed:      DefaultWindow,
			wantPhase:    Clean,
			wantDecision: Apply,
		},
		{
			name:         "other confession does not touch marker",
			state:        pending,
			snapshot:     Snapshot{ConfessionID: "c2", Liked: false},
			elapsed:      time.Millisecond,
			wantPhase:    OptimisticPending,
			wantDecision: Apply,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, decision := Reconcile(tt.state, tt.snapshot, since.Add(tt.elapsed), DefaultWindow)
			assert.Equal(t, tt.wantPhase, next.Phase)
			assert.Equal(t, tt.wantDecision, decision)
		})
	}
}
