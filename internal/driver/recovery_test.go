package driver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTracker_FiresExactlyAtThreshold(t *testing.T) {
	tr := NewTracker(nil, 5, 3)

	for i := 0; i < 4; i++ {
		require.False(t, tr.Observe(PhaseActionSelection, 0, true), "fired at tick %d, before threshold", i+1)
	}
	require.True(t, tr.Observe(PhaseActionSelection, 0, true), "did not fire at threshold")

	// Counter resets after firing; another full run is needed.
	for i := 0; i < 4; i++ {
		require.False(t, tr.Observe(PhaseActionSelection, 0, true))
	}
	require.True(t, tr.Observe(PhaseActionSelection, 0, true))
}

func TestTracker_ClearResetsCount(t *testing.T) {
	tr := NewTracker(nil, 5, 3)

	for i := 0; i < 4; i++ {
		require.False(t, tr.Observe(PhaseActionSelection, 1, true))
	}
	// The flag clears for one tick: consecutive count starts over.
	require.False(t, tr.Observe(PhaseActionSelection, 1, false))
	for i := 0; i < 4; i++ {
		require.False(t, tr.Observe(PhaseActionSelection, 1, true))
	}
	require.True(t, tr.Observe(PhaseActionSelection, 1, true))
}

func TestTracker_PerPhaseThreshold(t *testing.T) {
	tr := NewTracker(map[Phase]int{PhaseTurnResolution: 2}, 5, 3)

	require.False(t, tr.Observe(PhaseTurnResolution, 0, true))
	require.True(t, tr.Observe(PhaseTurnResolution, 0, true))

	// Other phases still use the fallback.
	for i := 0; i < 4; i++ {
		require.False(t, tr.Observe(PhaseIntroSequence, 0, true))
	}
	require.True(t, tr.Observe(PhaseIntroSequence, 0, true))
}

func TestTracker_SlotsCountIndependently(t *testing.T) {
	tr := NewTracker(nil, 3, 3)

	require.False(t, tr.Observe(PhaseActionSelection, 0, true))
	require.False(t, tr.Observe(PhaseActionSelection, 1, true))
	require.False(t, tr.Observe(PhaseActionSelection, 0, true))
	// Slot 1 clears; slot 0 keeps counting.
	require.False(t, tr.Observe(PhaseActionSelection, 1, false))
	require.True(t, tr.Observe(PhaseActionSelection, 0, true))
	require.False(t, tr.Observe(PhaseActionSelection, 1, true))
}

func TestTracker_BudgetAndPhaseChange(t *testing.T) {
	tr := NewTracker(nil, 5, 3)

	require.False(t, tr.RecordRecovery(PhaseTurnResolution))
	require.False(t, tr.RecordRecovery(PhaseTurnResolution))
	require.True(t, tr.RecordRecovery(PhaseTurnResolution), "third consecutive recovery must exhaust the budget")

	// A real transition proves the session was making progress.
	tr.PhaseChanged()
	require.False(t, tr.RecordRecovery(PhaseTurnResolution))
}

func TestTracker_ProgressBetweenRecoveriesResetsBudget(t *testing.T) {
	tr := NewTracker(nil, 5, 3)

	require.False(t, tr.RecordRecovery(PhaseTurnResolution))
	require.False(t, tr.RecordRecovery(PhaseTurnResolution))

	// A full threshold of clean ticks within the phase is real forward
	// motion; the next wedge is a fresh incident, not the third strike.
	for i := 0; i < 5; i++ {
		tr.ProgressTick(PhaseTurnResolution, false)
	}
	require.False(t, tr.RecordRecovery(PhaseTurnResolution))
	require.False(t, tr.RecordRecovery(PhaseTurnResolution))
	require.True(t, tr.RecordRecovery(PhaseTurnResolution))
}

func TestTracker_StuckTicksBreakTheCleanStreak(t *testing.T) {
	tr := NewTracker(nil, 5, 3)

	require.False(t, tr.RecordRecovery(PhaseTurnResolution))
	require.False(t, tr.RecordRecovery(PhaseTurnResolution))

	// Four clean ticks, one stuck tick, four clean: never a full streak,
	// so the budget does not reset.
	for i := 0; i < 4; i++ {
		tr.ProgressTick(PhaseTurnResolution, false)
	}
	tr.ProgressTick(PhaseTurnResolution, true)
	for i := 0; i < 4; i++ {
		tr.ProgressTick(PhaseTurnResolution, false)
	}
	require.True(t, tr.RecordRecovery(PhaseTurnResolution))
}

func TestTracker_Elapsed(t *testing.T) {
	tr := NewTracker(nil, 10, 3)
	require.Zero(t, tr.Elapsed(PhaseOutcome, 0))
	tr.Observe(PhaseOutcome, 0, true)
	tr.Observe(PhaseOutcome, 0, true)
	require.Equal(t, 2, tr.Elapsed(PhaseOutcome, 0))
}
