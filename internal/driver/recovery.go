package driver

// recoveryKey identifies one stuck-flag counter.
type recoveryKey struct {
	phase Phase
	slot  int
}

// Tracker counts consecutive ticks a completion bit has stayed set, keyed
// by (phase, slot), and meters the consecutive-recovery budget per phase.
// All counting is in ticks; the tracker never looks at the wall clock.
type Tracker struct {
	thresholds map[Phase]int
	fallback   int
	budget     int

	counts map[recoveryKey]int
	consec map[Phase]int
	clean  int
}

func NewTracker(thresholds map[Phase]int, fallback, budget int) *Tracker {
	return &Tracker{
		thresholds: thresholds,
		fallback:   fallback,
		budget:     budget,
		counts:     make(map[recoveryKey]int),
		consec:     make(map[Phase]int),
	}
}

func (t *Tracker) thresholdFor(p Phase) int {
	if th, ok := t.thresholds[p]; ok {
		return th
	}
	return t.fallback
}

// Observe is called once per tick per slot. It returns true exactly on the
// tick the counter reaches the phase threshold: at threshold-1 ticks no
// recovery fires, at threshold it fires once and the counter resets.
func (t *Tracker) Observe(phase Phase, slot int, waiting bool) bool {
	k := recoveryKey{phase, slot}
	if !waiting {
		delete(t.counts, k)
		return false
	}
	t.counts[k]++
	if t.counts[k] >= t.thresholdFor(phase) {
		delete(t.counts, k)
		return true
	}
	return false
}

// Elapsed reports the current consecutive-set count for logging.
func (t *Tracker) Elapsed(phase Phase, slot int) int {
	return t.counts[recoveryKey{phase, slot}]
}

// RecordRecovery bumps the consecutive-recovery count for a phase and
// reports whether the budget is exhausted (the session is unrecoverable).
func (t *Tracker) RecordRecovery(phase Phase) bool {
	t.clean = 0
	t.consec[phase]++
	return t.consec[phase] >= t.budget
}

// ProgressTick notes whether any slot sat stuck this tick. A full threshold
// of clean ticks is real forward motion, so recoveries separated by that
// much are independent incidents, not one unrecoverable wedge; long
// multi-round phases can absorb the occasional recovery without eating
// through the budget.
func (t *Tracker) ProgressTick(phase Phase, waiting bool) {
	if waiting {
		t.clean = 0
		return
	}
	t.clean++
	if t.clean >= t.thresholdFor(phase) {
		delete(t.consec, phase)
		t.clean = 0
	}
}

// PhaseChanged resets consecutive-recovery accounting after any normal
// transition; progress means the phase was not actually stuck.
func (t *Tracker) PhaseChanged() {
	t.counts = make(map[recoveryKey]int)
	t.consec = make(map[Phase]int)
	t.clean = 0
}
