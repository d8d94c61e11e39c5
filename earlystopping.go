package biencoder

// earlyStopState tracks the best monitored metric and the run of
// non-improving evaluations. One transition function serves every call
// site: per-step evaluation, per-epoch evaluation, and the final check.
type earlyStopState struct {
	best    float64
	hasBest bool
	counter int
}

// update compares a new metric value against the best seen. minimize picks
// the comparison direction; delta is the minimum improvement that counts.
// It reports whether the value improved and whether the patience budget is
// exhausted: patience non-improving evaluations are tolerated, the next one
// stops the run.
func (s *earlyStopState) update(value float64, minimize bool, delta float64, patience int) (improved, shouldStop bool) {
	if !s.hasBest {
		s.best = value
		s.hasBest = true
		return true, false
	}

	if minimize {
		improved = value-s.best < delta
	} else {
		improved = value-s.best > delta
	}

	if improved {
		s.best = value
		s.counter = 0
		return true, false
	}

	s.counter++
	return false, s.counter > patience
}
