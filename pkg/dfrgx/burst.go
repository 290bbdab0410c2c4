package dfrgx

// Decision is the outcome of a governor evaluation.
type Decision uint

const (
	NoBurstRequested Decision = iota
	BurstRequested
	UnburstRequested
)

func (d Decision) String() string {
	switch d {
	case NoBurstRequested:
		return "no_burst"
	case BurstRequested:
		return "burst"
	case UnburstRequested:
		return "unburst"
	}
	return "unknown"
}

// Decisions lists every decision value.
func Decisions() []Decision {
	return []Decision{NoBurstRequested, BurstRequested, UnburstRequested}
}

// resolve returns the table index of the frequency the state points at.
func (s *State) resolve() int {
	freq, ok := s.table.FrequencyAt(s.index)
	if !ok {
		return NotFound
	}
	return s.table.IndexOf(freq)
}

// Decide evaluates the policy that matches the active profile.
func (s *State) Decide(utilization int, active bool) Decision {
	if s.IsOndemand() {
		return s.DecideOndemandBurst(utilization, active)
	}
	return s.DecideThresholdBurst(utilization)
}

// DecideThresholdBurst applies the profile's (low, high) hysteresis and moves
// the state by at most one step.
func (s *State) DecideThresholdBurst(utilization int) Decision {
	current := s.resolve()
	if current == NotFound {
		log.V(4).Info("stale frequency index", "index", s.index)
		return NoBurstRequested
	}

	th := s.profile.Thresholds()
	var decision Decision

	switch {
	case utilization > th.High && current < s.maxIndex:
		s.index++
		decision = BurstRequested
	case utilization < th.Low && current > s.minIndex:
		s.index--
		decision = UnburstRequested
	case current < s.minIndex:
		// throttled below the floor, go back to min
		s.index = s.minIndex
		decision = UnburstRequested
	default:
		return NoBurstRequested
	}

	s.clamp()
	log.V(5).Info("threshold decision", "utilization", utilization, "decision", decision.String(), "index", s.index)

	return decision
}

// ondemandThreshold is the load at which step i is justified. Steps past the
// end of the ondemand table share the top row.
func ondemandThreshold(i int) int {
	if i >= OndemandSteps {
		i = OndemandSteps - 1
	}
	load, _ := OndemandLoad(i)
	return load.High
}

// DecideOndemandBurst applies the stepped ondemand policy: the state jumps to
// the highest step whose load threshold the utilization meets.
func (s *State) DecideOndemandBurst(utilization int, active bool) Decision {
	current := s.resolve()
	if current == NotFound {
		log.V(4).Info("stale frequency index", "index", s.index)
		return NoBurstRequested
	}

	if current >= s.minIndex {
		// utilization still inside the band of the current step
		if current+1 <= s.maxIndex &&
			utilization >= ondemandThreshold(current) &&
			utilization < ondemandThreshold(current+1) {
			return NoBurstRequested
		}
		if current == s.maxIndex && utilization >= ondemandThreshold(current) {
			return NoBurstRequested
		}
	}

	if current < s.minIndex || utilization < ondemandThreshold(s.minIndex) || !active {
		s.index = s.minIndex
		log.V(5).Info("ondemand throttle", "utilization", utilization, "active", active, "index", s.index)
		return UnburstRequested
	}

	for i := s.maxIndex; i >= s.minIndex; i-- {
		if utilization >= ondemandThreshold(i) {
			s.index = i
			log.V(5).Info("ondemand burst", "utilization", utilization, "index", s.index)
			return BurstRequested
		}
	}

	return NoBurstRequested
}
