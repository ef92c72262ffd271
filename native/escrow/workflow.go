package escrow

var allowedPhaseTransitions = map[Phase][]Phase{
	PhaseCreated:    {PhaseFunded, PhaseRefunded},
	PhaseFunded:     {PhaseInProgress, PhaseDisputed, PhaseRefunded},
	PhaseInProgress: {PhaseCompleted, PhaseDisputed},
	PhaseDisputed:   {PhaseInProgress, PhaseCompleted},
}

// ValidatePhaseTransition ensures the transition follows the agreement
// lifecycle. Completed and Refunded admit no further transitions.
func ValidatePhaseTransition(current, next Phase) error {
	if current == next {
		return nil
	}
	allowed, ok := allowedPhaseTransitions[current]
	if !ok {
		return rejectf("no transitions allowed from %s", current)
	}
	for _, phase := range allowed {
		if phase == next {
			return nil
		}
	}
	return rejectf("transition from %s to %s is not permitted", current, next)
}

var allowedUnitTransitions = map[UnitStatus][]UnitStatus{
	UnitPending:       {UnitSubmitted, UnitDisputed, UnitCancelled},
	UnitSubmitted:     {UnitUnderRevision, UnitApproved, UnitDisputed},
	UnitUnderRevision: {UnitSubmitted, UnitDisputed},
	UnitApproved:      {UnitPaid},
	UnitDisputed:      {UnitPending, UnitSubmitted, UnitUnderRevision, UnitPaid, UnitCancelled},
}

// ValidateUnitTransition ensures a unit status change is permitted. Leaving
// Disputed for a non-terminal status is only valid back to the status held
// before the dispute, which the caller checks against the unit state.
func ValidateUnitTransition(current, next UnitStatus) error {
	allowed, ok := allowedUnitTransitions[current]
	if !ok {
		return rejectf("unit is %s and cannot change", current)
	}
	for _, status := range allowed {
		if status == next {
			return nil
		}
	}
	return rejectf("unit transition from %s to %s is not permitted", current, next)
}

// phaseAfter reports the phase an agreement settles into once no dispute is
// open, given its funding and completion counters.
func phaseAfter(a *Agreement) Phase {
	switch {
	case a.SetupFinalized && a.UnitCount > 0 && a.CompletedUnits == a.UnitCount:
		return PhaseCompleted
	case a.UnitCount > 0:
		return PhaseInProgress
	default:
		return PhaseFunded
	}
}
