package models

// Phase is one stage of a research run's state machine.
type Phase string

const (
	PhaseInterpretingThesis Phase = "interpreting_thesis"
	PhaseGatheringEvidence  Phase = "gathering_evidence"
	PhaseEvaluatingQuality  Phase = "evaluating_quality"
	PhaseReflecting         Phase = "reflecting"
	PhaseGeneratingReport   Phase = "generating_report"
	PhaseCompleted          Phase = "completed"
	PhaseFailed             Phase = "failed"
)

// phaseTransitions is the allowed transition table. PhaseFailed is reachable
// from every non-terminal phase and is handled in CanTransition directly.
var phaseTransitions = map[Phase][]Phase{
	PhaseInterpretingThesis: {PhaseGatheringEvidence},
	PhaseGatheringEvidence:  {PhaseEvaluatingQuality},
	PhaseEvaluatingQuality:  {PhaseReflecting},
	PhaseReflecting:         {PhaseGatheringEvidence, PhaseGeneratingReport},
	PhaseGeneratingReport:   {PhaseCompleted},
}

// IsTerminal reports whether no further transitions are permitted.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// Valid reports whether p is a known phase.
func (p Phase) Valid() bool {
	switch p {
	case PhaseInterpretingThesis, PhaseGatheringEvidence, PhaseEvaluatingQuality,
		PhaseReflecting, PhaseGeneratingReport, PhaseCompleted, PhaseFailed:
		return true
	}
	return false
}

// CanTransition reports whether the state machine permits from -> to.
func CanTransition(from, to Phase) bool {
	if from.IsTerminal() {
		return false
	}
	if to == PhaseFailed {
		return from.Valid()
	}
	for _, next := range phaseTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// progressBase maps each phase to the percentage contributed by all prior
// phases. Overall progress is the base plus the in-phase completion ratio
// scaled to the phase's span.
var progressBase = map[Phase]float64{
	PhaseInterpretingThesis: 0,
	PhaseGatheringEvidence:  10,
	PhaseEvaluatingQuality:  40,
	PhaseReflecting:         70,
	PhaseGeneratingReport:   80,
	PhaseCompleted:          100,
	PhaseFailed:             100,
}

var phaseSpan = map[Phase]float64{
	PhaseInterpretingThesis: 10,
	PhaseGatheringEvidence:  30,
	PhaseEvaluatingQuality:  30,
	PhaseReflecting:         10,
	PhaseGeneratingReport:   20,
}

// Progress returns the phase-weighted overall progress percentage for a run
// in phase p with the given in-phase completion ratio (0..1).
func Progress(p Phase, inPhase float64) float64 {
	base, ok := progressBase[p]
	if !ok {
		return 0
	}
	if p.IsTerminal() {
		return 100
	}
	if inPhase < 0 {
		inPhase = 0
	} else if inPhase > 1 {
		inPhase = 1
	}
	return base + phaseSpan[p]*inPhase
}
