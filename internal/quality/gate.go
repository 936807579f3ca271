package quality

// Gate enforces the minimum score and confidence a record needs to enter
// a training dataset.
type Gate struct {
	// MinOverall is the composite score threshold.
	MinOverall float64

	// MinConfidence rejects scores backed by too little signal,
	// including every fallback score.
	MinConfidence float64
}

// GateResult explains a gate decision.
type GateResult struct {
	Pass          bool
	FailureReason string
}

// Evaluate checks a score against the gate.
func (g Gate) Evaluate(score Score) GateResult {
	if score.Confidence < g.MinConfidence {
		return GateResult{FailureReason: "confidence below threshold"}
	}
	if score.Overall < g.MinOverall {
		return GateResult{FailureReason: "overall score below threshold"}
	}
	return GateResult{Pass: true}
}
