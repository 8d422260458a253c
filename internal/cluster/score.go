package cluster

import "github.com/yukihamada/solusync-x/internal/protocol"

// Weights are the candidate-score coefficients w1..w4 (§4.5). They need not
// sum to 1; the score is only ever compared against other scores computed
// with the same weights.
type Weights struct {
	CPU        float64
	Mem        float64
	NetQuality float64
	Battery    float64
}

// DefaultWeights matches §4.5's defaults (0.3, 0.2, 0.3, 0.2).
var DefaultWeights = Weights{CPU: 0.3, Mem: 0.2, NetQuality: 0.3, Battery: 0.2}

// NetQualityNumeric maps the §4.3 quality tiers onto [0,1] for the
// candidate-score formula, evenly spaced with excellent at 1.0 and critical
// at 0.0.
func NetQualityNumeric(q protocol.NetworkQuality) float64 {
	switch q {
	case protocol.QualityExcellent:
		return 1.0
	case protocol.QualityGood:
		return 0.75
	case protocol.QualityFair:
		return 0.5
	case protocol.QualityPoor:
		return 0.25
	default:
		return 0.0
	}
}

// Score computes S = w1(1-cpu) + w2(1-mem) + w3*net_quality + w4*battery,
// treating an absent battery reading as 1 (mains-powered, per §4.5).
func Score(status protocol.NodeStatus, w Weights) float64 {
	battery := 1.0
	if status.Battery != nil {
		battery = *status.Battery
	}
	return w.CPU*(1-status.CPU) + w.Mem*(1-status.Mem) + w.NetQuality*NetQualityNumeric(status.NetQuality) + w.Battery*battery
}
