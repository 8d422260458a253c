package cluster

import (
	"testing"

	"github.com/yukihamada/solusync-x/internal/protocol"
)

func TestNetQualityNumericTiers(t *testing.T) {
	cases := []struct {
		q    protocol.NetworkQuality
		want float64
	}{
		{protocol.QualityExcellent, 1.0},
		{protocol.QualityGood, 0.75},
		{protocol.QualityFair, 0.5},
		{protocol.QualityPoor, 0.25},
		{protocol.QualityCritical, 0.0},
	}
	for _, c := range cases {
		if got := NetQualityNumeric(c.q); got != c.want {
			t.Errorf("NetQualityNumeric(%s) = %v, want %v", c.q, got, c.want)
		}
	}
}

func TestScoreWithDefaultsAndNoBattery(t *testing.T) {
	st := protocol.NodeStatus{CPU: 0.2, Mem: 0.4, NetQuality: protocol.QualityExcellent}
	got := Score(st, DefaultWeights)
	want := 0.3*(1-0.2) + 0.2*(1-0.4) + 0.3*1.0 + 0.2*1.0
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("Score = %v, want %v", got, want)
	}
}

func TestScoreHonorsExplicitBattery(t *testing.T) {
	battery := 0.5
	st := protocol.NodeStatus{CPU: 0, Mem: 0, NetQuality: protocol.QualityCritical, Battery: &battery}
	got := Score(st, DefaultWeights)
	want := 0.3*1 + 0.2*1 + 0.3*0 + 0.2*0.5
	if diff := got - want; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("Score = %v, want %v", got, want)
	}
}
