package cluster

import (
	"math"
	"testing"

	"broker-resilience/internal/circuit"
)

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 0.001
}

func TestMajorityTwoOfThreeOpens(t *testing.T) {
	votes := map[string]Vote{
		"instance-1": VoteOpen,
		"instance-2": VoteOpen,
		"instance-3": VoteHalfOpen,
	}

	state, confidence, consensus := MajorityStrategy{}.Tally(circuit.StateOpen, votes, nil)

	if state != circuit.StateOpen {
		t.Errorf("Expected open, got %s", state)
	}
	if !consensus {
		t.Error("Should reach consensus with 2 of 3 votes")
	}
	if !almostEqual(confidence, 2.0/3.0) {
		t.Errorf("Expected confidence 0.667, got %f", confidence)
	}
}

func TestMajorityTieFallsBackToHalfOpen(t *testing.T) {
	votes := map[string]Vote{
		"instance-1": VoteOpen,
		"instance-2": VoteClosed,
	}

	state, confidence, consensus := MajorityStrategy{}.Tally(circuit.StateOpen, votes, nil)

	if state != circuit.StateHalfOpen {
		t.Errorf("Tie should resolve to half_open, got %s", state)
	}
	if consensus {
		t.Error("Tie should not count as consensus")
	}
	if !almostEqual(confidence, 0.5) {
		t.Errorf("Expected confidence 0.5, got %f", confidence)
	}
}

func TestMajorityIgnoresPendingAndTimeout(t *testing.T) {
	votes := map[string]Vote{
		"instance-1": VoteOpen,
		"instance-2": VoteOpen,
		"instance-3": VotePending,
		"instance-4": VoteTimeout,
	}

	state, confidence, consensus := MajorityStrategy{}.Tally(circuit.StateOpen, votes, nil)

	if state != circuit.StateOpen {
		t.Errorf("Expected open, got %s", state)
	}
	if !consensus {
		t.Error("Pending and timeout votes should not block consensus")
	}
	if !almostEqual(confidence, 1.0) {
		t.Errorf("Confidence should only count valid votes, got %f", confidence)
	}
}

func TestMajorityNoValidVotes(t *testing.T) {
	votes := map[string]Vote{
		"instance-1": VotePending,
		"instance-2": VoteTimeout,
	}

	state, confidence, consensus := MajorityStrategy{}.Tally(circuit.StateOpen, votes, nil)

	if state != circuit.StateHalfOpen {
		t.Errorf("No valid votes should resolve to half_open, got %s", state)
	}
	if consensus {
		t.Error("No valid votes should not count as consensus")
	}
	if !almostEqual(confidence, 0.5) {
		t.Errorf("Expected confidence 0.5, got %f", confidence)
	}
}

func TestMajorityUnanimousClose(t *testing.T) {
	votes := map[string]Vote{
		"instance-1": VoteClosed,
		"instance-2": VoteClosed,
		"instance-3": VoteClosed,
	}

	state, confidence, consensus := MajorityStrategy{}.Tally(circuit.StateClosed, votes, nil)

	if state != circuit.StateClosed {
		t.Errorf("Expected closed, got %s", state)
	}
	if !consensus || !almostEqual(confidence, 1.0) {
		t.Errorf("Unanimous vote should give consensus at 1.0, got %v %f", consensus, confidence)
	}
}

func TestWeightedVoteFavorsHeavyInstance(t *testing.T) {
	votes := map[string]Vote{
		"heavy": VoteOpen,
		"light": VoteClosed,
	}
	weights := map[string]float64{
		"heavy": 3.0,
		"light": 1.0,
	}

	state, confidence, consensus := WeightedStrategy{}.Tally(circuit.StateOpen, votes, weights)

	if state != circuit.StateOpen {
		t.Errorf("Heavy instance should carry the vote, got %s", state)
	}
	if !consensus {
		t.Error("Weighted majority should reach consensus")
	}
	if !almostEqual(confidence, 0.75) {
		t.Errorf("Expected confidence 0.75, got %f", confidence)
	}
}

func TestWeightedVoteFloorsTinyWeights(t *testing.T) {
	votes := map[string]Vote{
		"a": VoteOpen,
		"b": VoteClosed,
	}
	weights := map[string]float64{
		"a": 0.05, // floored to 0.1
		"b": 0.1,
	}

	state, _, consensus := WeightedStrategy{}.Tally(circuit.StateOpen, votes, weights)

	if state != circuit.StateHalfOpen || consensus {
		t.Errorf("Equal floored weights should tie to half_open, got %s consensus=%v", state, consensus)
	}
}

func TestWeightedVoteDefaultsUnknownVoters(t *testing.T) {
	votes := map[string]Vote{
		"known":   VoteClosed,
		"unknown": VoteOpen,
	}
	weights := map[string]float64{
		"known": 1.0,
	}

	state, _, consensus := WeightedStrategy{}.Tally(circuit.StateClosed, votes, weights)

	// Unknown voter weighs 1.0, so this is an even split
	if state != circuit.StateHalfOpen || consensus {
		t.Errorf("Expected half_open tie, got %s consensus=%v", state, consensus)
	}
}

func TestNewStrategySelection(t *testing.T) {
	if NewStrategy("weighted").Name() != "weighted" {
		t.Error("Should select weighted strategy")
	}
	if NewStrategy("majority").Name() != "majority" {
		t.Error("Should select majority strategy")
	}
	if NewStrategy("").Name() != "majority" {
		t.Error("Unknown strategy should default to majority")
	}
}
