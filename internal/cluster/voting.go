package cluster

import (
	"broker-resilience/internal/circuit"
)

// VotingStrategy tallies a completed round. Pending and timed-out votes
// are excluded from the denominator; a strict majority of the remainder
// carries the decision. Without a majority the tally falls back to
// half-open with 0.5 confidence and no consensus.
type VotingStrategy interface {
	Name() string
	Tally(proposed circuit.State, votes map[string]Vote, weights map[string]float64) (decision circuit.State, confidence float64, consensus bool)
}

// NewStrategy returns the strategy for a config name. Unknown names
// fall back to majority.
func NewStrategy(name string) VotingStrategy {
	if name == "weighted" {
		return WeightedStrategy{}
	}
	return MajorityStrategy{}
}

// stateForVote maps a concrete vote onto the breaker state it endorses.
func stateForVote(v Vote) circuit.State {
	switch v {
	case VoteOpen:
		return circuit.StateOpen
	case VoteClosed:
		return circuit.StateClosed
	default:
		return circuit.StateHalfOpen
	}
}

// MajorityStrategy counts each valid vote equally.
type MajorityStrategy struct{}

func (MajorityStrategy) Name() string { return "majority" }

func (MajorityStrategy) Tally(proposed circuit.State, votes map[string]Vote, weights map[string]float64) (circuit.State, float64, bool) {
	counts := make(map[Vote]int)
	valid := 0
	for _, v := range votes {
		if v == VotePending || v == VoteTimeout {
			continue
		}
		counts[v]++
		valid++
	}

	if valid == 0 {
		return circuit.StateHalfOpen, 0.5, false
	}

	for vote, n := range counts {
		if n*2 > valid {
			return stateForVote(vote), float64(n) / float64(valid), true
		}
	}

	// Tie or fragmented vote: conservative middle ground
	return circuit.StateHalfOpen, 0.5, false
}

// WeightedStrategy weighs each vote by the voter's load factor.
// Unknown voters weigh 1.0; non-positive factors are floored at 0.1 so
// an idle instance still counts.
type WeightedStrategy struct{}

func (WeightedStrategy) Name() string { return "weighted" }

func (WeightedStrategy) Tally(proposed circuit.State, votes map[string]Vote, weights map[string]float64) (circuit.State, float64, bool) {
	counts := make(map[Vote]float64)
	total := 0.0
	for voter, v := range votes {
		if v == VotePending || v == VoteTimeout {
			continue
		}

		w, ok := weights[voter]
		if !ok {
			w = 1.0
		} else if w < 0.1 {
			w = 0.1
		}

		counts[v] += w
		total += w
	}

	if total == 0 {
		return circuit.StateHalfOpen, 0.5, false
	}

	for vote, w := range counts {
		if w*2 > total {
			return stateForVote(vote), w / total, true
		}
	}

	return circuit.StateHalfOpen, 0.5, false
}
