package qlearning

import (
	"golang.org/x/exp/rand"
)

// Policy picks actions epsilon-greedily against a network. It only reads
// the network and keeps no exploration state of its own.
type Policy struct {
	net *Network
	rng *rand.Rand
}

func NewPolicy(net *Network, rng *rand.Rand) *Policy {
	return &Policy{net: net, rng: rng}
}

// Select returns a uniformly random action with probability epsilon and the
// greedy action otherwise.
func (p *Policy) Select(state []float64, epsilon float64) (int, error) {
	if p.rng.Float64() < epsilon {
		return p.rng.Intn(p.net.arch.Actions), nil
	}

	qValues, err := p.net.QValues(state)
	if err != nil {
		return 0, err
	}
	return Argmax(qValues), nil
}
