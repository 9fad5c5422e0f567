package qlearning

import (
	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
)

var ErrInsufficientSamples = errors.New("replay buffer holds fewer transitions than requested")

// Transition is a single step in the environment. Stored transitions are
// never mutated.
type Transition struct {
	State     []float64
	Action    int
	NextState []float64
	Reward    float64
	Done      bool
}

// ReplayBuffer is a fixed-capacity ring of transitions. Once full, each Add
// evicts the oldest entry.
type ReplayBuffer struct {
	buffer   []Transition
	maxSize  int
	position int
	size     int
	rng      *rand.Rand
}

// NewReplayBuffer creates an empty buffer holding at most maxSize transitions.
func NewReplayBuffer(maxSize int, rng *rand.Rand) (*ReplayBuffer, error) {
	if maxSize <= 0 {
		return nil, errors.New("capacity must be greater than zero")
	}
	return &ReplayBuffer{
		buffer:  make([]Transition, maxSize),
		maxSize: maxSize,
		rng:     rng,
	}, nil
}

// Add appends a copy of t, overwriting the oldest transition when full.
func (b *ReplayBuffer) Add(t Transition) {
	b.buffer[b.position] = Transition{
		State:     append([]float64(nil), t.State...),
		Action:    t.Action,
		NextState: append([]float64(nil), t.NextState...),
		Reward:    t.Reward,
		Done:      t.Done,
	}
	b.position = (b.position + 1) % b.maxSize
	if b.size < b.maxSize {
		b.size++
	}
}

// Len returns the number of stored transitions.
func (b *ReplayBuffer) Len() int {
	return b.size
}

// Capacity returns the maximum number of stored transitions.
func (b *ReplayBuffer) Capacity() int {
	return b.maxSize
}

// at maps a logical index (0 = oldest) onto the ring.
func (b *ReplayBuffer) at(i int) Transition {
	start := (b.position - b.size + b.maxSize) % b.maxSize
	return b.buffer[(start+i)%b.maxSize]
}

// Contents returns the stored transitions from oldest to newest.
func (b *ReplayBuffer) Contents() []Transition {
	out := make([]Transition, b.size)
	for i := range out {
		out[i] = b.at(i)
	}
	return out
}

// Sample returns batchSize distinct transitions chosen uniformly at random.
// Asking for more than Len() is a caller bug and yields ErrInsufficientSamples.
func (b *ReplayBuffer) Sample(batchSize int) ([]Transition, error) {
	if batchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", batchSize)
	}
	if batchSize > b.size {
		return nil, errors.Wrapf(ErrInsufficientSamples, "want %d, have %d", batchSize, b.size)
	}

	// Floyd's algorithm: batchSize distinct indices in O(batchSize).
	chosen := make(map[int]struct{}, batchSize)
	batch := make([]Transition, 0, batchSize)
	for j := b.size - batchSize; j < b.size; j++ {
		idx := b.rng.Intn(j + 1)
		if _, taken := chosen[idx]; taken {
			idx = j
		}
		chosen[idx] = struct{}{}
		batch = append(batch, b.at(idx))
	}
	return batch, nil
}
