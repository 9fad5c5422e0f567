package qlearning

import (
	"math"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	// NumActions is the size of the discrete action set.
	NumActions = 4
	// DefaultHiddenSize is the width of the hidden layer.
	DefaultHiddenSize = 100
)

// paramNames fixes the order in which parameters are walked, saved and copied.
var paramNames = []string{"w1", "b1", "w2", "b2"}

var ErrArchitectureMismatch = errors.New("network architectures differ")

// Arch describes the shape of a Q-network.
type Arch struct {
	Inputs  int
	Hidden  int
	Actions int
}

func (a Arch) validate() error {
	if a.Inputs <= 0 || a.Hidden <= 0 || a.Actions <= 0 {
		return errors.Errorf("invalid architecture %+v", a)
	}
	return nil
}

// Network is a flatten -> Linear -> ReLU -> Linear Q-value approximator.
// Its parameters live in plain tensors; every graph that uses them binds
// them before running.
type Network struct {
	arch   Arch
	w1, b1 *tensor.Dense
	w2, b2 *tensor.Dense

	// forward-only machines, one per batch size
	passes map[int]*forwardPass
}

type forwardPass struct {
	x      *gorgonia.Node
	params gorgonia.Nodes
	out    *gorgonia.Node
	vm     gorgonia.VM
}

// NewNetwork creates a network with Glorot-uniform weights and zero biases.
func NewNetwork(arch Arch, rng *rand.Rand) (*Network, error) {
	if err := arch.validate(); err != nil {
		return nil, err
	}

	return &Network{
		arch:   arch,
		w1:     glorotU(rng, arch.Inputs, arch.Hidden),
		b1:     tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(1, arch.Hidden)),
		w2:     glorotU(rng, arch.Hidden, arch.Actions),
		b2:     tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(1, arch.Actions)),
		passes: make(map[int]*forwardPass),
	}, nil
}

// glorotU draws a fanIn x fanOut matrix from U(-l, l), l = sqrt(6/(fanIn+fanOut)).
func glorotU(rng *rand.Rand, fanIn, fanOut int) *tensor.Dense {
	limit := math.Sqrt(6.0 / float64(fanIn+fanOut))
	backing := make([]float64, fanIn*fanOut)
	for i := range backing {
		backing[i] = (rng.Float64()*2 - 1) * limit
	}
	return tensor.New(tensor.WithShape(fanIn, fanOut), tensor.WithBacking(backing))
}

// Arch returns the network's shape.
func (n *Network) Arch() Arch {
	return n.arch
}

func (n *Network) params() []*tensor.Dense {
	return []*tensor.Dense{n.w1, n.b1, n.w2, n.b2}
}

// Clone returns an independent network holding a copy of n's parameters.
func (n *Network) Clone() *Network {
	return &Network{
		arch:   n.arch,
		w1:     n.w1.Clone().(*tensor.Dense),
		b1:     n.b1.Clone().(*tensor.Dense),
		w2:     n.w2.Clone().(*tensor.Dense),
		b2:     n.b2.Clone().(*tensor.Dense),
		passes: make(map[int]*forwardPass),
	}
}

// Equal reports whether both networks hold exactly the same parameters.
func (n *Network) Equal(other *Network) bool {
	if n.arch != other.arch {
		return false
	}
	theirs := other.params()
	for i, p := range n.params() {
		a := p.Data().([]float64)
		b := theirs[i].Data().([]float64)
		if len(a) != len(b) {
			return false
		}
		for j := range a {
			if a[j] != b[j] {
				return false
			}
		}
	}
	return true
}

// layers wires x -> relu(x·w1 + b1)·w2 + b2 on g. Biases are broadcast over
// the batch by multiplying a ones column with the bias row.
func layers(g *gorgonia.ExprGraph, x *gorgonia.Node, ps gorgonia.Nodes, batch int) (*gorgonia.Node, error) {
	backing := make([]float64, batch)
	for i := range backing {
		backing[i] = 1.0
	}
	ones := gorgonia.NewMatrix(g,
		tensor.Float64,
		gorgonia.WithShape(batch, 1),
		gorgonia.WithName("ones"),
		gorgonia.WithValue(tensor.New(tensor.WithShape(batch, 1), tensor.WithBacking(backing))))

	w1, b1, w2, b2 := ps[0], ps[1], ps[2], ps[3]

	// Hidden layer with ReLU
	h1, err := gorgonia.Mul(x, w1)
	if err != nil {
		return nil, err
	}
	bias1, err := gorgonia.Mul(ones, b1)
	if err != nil {
		return nil, err
	}
	if h1, err = gorgonia.Add(h1, bias1); err != nil {
		return nil, err
	}
	if h1, err = gorgonia.Rectify(h1); err != nil {
		return nil, err
	}

	// Output layer
	out, err := gorgonia.Mul(h1, w2)
	if err != nil {
		return nil, err
	}
	bias2, err := gorgonia.Mul(ones, b2)
	if err != nil {
		return nil, err
	}
	return gorgonia.Add(out, bias2)
}

// paramNodes declares one matrix node per parameter on g, bound to the
// current parameter tensors.
func (n *Network) paramNodes(g *gorgonia.ExprGraph) gorgonia.Nodes {
	nodes := make(gorgonia.Nodes, 0, len(paramNames))
	for i, p := range n.params() {
		nodes = append(nodes, gorgonia.NewMatrix(g,
			tensor.Float64,
			gorgonia.WithShape(p.Shape()...),
			gorgonia.WithName(paramNames[i]),
			gorgonia.WithValue(p)))
	}
	return nodes
}

func (n *Network) pass(batch int) (*forwardPass, error) {
	if fp, ok := n.passes[batch]; ok {
		return fp, nil
	}

	g := gorgonia.NewGraph()
	x := gorgonia.NewMatrix(g,
		tensor.Float64,
		gorgonia.WithShape(batch, n.arch.Inputs),
		gorgonia.WithName("x"),
		gorgonia.WithValue(tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(batch, n.arch.Inputs))))
	ps := n.paramNodes(g)
	out, err := layers(g, x, ps, batch)
	if err != nil {
		return nil, errors.Wrap(err, "building forward graph")
	}

	fp := &forwardPass{x: x, params: ps, out: out, vm: gorgonia.NewTapeMachine(g)}
	n.passes[batch] = fp
	return fp, nil
}

// Forward runs a forward pass on a row-major batch of observations and
// returns batch x Actions Q-values. No gradients are computed.
func (n *Network) Forward(states []float64, batch int) ([]float64, error) {
	if batch <= 0 || len(states) != batch*n.arch.Inputs {
		return nil, errors.Errorf("forward: %d values do not form a batch of %d x %d", len(states), batch, n.arch.Inputs)
	}

	fp, err := n.pass(batch)
	if err != nil {
		return nil, err
	}

	input := make([]float64, len(states))
	copy(input, states)
	if err := gorgonia.Let(fp.x, tensor.New(tensor.WithShape(batch, n.arch.Inputs), tensor.WithBacking(input))); err != nil {
		return nil, errors.Wrap(err, "binding input")
	}
	for i, p := range n.params() {
		if err := gorgonia.Let(fp.params[i], p); err != nil {
			return nil, errors.Wrapf(err, "binding %s", paramNames[i])
		}
	}

	defer fp.vm.Reset()
	if err := fp.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "forward pass")
	}

	predTensor, ok := fp.out.Value().(*tensor.Dense)
	if !ok {
		return nil, errors.New("invalid prediction tensor type")
	}
	predictions := make([]float64, batch*n.arch.Actions)
	copy(predictions, predTensor.Data().([]float64))
	return predictions, nil
}

// QValues returns the action values for a single observation.
func (n *Network) QValues(state []float64) ([]float64, error) {
	return n.Forward(state, 1)
}

// Argmax returns the index of the largest value; ties go to the lowest index.
func Argmax(values []float64) int {
	best := 0
	maxQ := math.Inf(-1)
	for i, v := range values {
		if v > maxQ {
			maxQ = v
			best = i
		}
	}
	return best
}

// SyncTarget overwrites every parameter of target with online's current value.
func SyncTarget(online, target *Network) error {
	if online.arch != target.arch {
		return errors.Wrapf(ErrArchitectureMismatch, "online %+v, target %+v", online.arch, target.arch)
	}
	dst := target.params()
	for i, src := range online.params() {
		if !src.Shape().Eq(dst[i].Shape()) {
			return errors.Wrapf(ErrArchitectureMismatch, "%s: %v vs %v", paramNames[i], src.Shape(), dst[i].Shape())
		}
		copy(dst[i].Data().([]float64), src.Data().([]float64))
	}
	return nil
}
