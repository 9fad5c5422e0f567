package qlearning

import (
	"math"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// LearnerConfig holds the optimisation hyperparameters.
type LearnerConfig struct {
	BatchSize    int
	Discount     float64
	LearningRate float64
}

// Learner trains the online network against bootstrapped targets produced by
// the target network. The target is evaluated on its own forward-only graph
// and enters the training graph as a constant, so no gradient reaches it.
type Learner struct {
	online *Network
	target *Network
	cfg    LearnerConfig

	g          *gorgonia.ExprGraph
	states     *gorgonia.Node
	mask       *gorgonia.Node
	tdTarget   *gorgonia.Node
	learnables gorgonia.Nodes
	loss       *gorgonia.Node
	lossVal    gorgonia.Value
	vm         gorgonia.VM
	solver     gorgonia.Solver
}

// NewLearner builds the training graph for a fixed batch size.
func NewLearner(online, target *Network, cfg LearnerConfig) (*Learner, error) {
	if online.arch != target.arch {
		return nil, errors.Wrapf(ErrArchitectureMismatch, "online %+v, target %+v", online.arch, target.arch)
	}
	if cfg.BatchSize <= 0 {
		return nil, errors.Errorf("batch size must be positive, got %d", cfg.BatchSize)
	}
	if cfg.LearningRate <= 0 {
		return nil, errors.Errorf("learning rate must be positive, got %v", cfg.LearningRate)
	}

	arch := online.arch
	g := gorgonia.NewGraph()
	l := &Learner{online: online, target: target, cfg: cfg, g: g}

	l.states = gorgonia.NewMatrix(g,
		tensor.Float64,
		gorgonia.WithShape(cfg.BatchSize, arch.Inputs),
		gorgonia.WithName("states"),
		gorgonia.WithValue(tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(cfg.BatchSize, arch.Inputs))))
	l.mask = gorgonia.NewMatrix(g,
		tensor.Float64,
		gorgonia.WithShape(cfg.BatchSize, arch.Actions),
		gorgonia.WithName("actionMask"),
		gorgonia.WithValue(tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(cfg.BatchSize, arch.Actions))))
	l.tdTarget = gorgonia.NewVector(g,
		tensor.Float64,
		gorgonia.WithShape(cfg.BatchSize),
		gorgonia.WithName("tdTarget"),
		gorgonia.WithValue(tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(cfg.BatchSize))))

	l.learnables = online.paramNodes(g)
	qValues, err := layers(g, l.states, l.learnables, cfg.BatchSize)
	if err != nil {
		return nil, errors.Wrap(err, "building training graph")
	}

	// Q(s, a) for the action actually taken
	taken := gorgonia.Must(gorgonia.Sum(gorgonia.Must(gorgonia.HadamardProd(qValues, l.mask)), 1))

	// MSE Loss
	diff := gorgonia.Must(gorgonia.Sub(taken, l.tdTarget))
	l.loss = gorgonia.Must(gorgonia.Mean(gorgonia.Must(gorgonia.Square(diff))))
	gorgonia.Read(l.loss, &l.lossVal)

	if _, err := gorgonia.Grad(l.loss, l.learnables...); err != nil {
		return nil, errors.Wrap(err, "symbolic differentiation")
	}

	l.vm = gorgonia.NewTapeMachine(g, gorgonia.BindDualValues(l.learnables...))
	l.solver = gorgonia.NewAdamSolver(gorgonia.WithLearnRate(cfg.LearningRate))
	return l, nil
}

// TDTargets computes r + discount * max_a' nextQ(s', a') * (1 - done) per row.
func TDTargets(nextQ, rewards []float64, dones []bool, actions int, discount float64) []float64 {
	targets := make([]float64, len(rewards))
	for i := range rewards {
		maxQ := math.Inf(-1)
		for j := 0; j < actions; j++ {
			if v := nextQ[i*actions+j]; v > maxQ {
				maxQ = v
			}
		}
		notDone := 1.0
		if dones[i] {
			notDone = 0
		}
		targets[i] = rewards[i] + discount*maxQ*notDone
	}
	return targets
}

// Update takes exactly one optimiser step on batch and returns the loss
// measured before the step.
func (l *Learner) Update(batch []Transition) (float64, error) {
	n := l.cfg.BatchSize
	if len(batch) != n {
		return 0, errors.Errorf("learner built for batch %d, got %d", n, len(batch))
	}
	arch := l.online.arch

	states := make([]float64, 0, n*arch.Inputs)
	nextStates := make([]float64, 0, n*arch.Inputs)
	mask := make([]float64, n*arch.Actions)
	rewards := make([]float64, n)
	dones := make([]bool, n)
	for i, t := range batch {
		if len(t.State) != arch.Inputs || len(t.NextState) != arch.Inputs {
			return 0, errors.Errorf("transition %d: observation size %d/%d, network expects %d", i, len(t.State), len(t.NextState), arch.Inputs)
		}
		if t.Action < 0 || t.Action >= arch.Actions {
			return 0, errors.Errorf("transition %d: action %d out of range", i, t.Action)
		}
		states = append(states, t.State...)
		nextStates = append(nextStates, t.NextState...)
		mask[i*arch.Actions+t.Action] = 1
		rewards[i] = t.Reward
		dones[i] = t.Done
	}

	nextQ, err := l.target.Forward(nextStates, n)
	if err != nil {
		return 0, errors.Wrap(err, "target forward")
	}
	targets := TDTargets(nextQ, rewards, dones, arch.Actions, l.cfg.Discount)

	l.pull()
	if err := gorgonia.Let(l.states, tensor.New(tensor.WithShape(n, arch.Inputs), tensor.WithBacking(states))); err != nil {
		return 0, errors.Wrap(err, "binding states")
	}
	if err := gorgonia.Let(l.mask, tensor.New(tensor.WithShape(n, arch.Actions), tensor.WithBacking(mask))); err != nil {
		return 0, errors.Wrap(err, "binding action mask")
	}
	if err := gorgonia.Let(l.tdTarget, tensor.New(tensor.WithShape(n), tensor.WithBacking(targets))); err != nil {
		return 0, errors.Wrap(err, "binding targets")
	}

	defer l.vm.Reset()
	if err := l.vm.RunAll(); err != nil {
		return 0, errors.Wrap(err, "backprop")
	}
	if err := l.solver.Step(gorgonia.NodesToValueGrads(l.learnables)); err != nil {
		return 0, errors.Wrap(err, "optimiser step")
	}
	l.push()

	loss, ok := l.lossVal.Data().(float64)
	if !ok {
		return 0, errors.Errorf("unexpected loss value %v", l.lossVal)
	}
	return loss, nil
}

// pull copies the network's parameters into the training nodes when the
// machine holds its own copies, so external writes (weight loading) are seen.
func (l *Learner) pull() {
	for i, p := range l.online.params() {
		if v, ok := l.learnables[i].Value().(*tensor.Dense); ok && v != p {
			copy(v.Data().([]float64), p.Data().([]float64))
		}
	}
}

// push mirrors the optimised node values back into the network.
func (l *Learner) push() {
	for i, p := range l.online.params() {
		if v, ok := l.learnables[i].Value().(*tensor.Dense); ok && v != p {
			copy(p.Data().([]float64), v.Data().([]float64))
		}
	}
}
