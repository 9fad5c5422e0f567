// Package training runs the DQN loop against an environment session by
// session, polling the simulator between actions.
package training

import (
	"context"
	"math"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"

	"zombie-dqn/env"
	"zombie-dqn/observation"
	"zombie-dqn/qlearning"
	"zombie-dqn/stats"
)

// TargetHitReward is the reward the mission grants for damaging a zombie.
const TargetHitReward = 100

// averageWindow is the number of recent episodes in the reported average.
const averageWindow = 10

var (
	ErrEnvironmentStart = errors.New("environment failed to start")
	errStartTimeout     = errors.New("session did not report running in time")
)

// Phase is the controller state.
type Phase int

const (
	Idle Phase = iota
	EpisodeStart
	Stepping
	EpisodeEnd
	Terminated
)

func (p Phase) String() string {
	switch p {
	case Idle:
		return "Idle"
	case EpisodeStart:
		return "EpisodeStart"
	case Stepping:
		return "Stepping"
	case EpisodeEnd:
		return "EpisodeEnd"
	case Terminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// Sink receives finished episodes and persists the run's history.
type Sink interface {
	Record(stats.EpisodeRecord)
	Flush() error
}

// Option customizes a Controller.
type Option func(*Controller)

// WithCheckpoint saves the online weights to path at every flush.
func WithCheckpoint(path string) Option {
	return func(c *Controller) { c.checkpoint = path }
}

// WithClock replaces the time source and the sleep function.
func WithClock(now func() time.Time, sleep func(context.Context, time.Duration) error) Option {
	return func(c *Controller) {
		c.now = now
		c.sleep = sleep
	}
}

// Controller owns the networks, the replay buffer and the exploration rate,
// and drives one environment session at a time.
type Controller struct {
	cfg    Config
	env    env.Environment
	sink   Sink
	logger zerolog.Logger

	online  *qlearning.Network
	target  *qlearning.Network
	policy  *qlearning.Policy
	learner *qlearning.Learner
	buffer  *qlearning.ReplayBuffer
	encoder *observation.Encoder

	now        func() time.Time
	sleep      func(context.Context, time.Duration) error
	checkpoint string

	phase      Phase
	episode    int
	globalStep int
	learnSteps int
	epsilon    float64
	returns    []float64
	steps      []int
}

// NewController validates cfg and builds the networks from cfg.Seed.
func NewController(cfg Config, environment env.Environment, sink Sink, logger zerolog.Logger, opts ...Option) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	encoder, err := observation.NewEncoder(cfg.ObservationSize, cfg.SolidBlocks...)
	if err != nil {
		return nil, err
	}

	seeds := rand.New(rand.NewSource(cfg.Seed))
	arch := qlearning.Arch{
		Inputs:  observation.Layers * encoder.Size() * encoder.Size(),
		Hidden:  cfg.HiddenSize,
		Actions: env.NumActions,
	}
	online, err := qlearning.NewNetwork(arch, rand.New(rand.NewSource(seeds.Uint64())))
	if err != nil {
		return nil, err
	}
	target := online.Clone()
	learner, err := qlearning.NewLearner(online, target, qlearning.LearnerConfig{
		BatchSize:    cfg.BatchSize,
		Discount:     cfg.Discount,
		LearningRate: cfg.LearningRate,
	})
	if err != nil {
		return nil, err
	}
	buffer, err := qlearning.NewReplayBuffer(cfg.BufferSize, rand.New(rand.NewSource(seeds.Uint64())))
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:     cfg,
		env:     environment,
		sink:    sink,
		logger:  logger.With().Str("component", "controller").Logger(),
		online:  online,
		target:  target,
		policy:  qlearning.NewPolicy(online, rand.New(rand.NewSource(seeds.Uint64()))),
		learner: learner,
		buffer:  buffer,
		encoder: encoder,
		now:     time.Now,
		sleep:   sleepContext,
		epsilon: cfg.Epsilon,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// LoadWeights warm-starts both networks from a checkpoint.
func (c *Controller) LoadWeights(path string) error {
	if err := c.online.LoadWeights(path); err != nil {
		return err
	}
	return qlearning.SyncTarget(c.online, c.target)
}

// Phase returns the current controller state.
func (c *Controller) Phase() Phase {
	return c.phase
}

func (c *Controller) Epsilon() float64 {
	return c.epsilon
}

func (c *Controller) GlobalStep() int {
	return c.globalStep
}

func (c *Controller) LearnSteps() int {
	return c.learnSteps
}

func (c *Controller) Episodes() int {
	return c.episode
}

// Returns lists every finished episode's return.
func (c *Controller) Returns() []float64 {
	return append([]float64(nil), c.returns...)
}

// EpisodeEndSteps lists the global step count at the end of every episode.
func (c *Controller) EpisodeEndSteps() []int {
	return append([]int(nil), c.steps...)
}

// episodeState accumulates one episode.
type episodeState struct {
	start time.Time
	steps int
	ret   float64
	loss  float64
	hits  int
	done  bool
}

// Run trains until the global step budget is spent. Environment start
// failures, learning failures and cancellation end the run early; the
// history collected so far is flushed either way.
func (c *Controller) Run(ctx context.Context) error {
	c.phase = Idle
	began := c.now()
	c.logger.Info().
		Int("globalSteps", c.cfg.GlobalSteps).
		Int("inputs", c.online.Arch().Inputs).
		Int("hidden", c.online.Arch().Hidden).
		Float64("epsilon", c.epsilon).
		Msg("training started")

	var runErr error
	for c.globalStep < c.cfg.GlobalSteps {
		c.phase = EpisodeStart
		sess, err := c.startEpisode(ctx)
		if err != nil {
			runErr = err
			break
		}

		c.phase = Stepping
		ep, err := c.runEpisode(ctx, sess)
		if cerr := sess.Close(); cerr != nil {
			c.logger.Warn().Err(cerr).Msg("failed to close session")
		}

		c.phase = EpisodeEnd
		c.endEpisode(ep, began)
		if err != nil {
			runErr = err
			break
		}
	}

	c.phase = Terminated
	if err := c.flush(); err != nil {
		c.logger.Error().Err(err).Msg("failed to save run history")
		if runErr == nil {
			runErr = err
		}
	}
	if runErr != nil {
		c.logger.Error().Err(runErr).Int("globalStep", c.globalStep).Msg("training stopped")
		return runErr
	}
	c.logger.Info().
		Int("episodes", c.episode).
		Int("globalStep", c.globalStep).
		Float64("avgReturn", stats.MeanOfLast(c.returns, averageWindow)).
		Msg("training finished")
	return nil
}

// startEpisode resets the environment until a session reports running.
func (c *Controller) startEpisode(ctx context.Context) (env.Session, error) {
	var lastErr error
	for attempt := 1; attempt <= c.cfg.StartRetries; attempt++ {
		sess, err := c.env.Start(ctx)
		if err == nil {
			if err = c.awaitRunning(ctx, sess); err == nil {
				return sess, nil
			}
			if cerr := sess.Close(); cerr != nil {
				c.logger.Warn().Err(cerr).Msg("failed to close session")
			}
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
		c.logger.Warn().Err(err).Int("attempt", attempt).Msg("failed to start episode")
		if attempt < c.cfg.StartRetries {
			if err := c.sleep(ctx, c.cfg.StartBackoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, errors.Wrapf(ErrEnvironmentStart, "after %d attempts: %v", c.cfg.StartRetries, lastErr)
}

func (c *Controller) awaitRunning(ctx context.Context, sess env.Session) error {
	deadline := c.now().Add(c.cfg.StartTimeout)
	for !sess.IsRunning() {
		c.logPollErrors(sess.PollErrors())
		if !c.now().Before(deadline) {
			return errStartTimeout
		}
		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return err
		}
	}
	return nil
}

func (c *Controller) runEpisode(ctx context.Context, sess env.Session) (episodeState, error) {
	ep := episodeState{start: c.now()}
	c.encoder.Reset()
	obs, err := c.observe(ctx, sess)
	if err != nil {
		return ep, err
	}
	for !ep.done {
		if obs, err = c.step(ctx, sess, obs, &ep); err != nil {
			return ep, err
		}
	}
	return ep, nil
}

// step performs one action and stores the resulting transition.
func (c *Controller) step(ctx context.Context, sess env.Session, obs observation.Grid, ep *episodeState) (observation.Grid, error) {
	state := obs.Flatten()
	idx, err := c.policy.Select(state, c.epsilon)
	if err != nil {
		return obs, err
	}
	action := env.Action(idx)
	if err := sess.SendAction(action.Label()); err != nil {
		c.logger.Warn().Err(err).Stringer("action", action).Msg("failed to send action")
	}
	c.logger.Debug().Stringer("action", action).Int("step", ep.steps+1).Msg("action taken")
	if err := c.sleep(ctx, c.cfg.SettleDelay); err != nil {
		return obs, err
	}

	ep.steps++
	done := ep.steps >= c.cfg.EpisodeSteps || isTerminalMove(obs, action)
	if done {
		if err := c.sleep(ctx, c.cfg.TerminalSettle); err != nil {
			return obs, err
		}
	}

	c.logPollErrors(sess.PollErrors())
	next, err := c.observe(ctx, sess)
	if err != nil {
		return obs, err
	}

	reward := c.collectRewards(sess, ep)
	if !sess.IsRunning() {
		// The mission may end during this poll; its final reward is queued then.
		reward += c.collectRewards(sess, ep)
		done = true
	}
	ep.ret += reward
	ep.done = done

	c.buffer.Add(qlearning.Transition{
		State:     state,
		Action:    idx,
		NextState: next.Flatten(),
		Reward:    reward,
		Done:      done,
	})
	c.globalStep++

	if c.globalStep > c.cfg.Warmup && c.globalStep%c.cfg.LearnEvery == 0 {
		loss, err := c.learn()
		if err != nil {
			return next, err
		}
		ep.loss += loss
	}
	return next, nil
}

// collectRewards sums the reward events queued since the last poll.
func (c *Controller) collectRewards(sess env.Session, ep *episodeState) float64 {
	var reward float64
	for _, r := range sess.PollRewardEvents() {
		if r == TargetHitReward {
			ep.hits++
			c.logger.Debug().Int("step", ep.steps).Msg("hit zombie")
		}
		reward += r
	}
	return reward
}

// learn runs one update, decays epsilon and syncs the target on schedule.
func (c *Controller) learn() (float64, error) {
	batch, err := c.buffer.Sample(c.cfg.BatchSize)
	if err != nil {
		return 0, errors.Wrap(err, "failed to sample replay buffer")
	}
	loss, err := c.learner.Update(batch)
	if err != nil {
		return 0, errors.Wrap(err, "failed to update online network")
	}
	c.epsilon = math.Max(c.epsilon*c.cfg.EpsilonDecay, c.cfg.MinEpsilon)
	c.learnSteps++
	if c.learnSteps%c.cfg.SyncEvery == 0 {
		if err := qlearning.SyncTarget(c.online, c.target); err != nil {
			return 0, err
		}
		c.logger.Debug().Int("learnSteps", c.learnSteps).Msg("target network synced")
	}
	return loss, nil
}

// observe polls until a new observation arrives, the session stops or the
// observation timeout passes. Without a new observation the last one stands.
func (c *Controller) observe(ctx context.Context, sess env.Session) (observation.Grid, error) {
	deadline := c.now().Add(c.cfg.ObservationTimeout)
	for {
		errs := sess.PollErrors()
		raw, ok := sess.PollObservation()
		grid, err := c.encoder.Encode(raw, ok, errs)
		if err != nil {
			c.logger.Warn().Err(err).Msg("could not load grid")
			return grid, nil
		}
		if ok {
			c.logVitals(c.encoder.Payload())
			return grid, nil
		}
		if !sess.IsRunning() {
			return grid, nil
		}
		if !c.now().Before(deadline) {
			c.logger.Warn().Dur("timeout", c.cfg.ObservationTimeout).Msg("no observation received")
			return grid, nil
		}
		if err := c.sleep(ctx, c.cfg.PollInterval); err != nil {
			return grid, err
		}
	}
}

// logVitals reports the agent's state when the payload carries it.
func (c *Controller) logVitals(p observation.Payload) {
	ev := c.logger.Debug()
	if p.Life != nil {
		ev = ev.Float64("life", *p.Life)
	}
	if p.DamageTaken != nil {
		ev = ev.Float64("damageTaken", *p.DamageTaken)
	}
	if p.XPos != nil && p.ZPos != nil {
		ev = ev.Float64("x", *p.XPos).Float64("z", *p.ZPos)
	}
	ev.Msg("observation")
}

func (c *Controller) logPollErrors(errs []string) {
	for _, e := range errs {
		c.logger.Warn().Str("error", e).Msg("environment error")
	}
}

// isTerminalMove reports a forward move into a cell that is open at feet
// level but solid at floor level, the only sign of leaving the arena the
// grid gives. It is a heuristic on the pre-action observation.
func isTerminalMove(obs observation.Grid, action env.Action) bool {
	return action == env.Forward &&
		obs.Ahead(observation.FloorLayer) == 1 &&
		obs.Ahead(observation.UpperLayer) == 0
}

func (c *Controller) endEpisode(ep episodeState, began time.Time) {
	c.episode++
	c.returns = append(c.returns, ep.ret)
	c.steps = append(c.steps, c.globalStep)

	end := c.now()
	c.sink.Record(stats.EpisodeRecord{
		Episode:     c.episode,
		StartTime:   ep.start,
		EndTime:     end,
		Return:      ep.ret,
		Steps:       ep.steps,
		GlobalSteps: c.globalStep,
		Loss:        ep.loss,
		Epsilon:     c.epsilon,
		Hits:        ep.hits,
	})
	c.logger.Info().
		Int("episode", c.episode).
		Int("steps", c.globalStep).
		Float64("minutes", end.Sub(began).Minutes()).
		Float64("loss", ep.loss).
		Float64("return", ep.ret).
		Float64("avgReturn", stats.MeanOfLast(c.returns, averageWindow)).
		Float64("epsilon", c.epsilon).
		Msg("episode finished")

	if c.episode%c.cfg.LogEvery == 0 {
		if err := c.flush(); err != nil {
			c.logger.Warn().Err(err).Msg("failed to save run history")
		}
	}
}

func (c *Controller) flush() error {
	if err := c.sink.Flush(); err != nil {
		return err
	}
	if c.checkpoint == "" {
		return nil
	}
	return c.online.SaveWeights(c.checkpoint)
}
