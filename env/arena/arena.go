// Package arena is an in-process stand-in for the zombie mission: a fenced
// arena where every zombie hit earns a reward and the mission stops on a
// time limit.
package arena

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/exp/rand"

	"zombie-dqn/env"
	"zombie-dqn/observation"
)

var ErrUnknownCommand = errors.New("unknown command")

// Arena launches missions. It is an env.Environment.
type Arena struct {
	cfg    Config
	rng    *rand.Rand
	logger zerolog.Logger

	// Clock returns the current time; tests replace it.
	Clock func() time.Time
}

// New creates an arena whose missions are drawn from rng.
func New(cfg Config, rng *rand.Rand, logger zerolog.Logger) (*Arena, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Arena{
		cfg:    cfg,
		rng:    rng,
		logger: logger.With().Str("component", "arena").Logger(),
		Clock:  time.Now,
	}, nil
}

// Start builds a fresh mission. It reports running once the start delay
// has elapsed.
func (a *Arena) Start(ctx context.Context) (env.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	rng := rand.New(rand.NewSource(a.rng.Uint64()))
	s := &Session{
		cfg:     a.cfg,
		world:   newWorld(a.cfg, rng),
		clock:   a.Clock,
		created: a.Clock(),
		logger:  a.logger,
	}
	a.logger.Debug().Int("zombies", len(s.world.zombies)).Msg("mission created")
	return s, nil
}

type command struct {
	action env.Action
	due    time.Time
}

// Session is one arena mission. Commands take effect Lag after they are
// sent and observations are produced every ObservationInterval; polling
// consumes them.
type Session struct {
	cfg    Config
	world  *world
	clock  func() time.Time
	logger zerolog.Logger

	created  time.Time
	began    time.Time
	lastTick time.Time
	lastObs  time.Time
	running  bool
	ended    bool
	closed   bool

	pending []command
	obs     []byte
	hasObs  bool
	rewards []float64
	errs    []string
}

// advance brings the mission up to now.
func (s *Session) advance() {
	if s.ended || s.closed {
		return
	}
	now := s.clock()
	if !s.running {
		if now.Sub(s.created) < s.cfg.StartDelay {
			return
		}
		s.running = true
		s.began, s.lastTick = now, now
		s.lastObs = now.Add(-s.cfg.ObservationInterval)
	}

	for len(s.pending) > 0 && !s.pending[0].due.After(now) {
		cmd := s.pending[0]
		s.pending = s.pending[1:]
		if s.record(s.world.apply(cmd.action)) {
			return
		}
	}
	for now.Sub(s.lastTick) >= s.cfg.TickInterval {
		s.lastTick = s.lastTick.Add(s.cfg.TickInterval)
		if s.record(s.world.tick()) {
			return
		}
	}
	if now.Sub(s.began) >= s.cfg.TimeLimit {
		s.record(outcome{rewards: []float64{TimeUpReward}, ended: true, reason: "out of time"})
		return
	}
	if now.Sub(s.lastObs) >= s.cfg.ObservationInterval {
		s.obs, s.hasObs = s.snapshot(), true
		s.lastObs = now
	}
}

// record queues the outcome's rewards and reports whether the mission ended.
func (s *Session) record(o outcome) bool {
	s.rewards = append(s.rewards, o.rewards...)
	if o.ended {
		s.ended = true
		s.pending = nil
		s.logger.Debug().Str("reason", o.reason).Msg("mission ended")
	}
	return o.ended
}

// snapshot renders the agent's surroundings in the simulator's layout:
// floor level first, then rows of increasing z and columns of increasing x.
func (s *Session) snapshot() []byte {
	w := s.world
	r := s.cfg.ViewSize / 2
	floor := make([]string, 0, 2*s.cfg.ViewSize*s.cfg.ViewSize)
	for layer := 0; layer < 2; layer++ {
		for dz := -r; dz <= r; dz++ {
			for dx := -r; dx <= r; dx++ {
				floor = append(floor, w.block(layer, w.agent.Add(Point{X: dx, Z: dz})))
			}
		}
	}
	yaw := float64(w.yaw)
	life := w.life
	damage := w.damageTaken
	x := float64(w.agent.X) + 0.5
	z := float64(w.agent.Z) + 0.5
	raw, err := json.Marshal(observation.Payload{
		FloorAll:    floor,
		Yaw:         &yaw,
		Life:        &life,
		DamageTaken: &damage,
		XPos:        &x,
		ZPos:        &z,
	})
	if err != nil {
		s.errs = append(s.errs, err.Error())
		return nil
	}
	return raw
}

func (s *Session) IsRunning() bool {
	s.advance()
	return s.running && !s.ended && !s.closed
}

func (s *Session) PollObservation() ([]byte, bool) {
	s.advance()
	if !s.hasObs {
		return nil, false
	}
	raw := s.obs
	s.obs, s.hasObs = nil, false
	return raw, true
}

func (s *Session) PollErrors() []string {
	s.advance()
	errs := s.errs
	s.errs = nil
	return errs
}

func (s *Session) PollRewardEvents() []float64 {
	s.advance()
	rewards := s.rewards
	s.rewards = nil
	return rewards
}

// SendAction queues a command. Commands sent after the mission ended are
// dropped and reported through PollErrors.
func (s *Session) SendAction(label string) error {
	action, ok := env.ParseLabel(label)
	if !ok {
		return errors.Wrapf(ErrUnknownCommand, "%q", label)
	}
	s.advance()
	if s.ended || s.closed {
		s.errs = append(s.errs, "command "+label+" ignored: mission has ended")
		return nil
	}
	s.pending = append(s.pending, command{action: action, due: s.clock().Add(s.cfg.Lag)})
	return nil
}

func (s *Session) Close() error {
	s.closed = true
	s.pending = nil
	return nil
}
