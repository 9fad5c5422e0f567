package training

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	. "github.com/smartystreets/goconvey/convey"
	"golang.org/x/exp/rand"

	"zombie-dqn/env"
	"zombie-dqn/env/arena"
	"zombie-dqn/observation"
	"zombie-dqn/stats"
)

type fakeClock struct {
	now   time.Time
	slept time.Duration
}

func (c *fakeClock) Now() time.Time {
	return c.now
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.now = c.now.Add(d)
	c.slept += d
	return nil
}

// fakeSession reports the same observation on every poll, or cycles
// through frames, and queues a fixed set of reward events per action.
type fakeSession struct {
	obs        []byte
	frames     [][]byte
	warmup     int
	endAfter   int
	reward     []float64
	errorEvery int
	// errorFrom attaches an error to every observation poll from this one on.
	errorFrom int
	// endOnPoll ends the mission, queueing endPenalty, on the first running
	// check after that many actions.
	endOnPoll  int
	endPenalty []float64

	polls   int
	actions []string
	rewards []float64
	errs    []string
	ended   bool
	closed  bool
}

func (s *fakeSession) IsRunning() bool {
	if s.warmup > 0 {
		s.warmup--
		return false
	}
	if s.endOnPoll > 0 && !s.ended && len(s.actions) >= s.endOnPoll {
		s.ended = true
		s.rewards = append(s.rewards, s.endPenalty...)
	}
	return !s.ended && !s.closed
}

func (s *fakeSession) PollObservation() ([]byte, bool) {
	s.polls++
	if s.errorEvery > 0 && s.polls%s.errorEvery == 0 {
		s.errs = append(s.errs, "lost frame")
	}
	if s.ended || s.warmup > 0 {
		return nil, false
	}
	if len(s.frames) > 0 {
		return s.frames[(s.polls-1)%len(s.frames)], true
	}
	return s.obs, true
}

func (s *fakeSession) PollErrors() []string {
	errs := s.errs
	s.errs = nil
	if s.errorFrom > 0 && s.polls+1 >= s.errorFrom {
		errs = append(errs, "connection reset")
	}
	return errs
}

func (s *fakeSession) PollRewardEvents() []float64 {
	rewards := s.rewards
	s.rewards = nil
	return rewards
}

func (s *fakeSession) SendAction(label string) error {
	if _, ok := env.ParseLabel(label); !ok {
		return errors.Errorf("unknown command %q", label)
	}
	s.actions = append(s.actions, label)
	s.rewards = append(s.rewards, s.reward...)
	if s.endAfter > 0 && len(s.actions) >= s.endAfter {
		s.ended = true
	}
	return nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeEnv struct {
	failures   int
	starts     int
	newSession func() *fakeSession
	sessions   []*fakeSession
}

func (e *fakeEnv) Start(ctx context.Context) (env.Session, error) {
	e.starts++
	if e.starts <= e.failures {
		return nil, errors.New("no client available")
	}
	s := e.newSession()
	e.sessions = append(e.sessions, s)
	return s, nil
}

type memorySink struct {
	records []stats.EpisodeRecord
	flushes int
}

func (m *memorySink) Record(r stats.EpisodeRecord) {
	m.records = append(m.records, r)
}

func (m *memorySink) Flush() error {
	m.flushes++
	return nil
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ObservationSize = 3
	cfg.HiddenSize = 8
	cfg.GlobalSteps = 40
	cfg.EpisodeSteps = 5
	cfg.BufferSize = 100
	cfg.BatchSize = 4
	cfg.Warmup = 8
	cfg.LearningRate = 1e-3
	cfg.EpsilonDecay = 0.9
	cfg.MinEpsilon = 0.2
	cfg.SyncEvery = 3
	cfg.LogEvery = 2
	return cfg
}

// openFloor is an observation with solid corners and nothing ahead of the
// agent, so no move ever looks terminal.
func openFloor(size int) []byte {
	return floorWith(size, 0, observation.Layers*size*size-1)
}

// floorWith is an unrotated observation with walls at the given flat indices.
func floorWith(size int, walls ...int) []byte {
	floor := make([]string, observation.Layers*size*size)
	for i := range floor {
		floor[i] = "air"
	}
	for _, i := range walls {
		floor[i] = observation.DefaultSolidBlock
	}
	yaw := 180.0
	raw, err := json.Marshal(observation.Payload{FloorAll: floor, Yaw: &yaw})
	So(err, ShouldBeNil)
	return raw
}

func newTestController(cfg Config, e env.Environment, opts ...Option) (*Controller, *memorySink, *fakeClock) {
	sink := &memorySink{}
	clock := &fakeClock{now: time.Unix(0, 0)}
	opts = append([]Option{WithClock(clock.Now, clock.Sleep)}, opts...)
	c, err := NewController(cfg, e, sink, zerolog.Nop(), opts...)
	So(err, ShouldBeNil)
	return c, sink, clock
}

func TestController(t *testing.T) {
	Convey("Given an environment whose episodes run to the step cap", t, func() {
		cfg := testConfig()
		obs := openFloor(cfg.ObservationSize)
		e := &fakeEnv{newSession: func() *fakeSession { return &fakeSession{obs: obs} }}
		c, sink, _ := newTestController(cfg, e)
		So(c.Phase(), ShouldEqual, Idle)

		err := c.Run(context.Background())
		So(err, ShouldBeNil)

		Convey("The run stops at the global step budget", func() {
			So(c.Phase(), ShouldEqual, Terminated)
			So(c.GlobalStep(), ShouldEqual, cfg.GlobalSteps)
			So(c.Episodes(), ShouldEqual, cfg.GlobalSteps/cfg.EpisodeSteps)
			So(c.LearnSteps(), ShouldEqual, cfg.GlobalSteps-cfg.Warmup)
			So(c.EpisodeEndSteps(), ShouldResemble, []int{5, 10, 15, 20, 25, 30, 35, 40})
		})

		Convey("Every session is used for one episode and closed", func() {
			So(len(e.sessions), ShouldEqual, c.Episodes())
			for _, s := range e.sessions {
				So(s.closed, ShouldBeTrue)
				So(len(s.actions), ShouldEqual, cfg.EpisodeSteps)
			}
		})

		Convey("Episodes reach the sink and history is flushed on schedule and at the end", func() {
			So(len(sink.records), ShouldEqual, c.Episodes())
			So(sink.flushes, ShouldEqual, c.Episodes()/cfg.LogEvery+1)
		})

		Convey("Epsilon never increases and settles on the floor", func() {
			prev := cfg.Epsilon
			for _, r := range sink.records {
				So(r.Epsilon, ShouldBeLessThanOrEqualTo, prev)
				So(r.Epsilon, ShouldBeGreaterThanOrEqualTo, cfg.MinEpsilon)
				prev = r.Epsilon
			}
			So(sink.records[0].Epsilon, ShouldEqual, cfg.Epsilon)
			So(c.Epsilon(), ShouldEqual, cfg.MinEpsilon)
		})

		Convey("Terminal transitions close every episode in the replay buffer", func() {
			contents := c.buffer.Contents()
			So(len(contents), ShouldEqual, cfg.GlobalSteps)
			for i, tr := range contents {
				So(tr.Done, ShouldEqual, (i+1)%cfg.EpisodeSteps == 0)
			}
		})
	})

	Convey("Given a sync interval of one learning step", t, func() {
		cfg := testConfig()
		cfg.SyncEvery = 1
		obs := openFloor(cfg.ObservationSize)
		c, _, _ := newTestController(cfg, &fakeEnv{newSession: func() *fakeSession { return &fakeSession{obs: obs} }})
		So(c.Run(context.Background()), ShouldBeNil)

		Convey("The target ends equal to the online network", func() {
			So(c.target.Equal(c.online), ShouldBeTrue)
		})
	})

	Convey("Given a sync interval longer than the run", t, func() {
		cfg := testConfig()
		cfg.SyncEvery = 1000
		obs := openFloor(cfg.ObservationSize)
		c, _, _ := newTestController(cfg, &fakeEnv{newSession: func() *fakeSession { return &fakeSession{obs: obs} }})
		initial := c.target.Clone()
		So(c.Run(context.Background()), ShouldBeNil)

		Convey("The target keeps its initial parameters while the online network learns", func() {
			So(c.target.Equal(initial), ShouldBeTrue)
			So(c.online.Equal(initial), ShouldBeFalse)
		})
	})

	Convey("Given missions that end after two actions and pay out per action", t, func() {
		cfg := testConfig()
		obs := openFloor(cfg.ObservationSize)
		e := &fakeEnv{newSession: func() *fakeSession {
			return &fakeSession{obs: obs, endAfter: 2, reward: []float64{TargetHitReward, -1}}
		}}
		c, sink, _ := newTestController(cfg, e)
		So(c.Run(context.Background()), ShouldBeNil)

		Convey("Episodes end with the mission and sum the reward events", func() {
			So(c.Episodes(), ShouldEqual, cfg.GlobalSteps/2)
			for _, r := range sink.records {
				So(r.Steps, ShouldEqual, 2)
				So(r.Return, ShouldEqual, 2*(TargetHitReward-1))
				So(r.Hits, ShouldEqual, 2)
			}
			for _, ret := range c.Returns() {
				So(ret, ShouldEqual, 198)
			}
		})

		Convey("The mission end marks the transition done", func() {
			contents := c.buffer.Contents()
			So(contents[len(contents)-1].Done, ShouldBeTrue)
			So(contents[len(contents)-2].Done, ShouldBeFalse)
			So(contents[len(contents)-1].Reward, ShouldEqual, TargetHitReward-1)
		})
	})

	Convey("Given missions whose end and penalty only show on the running check", t, func() {
		cfg := testConfig()
		obs := openFloor(cfg.ObservationSize)
		e := &fakeEnv{newSession: func() *fakeSession {
			return &fakeSession{obs: obs, endOnPoll: 3, endPenalty: []float64{-100}}
		}}
		c, sink, _ := newTestController(cfg, e)
		So(c.Run(context.Background()), ShouldBeNil)

		Convey("The penalty reaches the final transition and the return", func() {
			So(len(sink.records), ShouldBeGreaterThan, 0)
			for _, r := range sink.records {
				So(r.Steps, ShouldEqual, 3)
				So(r.Return, ShouldEqual, -100)
			}
			contents := c.buffer.Contents()
			last := contents[len(contents)-1]
			So(last.Done, ShouldBeTrue)
			So(last.Reward, ShouldEqual, -100)
			So(contents[len(contents)-2].Reward, ShouldEqual, 0)
		})

		Convey("No reward is left behind in a closed session", func() {
			for _, s := range e.sessions {
				So(s.closed, ShouldBeTrue)
				So(s.rewards, ShouldBeEmpty)
			}
		})
	})

	Convey("Given observations followed by poll errors", t, func() {
		cfg := testConfig()
		first := openFloor(cfg.ObservationSize)
		second := floorWith(cfg.ObservationSize, 0, 4, observation.Layers*cfg.ObservationSize*cfg.ObservationSize-1)
		e := &fakeEnv{newSession: func() *fakeSession {
			return &fakeSession{frames: [][]byte{first, second}, errorFrom: 3}
		}}
		c, _, _ := newTestController(cfg, e)
		So(c.Run(context.Background()), ShouldBeNil)

		Convey("Transitions after an error keep the last known observation", func() {
			enc, err := observation.NewEncoder(cfg.ObservationSize)
			So(err, ShouldBeNil)
			a, err := enc.Encode(first, true, nil)
			So(err, ShouldBeNil)
			b, err := enc.Encode(second, true, nil)
			So(err, ShouldBeNil)
			So(a.Equal(b), ShouldBeFalse)

			episode := c.buffer.Contents()[:cfg.EpisodeSteps]
			So(episode[0].State, ShouldResemble, a.Flatten())
			So(episode[0].NextState, ShouldResemble, b.Flatten())
			for _, tr := range episode[1:] {
				So(tr.State, ShouldResemble, b.Flatten())
				So(tr.NextState, ShouldResemble, b.Flatten())
			}
		})
	})

	Convey("Given an environment that reports errors and malformed payloads", t, func() {
		cfg := testConfig()
		e := &fakeEnv{newSession: func() *fakeSession {
			return &fakeSession{obs: []byte(`{"floorAll": ["air"]}`), errorEvery: 2}
		}}
		c, _, _ := newTestController(cfg, e)

		Convey("The errors are absorbed and training completes", func() {
			So(c.Run(context.Background()), ShouldBeNil)
			So(c.GlobalStep(), ShouldEqual, cfg.GlobalSteps)
		})
	})

	Convey("Given an environment that fails to start", t, func() {
		cfg := testConfig()
		obs := openFloor(cfg.ObservationSize)

		Convey("Exhausting the retries aborts the run", func() {
			e := &fakeEnv{failures: 10, newSession: func() *fakeSession { return &fakeSession{obs: obs} }}
			c, sink, clock := newTestController(cfg, e)
			err := c.Run(context.Background())
			So(errors.Is(err, ErrEnvironmentStart), ShouldBeTrue)
			So(e.starts, ShouldEqual, cfg.StartRetries)
			So(clock.slept, ShouldEqual, time.Duration(cfg.StartRetries-1)*cfg.StartBackoff)
			So(c.Phase(), ShouldEqual, Terminated)
			So(c.GlobalStep(), ShouldEqual, 0)
			So(sink.flushes, ShouldEqual, 1)
		})

		Convey("Recovering within the retries trains normally", func() {
			e := &fakeEnv{failures: cfg.StartRetries - 1, newSession: func() *fakeSession { return &fakeSession{obs: obs} }}
			c, _, _ := newTestController(cfg, e)
			So(c.Run(context.Background()), ShouldBeNil)
			So(c.GlobalStep(), ShouldEqual, cfg.GlobalSteps)
		})

		Convey("Sessions that never report running time out", func() {
			e := &fakeEnv{newSession: func() *fakeSession { return &fakeSession{obs: obs, warmup: 1 << 30} }}
			c, _, _ := newTestController(cfg, e)
			err := c.Run(context.Background())
			So(errors.Is(err, ErrEnvironmentStart), ShouldBeTrue)
			So(len(e.sessions), ShouldEqual, cfg.StartRetries)
			for _, s := range e.sessions {
				So(s.closed, ShouldBeTrue)
			}
		})

		Convey("Sessions that start late are awaited", func() {
			e := &fakeEnv{newSession: func() *fakeSession { return &fakeSession{obs: obs, warmup: 5} }}
			c, _, _ := newTestController(cfg, e)
			So(c.Run(context.Background()), ShouldBeNil)
			So(e.starts, ShouldEqual, c.Episodes())
		})
	})

	Convey("Given a cancelled context", t, func() {
		cfg := testConfig()
		obs := openFloor(cfg.ObservationSize)
		c, sink, _ := newTestController(cfg, &fakeEnv{newSession: func() *fakeSession { return &fakeSession{obs: obs} }})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		Convey("Run stops with the context error and still flushes", func() {
			err := c.Run(ctx)
			So(errors.Is(err, context.Canceled), ShouldBeTrue)
			So(c.GlobalStep(), ShouldEqual, 0)
			So(sink.flushes, ShouldEqual, 1)
		})
	})

	Convey("Given a checkpoint path", t, func() {
		cfg := testConfig()
		obs := openFloor(cfg.ObservationSize)
		path := filepath.Join(t.TempDir(), "weights.gob")
		newEnv := func() *fakeEnv {
			return &fakeEnv{newSession: func() *fakeSession { return &fakeSession{obs: obs} }}
		}
		c, _, _ := newTestController(cfg, newEnv(), WithCheckpoint(path))
		So(c.Run(context.Background()), ShouldBeNil)

		Convey("The online weights are saved and warm-start another controller", func() {
			_, err := os.Stat(path)
			So(err, ShouldBeNil)

			other := cfg
			other.Seed = 99
			warm, _, _ := newTestController(other, newEnv())
			So(warm.online.Equal(c.online), ShouldBeFalse)
			So(warm.LoadWeights(path), ShouldBeNil)
			So(warm.online.Equal(c.online), ShouldBeTrue)
			So(warm.target.Equal(c.online), ShouldBeTrue)
		})
	})

	Convey("Given the arena simulator on a shared clock", t, func() {
		cfg := testConfig()
		cfg.ObservationSize = 5
		cfg.GlobalSteps = 30
		cfg.EpisodeSteps = 10
		clock := &fakeClock{now: time.Unix(0, 0)}
		a, err := arena.New(arena.DefaultConfig(), rand.New(rand.NewSource(3)), zerolog.Nop())
		So(err, ShouldBeNil)
		a.Clock = clock.Now
		sink := &memorySink{}
		c, err := NewController(cfg, a, sink, zerolog.Nop(), WithClock(clock.Now, clock.Sleep))
		So(err, ShouldBeNil)

		Convey("Training runs through several missions", func() {
			So(c.Run(context.Background()), ShouldBeNil)
			So(c.GlobalStep(), ShouldBeGreaterThanOrEqualTo, cfg.GlobalSteps)
			So(c.Episodes(), ShouldBeGreaterThan, 1)
			So(len(sink.records), ShouldEqual, c.Episodes())
			for _, r := range sink.records {
				So(r.Steps, ShouldBeBetweenOrEqual, 1, cfg.EpisodeSteps)
			}
		})
	})
}

func TestTerminalMove(t *testing.T) {
	Convey("Given a grid with an opened wall ahead", t, func() {
		g := observation.NewGrid(5)
		g.Set(observation.FloorLayer, 1, 2, 1)

		Convey("Only a forward move counts as terminal", func() {
			So(isTerminalMove(g, env.Forward), ShouldBeTrue)
			So(isTerminalMove(g, env.Attack), ShouldBeFalse)
			So(isTerminalMove(g, env.TurnLeft), ShouldBeFalse)
		})

		Convey("An intact wall is not terminal", func() {
			g.Set(observation.UpperLayer, 1, 2, 1)
			So(isTerminalMove(g, env.Forward), ShouldBeFalse)
		})
	})

	Convey("An open floor is not terminal", t, func() {
		So(isTerminalMove(observation.NewGrid(5), env.Forward), ShouldBeFalse)
	})
}

func TestConfig(t *testing.T) {
	Convey("The default configuration is valid", t, func() {
		So(DefaultConfig().Validate(), ShouldBeNil)
	})

	Convey("Invalid settings are reported", t, func() {
		cases := map[string]func(*Config){
			"warmup below batch":  func(c *Config) { c.Warmup = c.BatchSize - 1 },
			"even window":         func(c *Config) { c.ObservationSize = 4 },
			"floor above epsilon": func(c *Config) { c.MinEpsilon = 0.5; c.Epsilon = 0.4 },
			"zero decay":          func(c *Config) { c.EpsilonDecay = 0 },
			"no retries":          func(c *Config) { c.StartRetries = 0 },
			"tiny buffer":         func(c *Config) { c.BufferSize = 1 },
			"negative settle":     func(c *Config) { c.SettleDelay = -time.Second },
		}
		for name, mutate := range cases {
			mutate := mutate
			Convey(name, func() {
				cfg := DefaultConfig()
				mutate(&cfg)
				So(errors.Is(cfg.Validate(), ErrInvalidConfig), ShouldBeTrue)
			})
		}
	})

	Convey("A controller refuses an invalid configuration", t, func() {
		cfg := DefaultConfig()
		cfg.Warmup = 1
		_, err := NewController(cfg, &fakeEnv{}, &memorySink{}, zerolog.Nop())
		So(errors.Is(err, ErrInvalidConfig), ShouldBeTrue)
	})
}
