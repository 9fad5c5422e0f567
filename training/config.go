package training

import (
	"time"

	"github.com/pkg/errors"

	"zombie-dqn/observation"
)

var ErrInvalidConfig = errors.New("invalid training config")

// Config holds the hyperparameters and timing of a training run.
type Config struct {
	ObservationSize int      `mapstructure:"observation_size" yaml:"observation_size"`
	HiddenSize      int      `mapstructure:"hidden_size" yaml:"hidden_size"`
	SolidBlocks     []string `mapstructure:"solid_blocks" yaml:"solid_blocks"`

	GlobalSteps  int     `mapstructure:"global_steps" yaml:"global_steps"`
	EpisodeSteps int     `mapstructure:"episode_steps" yaml:"episode_steps"`
	BufferSize   int     `mapstructure:"buffer_size" yaml:"buffer_size"`
	BatchSize    int     `mapstructure:"batch_size" yaml:"batch_size"`
	Discount     float64 `mapstructure:"discount" yaml:"discount"`
	LearningRate float64 `mapstructure:"learning_rate" yaml:"learning_rate"`
	Epsilon      float64 `mapstructure:"epsilon" yaml:"epsilon"`
	EpsilonDecay float64 `mapstructure:"epsilon_decay" yaml:"epsilon_decay"`
	MinEpsilon   float64 `mapstructure:"min_epsilon" yaml:"min_epsilon"`
	// Warmup is the number of global steps collected before learning starts.
	Warmup     int    `mapstructure:"warmup" yaml:"warmup"`
	LearnEvery int    `mapstructure:"learn_every" yaml:"learn_every"`
	SyncEvery  int    `mapstructure:"sync_every" yaml:"sync_every"`
	LogEvery   int    `mapstructure:"log_every" yaml:"log_every"`
	Seed       uint64 `mapstructure:"seed" yaml:"seed"`

	StartRetries       int           `mapstructure:"start_retries" yaml:"start_retries"`
	StartBackoff       time.Duration `mapstructure:"start_backoff" yaml:"start_backoff"`
	StartTimeout       time.Duration `mapstructure:"start_timeout" yaml:"start_timeout"`
	PollInterval       time.Duration `mapstructure:"poll_interval" yaml:"poll_interval"`
	ObservationTimeout time.Duration `mapstructure:"observation_timeout" yaml:"observation_timeout"`
	SettleDelay        time.Duration `mapstructure:"settle_delay" yaml:"settle_delay"`
	TerminalSettle     time.Duration `mapstructure:"terminal_settle" yaml:"terminal_settle"`
}

// DefaultConfig returns the settings of the zombie mission trainer.
func DefaultConfig() Config {
	return Config{
		ObservationSize: 5,
		HiddenSize:      100,
		SolidBlocks:     []string{observation.DefaultSolidBlock},

		GlobalSteps:  10000,
		EpisodeSteps: 100,
		BufferSize:   10000,
		BatchSize:    128,
		Discount:     0.9,
		LearningRate: 1e-4,
		Epsilon:      1,
		EpsilonDecay: 0.999,
		MinEpsilon:   0.1,
		Warmup:       500,
		LearnEvery:   1,
		SyncEvery:    100,
		LogEvery:     10,
		Seed:         1,

		StartRetries:       3,
		StartBackoff:       2 * time.Second,
		StartTimeout:       10 * time.Second,
		PollInterval:       100 * time.Millisecond,
		ObservationTimeout: 5 * time.Second,
		SettleDelay:        2 * time.Second,
		TerminalSettle:     2 * time.Second,
	}
}

// Validate reports the first setting that cannot produce a working run.
func (c Config) Validate() error {
	check := func(ok bool, format string, args ...interface{}) error {
		if ok {
			return nil
		}
		return errors.Wrapf(ErrInvalidConfig, format, args...)
	}
	for _, err := range []error{
		check(c.ObservationSize >= 3 && c.ObservationSize%2 == 1, "observation size must be odd and at least 3, got %d", c.ObservationSize),
		check(c.HiddenSize > 0, "hidden size must be positive, got %d", c.HiddenSize),
		check(c.GlobalSteps > 0, "global steps must be positive, got %d", c.GlobalSteps),
		check(c.EpisodeSteps > 0, "episode steps must be positive, got %d", c.EpisodeSteps),
		check(c.BatchSize > 0, "batch size must be positive, got %d", c.BatchSize),
		check(c.BufferSize >= c.BatchSize, "buffer size %d is below batch size %d", c.BufferSize, c.BatchSize),
		check(c.Warmup >= c.BatchSize, "warmup %d is below batch size %d", c.Warmup, c.BatchSize),
		check(c.Discount >= 0 && c.Discount <= 1, "discount must lie in [0, 1], got %g", c.Discount),
		check(c.LearningRate > 0, "learning rate must be positive, got %g", c.LearningRate),
		check(c.MinEpsilon >= 0 && c.MinEpsilon <= c.Epsilon && c.Epsilon <= 1, "epsilon %g and floor %g must satisfy 0 <= floor <= epsilon <= 1", c.Epsilon, c.MinEpsilon),
		check(c.EpsilonDecay > 0 && c.EpsilonDecay <= 1, "epsilon decay must lie in (0, 1], got %g", c.EpsilonDecay),
		check(c.LearnEvery > 0 && c.SyncEvery > 0 && c.LogEvery > 0, "step intervals must be positive"),
		check(c.StartRetries > 0, "start retries must be positive, got %d", c.StartRetries),
		check(c.PollInterval > 0, "poll interval must be positive, got %s", c.PollInterval),
		check(c.StartBackoff >= 0 && c.StartTimeout >= 0 && c.ObservationTimeout >= 0 &&
			c.SettleDelay >= 0 && c.TerminalSettle >= 0, "delays cannot be negative"),
	} {
		if err != nil {
			return err
		}
	}
	return nil
}
