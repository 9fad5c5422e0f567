package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"zombie-dqn/env/arena"
	"zombie-dqn/env/bridge"
	"zombie-dqn/training"
)

const (
	EnvArena  = "arena"
	EnvBridge = "bridge"

	// EnvPrefix prefixes environment overrides, e.g. DQN_TRAINING_SEED.
	EnvPrefix = "DQN"
)

type BridgeConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Config is the full configuration of a training run.
type Config struct {
	Env         string          `mapstructure:"env" yaml:"env"`
	Out         string          `mapstructure:"out" yaml:"out"`
	InitWeights string          `mapstructure:"init_weights" yaml:"init_weights"`
	Log         LogConfig       `mapstructure:"log" yaml:"log"`
	Training    training.Config `mapstructure:"training" yaml:"training"`
	Arena       arena.Config    `mapstructure:"arena" yaml:"arena"`
	Bridge      BridgeConfig    `mapstructure:"bridge" yaml:"bridge"`
}

func DefaultConfig() Config {
	return Config{
		Env:      EnvArena,
		Out:      filepath.Join("data", "runs"),
		Log:      LogConfig{Level: "info", Format: "console"},
		Training: training.DefaultConfig(),
		Arena:    arena.DefaultConfig(),
		Bridge:   BridgeConfig{URL: "ws://127.0.0.1:10000/mission", Timeout: bridge.DefaultRequestTimeout},
	}
}

// LoadConfig layers the defaults, the YAML file at path (optional),
// DQN_* environment variables and any flags bound to vp.
func LoadConfig(vp *viper.Viper, path string) (Config, error) {
	base, err := yaml.Marshal(DefaultConfig())
	if err != nil {
		return Config{}, errors.Wrap(err, "failed to encode defaults")
	}
	vp.SetConfigType("yaml")
	if err := vp.ReadConfig(bytes.NewReader(base)); err != nil {
		return Config{}, errors.Wrap(err, "failed to load defaults")
	}
	if path != "" {
		vp.SetConfigFile(path)
		if err := vp.MergeInConfig(); err != nil {
			return Config{}, errors.Wrapf(err, "failed to read config %s", path)
		}
	}
	vp.SetEnvPrefix(EnvPrefix)
	vp.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	vp.AutomaticEnv()

	var cfg Config
	if err := vp.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "failed to decode config")
	}
	return cfg, cfg.Validate()
}

func (c Config) Validate() error {
	if err := c.Training.Validate(); err != nil {
		return err
	}
	switch c.Env {
	case EnvArena:
		if err := c.Arena.Validate(); err != nil {
			return err
		}
		if c.Arena.ViewSize != c.Training.ObservationSize {
			return errors.Errorf("arena view size %d differs from observation size %d",
				c.Arena.ViewSize, c.Training.ObservationSize)
		}
	case EnvBridge:
		if c.Bridge.URL == "" {
			return errors.New("bridge environment needs a url")
		}
	default:
		return errors.Errorf("unknown environment %q, want %s or %s", c.Env, EnvArena, EnvBridge)
	}
	return nil
}

// Save writes the effective configuration as YAML.
func (c Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return errors.Wrap(err, "failed to encode config")
	}
	if err := os.WriteFile(filename, data, 0644); err != nil {
		return errors.Wrap(err, "failed to write config")
	}
	return nil
}
