package main

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/exp/rand"

	"zombie-dqn/env"
	"zombie-dqn/env/arena"
	"zombie-dqn/env/bridge"
	"zombie-dqn/stats"
	"zombie-dqn/training"
)

const (
	ConfigFile  = "config.yaml"
	WeightsFile = "weights.gob"

	// summaryWindow is the number of final episodes averaged in the run summary.
	summaryWindow = 10
)

func TrainCommand() *cobra.Command {
	vp := viper.New()
	var configPath string

	cmd := &cobra.Command{
		Use:   "train",
		Short: "Run a training session and save its history under the output directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := LoadConfig(vp, configPath)
			if err != nil {
				return err
			}
			logger, err := newLogger(cfg.Log, cmd.ErrOrStderr())
			if err != nil {
				return errors.Wrap(err, "invalid log level")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			_, err = Train(ctx, cfg, logger)
			return err
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&configPath, "config", "c", "", "path to a YAML config file")
	flags.String("env", EnvArena, "environment to train in: arena or bridge")
	flags.String("bridge-url", "", "websocket url of the simulator bridge")
	flags.StringP("out", "o", filepath.Join("data", "runs"), "directory that receives run directories")
	flags.Uint64("seed", 1, "seed of every random source")
	flags.String("init-weights", "", "checkpoint to warm-start from")
	flags.String("log-level", "info", "log level")

	for key, name := range map[string]string{
		"env":           "env",
		"bridge.url":    "bridge-url",
		"out":           "out",
		"training.seed": "seed",
		"init_weights":  "init-weights",
		"log.level":     "log-level",
	} {
		_ = vp.BindPFlag(key, flags.Lookup(name))
	}
	return cmd
}

// Train runs one session in a fresh directory under cfg.Out and returns
// that directory. An interrupted run still leaves its history behind and
// is not reported as an error.
func Train(ctx context.Context, cfg Config, logger zerolog.Logger) (string, error) {
	runDir := filepath.Join(cfg.Out, uuid.NewString())
	if err := os.MkdirAll(runDir, 0755); err != nil {
		return "", errors.Wrap(err, "failed to create run directory")
	}
	if err := cfg.Save(filepath.Join(runDir, ConfigFile)); err != nil {
		return runDir, err
	}
	logger = logger.With().Str("run", filepath.Base(runDir)).Logger()

	environment, err := newEnvironment(cfg, logger)
	if err != nil {
		return runDir, err
	}
	history := stats.New(runDir)
	controller, err := training.NewController(cfg.Training, environment, history, logger,
		training.WithCheckpoint(filepath.Join(runDir, WeightsFile)))
	if err != nil {
		return runDir, err
	}
	if cfg.InitWeights != "" {
		if err := controller.LoadWeights(cfg.InitWeights); err != nil {
			return runDir, errors.Wrapf(err, "failed to warm-start from %s", cfg.InitWeights)
		}
		logger.Info().Str("weights", cfg.InitWeights).Msg("warm start")
	}

	logger.Info().Str("env", cfg.Env).Str("dir", runDir).Msg("run created")
	err = controller.Run(ctx)
	logger.Info().
		Str("dir", history.Dir()).
		Int("episodes", len(history.Episodes())).
		Float64("avgReturn", history.AverageReturn(summaryWindow)).
		Float64("maxReturn", history.MaxReturn()).
		Msg("run summary")
	if errors.Is(err, context.Canceled) {
		logger.Warn().Int("globalStep", controller.GlobalStep()).Msg("training interrupted")
		return runDir, nil
	}
	return runDir, err
}

func newEnvironment(cfg Config, logger zerolog.Logger) (env.Environment, error) {
	switch cfg.Env {
	case EnvBridge:
		return bridge.New(cfg.Bridge.URL, cfg.Bridge.Timeout, logger), nil
	case EnvArena:
		// The arena draws from its own stream so mission layouts do not shift
		// when the network size changes.
		rng := rand.New(rand.NewSource(cfg.Training.Seed + 1))
		return arena.New(cfg.Arena, rng, logger)
	}
	return nil, errors.Errorf("unknown environment %q", cfg.Env)
}
