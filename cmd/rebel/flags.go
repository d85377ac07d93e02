// cmd/rebel/flags.go
package main

import (
	"fmt"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/FairForge/rebel/internal/config"
	"github.com/FairForge/rebel/internal/scenario"
)

func flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to a YAML configuration file",
			EnvVars: []string{"REBEL_CONFIG"},
		},
		&cli.StringFlag{
			Name:  "scenario",
			Usage: "workload to run: " + strings.Join(scenario.Names(), ", "),
			Value: scenario.Default,
		},
		&cli.IntFlag{
			Name:  "concurrency",
			Usage: "maximum executions in flight",
		},
		&cli.Int64Flag{
			Name:  "iterations",
			Usage: "executions to run (0 = until stopped)",
		},
		&cli.DurationFlag{
			Name:  "duration",
			Usage: "how long to keep submitting (0 = until stopped)",
		},
		&cli.StringFlag{
			Name:  "cas",
			Usage: "CAS endpoint host:port",
		},
		&cli.StringFlag{
			Name:  "exec",
			Usage: "execution endpoint host:port (defaults to --cas)",
		},
		&cli.StringFlag{
			Name:  "instance",
			Usage: "remote instance name",
		},
		&cli.StringSliceFlag{
			Name:  "platform",
			Usage: "platform property name=value, repeatable",
		},
	}
}

// loadConfig layers the configuration file, REBEL_* variables and the
// flags that were set, in that order, and validates the result.
func loadConfig(c *cli.Context) (*config.Config, error) {
	if c.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", c.Args().Slice())
	}

	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return nil, err
	}
	if err := applyFlags(c, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyFlags(c *cli.Context, cfg *config.Config) error {
	if c.IsSet("scenario") {
		cfg.Load.Scenario = c.String("scenario")
	}
	if c.IsSet("concurrency") {
		cfg.Load.Concurrency = c.Int("concurrency")
	}
	if c.IsSet("iterations") {
		cfg.Load.Iterations = c.Int64("iterations")
	}
	if c.IsSet("duration") {
		cfg.Load.Duration = c.Duration("duration")
	}
	if c.IsSet("cas") {
		cfg.Remote.CASAddress = c.String("cas")
	}
	if c.IsSet("exec") {
		cfg.Remote.ExecAddress = c.String("exec")
	}
	if c.IsSet("instance") {
		cfg.Remote.InstanceName = c.String("instance")
	}

	for _, prop := range c.StringSlice("platform") {
		name, value, ok := strings.Cut(prop, "=")
		if !ok || name == "" {
			return fmt.Errorf("--platform %q: want name=value", prop)
		}
		if cfg.Execution.Platform == nil {
			cfg.Execution.Platform = make(map[string]string)
		}
		cfg.Execution.Platform[name] = value
	}
	return nil
}

func scenarioOptions(cfg *config.Config) scenario.Options {
	return scenario.Options{
		InputDir:        cfg.Load.InputDir,
		BlobSize:        int64(cfg.Load.BlobSize),
		DoNotCache:      cfg.Execution.DoNotCache,
		SkipCacheLookup: cfg.Execution.SkipCacheLookup,
		Timeout:         cfg.Execution.Timeout,
		Platform:        cfg.Execution.Platform,
	}
}
