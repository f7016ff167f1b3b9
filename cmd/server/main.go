package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pesio-ai/be-approval-engine/internal/config"
	"github.com/pesio-ai/be-approval-engine/internal/logger"
)

type cli struct {
	v   *viper.Viper
	cfg *config.Config
	log *logger.Logger
}

func setupFlags(cmd *cobra.Command, v *viper.Viper) error {
	cmd.Flags().String("config-file", "", "Path to config file.")
	cmd.Flags().Int("server.port", 0, "http port for rest endpoints")
	cmd.Flags().Int("server.grpc_port", 0, "grpc port")
	cmd.Flags().String("storage.driver", "", "storage implementation (memory or postgres)")
	cmd.Flags().String("service.log_level", "", "log level")

	// viper applies a bound flag only when it was set on the command line
	for _, name := range []string{"server.port", "server.grpc_port", "storage.driver", "service.log_level"} {
		if err := v.BindPFlag(name, cmd.Flags().Lookup(name)); err != nil {
			return err
		}
	}
	return nil
}

func (c *cli) setupConfig(cmd *cobra.Command, _ []string) error {
	configFile, err := cmd.Flags().GetString("config-file")
	if err != nil {
		return err
	}

	cfg, err := config.Load(c.v, configFile)
	if err != nil {
		return err
	}
	c.cfg = cfg

	level := cfg.Service.LogLevel
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	c.log = logger.New(logger.Config{
		Level:       level,
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})
	return nil
}

func (c *cli) run(cmd *cobra.Command, _ []string) error {
	c.log.Info().
		Str("service", c.cfg.Service.Name).
		Str("version", c.cfg.Service.Version).
		Str("environment", c.cfg.Service.Environment).
		Str("storage", string(c.cfg.Storage.Driver)).
		Msg("Starting Approval Engine")

	return serve(cmd.Context(), c.cfg, c.log)
}

func main() {
	c := &cli{v: viper.New()}

	cmd := &cobra.Command{
		Use:           "approval-engine",
		Short:         "Approval workflow engine service",
		PreRunE:       c.setupConfig,
		RunE:          c.run,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	if err := setupFlags(cmd, c.v); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to register flags: %v\n", err)
		os.Exit(1)
	}

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "approval-engine: %v\n", err)
		os.Exit(1)
	}
}
