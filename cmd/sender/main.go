package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/HiroseKakeru/mqtt-telemetry/pkg/config"
	"github.com/HiroseKakeru/mqtt-telemetry/pkg/mqtt"
	"github.com/HiroseKakeru/mqtt-telemetry/pkg/worker"
	"github.com/HiroseKakeru/mqtt-telemetry/service"
)

var exitCode = 0

func exitWithErr(err any) {
	exitCode = 1
	slog.Error("sender stopped", "error", err)
}

func main() {
	defer func() { os.Exit(exitCode) }()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		exitWithErr(err)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath, envFile string
	cmd := &cobra.Command{
		Use:           "sender",
		Short:         "Publish simulated sensor readings on a fixed cadence",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath, envFile)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "optional YAML configuration file")
	cmd.Flags().StringVar(&envFile, "env", ".env", "optional env file")
	return cmd
}

func run(ctx context.Context, cfgPath, envFile string) error {
	cfg, err := config.Load(cfgPath, envFile)
	if err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.LogLevel, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	client, err := mqtt.Dial(ctx, cfg.MQTT(), logger)
	if err != nil {
		return err
	}

	sup := worker.NewSupervisor(logger)
	sup.NewGroup("session").Go("mqtt", client.Run)

	groups := service.NewScheduler(client, logger, service.TasksFromConfig(cfg)...).Start(sup)

	coord := service.NewCoordinator(logger, client.Disconnect)
	for _, g := range groups {
		coord.Add(g)
	}
	sup.NewGroup("signals").Go("listen", func(ctx context.Context) error {
		coord.Listen(ctx)
		return nil
	})

	slog.Info("sender started", "broker", cfg.Broker.URL, "sensors", len(groups))
	return sup.Wait()
}
