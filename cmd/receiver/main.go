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
	slog.Error("receiver stopped", "error", err)
}

func main() {
	defer func() { os.Exit(exitCode) }()

	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		exitWithErr(err)
	}
}

func newRootCmd() *cobra.Command {
	var cfgPath, envFile string
	var noColor bool
	cmd := &cobra.Command{
		Use:           "receiver",
		Short:         "Subscribe to the sensor topics and print every reading",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), cfgPath, envFile, !noColor)
		},
	}
	cmd.Flags().StringVar(&cfgPath, "config", "", "optional YAML configuration file")
	cmd.Flags().StringVar(&envFile, "env", ".env", "optional env file")
	cmd.Flags().BoolVar(&noColor, "no-color", false, "disable coloured output")
	return cmd
}

func run(ctx context.Context, cfgPath, envFile string, colored bool) error {
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

	printer := service.NewPrinter(os.Stdout, colored)
	recv := service.NewReceiver(client, cfg.SubscriptionIntent(), printer.Handle,
		service.WithLogger(logger),
		service.WithResubscribeLimit(cfg.Receiver.ResubscribeInterval, cfg.Receiver.ResubscribeBurst),
	)
	receiving := sup.NewGroup("receiver")
	receiving.Go("subscribe-and-receive", recv.Run)

	// The receiver abandons pending operations instead of a graceful
	// disconnect; Cancel unblocks the pending Receive.
	coord := service.NewCoordinator(logger, client.Cancel, receiving)
	sup.NewGroup("signals").Go("listen", func(ctx context.Context) error {
		coord.Listen(ctx)
		return nil
	})

	slog.Info("receiver started", "broker", cfg.Broker.URL, "filter", cfg.SubscriptionIntent().Filter)
	return sup.Wait()
}
