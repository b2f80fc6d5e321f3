package main

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/fleet-core/internal/simulator"
	"procodus.dev/fleet-core/pkg/broker"
	"procodus.dev/fleet-core/pkg/metrics"
)

var simulatorCmd = &cobra.Command{
	Use:   "simulator",
	Short: "Run the device simulator",
	Long: `Run the device simulator that:
- Creates a fleet of synthetic devices with MAC-derived ids
- Generates correlated sensor telemetry
- Publishes readings to the per-device data topics`,
	RunE: runSimulator,
}

func init() {
	rootCmd.AddCommand(simulatorCmd)

	// Simulator-specific flags
	simulatorCmd.Flags().String("broker-address", "localhost", "broker host")
	simulatorCmd.Flags().Int("broker-port", 5672, "broker AMQP port")
	simulatorCmd.Flags().String("broker-username", "guest", "broker username")
	simulatorCmd.Flags().String("broker-password", "guest", "broker password")
	simulatorCmd.Flags().String("broker-vhost", "/", "broker virtual host")
	simulatorCmd.Flags().Int("device-count", 5, "number of synthetic devices")
	simulatorCmd.Flags().Duration("interval", 2*time.Second, "interval between telemetry rounds")

	// Bind flags to viper
	_ = viper.BindPFlag("broker.address", simulatorCmd.Flags().Lookup("broker-address"))
	_ = viper.BindPFlag("broker.port", simulatorCmd.Flags().Lookup("broker-port"))
	_ = viper.BindPFlag("broker.username", simulatorCmd.Flags().Lookup("broker-username"))
	_ = viper.BindPFlag("broker.password", simulatorCmd.Flags().Lookup("broker-password"))
	_ = viper.BindPFlag("broker.vhost", simulatorCmd.Flags().Lookup("broker-vhost"))
	_ = viper.BindPFlag("simulator.device_count", simulatorCmd.Flags().Lookup("device-count"))
	_ = viper.BindPFlag("simulator.interval", simulatorCmd.Flags().Lookup("interval"))
}

func runSimulator(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting simulator service")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := broker.New(&broker.Config{
		Logger:   logger,
		Metrics:  metrics.NewBrokerMetrics("fleet_simulator"),
		Address:  viper.GetString("broker.address"),
		Port:     viper.GetInt("broker.port"),
		Username: viper.GetString("broker.username"),
		Password: viper.GetString("broker.password"),
		Vhost:    viper.GetString("broker.vhost"),
	})
	if err != nil {
		logger.Error("failed to create broker client", "error", err)
		return err
	}
	defer func() { _ = client.Close() }()

	waitCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	err = client.WaitReady(waitCtx)
	cancel()
	if err != nil {
		logger.Error("broker unreachable", "error", err)
		return err
	}

	sim, err := simulator.New(&simulator.Config{
		Logger:      logger,
		Publisher:   client,
		DeviceCount: viper.GetInt("simulator.device_count"),
		Interval:    viper.GetDuration("simulator.interval"),
	})
	if err != nil {
		logger.Error("failed to create simulator", "error", err)
		return err
	}

	logger.Info("simulator configuration",
		"broker_address", viper.GetString("broker.address"),
		"broker_port", viper.GetInt("broker.port"),
		"device_count", len(sim.Devices()),
	)

	if err := sim.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("simulator error", "error", err)
		return err
	}

	logger.Info("simulator stopped")
	return nil
}
