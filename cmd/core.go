package main

import (
	"context"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"procodus.dev/fleet-core/internal/core"
)

var coreCmd = &cobra.Command{
	Use:   "core",
	Short: "Run the core service",
	Long: `Run the core service that:
- Consumes device telemetry from the broker
- Tracks device liveness and sweeps stale devices offline
- Dispatches commands to devices with confirmed delivery
- Pushes live events to websocket subscribers`,
	RunE: runCore,
}

func init() {
	rootCmd.AddCommand(coreCmd)

	// Core-specific flags
	coreCmd.Flags().String("broker-address", "localhost", "broker host")
	coreCmd.Flags().Int("broker-port", 5672, "broker AMQP port")
	coreCmd.Flags().String("broker-username", "guest", "broker username")
	coreCmd.Flags().String("broker-password", "guest", "broker password")
	coreCmd.Flags().String("broker-vhost", "/", "broker virtual host")
	coreCmd.Flags().String("database-url", "", "PostgreSQL connection URL")
	coreCmd.Flags().Int("offline-threshold", 15, "seconds of silence before a device is marked offline")
	coreCmd.Flags().Int("sweep-interval", 5, "seconds between liveness sweeps")
	coreCmd.Flags().Int("worker-count", 1, "number of ingest processors")
	coreCmd.Flags().Int("prefetch", 10, "broker prefetch count")
	coreCmd.Flags().Int("publish-timeout", 10, "seconds to wait for a publisher confirm")
	coreCmd.Flags().Int("max-retries", 3, "command publish retry attempts")
	coreCmd.Flags().Int("buffer-size", 256, "per-subscriber event buffer size")
	coreCmd.Flags().Int("max-subscribers", 1024, "maximum concurrent push subscribers")
	coreCmd.Flags().String("listen-addr", ":8080", "HTTP listen address")

	// Bind flags to viper
	_ = viper.BindPFlag("broker.address", coreCmd.Flags().Lookup("broker-address"))
	_ = viper.BindPFlag("broker.port", coreCmd.Flags().Lookup("broker-port"))
	_ = viper.BindPFlag("broker.username", coreCmd.Flags().Lookup("broker-username"))
	_ = viper.BindPFlag("broker.password", coreCmd.Flags().Lookup("broker-password"))
	_ = viper.BindPFlag("broker.vhost", coreCmd.Flags().Lookup("broker-vhost"))
	_ = viper.BindPFlag("database.url", coreCmd.Flags().Lookup("database-url"))
	_ = viper.BindPFlag("liveness.offline_threshold_s", coreCmd.Flags().Lookup("offline-threshold"))
	_ = viper.BindPFlag("liveness.sweep_interval_s", coreCmd.Flags().Lookup("sweep-interval"))
	_ = viper.BindPFlag("ingest.worker_count", coreCmd.Flags().Lookup("worker-count"))
	_ = viper.BindPFlag("ingest.prefetch", coreCmd.Flags().Lookup("prefetch"))
	_ = viper.BindPFlag("command.publish_timeout_s", coreCmd.Flags().Lookup("publish-timeout"))
	_ = viper.BindPFlag("command.max_retries", coreCmd.Flags().Lookup("max-retries"))
	_ = viper.BindPFlag("fanout.buffer_size", coreCmd.Flags().Lookup("buffer-size"))
	_ = viper.BindPFlag("fanout.max_subscribers", coreCmd.Flags().Lookup("max-subscribers"))
	_ = viper.BindPFlag("core.listen_addr", coreCmd.Flags().Lookup("listen-addr"))
}

func runCore(_ *cobra.Command, _ []string) error {
	logger := GetLogger()
	logger.Info("starting core service")

	// The flag default is 3, so a zero here is the operator explicitly
	// asking for no retries, which the dispatcher spells as negative.
	maxRetries := viper.GetInt("command.max_retries")
	if maxRetries == 0 {
		maxRetries = -1
	}

	// Create core configuration from viper
	config := &core.Config{
		Logger:               logger,
		BrokerAddress:        viper.GetString("broker.address"),
		BrokerPort:           viper.GetInt("broker.port"),
		BrokerUsername:       viper.GetString("broker.username"),
		BrokerPassword:       viper.GetString("broker.password"),
		BrokerVhost:          viper.GetString("broker.vhost"),
		DatabaseURL:          viper.GetString("database.url"),
		OfflineThreshold:     time.Duration(viper.GetInt("liveness.offline_threshold_s")) * time.Second,
		SweepInterval:        time.Duration(viper.GetInt("liveness.sweep_interval_s")) * time.Second,
		IngestWorkerCount:    viper.GetInt("ingest.worker_count"),
		IngestPrefetch:       viper.GetInt("ingest.prefetch"),
		PublishTimeout:       time.Duration(viper.GetInt("command.publish_timeout_s")) * time.Second,
		CommandMaxRetries:    maxRetries,
		FanoutBufferSize:     viper.GetInt("fanout.buffer_size"),
		FanoutMaxSubscribers: viper.GetInt("fanout.max_subscribers"),
		ListenAddr:           viper.GetString("core.listen_addr"),
	}

	// Create and run server
	server, err := core.NewServer(config)
	if err != nil {
		logger.Error("failed to create core server", "error", err)
		return err
	}

	logger.Info("core server configuration",
		"broker_address", config.BrokerAddress,
		"broker_port", config.BrokerPort,
		"broker_vhost", config.BrokerVhost,
		"offline_threshold", config.OfflineThreshold,
		"sweep_interval", config.SweepInterval,
		"worker_count", config.IngestWorkerCount,
		"prefetch", config.IngestPrefetch,
		"listen_addr", config.ListenAddr,
	)

	if err := server.Run(context.Background()); err != nil {
		logger.Error("core server error", "error", err)
		return err
	}

	logger.Info("core server stopped")
	return nil
}
