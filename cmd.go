package main

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var version = "1.0.0" // Set during build with -ldflags

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "gokv",
	Short: "gokv - in-memory key/value server with AOF persistence",
	Long: `gokv is a single-process in-memory key/value server speaking a
length-prefixed binary protocol over TCP.

Features:
- Strings and sorted sets with range queries
- Per-key TTL with millisecond resolution
- Pipelined request processing on a non-blocking event loop
- Append-only-file persistence with compacting rewrite (BGREWRITEAOF)`,
	Version: version,
	RunE:    runServer,
}

// runServer starts the gokv server
func runServer(cmd *cobra.Command, args []string) error {
	config, err := LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := initLogger(config)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	server := NewGoKVServer(config, logger)
	if err := server.Listen(); err != nil {
		logger.Fatal("failed to set up listening socket", zap.Error(err))
	}

	var metricsServer *MetricsServer
	if config.MetricsEnabled {
		metricsServer = NewMetricsServer(config.MetricsPort, server.metrics, logger)
		metricsServer.Start()
	}

	logger.Info("gokv server started",
		zap.String("host", config.Host),
		zap.Int("port", server.Port()),
		zap.Bool("aof_enabled", config.AOFEnabled),
		zap.String("aof_path", config.AOFPath))

	// Handle graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		logger.Info("shutting down", zap.String("signal", sig.String()))
		server.Stop()
	}()

	err = server.Serve()

	if metricsServer != nil {
		metricsServer.Stop()
	}
	logger.Info("gokv server stopped")
	return err
}

// initLogger builds the zap logger from the logging config
func initLogger(config *Config) (*zap.Logger, error) {
	var zcfg zap.Config
	if config.LogFormat == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	level, err := zap.ParseAtomicLevel(config.LogLevel)
	if err != nil {
		return nil, err
	}
	zcfg.Level = level
	return zcfg.Build()
}

// configCmd shows current configuration
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		config, err := LoadConfig()
		if err != nil {
			return err
		}
		fmt.Println("gokv Configuration:")
		fmt.Printf("Host: %s\n", config.Host)
		fmt.Printf("Port: %d\n", config.Port)
		fmt.Printf("Idle Timeout: %v\n", config.IdleTimeout)
		fmt.Printf("Log Level: %s\n", config.LogLevel)
		fmt.Printf("Log Format: %s\n", config.LogFormat)
		fmt.Printf("AOF Enabled: %t\n", config.AOFEnabled)
		fmt.Printf("AOF Path: %s\n", config.AOFPath)
		fmt.Printf("Workers: %d\n", config.Workers)
		fmt.Printf("Metrics Enabled: %t\n", config.MetricsEnabled)
		fmt.Printf("Metrics Port: %d\n", config.MetricsPort)
		return nil
	},
}

// versionCmd shows version information
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gokv Server v%s\n", version)
		fmt.Printf("Built with Go %s\n", runtime.Version())
		fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringP("host", "H", "0.0.0.0", "Address to bind to")
	rootCmd.PersistentFlags().IntP("port", "p", 1234, "Port to listen on")
	rootCmd.PersistentFlags().Duration("idle-timeout", 5*time.Second, "Idle connection timeout")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error, fatal)")
	rootCmd.PersistentFlags().String("log-format", "json", "Log format (json, console)")
	rootCmd.PersistentFlags().Bool("aof-enabled", true, "Enable append-only-file persistence")
	rootCmd.PersistentFlags().String("aof-path", "redis.aof", "Append-only-file path")
	rootCmd.PersistentFlags().Int("workers", 4, "Background destruction workers")
	rootCmd.PersistentFlags().Bool("metrics-enabled", false, "Serve Prometheus metrics over HTTP")
	rootCmd.PersistentFlags().Int("metrics-port", 9121, "Prometheus metrics port")

	// Bind flags to viper
	viper.BindPFlag("host", rootCmd.PersistentFlags().Lookup("host"))
	viper.BindPFlag("port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("idle_timeout", rootCmd.PersistentFlags().Lookup("idle-timeout"))
	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log_format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("aof_enabled", rootCmd.PersistentFlags().Lookup("aof-enabled"))
	viper.BindPFlag("aof_path", rootCmd.PersistentFlags().Lookup("aof-path"))
	viper.BindPFlag("workers", rootCmd.PersistentFlags().Lookup("workers"))
	viper.BindPFlag("metrics_enabled", rootCmd.PersistentFlags().Lookup("metrics-enabled"))
	viper.BindPFlag("metrics_port", rootCmd.PersistentFlags().Lookup("metrics-port"))

	// Add subcommands
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// Execute is the main entry point for the CLI
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
