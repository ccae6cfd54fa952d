package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/taskrelay/taskrelay/internal/config"
	"github.com/taskrelay/taskrelay/internal/executor/echo"
	"github.com/taskrelay/taskrelay/internal/log"
	"github.com/taskrelay/taskrelay/internal/store"
	"github.com/taskrelay/taskrelay/internal/store/sqlite"
	"github.com/taskrelay/taskrelay/internal/tracing"
	"github.com/taskrelay/taskrelay/internal/worker"
)

var (
	version = "dev"
	cfgFile string
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:     "taskrelay",
	Short:   "Agent task dispatch worker",
	Long:    `A long-running worker that claims pending agent tasks from a shared store, prepares their execution context, runs the configured executor, and streams progress events back.`,
	Version: version,
	RunE:    runWorker,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ./taskrelay.yaml)")
	rootCmd.Flags().String("agent-orch", "",
		"worker pool to claim tasks for")
	rootCmd.Flags().String("store-path", "",
		"path to the SQLite task store")

	_ = viper.BindPFlag("worker.agent_orch", rootCmd.Flags().Lookup("agent-orch"))
	_ = viper.BindPFlag("store.path", rootCmd.Flags().Lookup("store-path"))
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("worker.env", defaults.Worker.Env)
	viper.SetDefault("worker.poll_interval_sec", defaults.Worker.PollIntervalSec)
	viper.SetDefault("worker.cancel_poll_interval_sec", defaults.Worker.CancelPollIntervalSec)
	viper.SetDefault("events.coalesce_batch", defaults.Events.CoalesceBatch)
	viper.SetDefault("events.coalesce_delay_sec", defaults.Events.CoalesceDelaySec)
	viper.SetDefault("log.level", defaults.Log.Level)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	// Environment overrides used in deployment
	_ = viper.BindEnv("worker.consumer_id", "CONSUMER_ID")
	_ = viper.BindEnv("worker.env", "ENV")
	_ = viper.BindEnv("events.coalesce_batch", "EVENT_COALESCE_BATCH")
	_ = viper.BindEnv("events.coalesce_delay_sec", "EVENT_COALESCE_DELAY_SEC")

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("taskrelay")
		viper.SetConfigType("yaml")
	}

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := "taskrelay.yaml"
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
		}
	}

	_ = viper.Unmarshal(&cfg)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Store.Path == "" {
		return fmt.Errorf("store.url is configured but this build only speaks SQLite; set store.path")
	}

	var cleanupLog func()
	if cfg.Log.Path != "" {
		var err error
		cleanupLog, err = log.Init(cfg.Log.Path)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}
	} else {
		cleanupLog = log.InitStderr()
	}
	defer cleanupLog()
	log.SetMinLevel(log.ParseLevel(cfg.Log.Level))

	tracer, err := tracing.NewProvider(cfg.Tracing.ToTracing())
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		if shutdownErr := tracer.Shutdown(context.Background()); shutdownErr != nil {
			log.Warn(log.CatWorker, "tracing shutdown failed", "error", shutdownErr)
		}
	}()

	st, err := sqlite.OpenStore(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open task store: %w", err)
	}
	defer func() { _ = st.Close() }()

	server := worker.NewServer(worker.Options{
		Store:              store.NewReliable(st, store.DefaultRetryPolicy()),
		Executor:           echo.New(),
		AgentOrch:          cfg.Worker.AgentOrch,
		ConsumerID:         cfg.Worker.ConsumerID,
		Env:                cfg.Worker.NormalizedEnv(),
		PollInterval:       cfg.Worker.PollInterval(),
		CancelPollInterval: cfg.Worker.CancelPollInterval(),
		CoalesceBatch:      cfg.Events.Batch(),
		CoalesceDelay:      cfg.Events.Delay(),
		Tracer:             tracer.Tracer(),
	})

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stopReload := watchConfigReload(server)
	defer stopReload()

	return server.Run(ctx)
}

// watchConfigReload applies coalescer tuning and log level changes when
// the config file is rewritten. Everything else requires a restart.
func watchConfigReload(server *worker.Server) func() {
	used := viper.ConfigFileUsed()
	if used == "" {
		return func() {}
	}
	watcher, err := config.NewWatcher(config.DefaultWatchConfig(used))
	if err != nil {
		log.Warn(log.CatConfig, "config watcher unavailable", "error", err)
		return func() {}
	}
	changes, err := watcher.Start()
	if err != nil {
		log.Warn(log.CatConfig, "config watcher unavailable", "error", err)
		return func() {}
	}

	go func() {
		for range changes {
			if err := viper.ReadInConfig(); err != nil {
				log.Warn(log.CatConfig, "config reload failed", "error", err)
				continue
			}
			var next config.Config
			if err := viper.Unmarshal(&next); err != nil {
				log.Warn(log.CatConfig, "config reload failed", "error", err)
				continue
			}
			server.Coalescer().SetTuning(next.Events.Batch(), next.Events.Delay())
			log.SetMinLevel(log.ParseLevel(next.Log.Level))
			log.Info(log.CatConfig, "config reloaded",
				"coalesce_batch", next.Events.Batch(), "coalesce_delay", next.Events.Delay())
		}
	}()
	return func() { _ = watcher.Stop() }
}

// SetVersion sets the version string shown by --version.
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
