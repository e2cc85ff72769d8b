package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"sandfleet/internal/config"
	"sandfleet/internal/fleet"
	"sandfleet/internal/logger"
	"sandfleet/internal/observability"
	"sandfleet/internal/provider"
)

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sandfleet",
		Short: "Spin up provider sessions with a randomized, timed lifecycle",
		Long: `sandfleet manages a fleet of long-lived worker sessions, one per credential.

Each session runs a workload for a random duration within the configured
bounds, shuts down, then restarts after a random cooldown period. Connection
failures are retried with a randomized backoff; a credential whose retries
are exhausted is abandoned for the life of the process. Loops are launched
sequentially with a random grace period between credentials.

Configuration:
  Credentials come from FLEET_KEY_* environment variables and/or repeated
  --key flags. Other settings can be set via FLEET_* environment variables
  or flags; flags take precedence.

    FLEET_CMD             shell command to run in each session
                          (default: a step-by-step diagnostic workload)
    FLEET_PROVIDER        session backend: docker, kubernetes or exec
    FLEET_RUN_TIME_MIN    minimum run duration in seconds (default: 230)
    FLEET_RUN_TIME_MAX    maximum run duration in seconds (default: 340)
    FLEET_DOWNTIME_MIN    minimum cooldown in seconds (default: 30)
    FLEET_DOWNTIME_MAX    maximum cooldown in seconds (default: 45)`,
		SilenceUsage: true,
		RunE:         run,
	}

	flags := cmd.Flags()

	flags.StringArray("key", nil, "provider credential (repeat for multiple keys)")
	flags.String("cmd", config.DefaultCommand, "shell command to run in each session")
	flags.String("provider", "", "session backend: docker, kubernetes or exec")
	flags.Int("run-time-min", 230, "minimum run duration in seconds")
	flags.Int("run-time-max", 340, "maximum run duration in seconds")
	flags.Int("downtime-min", 30, "minimum cooldown in seconds")
	flags.Int("downtime-max", 45, "maximum cooldown in seconds")

	for _, name := range []string{"cmd", "provider", "run-time-min", "run-time-max", "downtime-min", "downtime-max"} {
		cobra.CheckErr(viper.BindPFlag(name, flags.Lookup(name)))
	}

	return cmd
}

func Execute() error {
	return rootCmd.Execute()
}

// buildConfig merges environment configuration with explicitly set flags.
// Flags win over environment variables.
func buildConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("cmd") {
		cfg.Command = viper.GetString("cmd")
	}
	if flags.Changed("provider") {
		cfg.Provider = viper.GetString("provider")
	}
	if flags.Changed("run-time-min") {
		cfg.RunTimeMin = viper.GetInt("run-time-min")
	}
	if flags.Changed("run-time-max") {
		cfg.RunTimeMax = viper.GetInt("run-time-max")
	}
	if flags.Changed("downtime-min") {
		cfg.DowntimeMin = viper.GetInt("downtime-min")
	}
	if flags.Changed("downtime-max") {
		cfg.DowntimeMax = viper.GetInt("downtime-max")
	}

	keys, err := flags.GetStringArray("key")
	if err != nil {
		return nil, err
	}
	cfg.Credentials = append(cfg.Credentials, keys...)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newProvider(cfg *config.Config) (provider.Provider, error) {
	switch cfg.Provider {
	case "exec":
		return provider.NewExecProvider(cfg.ExecWorkDir), nil
	case "kubernetes":
		return provider.NewKubernetesProvider(provider.KubernetesConfig{
			Namespace:      cfg.KubernetesNamespace,
			Image:          cfg.DockerImage,
			ServiceAccount: cfg.KubernetesServiceAccount,
			CPULimit:       cfg.KubernetesCPULimit,
			MemoryLimit:    cfg.KubernetesMemoryLimit,
		})
	default:
		return provider.NewDockerProvider(cfg.DockerImage)
	}
}

func run(cmd *cobra.Command, args []string) error {
	cfg, err := buildConfig(cmd)
	if err != nil {
		return err
	}

	log := logger.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownTracer, err := observability.InitTracer(ctx, "sandfleet", cfg.OTELEndpoint)
	if err != nil {
		return fmt.Errorf("failed to init tracing: %w", err)
	}
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			log.Error("failed to shutdown tracer", "error", err)
		}
	}()

	metricsHandler, shutdownMetrics, err := observability.InitMetrics()
	if err != nil {
		return fmt.Errorf("failed to init metrics: %w", err)
	}
	defer func() {
		if err := shutdownMetrics(context.Background()); err != nil {
			log.Error("failed to shutdown metrics", "error", err)
		}
	}()

	// Dedicated listener for metrics and health.
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
		log.Info("metrics listening", "addr", cfg.MetricsAddr)
		srv := &http.Server{
			Addr:        cfg.MetricsAddr,
			Handler:     mux,
			ReadTimeout: 10 * time.Second,
		}
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("metrics server error", "error", err)
		}
	}()

	prov, err := newProvider(cfg)
	if err != nil {
		return fmt.Errorf("failed to create %s provider: %w", cfg.Provider, err)
	}

	sup, err := fleet.New(prov, fleet.Config{
		Command: cfg.Command,
		Timing: fleet.Timing{
			RunTimeMin:  time.Duration(cfg.RunTimeMin) * time.Second,
			RunTimeMax:  time.Duration(cfg.RunTimeMax) * time.Second,
			DowntimeMin: time.Duration(cfg.DowntimeMin) * time.Second,
			DowntimeMax: time.Duration(cfg.DowntimeMax) * time.Second,
		},
	}, log)
	if err != nil {
		return err
	}

	log.Info("found credentials, launching sessions sequentially with a grace period",
		"credentials", len(cfg.Credentials),
		"provider", cfg.Provider)

	fleetErr := make(chan error, 1)
	go func() {
		fleetErr <- sup.Run(ctx, cfg.Credentials)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info("interrupted, shutting down")
		cancel()
		<-fleetErr
		return nil
	case err := <-fleetErr:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	}
}
