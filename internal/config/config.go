// Package config handles environment variable loading for the fleet daemon.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// CredentialEnvPrefix is the prefix for environment variables holding
// provider credentials, e.g. FLEET_KEY_0, FLEET_KEY_ALICE.
const CredentialEnvPrefix = "FLEET_KEY_"

// DefaultCommand is the diagnostic workload used when no command is
// configured. Each step echoes progress so a failing session shows where
// it stopped; the final step idles so the workload is long-running like a
// real service.
var DefaultCommand = strings.Join([]string{
	"echo 'step 1: session reachable'",
	"uname -a",
	"echo 'step 2: scratch dir writable'",
	"touch .fleet-probe && rm .fleet-probe",
	"echo 'step 3: entering idle workload'",
	"sleep 86400",
}, " && ")

// Config holds all configuration values for the fleet daemon.
type Config struct {
	// Shell command launched inside every session.
	Command string

	// Run duration bounds in seconds. Each cycle draws a duration
	// uniformly from [RunTimeMin, RunTimeMax].
	RunTimeMin int
	RunTimeMax int

	// Cooldown bounds in seconds between cycles.
	DowntimeMin int
	DowntimeMax int

	// Session provider backend: "docker", "kubernetes" or "exec".
	Provider string

	// Docker provider settings.
	DockerImage string

	// Kubernetes provider settings.
	KubernetesNamespace      string
	KubernetesServiceAccount string
	KubernetesCPULimit       string
	KubernetesMemoryLimit    string

	// Exec provider settings.
	ExecWorkDir string

	// OTLP collector address for traces.
	OTELEndpoint string

	// Listen address for the /metrics and /healthz endpoints.
	MetricsAddr string

	// Credentials gathered from FLEET_KEY_* environment variables.
	// CLI-provided keys are appended by the command layer.
	Credentials []string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Command:               DefaultCommand,
		RunTimeMin:            230,
		RunTimeMax:            340,
		DowntimeMin:           30,
		DowntimeMax:           45,
		Provider:              "docker",
		DockerImage:           "alpine:latest",
		KubernetesNamespace:   "default",
		KubernetesCPULimit:    "500m",
		KubernetesMemoryLimit: "256Mi",
		OTELEndpoint:          "localhost:4317",
		MetricsAddr:           ":6162",
	}

	var err error
	if cfg.RunTimeMin, err = intFromEnv("FLEET_RUN_TIME_MIN", cfg.RunTimeMin); err != nil {
		return nil, err
	}
	if cfg.RunTimeMax, err = intFromEnv("FLEET_RUN_TIME_MAX", cfg.RunTimeMax); err != nil {
		return nil, err
	}
	if cfg.DowntimeMin, err = intFromEnv("FLEET_DOWNTIME_MIN", cfg.DowntimeMin); err != nil {
		return nil, err
	}
	if cfg.DowntimeMax, err = intFromEnv("FLEET_DOWNTIME_MAX", cfg.DowntimeMax); err != nil {
		return nil, err
	}

	if v := os.Getenv("FLEET_CMD"); v != "" {
		cfg.Command = v
	}
	if v := os.Getenv("FLEET_PROVIDER"); v != "" {
		cfg.Provider = v
	}
	if v := os.Getenv("FLEET_DOCKER_IMAGE"); v != "" {
		cfg.DockerImage = v
	}
	if v := os.Getenv("FLEET_K8S_NAMESPACE"); v != "" {
		cfg.KubernetesNamespace = v
	}
	if v := os.Getenv("FLEET_K8S_SERVICE_ACCOUNT"); v != "" {
		cfg.KubernetesServiceAccount = v
	}
	if v := os.Getenv("FLEET_K8S_CPU_LIMIT"); v != "" {
		cfg.KubernetesCPULimit = v
	}
	if v := os.Getenv("FLEET_K8S_MEMORY_LIMIT"); v != "" {
		cfg.KubernetesMemoryLimit = v
	}
	if v := os.Getenv("FLEET_EXEC_WORKDIR"); v != "" {
		cfg.ExecWorkDir = v
	}
	if v := os.Getenv("FLEET_OTEL_ENDPOINT"); v != "" {
		cfg.OTELEndpoint = v
	}
	if v := os.Getenv("FLEET_METRICS_ADDR"); v != "" {
		cfg.MetricsAddr = v
	}

	cfg.Credentials = CredentialsFromEnviron(os.Environ())

	return cfg, nil
}

// Validate checks the configuration bounds. It must pass before any
// lifecycle loop is launched.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Command) == "" {
		return fmt.Errorf("workload command is required (flag --cmd or env FLEET_CMD)")
	}
	if c.RunTimeMin < 0 || c.DowntimeMin < 0 {
		return fmt.Errorf("timing bounds must not be negative")
	}
	if c.RunTimeMin > c.RunTimeMax {
		return fmt.Errorf("run-time-min (%d) cannot be greater than run-time-max (%d)", c.RunTimeMin, c.RunTimeMax)
	}
	if c.DowntimeMin > c.DowntimeMax {
		return fmt.Errorf("downtime-min (%d) cannot be greater than downtime-max (%d)", c.DowntimeMin, c.DowntimeMax)
	}
	switch c.Provider {
	case "docker", "kubernetes", "exec":
	default:
		return fmt.Errorf("unknown provider %q (expected docker, kubernetes or exec)", c.Provider)
	}
	if len(c.Credentials) == 0 {
		return fmt.Errorf("no credentials found: set %s* or pass --key", CredentialEnvPrefix)
	}
	return nil
}

// CredentialsFromEnviron extracts non-empty credential values from an
// os.Environ()-style slice, in the order they appear.
func CredentialsFromEnviron(environ []string) []string {
	var creds []string
	for _, kv := range environ {
		name, value, ok := strings.Cut(kv, "=")
		if !ok || !strings.HasPrefix(name, CredentialEnvPrefix) {
			continue
		}
		if strings.TrimSpace(value) == "" {
			continue
		}
		creds = append(creds, value)
	}
	return creds
}

func intFromEnv(name string, def int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}
