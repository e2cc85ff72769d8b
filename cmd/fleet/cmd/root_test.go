package cmd

import (
	"strings"
	"testing"

	"sandfleet/internal/config"
)

func TestBuildConfig_FlagOverridesEnv(t *testing.T) {
	t.Setenv("FLEET_CMD", "env-command")
	t.Setenv("FLEET_RUN_TIME_MIN", "100")
	t.Setenv("FLEET_KEY_0", "sk-from-env")

	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{
		"--cmd", "flag-command",
		"--provider", "exec",
		"--run-time-min", "5",
		"--run-time-max", "9",
		"--key", "sk-from-flag",
	}); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}

	cfg, err := buildConfig(cmd)
	if err != nil {
		t.Fatalf("buildConfig failed: %v", err)
	}

	if cfg.Command != "flag-command" {
		t.Errorf("expected flag to override env command, got %s", cfg.Command)
	}
	if cfg.RunTimeMin != 5 {
		t.Errorf("expected flag run-time-min 5, got %d", cfg.RunTimeMin)
	}
	if cfg.Provider != "exec" {
		t.Errorf("expected provider exec, got %s", cfg.Provider)
	}

	// Env keys come first, flag keys are appended.
	joined := strings.Join(cfg.Credentials, ",")
	if !strings.Contains(joined, "sk-from-env") || !strings.Contains(joined, "sk-from-flag") {
		t.Errorf("expected credentials from env and flags, got %v", cfg.Credentials)
	}
}

func TestBuildConfig_EnvOnly(t *testing.T) {
	t.Setenv("FLEET_CMD", "./node app.js")
	t.Setenv("FLEET_PROVIDER", "exec")
	t.Setenv("FLEET_KEY_A", "sk-alpha")

	cmd := newRootCmd()
	if err := cmd.ParseFlags(nil); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}

	cfg, err := buildConfig(cmd)
	if err != nil {
		t.Fatalf("buildConfig failed: %v", err)
	}

	if cfg.Command != "./node app.js" {
		t.Errorf("expected env command, got %s", cfg.Command)
	}
	if cfg.RunTimeMin != 230 || cfg.RunTimeMax != 340 {
		t.Errorf("expected default run bounds [230,340], got [%d,%d]", cfg.RunTimeMin, cfg.RunTimeMax)
	}
}

func TestBuildConfig_MinGreaterThanMax(t *testing.T) {
	t.Setenv("FLEET_KEY_0", "sk-test")

	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{
		"--cmd", "echo",
		"--provider", "exec",
		"--run-time-min", "10",
		"--run-time-max", "5",
	}); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}

	_, err := buildConfig(cmd)
	if err == nil {
		t.Fatal("expected configuration error for min > max")
	}
	if !strings.Contains(err.Error(), "cannot be greater") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBuildConfig_DefaultDiagnosticCommand(t *testing.T) {
	t.Setenv("FLEET_KEY_0", "sk-test")

	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{"--provider", "exec"}); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}

	cfg, err := buildConfig(cmd)
	if err != nil {
		t.Fatalf("buildConfig failed: %v", err)
	}
	if cfg.Command != config.DefaultCommand {
		t.Errorf("expected default diagnostic workload, got %s", cfg.Command)
	}
}

func TestBuildConfig_ExplicitlyBlankCommand(t *testing.T) {
	t.Setenv("FLEET_KEY_0", "sk-test")

	cmd := newRootCmd()
	if err := cmd.ParseFlags([]string{"--provider", "exec", "--cmd", ""}); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}

	_, err := buildConfig(cmd)
	if err == nil {
		t.Fatal("expected error for blanked workload command")
	}
	if !strings.Contains(err.Error(), "workload command is required") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestNewProvider_Exec(t *testing.T) {
	t.Setenv("FLEET_CMD", "echo")
	t.Setenv("FLEET_PROVIDER", "exec")
	t.Setenv("FLEET_KEY_0", "sk-test")

	cmd := newRootCmd()
	if err := cmd.ParseFlags(nil); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}
	cfg, err := buildConfig(cmd)
	if err != nil {
		t.Fatalf("buildConfig failed: %v", err)
	}

	p, err := newProvider(cfg)
	if err != nil {
		t.Fatalf("newProvider failed: %v", err)
	}
	if p == nil {
		t.Fatal("expected provider")
	}
}
