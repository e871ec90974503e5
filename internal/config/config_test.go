package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"

	"github.com/bigbag/smdeploy/internal/deploy"
	"github.com/bigbag/smdeploy/internal/protocol"
)

func flags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	c := New()
	c.AddFlags(fs)
	c.AddDeployFlags(fs)
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Parse(%v) error = %v", args, err)
	}
	return fs
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(flags(t), "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "" || cfg.Baud != protocol.DefaultBaudRate || cfg.Address != 1 {
		t.Errorf("Load() = %+v", cfg)
	}
	if cfg.Timeout != 500*time.Millisecond {
		t.Errorf("Timeout = %v, want 500ms", cfg.Timeout)
	}
	if cfg.Log.Level != "warn" || cfg.Log.Format != "console" {
		t.Errorf("Log = %+v", cfg.Log)
	}
	if len(cfg.Log.OutputPaths) != 1 || cfg.Log.OutputPaths[0] != "stderr" {
		t.Errorf("Log.OutputPaths = %v, want [stderr]", cfg.Log.OutputPaths)
	}
	if cfg.Deploy.Mode() != 0 {
		t.Errorf("Deploy.Mode() = %v, want 0", cfg.Deploy.Mode())
	}
}

func TestLoad_Precedence(t *testing.T) {
	file := writeFile(t, "smdeploy.yaml", `
port: /dev/ttyUSB3
baud: 115200
address: 7
timeout: 1s
metrics-textfile: /var/lib/node_exporter/smdeploy.prom
log:
  level: info
  format: json
deploy:
  clear-faults: true
`)
	t.Setenv("SMDEPLOY_ADDRESS", "9")
	t.Setenv("SMDEPLOY_LOG_LEVEL", "debug")
	t.Setenv("SMDEPLOY_DEPLOY_ALWAYS_RESTART", "true")

	cfg, err := Load(flags(t, "--baud", "9600"), file)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	tests := []struct {
		name string
		got  any
		want any
	}{
		{"port from file", cfg.Port, "/dev/ttyUSB3"},
		{"baud from flag", cfg.Baud, 9600},
		{"address from env", cfg.Address, 9},
		{"timeout from file", cfg.Timeout, time.Second},
		{"metrics from file", cfg.MetricsTextfile, "/var/lib/node_exporter/smdeploy.prom"},
		{"log level from env", cfg.Log.Level, "debug"},
		{"log format from file", cfg.Log.Format, "json"},
		{"deploy mode", cfg.Deploy.Mode(), deploy.ClearFaultsAfterConfig | deploy.AlwaysRestartTarget},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("%s: got %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"address", []string{"--address", "256"}, "address must be 0-255"},
		{"baud", []string{"--baud", "0"}, "baud must be positive"},
		{"timeout", []string{"--timeout", "0s"}, "timeout must be positive"},
		{"log level", []string{"--log.level", "loud"}, "log.level"},
		{"log format", []string{"--log.format", "xml"}, "log.format"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(flags(t, tt.args...), "")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("Load(%v) error = %v, want %q", tt.args, err, tt.want)
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(flags(t), filepath.Join(t.TempDir(), "none.yaml")); err == nil {
		t.Error("Load() with a missing config file succeeded")
	}
}

func TestDeployOptions_Mode(t *testing.T) {
	o := DeployOptions{DisableDuringConfig: true, ClearFaults: true, AlwaysRestart: true}
	want := deploy.DisableDuringConfig | deploy.ClearFaultsAfterConfig | deploy.AlwaysRestartTarget
	if got := o.Mode(); got != want {
		t.Errorf("Mode() = %v, want %v", got, want)
	}
}
