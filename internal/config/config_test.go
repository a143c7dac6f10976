package config

import (
	"os"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/bolasblack/nfcond/internal/util"
)

func newTestEnv(t *testing.T) (*util.Env, afero.Fs) {
	t.Helper()
	memFs := afero.NewMemMapFs()
	env := &util.Env{Fs: memFs}
	return env, memFs
}

func writeFile(t *testing.T, fs afero.Fs, path, content string) {
	t.Helper()
	if err := afero.WriteFile(fs, path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write %s: %v", path, err)
	}
}

func TestLoadConfig(t *testing.T) {
	content := `
namespaces = ["init", "blue"]

[control]
perms = "0600"
uid = 0
gid = 27
max_nodes = 128

[server]
listen = "tcp://127.0.0.1:9120"

[log]
level = "debug"
json = true

[metrics]
enabled = false

[policies]
blue = "DROP"

[[rules]]
namespace = "blue"
condition = "maint"
invert = true
verdict = "DROP"
`
	env, memFs := newTestEnv(t)
	path := "/etc/nfcond/nfcond.toml"
	writeFile(t, memFs, path, content)

	cfg, err := LoadConfig(env, path)
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	mode, err := cfg.Control.Mode()
	if err != nil || mode != 0600 {
		t.Errorf("expected mode 0600, got %o (%v)", mode, err)
	}
	if cfg.Control.GID != 27 {
		t.Errorf("expected gid 27, got %d", cfg.Control.GID)
	}
	if cfg.Control.MaxNodes != 128 {
		t.Errorf("expected max_nodes 128, got %d", cfg.Control.MaxNodes)
	}
	if cfg.Server.Listen != "tcp://127.0.0.1:9120" {
		t.Errorf("unexpected listen %q", cfg.Server.Listen)
	}
	if cfg.Log.Level != "debug" || !cfg.Log.JSON {
		t.Errorf("unexpected log config %+v", cfg.Log)
	}
	if cfg.Metrics.Enabled {
		t.Error("expected metrics disabled")
	}
	if len(cfg.Namespaces) != 2 || cfg.Namespaces[1] != "blue" {
		t.Errorf("unexpected namespaces %v", cfg.Namespaces)
	}
	if len(cfg.Rules) != 1 {
		t.Fatalf("expected 1 rule, got %d", len(cfg.Rules))
	}
	if r := cfg.Rules[0]; r.Condition != "maint" || !r.Invert {
		t.Errorf("unexpected rule %+v", r)
	}
	if cfg.Policies["blue"] != "DROP" {
		t.Errorf("expected blue policy DROP, got %v", cfg.Policies)
	}
}

func TestLoadConfig_Defaults(t *testing.T) {
	env, memFs := newTestEnv(t)
	writeFile(t, memFs, "/nfcond.toml", `namespaces = ["init"]`)

	cfg, err := LoadConfig(env, "/nfcond.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}

	def := DefaultConfig()
	if cfg.Control != def.Control {
		t.Errorf("expected default control %+v, got %+v", def.Control, cfg.Control)
	}
	if cfg.Server.Listen != DefaultListen {
		t.Errorf("expected listen %q, got %q", DefaultListen, cfg.Server.Listen)
	}
	if !cfg.Metrics.Enabled {
		t.Error("expected metrics enabled by default")
	}
	if cfg.Log.Level != "info" {
		t.Errorf("expected log level info, got %q", cfg.Log.Level)
	}
}

func TestLoadConfig_Missing(t *testing.T) {
	env, _ := newTestEnv(t)
	_, err := LoadConfig(env, "/nope.toml")
	if !os.IsNotExist(err) {
		t.Errorf("expected not-exist error, got %v", err)
	}
}

func TestLoadConfig_InvalidTOML(t *testing.T) {
	env, memFs := newTestEnv(t)
	writeFile(t, memFs, "/bad.toml", `namespaces = [`)

	_, err := LoadConfig(env, "/bad.toml")
	if err == nil || !strings.Contains(err.Error(), "failed to parse") {
		t.Errorf("expected parse error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "bad perms", mutate: func(c *Config) { c.Control.Perms = "rw-r--r--" }, wantErr: "perms"},
		{name: "perms too large", mutate: func(c *Config) { c.Control.Perms = "1777" }, wantErr: "perms"},
		{name: "negative uid", mutate: func(c *Config) { c.Control.UID = -1 }, wantErr: "uid"},
		{name: "negative max nodes", mutate: func(c *Config) { c.Control.MaxNodes = -1 }, wantErr: "max_nodes"},
		{name: "bad listen", mutate: func(c *Config) { c.Server.Listen = "http://x" }, wantErr: "scheme"},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }, wantErr: "log"},
		{name: "bad namespace", mutate: func(c *Config) { c.Namespaces = []string{"a/b"} }, wantErr: "namespaces"},
		{
			name: "bad condition",
			mutate: func(c *Config) {
				c.Rules = []Rule{{Namespace: "init", Condition: strings.Repeat("x", 40), Verdict: "DROP"}}
			},
			wantErr: "rules[0]",
		},
		{
			name:    "bad policy namespace",
			mutate:  func(c *Config) { c.Policies = map[string]string{"a/b": "DROP"} },
			wantErr: "policies",
		},
		{
			name:    "bad policy verdict",
			mutate:  func(c *Config) { c.Policies = map[string]string{"init": "MAYBE"} },
			wantErr: "policies.init",
		},
		{
			name: "bad verdict",
			mutate: func(c *Config) {
				c.Rules = []Rule{{Namespace: "init", Condition: "maint", Verdict: "MAYBE"}}
			},
			wantErr: "verdict",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestParseListen(t *testing.T) {
	tests := []struct {
		in          string
		wantNetwork string
		wantAddress string
		wantErr     bool
	}{
		{in: "unix:///run/nfcond.sock", wantNetwork: "unix", wantAddress: "/run/nfcond.sock"},
		{in: "/tmp/x.sock", wantNetwork: "unix", wantAddress: "/tmp/x.sock"},
		{in: "tcp://127.0.0.1:9120", wantNetwork: "tcp", wantAddress: "127.0.0.1:9120"},
		{in: "tcp://", wantErr: true},
		{in: "unix://", wantErr: true},
		{in: "udp://1.2.3.4:5", wantErr: true},
	}
	for _, tt := range tests {
		network, address, err := ParseListen(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("%s: expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s: unexpected error: %v", tt.in, err)
			continue
		}
		if network != tt.wantNetwork || address != tt.wantAddress {
			t.Errorf("%s: got %s %s", tt.in, network, address)
		}
	}
}

func TestAllNamespaces(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Namespaces = []string{"init", "blue"}
	cfg.Policies = map[string]string{"green": "DROP", "blue": "REJECT"}
	cfg.Rules = []Rule{
		{Namespace: "red", Condition: "a", Verdict: "DROP"},
		{Namespace: "blue", Condition: "b", Verdict: "DROP"},
	}

	got := cfg.AllNamespaces()
	want := []string{"init", "blue", "green", "red"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestSaveConfig(t *testing.T) {
	env, memFs := newTestEnv(t)
	cfg := DefaultConfig()
	cfg.Namespaces = []string{"init"}

	if err := SaveConfig(env, "/nfcond.toml", cfg); err != nil {
		t.Fatalf("SaveConfig failed: %v", err)
	}
	if !Exists(env, "/nfcond.toml") {
		t.Fatal("expected file to exist")
	}

	data, _ := afero.ReadFile(memFs, "/nfcond.toml")
	if !strings.HasPrefix(string(data), SchemaComment) {
		t.Error("expected schema comment prefix")
	}

	loaded, err := LoadConfig(env, "/nfcond.toml")
	if err != nil {
		t.Fatalf("LoadConfig failed: %v", err)
	}
	if loaded.Server.Listen != cfg.Server.Listen || len(loaded.Namespaces) != 1 {
		t.Errorf("round trip mismatch: %+v", loaded)
	}
}
