// Package config handles parsing and writing of nfcond configuration files
// (nfcond.toml).
package config

import (
	"fmt"
	"maps"
	"net/url"
	"os"
	"slices"
	"strconv"
	"strings"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/bolasblack/nfcond/internal/condition"
	"github.com/bolasblack/nfcond/internal/netns"
	"github.com/bolasblack/nfcond/internal/util"
	"github.com/bolasblack/nfcond/internal/xt"
)

// DefaultPath is where nfcond looks for its configuration file.
const DefaultPath = util.DefaultConfigPath

// DefaultListen is the default API address.
const DefaultListen = "unix://" + util.DefaultSocketPath

// Control defines how condition control nodes are published.
type Control struct {
	Perms    string `toml:"perms,omitempty" json:"perms,omitempty" jsonschema:"pattern=^0?[0-7]{3}$,default=0644,description=Octal permission bits of newly created control nodes"`
	UID      int    `toml:"uid" json:"uid" jsonschema:"minimum=0,description=Owner uid of newly created control nodes"`
	GID      int    `toml:"gid" json:"gid" jsonschema:"minimum=0,description=Owner gid of newly created control nodes"`
	MaxNodes int    `toml:"max_nodes,omitempty" json:"max_nodes,omitempty" jsonschema:"minimum=0,description=Upper bound on live control nodes across all namespaces (0 means unlimited)"`
}

// Mode parses Perms.
func (c Control) Mode() (os.FileMode, error) {
	perms := c.Perms
	if perms == "" {
		perms = "0644"
	}
	n, err := strconv.ParseUint(perms, 8, 32)
	if err != nil || n > 0o777 {
		return 0, fmt.Errorf("invalid perms %q: want octal permission bits like 0644", c.Perms)
	}
	return os.FileMode(n), nil
}

// Server defines the API listener.
type Server struct {
	Listen string `toml:"listen,omitempty" json:"listen,omitempty" jsonschema:"default=unix:///run/nfcond.sock,description=API address: unix:///path/to.sock or tcp://host:port"`
}

// Log defines logging output.
type Log struct {
	Level string `toml:"level,omitempty" json:"level,omitempty" jsonschema:"enum=trace,enum=debug,enum=info,enum=warn,enum=error,default=info,description=Log level"`
	JSON  bool   `toml:"json,omitempty" json:"json,omitempty" jsonschema:"description=Emit JSON log lines instead of text"`
}

// Metrics defines the Prometheus endpoint.
type Metrics struct {
	Enabled bool `toml:"enabled" json:"enabled" jsonschema:"default=true,description=Serve Prometheus metrics at /metrics"`
}

// Rule is a rule installed at startup.
type Rule struct {
	Namespace string `toml:"namespace" json:"namespace" jsonschema:"required,description=Namespace the rule belongs to"`
	Condition string `toml:"condition" json:"condition" jsonschema:"required,maxLength=31,description=Condition variable the rule matches"`
	Invert    bool   `toml:"invert,omitempty" json:"invert,omitempty" jsonschema:"description=Match when the condition is 0 instead of 1"`
	Verdict   string `toml:"verdict" json:"verdict" jsonschema:"required,enum=ACCEPT,enum=DROP,enum=REJECT,description=Verdict when the rule matches"`
}

// Config represents the nfcond configuration (after processing includes).
type Config struct {
	Includes   []string `toml:"includes,omitempty" json:"includes,omitempty" jsonschema:"description=Other config files to include and merge (supports glob patterns)"`
	Control    Control  `toml:"control" json:"control" jsonschema:"description=Control node settings"`
	Server     Server   `toml:"server" json:"server" jsonschema:"description=API server settings"`
	Log        Log      `toml:"log" json:"log" jsonschema:"description=Logging settings"`
	Metrics    Metrics  `toml:"metrics" json:"metrics" jsonschema:"description=Metrics settings"`
	Namespaces []string          `toml:"namespaces,omitempty" json:"namespaces,omitempty" jsonschema:"description=Namespaces created at startup"`
	Policies   map[string]string `toml:"policies,omitempty" json:"policies,omitempty" jsonschema:"description=Verdict per namespace when no rule matches (ACCEPT when unset)"`
	Rules      []Rule            `toml:"rules,omitempty" json:"rules,omitempty" jsonschema:"description=Rules installed at startup"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Control: Control{Perms: "0644"},
		Server:  Server{Listen: DefaultListen},
		Log:     Log{Level: "info"},
		Metrics: Metrics{Enabled: true},
	}
}

// LoadConfig reads, merges and validates the configuration at path.
// Missing fields take their DefaultConfig values.
func LoadConfig(env *util.Env, path string) (Config, error) {
	cfg, err := LoadWithIncludes(env, path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks field values.
func (c *Config) Validate() error {
	if _, err := c.Control.Mode(); err != nil {
		return fmt.Errorf("control: %w", err)
	}
	if c.Control.UID < 0 || c.Control.GID < 0 {
		return fmt.Errorf("control: uid and gid must not be negative")
	}
	if c.Control.MaxNodes < 0 {
		return fmt.Errorf("control: max_nodes must not be negative")
	}
	if _, _, err := ParseListen(c.Server.Listen); err != nil {
		return fmt.Errorf("server: %w", err)
	}
	if c.Log.Level != "" {
		if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
			return fmt.Errorf("log: %w", err)
		}
	}
	for _, ns := range c.Namespaces {
		if err := netns.ValidateName(ns); err != nil {
			return fmt.Errorf("namespaces: %w", err)
		}
	}
	for _, ns := range slices.Sorted(maps.Keys(c.Policies)) {
		if err := netns.ValidateName(ns); err != nil {
			return fmt.Errorf("policies: %w", err)
		}
		if _, err := xt.ParseVerdict(c.Policies[ns]); err != nil {
			return fmt.Errorf("policies.%s: %w", ns, err)
		}
	}
	for i, r := range c.Rules {
		if err := netns.ValidateName(r.Namespace); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		if err := condition.ValidateName(r.Condition); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
		if _, err := xt.ParseVerdict(r.Verdict); err != nil {
			return fmt.Errorf("rules[%d]: %w", i, err)
		}
	}
	return nil
}

// AllNamespaces returns the configured namespaces followed by any that only
// appear in policies or rules, without duplicates.
func (c *Config) AllNamespaces() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(ns string) {
		if !seen[ns] {
			seen[ns] = true
			out = append(out, ns)
		}
	}
	for _, ns := range c.Namespaces {
		add(ns)
	}
	for _, ns := range slices.Sorted(maps.Keys(c.Policies)) {
		add(ns)
	}
	for _, r := range c.Rules {
		add(r.Namespace)
	}
	return out
}

// ParseListen splits a listen address into a net.Listen network and address.
// Accepted forms are unix:///path, tcp://host:port and a bare absolute path.
func ParseListen(listen string) (network, address string, err error) {
	if strings.HasPrefix(listen, "/") {
		return "unix", listen, nil
	}
	u, err := url.Parse(listen)
	if err != nil {
		return "", "", fmt.Errorf("invalid listen address %q: %w", listen, err)
	}
	switch u.Scheme {
	case "unix":
		if u.Path == "" {
			return "", "", fmt.Errorf("invalid listen address %q: missing socket path", listen)
		}
		return "unix", u.Path, nil
	case "tcp":
		if u.Host == "" {
			return "", "", fmt.Errorf("invalid listen address %q: missing host:port", listen)
		}
		return "tcp", u.Host, nil
	default:
		return "", "", fmt.Errorf("invalid listen address %q: scheme must be unix or tcp", listen)
	}
}

// SchemaComment is the TOML comment that references the JSON Schema for editor autocomplete.
const SchemaComment = "#:schema https://raw.githubusercontent.com/bolasblack/nfcond/refs/heads/master/nfcond-config.schema.json\n\n"

// SaveConfig writes the configuration to path with the schema comment header.
func SaveConfig(env *util.Env, path string, cfg Config) error {
	f, err := env.Fs.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.WriteString(SchemaComment); err != nil {
		return err
	}
	return toml.NewEncoder(f).Encode(cfg)
}

// Exists reports whether a config file is present at path.
func Exists(env *util.Env, path string) bool {
	ok, err := afero.Exists(env.Fs, path)
	return err == nil && ok
}
