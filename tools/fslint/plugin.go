package fslint

import (
	"fmt"

	"github.com/golangci/plugin-module-register/register"
	"golang.org/x/tools/go/analysis"
)

func init() {
	register.Plugin("fslint", New)
}

// New creates the fslint plugin for golangci-lint.
func New(settings any) (register.LinterPlugin, error) {
	s, err := register.DecodeSettings[PluginSettings](settings)
	if err != nil {
		return nil, err
	}
	return &fslintPlugin{settings: s}, nil
}

// PluginSettings is the plugin section of .golangci.yml.
type PluginSettings struct {
	// Config is the path of the fslint TOML file, e.g. .fslint.toml.
	Config string `json:"config"`
}

type fslintPlugin struct {
	settings PluginSettings
}

// BuildAnalyzers checks the config once up front so a bad path fails the
// lint run instead of every package.
func (p *fslintPlugin) BuildAnalyzers() ([]*analysis.Analyzer, error) {
	if _, err := loadConfig(p.settings.Config); err != nil {
		return nil, fmt.Errorf("fslint: %w", err)
	}
	configFile = p.settings.Config
	return []*analysis.Analyzer{Analyzer}, nil
}

func (p *fslintPlugin) GetLoadMode() string {
	return register.LoadModeSyntax
}
