package cli

import (
	"fmt"
	"io"
	"path/filepath"

	"github.com/charmbracelet/huh"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/bolasblack/nfcond/internal/config"
	"github.com/bolasblack/nfcond/internal/util"
)

// templatePrompt asks the user for a template. Tests replace it.
var templatePrompt = func() (config.Template, error) {
	var selected string
	err := huh.NewSelect[string]().
		Title("Select a template").
		Options(
			huh.NewOption("Minimal - one namespace, no rules", string(config.TemplateMinimal)),
			huh.NewOption("Gated - drop traffic until the maint condition is set", string(config.TemplateGated)),
		).
		Value(&selected).
		Run()
	if err != nil {
		return "", fmt.Errorf("template selection cancelled: %w", err)
	}
	return config.Template(selected), nil
}

func newInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create an nfcond configuration file",
		Long: `Create an nfcond configuration file from a template. Without --template
the template is picked interactively.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("config")
			name, _ := cmd.Flags().GetString("template")
			force, _ := cmd.Flags().GetBool("force")
			quiet, _ := cmd.Flags().GetBool("quiet")
			return runInit(util.NewOsEnv(), util.ProgressWriter(cmd.OutOrStdout(), quiet), path, name, force)
		},
	}
	cmd.Flags().StringP("config", "c", util.DefaultConfigPath, "configuration file to create")
	cmd.Flags().StringP("template", "t", "", "template to use (minimal, gated)")
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	cmd.Flags().BoolP("quiet", "q", false, "print nothing on success")
	return cmd
}

func runInit(env *util.Env, w io.Writer, path, templateName string, force bool) error {
	if !force && config.Exists(env, path) {
		return fmt.Errorf("configuration file already exists: %s", path)
	}

	var template config.Template
	switch {
	case templateName != "":
		t, err := config.ParseTemplate(templateName)
		if err != nil {
			return err
		}
		template = t
	case isTerminal():
		t, err := templatePrompt()
		if err != nil {
			return err
		}
		template = t
	default:
		template = config.TemplateMinimal
	}

	content, err := config.GenerateConfig(template)
	if err != nil {
		return fmt.Errorf("failed to generate configuration: %w", err)
	}

	util.ProgressStep(w, "Writing %s\n", path)
	if err := env.Fs.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	if err := afero.WriteFile(env.Fs, path, []byte(content), 0644); err != nil {
		return fmt.Errorf("failed to write configuration: %w", err)
	}

	util.ProgressDone(w, "Created %s (%s template)\n", path, template)
	util.Progress(w, "Edit this file, then start the daemon with 'nfcond serve'.\n")
	return nil
}
