package cli

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/bolasblack/nfcond/internal/condition"
)

// conditionPrompt asks which condition to flip. Tests replace it.
var conditionPrompt = func(infos []condition.Info) (string, error) {
	options := make([]huh.Option[string], 0, len(infos))
	for _, info := range infos {
		label := fmt.Sprintf("%s (now %d)", info.Name, boolDigit(info.Enabled))
		options = append(options, huh.NewOption(label, info.Name))
	}
	var selected string
	err := huh.NewSelect[string]().
		Title("Select a condition to toggle").
		Options(options...).
		Value(&selected).
		Run()
	if err != nil {
		return "", fmt.Errorf("selection cancelled: %w", err)
	}
	return selected, nil
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get NAMESPACE CONDITION",
		Short: "Print a condition's value",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFactory(cmd)
			if err != nil {
				return err
			}
			data, err := c.ReadCondition(cmd.Context(), args[0], args[1])
			if err != nil {
				return apiError(err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set NAMESPACE CONDITION 0|1",
		Short: "Set a condition's value",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			on, err := parseSwitch(args[2])
			if err != nil {
				return err
			}
			c, err := clientFactory(cmd)
			if err != nil {
				return err
			}
			if err := c.WriteCondition(cmd.Context(), args[0], args[1], switchPayload(on)); err != nil {
				return apiError(err)
			}
			return nil
		},
	}
}

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "list NAMESPACE",
		Aliases: []string{"ls"},
		Short:   "List the conditions of a namespace",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFactory(cmd)
			if err != nil {
				return err
			}
			infos, err := c.Conditions(cmd.Context(), args[0])
			if err != nil {
				return apiError(err)
			}
			if len(infos) == 0 {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "No conditions in %s.\n", args[0])
				return nil
			}

			tw := newTable(cmd.OutOrStdout())
			_, _ = fmt.Fprintln(tw, "NAME\tVALUE\tREFS")
			for _, info := range infos {
				_, _ = fmt.Fprintf(tw, "%s\t%d\t%d\n", info.Name, boolDigit(info.Enabled), info.Refcount)
			}
			return tw.Flush()
		},
	}
}

func newToggleCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "toggle NAMESPACE [CONDITION]",
		Short: "Flip a condition's value",
		Long: `Flip a condition between 0 and 1. Without CONDITION the condition is
picked interactively.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFactory(cmd)
			if err != nil {
				return err
			}
			ns := args[0]

			var name string
			if len(args) == 2 {
				name = args[1]
			} else {
				if !isTerminal() {
					return errors.New(ErrMsgNotATerminal)
				}
				infos, err := c.Conditions(cmd.Context(), ns)
				if err != nil {
					return apiError(err)
				}
				if len(infos) == 0 {
					return fmt.Errorf("no conditions in %s", ns)
				}
				if name, err = conditionPrompt(infos); err != nil {
					return err
				}
			}

			data, err := c.ReadCondition(cmd.Context(), ns, name)
			if err != nil {
				return apiError(err)
			}
			next := !bytes.HasPrefix(data, []byte("1"))
			if err := c.WriteCondition(cmd.Context(), ns, name, switchPayload(next)); err != nil {
				return apiError(err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s/%s = %d\n", ns, name, boolDigit(next))
			return nil
		},
	}
}
