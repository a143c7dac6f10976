package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newNsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "ns",
		Aliases: []string{"namespace"},
		Short:   "Manage namespaces",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List namespaces",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFactory(cmd)
			if err != nil {
				return err
			}
			names, err := c.Namespaces(cmd.Context())
			if err != nil {
				return apiError(err)
			}
			for _, name := range names {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add NAMESPACE",
		Short: "Create a namespace",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFactory(cmd)
			if err != nil {
				return err
			}
			if err := c.CreateNamespace(cmd.Context(), args[0]); err != nil {
				return apiError(err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Created namespace %s\n", args[0])
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "del NAMESPACE",
		Aliases: []string{"rm"},
		Short:   "Destroy a namespace with all its rules and conditions",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFactory(cmd)
			if err != nil {
				return err
			}
			if err := c.DeleteNamespace(cmd.Context(), args[0]); err != nil {
				return apiError(err)
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Destroyed namespace %s\n", args[0])
			return nil
		},
	})

	return cmd
}
