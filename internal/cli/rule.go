package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bolasblack/nfcond/internal/daemon"
	"github.com/bolasblack/nfcond/internal/xt"
)

func newRuleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rule",
		Short: "Manage the rules of a namespace",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list NAMESPACE",
		Short: "List rules in evaluation order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFactory(cmd)
			if err != nil {
				return err
			}
			rules, err := c.Rules(cmd.Context(), args[0])
			if err != nil {
				return apiError(err)
			}
			if len(rules) == 0 {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "No rules in %s.\n", args[0])
				return nil
			}

			tw := newTable(cmd.OutOrStdout())
			_, _ = fmt.Fprintln(tw, "ID\tMATCH\tVERDICT")
			for _, r := range rules {
				_, _ = fmt.Fprintf(tw, "%s\t%s %s\t%s\n", r.ID, xt.MatchName, r.Match, r.Verdict)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add NAMESPACE [!]CONDITION VERDICT",
		Short: "Append a rule matching a condition",
		Long: `Append a rule that matches while CONDITION is 1 (or 0 with a leading "!")
and yields VERDICT (accept, drop or reject).`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := xt.ParseMatch(args[1])
			if err != nil {
				return err
			}
			v, err := xt.ParseVerdict(args[2])
			if err != nil {
				return err
			}
			c, err := clientFactory(cmd)
			if err != nil {
				return err
			}
			rule, err := c.AddRule(cmd.Context(), args[0], daemon.RuleSpec{
				Condition: m.Name,
				Invert:    m.Invert,
				Verdict:   v.String(),
			})
			if err != nil {
				return apiError(err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), rule.ID)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:     "del NAMESPACE ID",
		Aliases: []string{"rm"},
		Short:   "Remove a rule",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFactory(cmd)
			if err != nil {
				return err
			}
			return apiError(c.DeleteRule(cmd.Context(), args[0], args[1]))
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "policy NAMESPACE [VERDICT]",
		Short: "Show or set the verdict used when no rule matches",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v xt.Verdict
			if len(args) == 2 {
				var err error
				if v, err = xt.ParseVerdict(args[1]); err != nil {
					return err
				}
			}
			c, err := clientFactory(cmd)
			if err != nil {
				return err
			}
			if len(args) == 2 {
				return apiError(c.SetPolicy(cmd.Context(), args[0], v))
			}
			v, err = c.Policy(cmd.Context(), args[0])
			if err != nil {
				return apiError(err)
			}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), v)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "eval NAMESPACE",
		Short: "Evaluate the rule list against current condition values",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := clientFactory(cmd)
			if err != nil {
				return err
			}
			res, err := c.Evaluate(cmd.Context(), args[0])
			if err != nil {
				return apiError(err)
			}
			if res.Rule == nil {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (policy)\n", res.Verdict)
				return nil
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s (rule %s)\n", res.Verdict, res.Rule)
			return nil
		},
	})

	return cmd
}
