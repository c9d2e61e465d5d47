package cache

import "github.com/spf13/cobra"

// Actions defines token cache operations.
type Actions interface {
	Find(cmd *cobra.Command, args []string) error
	Add(cmd *cobra.Command, args []string) error
	Update(cmd *cobra.Command, args []string) error
	Remove(cmd *cobra.Command, args []string) error
}

// Commands builds the token cache command set.
func Commands(h Actions) []*cobra.Command {
	updateCmd := &cobra.Command{
		Use:   "update TYPE KEY=VALUE [KEY=VALUE...]",
		Short: "Merge fields into entries matching --match",
		Args:  cobra.MinimumNArgs(2), //nolint:mnd
		RunE:  h.Update,
	}
	updateCmd.Flags().StringSlice("match", nil, "KEY=VALUE selecting the entries to update")
	_ = updateCmd.MarkFlagRequired("match")

	return []*cobra.Command{
		{
			Use:   "find TYPE [KEY=VALUE...]",
			Short: "Print entries of a credential type matching all fields",
			Args:  cobra.MinimumNArgs(1),
			RunE:  h.Find,
		},
		{
			Use:   "add TYPE KEY=VALUE [KEY=VALUE...]",
			Short: "Add an entry",
			Args:  cobra.MinimumNArgs(2), //nolint:mnd
			RunE:  h.Add,
		},
		updateCmd,
		{
			Use:     "remove TYPE KEY=VALUE [KEY=VALUE...]",
			Aliases: []string{"rm"},
			Short:   "Remove entries matching all fields",
			Args:    cobra.MinimumNArgs(2), //nolint:mnd
			RunE:    h.Remove,
		},
	}
}
