package others

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// Actions defines cross-cutting operations.
type Actions interface {
	Info(cmd *cobra.Command, args []string) error
	Unlock(cmd *cobra.Command, args []string) error
	GC(cmd *cobra.Command, args []string) error
	Version(cmd *cobra.Command, args []string) error
}

// Commands builds system command set (info, unlock, gc, version, completion).
func Commands(h Actions) []*cobra.Command {
	unlockCmd := &cobra.Command{
		Use:   "unlock",
		Short: "Show the lock file owner; --force removes a stale lock file",
		RunE:  h.Unlock,
	}
	unlockCmd.Flags().Bool("force", false, "remove the lock file")

	return []*cobra.Command{
		{
			Use:   "info",
			Short: "Show backend, lock and size of the token cache",
			RunE:  h.Info,
		},
		unlockCmd,
		{
			Use:   "gc",
			Short: "Remove abandoned temp files next to the token cache",
			RunE:  h.GC,
		},
		{
			Use:   "version",
			Short: "Show version, git revision, and build timestamp",
			RunE:  h.Version,
		},
		{
			Use:       "completion [bash|zsh|fish|powershell]",
			Short:     "Generate shell completion script",
			Args:      cobra.ExactArgs(1),
			ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
			RunE: func(cmd *cobra.Command, args []string) error {
				root := cmd.Root()
				switch args[0] {
				case "bash":
					return root.GenBashCompletion(os.Stdout)
				case "zsh":
					return root.GenZshCompletion(os.Stdout)
				case "fish":
					return root.GenFishCompletion(os.Stdout, true)
				case "powershell":
					return root.GenPowerShellCompletionWithDesc(os.Stdout)
				default:
					return fmt.Errorf("unsupported shell: %s", args[0])
				}
			},
		},
	}
}
