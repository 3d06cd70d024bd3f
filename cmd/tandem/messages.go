package main

import (
	"fmt"

	"github.com/aretw0/tandem/internal/presentation/tui"
	"github.com/aretw0/tandem/pkg/syncerror"
	"github.com/spf13/cobra"
)

var messagesCmd = &cobra.Command{
	Use:   "messages <code>",
	Short: "Explain a connection error code",
	Long:  `Prints the user-facing title and description for a connection error code. Unknown codes resolve to the generic message.`,
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		msg := syncerror.ForCode(args[0])
		render := tui.NewRenderer(cmd.OutOrStdout())
		out, err := render(fmt.Sprintf("# %s\n\n%s\n", msg.Title, msg.Description))
		if err != nil {
			return err
		}
		fmt.Fprint(cmd.OutOrStdout(), out)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(messagesCmd)
}
