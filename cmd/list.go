package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/xkilldash9x/scalpel-scriptlets/internal/scriptlet"
)

func newListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List the available scriptlets and their aliases",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tALIASES\tDESCRIPTION")
			for _, def := range scriptlet.NewRegistry().Names() {
				fmt.Fprintf(w, "%s\t%s\t%s\n", def.Name, strings.Join(def.Aliases, ", "), def.Description)
			}
			return w.Flush()
		},
	}
}
