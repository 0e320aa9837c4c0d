package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/trace-statemap/internal/converter"
	"github.com/withObsrvr/trace-statemap/internal/schema"
)

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "trace-statemap %s (%s) schema %s\n",
				converter.Version, converter.GitSHA, schema.Version)
		},
	}
}
