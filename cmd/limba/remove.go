package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/limba-pkg/limba/internal/errmsg"
)

var removeCmd = &cobra.Command{
	Use:   "remove <id>",
	Short: "Remove an installed package",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		id := args[0]
		if err := client.Remove(globalCtx, id); err != nil {
			fmt.Fprint(os.Stderr, errmsg.Format(err, &errmsg.ErrorContext{PackageID: id}))
			exitWithCode(ExitGeneral)
		}
		fmt.Printf("removed %s\n", id)
	},
}
