package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/limba-pkg/limba/internal/errmsg"
)

var updateCmd = &cobra.Command{
	Use:   "update",
	Short: "Refresh the package index from every configured repository",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		if err := client.Update(globalCtx); err != nil {
			fmt.Fprint(os.Stderr, errmsg.Format(err, nil))
			exitWithCode(ExitGeneral)
		}
		fmt.Println("repository index updated")
	},
}
