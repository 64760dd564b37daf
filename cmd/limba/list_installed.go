package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/limba-pkg/limba/internal/errmsg"
)

var listInstalledCmd = &cobra.Command{
	Use:   "list-installed",
	Short: "List installed packages",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		pkgs, err := mgr.InstalledPackages()
		if err != nil {
			fmt.Fprint(os.Stderr, errmsg.Format(err, nil))
			exitWithCode(ExitGeneral)
		}
		for _, p := range pkgs {
			fmt.Println(p.ID)
		}
	},
}
