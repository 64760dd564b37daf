package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/limba-pkg/limba/internal/errmsg"
)

var installExtra []string

var installCmd = &cobra.Command{
	Use:   "install <path-or-id>",
	Short: "Install a package archive or a remote package id",
	Long: `Install a package from a local .lpk archive or a remote
repository id. An argument ending in ".lpk" or starting with "/", "./"
or "../" is a local archive; any other argument is a remote id.

Examples:
  limba install ./hello-1.0.lpk
  limba install hello/1.0`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		target := args[0]

		var err error
		if isLocalPath(target) {
			err = client.InstallLocal(globalCtx, target, installExtra)
		} else {
			err = client.InstallRemote(globalCtx, target, installExtra)
		}

		if err != nil {
			installSpinner.Stop()
			fmt.Fprint(os.Stderr, errmsg.Format(err, &errmsg.ErrorContext{PackageID: target}))
			exitWithCode(ExitGeneral)
		}

		installSpinner.StopWithMessage(fmt.Sprintf("installed %s", target))
	},
}

func init() {
	installCmd.Flags().StringArrayVar(&installExtra, "extra", nil, "additional .lpk archives to supply as dependency sources")
}

func isLocalPath(target string) bool {
	return strings.HasSuffix(target, ".lpk") || strings.HasPrefix(target, "/") || strings.HasPrefix(target, "./") || strings.HasPrefix(target, "../")
}
