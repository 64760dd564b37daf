package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var listAvailableCmd = &cobra.Command{
	Use:   "list-available",
	Short: "List packages known through configured repositories",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		for _, p := range pkgCache.Available() {
			fmt.Println(p.ID)
		}
	},
}
