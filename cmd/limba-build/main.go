// Command limba-build assembles a .lpk package archive from a staged
// payload directory and a TOML manifest, the Go-domain front-end for
// internal/builder.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/limba-pkg/limba/internal/builder"
)

var outPath string

var rootCmd = &cobra.Command{
	Use:   "limba-build <manifest.toml> <payload-dir>",
	Short: "Assemble a limba package archive from a manifest and staged payload",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		manifestPath, payloadDir := args[0], args[1]

		m, err := builder.LoadManifest(manifestPath)
		if err != nil {
			return err
		}

		out := outPath
		if out == "" {
			out = fmt.Sprintf("%s-%s.lpk", m.Name, m.Version)
		}

		if err := builder.Build(m, payloadDir, out, nil, ""); err != nil {
			return err
		}

		fmt.Fprintf(os.Stdout, "built %s\n", out)
		return nil
	},
}

func init() {
	rootCmd.Flags().StringVarP(&outPath, "output", "o", "", "output archive path (default <name>-<version>.lpk)")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
