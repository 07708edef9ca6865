package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wsilab/tessera/internal/home"
	"github.com/wsilab/tessera/internal/manifest"
	"github.com/wsilab/tessera/internal/output"
)

var statusOut string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Summarize the manifest of an output directory",
	Long: `Summarize what an output directory holds: runs, slides, and
patch counts by status. Failed patches are the ones a resume would retry.

Examples:
  tessera status --out ./patches
  tessera status --out ./patches -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		layout := home.NewLayout(statusOut)
		if _, err := os.Stat(layout.ManifestPath()); err != nil {
			return fmt.Errorf("no manifest in %s; is it a tessera output directory?", statusOut)
		}

		store, err := manifest.OpenSQLite(layout.ManifestPath())
		if err != nil {
			return err
		}
		defer store.Close()

		sum, err := store.Summarize(cmd.Context())
		if err != nil {
			return err
		}
		return output.Print(sum)
	},
}

func init() {
	statusCmd.Flags().StringVar(&statusOut, "out", "", "output directory to inspect (required)")
	_ = statusCmd.MarkFlagRequired("out")

	rootCmd.AddCommand(statusCmd)
}
