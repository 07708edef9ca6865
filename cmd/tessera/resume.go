package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/wsilab/tessera/internal/config"
	"github.com/wsilab/tessera/internal/home"
	"github.com/wsilab/tessera/internal/output"
)

var resumeOut string

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "Resume an interrupted run from its output directory",
	Long: `Resume a run against an existing output directory.

The options and task list are replayed from <out>/run.yaml, written by
'tessera run'. Patches already recorded in the manifest with their files
on disk are skipped; failed and missing patches are retried. Resuming
refuses to proceed if the patch geometry no longer matches the one the
output directory was created with.

Examples:
  tessera resume --out ./patches`,
	RunE: func(cmd *cobra.Command, args []string) error {
		layout := home.NewLayout(resumeOut)
		if _, err := os.Stat(layout.RunFilePath()); err != nil {
			return fmt.Errorf("%s has no saved run (expected %s): %w",
				resumeOut, home.RunFileName, err)
		}

		req, err := config.LoadRunRequest(layout.RunFilePath())
		if err != nil {
			return err
		}
		if len(req.Tasks) == 0 {
			return fmt.Errorf("saved run in %s lists no tasks", resumeOut)
		}

		sum, runErr := executeRun(cmd.Context(), req.Config, req.Tasks, resumeOut)
		if sum.RunID != "" {
			if err := output.Print(sum); err != nil {
				return err
			}
		}
		if runErr != nil {
			return runErr
		}
		if !sum.Ok() {
			return fmt.Errorf("run %s completed with failures: %d slide(s), %d patch(es)",
				sum.RunID, sum.SlidesFailed, sum.PatchesFailed)
		}
		return nil
	},
}

func init() {
	resumeCmd.Flags().StringVar(&resumeOut, "out", "", "output directory of the interrupted run (required)")
	_ = resumeCmd.MarkFlagRequired("out")

	rootCmd.AddCommand(resumeCmd)
}
