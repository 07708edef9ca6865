package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/wsilab/tessera/internal/config"
	"github.com/wsilab/tessera/internal/convert"
	"github.com/wsilab/tessera/internal/output"
)

var (
	convertIn          string
	convertOut         string
	convertLevel       int
	convertExe         string
	convertDockerImage string
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert vendor slide containers to pyramidal slides",
	Long: `Convert proprietary slide containers into pyramidal slides the
pipeline can read, using the vendor converter tool.

With --in pointing at a directory, every matching container in it is
converted into --out; destinations that already exist are skipped, so an
interrupted batch can be rerun. With a file, a single conversion runs.

The converter runs either as a local executable (convert.exe_path in the
config, ${ENV_VAR} syntax supported) or inside a container when a docker
image is configured.

Examples:
  tessera convert --in case01.kfb --out case01.svs
  tessera convert --in ./raw --out ./slides --level 8
  tessera convert --in ./raw --out ./slides --docker-image wsilab/slide-converter:latest`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		mgr, err := loadConfig()
		if err != nil {
			return err
		}
		cfg := mgr.Get()

		level := cfg.Convert.Level
		if cmd.Flags().Changed("level") {
			level = convertLevel
		}
		exe := cfg.Convert.ExePath
		if cmd.Flags().Changed("exe") {
			exe = convertExe
		}
		image := cfg.Convert.DockerImage
		if cmd.Flags().Changed("docker-image") {
			image = convertDockerImage
		}

		var runner convert.Runner
		if image != "" {
			docker, err := convert.NewDockerRunner(image, level, slog.Default())
			if err != nil {
				return err
			}
			defer docker.Close()
			runner = docker
		} else {
			runner = convert.ExecRunner{
				ExePath: config.ResolveEnvVars(exe),
				Level:   level,
				Logger:  slog.Default(),
			}
		}

		fi, err := os.Stat(convertIn)
		if err != nil {
			return fmt.Errorf("input %s: %w", convertIn, err)
		}

		if fi.IsDir() {
			res, err := convert.Batch{
				Runner:    runner,
				InputExt:  cfg.Convert.InputExt,
				OutputExt: cfg.Convert.OutputExt,
				Logger:    slog.Default(),
			}.Run(ctx, convertIn, convertOut)
			if err != nil {
				return err
			}
			if err := output.Print(res); err != nil {
				return err
			}
			if !res.Ok() {
				return fmt.Errorf("%d conversion(s) failed", len(res.Failures))
			}
			return nil
		}

		dst := convertOut
		if di, err := os.Stat(dst); err == nil && di.IsDir() {
			stem := strings.TrimSuffix(filepath.Base(convertIn), filepath.Ext(convertIn))
			dst = filepath.Join(dst, stem+cfg.Convert.OutputExt)
		}
		if err := runner.Convert(ctx, convertIn, dst); err != nil {
			return err
		}
		fmt.Printf("converted %s -> %s\n", convertIn, dst)
		return nil
	},
}

func init() {
	convertCmd.Flags().StringVar(&convertIn, "in", "", "source container file or directory (required)")
	convertCmd.Flags().StringVar(&convertOut, "out", "", "destination file or directory (required)")
	convertCmd.Flags().IntVar(&convertLevel, "level", 0, "pyramid depth passed to the converter (2-9)")
	convertCmd.Flags().StringVar(&convertExe, "exe", "", "converter executable path")
	convertCmd.Flags().StringVar(&convertDockerImage, "docker-image", "", "run the converter in this image instead of locally")
	_ = convertCmd.MarkFlagRequired("in")
	_ = convertCmd.MarkFlagRequired("out")

	rootCmd.AddCommand(convertCmd)
}
