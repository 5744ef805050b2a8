package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/urfave/cli/v2"
)

var app = &cli.App{
	Name:  "reportvalidator",
	Usage: "re-parses and checks auramonitor's report files for internal consistency",
	Commands: []*cli.Command{
		validateSkipsCommand,
		validateOfflineCommand,
		validateEquivocationCommand,
		validateDirCommand,
	},
}

func main() {
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var pathFlag = &cli.StringFlag{
	Name:     "file",
	Usage:    "path to the report file to validate",
	Required: true,
}

var validateSkipsCommand = &cli.Command{
	Name:  "validate-skips",
	Usage: "validate a skips report file",
	Flags: []cli.Flag{pathFlag},
	Action: func(ctx *cli.Context) error {
		return ValidateSkipsFile(ctx.String(pathFlag.Name))
	},
}

var validateOfflineCommand = &cli.Command{
	Name:  "validate-offline",
	Usage: "validate an offline report file",
	Flags: []cli.Flag{pathFlag},
	Action: func(ctx *cli.Context) error {
		return ValidateOfflineReportFile(ctx.String(pathFlag.Name))
	},
}

var validateEquivocationCommand = &cli.Command{
	Name:  "validate-equivocation",
	Usage: "validate an equivocation report file",
	Flags: []cli.Flag{pathFlag},
	Action: func(ctx *cli.Context) error {
		return ValidateEquivocationReportFile(ctx.String(pathFlag.Name))
	},
}

var dirFlag = &cli.StringFlag{
	Name:     "report-dir",
	Usage:    "directory of report files to validate",
	Required: true,
}

var validateDirCommand = &cli.Command{
	Name:  "validate-dir",
	Usage: "validate every report file in a directory, classifying each by filename",
	Flags: []cli.Flag{dirFlag},
	Action: func(ctx *cli.Context) error {
		return validateDir(ctx.String(dirFlag.Name))
	},
}

// validateDir classifies every entry in dir by the filename conventions of
// spec.md §6 and runs the matching validator, collecting every failure
// rather than stopping at the first.
func validateDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("reportvalidator: reading %s: %w", dir, err)
	}

	var errs []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(dir, e.Name())
		var validateErr error
		switch {
		case e.Name() == "skips":
			validateErr = ValidateSkipsFile(path)
		case strings.HasPrefix(e.Name(), "offline_report_"):
			validateErr = ValidateOfflineReportFile(path)
		case strings.HasPrefix(e.Name(), "equivocation_reports_for_proposer_"):
			validateErr = ValidateEquivocationReportFile(path)
		default:
			continue
		}
		if validateErr != nil {
			errs = append(errs, validateErr.Error())
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("reportvalidator: %d file(s) failed validation:\n%s", len(errs), strings.Join(errs, "\n"))
	}
	return nil
}
