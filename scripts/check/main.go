// Command check runs the repository's code quality checks: formatting, module
// hygiene, static analysis and tests.
package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &runOptions{}
	var only string

	cmd := &cobra.Command{
		Use:           "check",
		Short:         "Run code quality checks",
		Long:          "Runs every check in order, or one with --check. Without --ci, fixable problems (gofmt) are fixed in place.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rootDir, err := findRootDir()
			if err != nil {
				printError("Error: %v", err)
				return err
			}
			opts.RootDir = rootDir

			checks := allChecks()
			if only != "" {
				check := checkByName(only)
				if check == nil {
					printError("Error: unknown check %q. Available: %s", only, strings.Join(checkNames(), ", "))
					return fmt.Errorf("unknown check %q", only)
				}
				checks = []checker{check}
			}

			start := time.Now()
			failed := runChecks(checks, opts)
			fmt.Println()
			if len(failed) > 0 {
				red.Println("Some checks failed.")
				yellow.Printf("Total runtime: %s\n", formatDuration(time.Since(start)))
				fmt.Println()
				fmt.Println("To rerun a specific check:")
				for _, name := range failed {
					fmt.Printf("  go run ./scripts/check --check %s\n", name)
				}
				return fmt.Errorf("%d check(s) failed", len(failed))
			}
			green.Println("All checks passed!")
			yellow.Printf("Total runtime: %s\n", formatDuration(time.Since(start)))
			return nil
		},
	}
	cmd.Flags().StringVar(&only, "check", "", "run a single check by name")
	cmd.Flags().BoolVar(&opts.CI, "ci", false, "disable auto-fixing")
	cmd.Flags().BoolVar(&opts.Verbose, "verbose", false, "show detailed output")
	cmd.Flags().BoolVar(&opts.Short, "short", false, "skip tests that need Docker")
	return cmd
}
