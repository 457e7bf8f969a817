package main

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/fatih/color"
)

var (
	red    = color.New(color.FgRed)
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
)

// runChecks runs every check and returns the names of the failed ones.
func runChecks(checks []checker, opts *runOptions) []string {
	var failed []string
	for _, check := range checks {
		fmt.Printf("  • %s... ", check.Name())
		start := time.Now()
		err := check.Run(opts)
		duration := formatDuration(time.Since(start))

		if err != nil {
			fmt.Printf("%s (%s)\n", red.Sprint("FAILED"), duration)
			if opts.Verbose {
				fmt.Printf("      Error: %v\n", err)
			}
			failed = append(failed, check.Name())
			continue
		}
		fmt.Printf("%s (%s)\n", green.Sprint("OK"), duration)
	}
	return failed
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%.2fs", d.Seconds())
	}
	return fmt.Sprintf("%dm%ds", int(d.Minutes()), int(d.Seconds())%60)
}

// runCommand runs cmd in dir and returns its combined output.
func runCommand(dir, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GOTOOLCHAIN=auto")
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}

// ensureTool finds name on PATH or in GOPATH/bin, installing it from pkg
// when missing.
func ensureTool(name, pkg string) (string, error) {
	if path, err := exec.LookPath(name); err == nil {
		return path, nil
	}
	gopath, err := runCommand(".", "go", "env", "GOPATH")
	if err == nil {
		candidate := filepath.Join(strings.TrimSpace(gopath), "bin", name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate, nil
		}
	}

	yellow.Printf("installing %s... ", name)
	if out, err := runCommand(".", "go", "install", pkg); err != nil {
		return "", fmt.Errorf("failed to install %s: %w\n%s", name, err, out)
	}
	if gopath == "" {
		return name, nil
	}
	return filepath.Join(strings.TrimSpace(gopath), "bin", name), nil
}

// findRootDir walks up from the working directory to the mailsync go.mod.
func findRootDir() (string, error) {
	dir, err := os.Getwd()
	if err != nil {
		return "", err
	}
	for {
		if isModuleRoot(dir) {
			return dir, nil
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return "", fmt.Errorf("could not find the mailsync module root")
		}
		dir = parent
	}
}

func isModuleRoot(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "go.mod"))
	if err != nil {
		return false
	}
	first, _, _ := strings.Cut(string(data), "\n")
	return strings.TrimSpace(first) == "module github.com/vdavid/mailsync"
}

// indentOutput indents each non-empty line of output.
func indentOutput(output, indent string) string {
	var b strings.Builder
	for _, line := range strings.Split(output, "\n") {
		if strings.TrimSpace(line) != "" {
			b.WriteString(indent)
			b.WriteString(line)
			b.WriteString("\n")
		}
	}
	return b.String()
}

func printError(format string, args ...any) {
	_, _ = red.Fprintf(os.Stderr, format+"\n", args...)
}
