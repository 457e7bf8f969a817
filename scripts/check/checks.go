package main

import (
	"fmt"
	"strings"
)

// runOptions carries the command-line switches every checker sees.
type runOptions struct {
	CI      bool
	Verbose bool
	Short   bool
	RootDir string
}

type checker interface {
	Name() string
	Run(opts *runOptions) error
}

// gofmtCheck lists unformatted files and, outside CI, rewrites them.
type gofmtCheck struct{}

func (gofmtCheck) Name() string { return "gofmt" }

func (gofmtCheck) Run(opts *runOptions) error {
	unformatted, err := gofmtList(opts.RootDir)
	if err != nil {
		return err
	}
	if len(unformatted) == 0 {
		return nil
	}

	fmt.Println()
	fmt.Println("    Files not formatted:")
	for _, file := range unformatted {
		fmt.Printf("      %s\n", file)
	}
	if opts.CI {
		return fmt.Errorf("%d file(s) need formatting", len(unformatted))
	}

	if out, err := runCommand(opts.RootDir, "gofmt", "-s", "-w", "cmd", "internal", "scripts"); err != nil {
		return fmt.Errorf("gofmt -w failed: %w\n%s", err, out)
	}
	remaining, err := gofmtList(opts.RootDir)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return fmt.Errorf("%d file(s) still unformatted after gofmt -w", len(remaining))
	}
	return nil
}

func gofmtList(root string) ([]string, error) {
	out, err := runCommand(root, "gofmt", "-s", "-l", "cmd", "internal", "scripts")
	if err != nil {
		return nil, fmt.Errorf("gofmt failed: %w\n%s", err, out)
	}
	return nonEmptyLines(out), nil
}

// modTidyCheck fails when go.mod or go.sum would change under go mod tidy.
type modTidyCheck struct{}

func (modTidyCheck) Name() string { return "go-mod-tidy" }

func (modTidyCheck) Run(opts *runOptions) error {
	out, err := runCommand(opts.RootDir, "go", "mod", "tidy", "-diff")
	if err != nil {
		fmt.Println()
		fmt.Print(indentOutput(out, "      "))
		return fmt.Errorf("go.mod or go.sum needs tidying, run: go mod tidy")
	}
	return nil
}

// toolCheck runs a command over ./... and fails on a non-zero exit. Tools
// with an install path are installed on first use.
type toolCheck struct {
	name    string
	tool    string
	install string
	args    []string
	// pass reports success from output alone, for tools whose exit code
	// also covers findings outside our code.
	pass func(output string) bool
}

func (c toolCheck) Name() string { return c.name }

func (c toolCheck) Run(opts *runOptions) error {
	tool := c.tool
	if c.install != "" {
		path, err := ensureTool(c.tool, c.install)
		if err != nil {
			return err
		}
		tool = path
	}
	out, err := runCommand(opts.RootDir, tool, c.args...)
	if c.pass != nil && c.pass(out) {
		return nil
	}
	if err != nil {
		fmt.Println()
		fmt.Print(indentOutput(out, "      "))
		return fmt.Errorf("%s failed", c.name)
	}
	return nil
}

// testsCheck runs the test suite. Short mode skips the Postgres container
// tests.
type testsCheck struct{}

func (testsCheck) Name() string { return "tests" }

func (testsCheck) Run(opts *runOptions) error {
	args := []string{"test", "-race"}
	if opts.Short {
		args = append(args, "-short")
	}
	args = append(args, "./...")
	out, err := runCommand(opts.RootDir, "go", args...)
	if err != nil {
		fmt.Println()
		fmt.Print(indentOutput(out, "      "))
		return fmt.Errorf("tests failed")
	}
	if opts.Verbose {
		fmt.Println()
		fmt.Print(indentOutput(out, "      "))
	}
	return nil
}

func allChecks() []checker {
	return []checker{
		gofmtCheck{},
		modTidyCheck{},
		toolCheck{name: "go-vet", tool: "go", args: []string{"vet", "./..."}},
		toolCheck{
			name:    "staticcheck",
			tool:    "staticcheck",
			install: "honnef.co/go/tools/cmd/staticcheck@latest",
			args:    []string{"./..."},
		},
		toolCheck{
			name:    "govulncheck",
			tool:    "govulncheck",
			install: "golang.org/x/vuln/cmd/govulncheck@latest",
			args:    []string{"./..."},
			pass: func(out string) bool {
				return strings.Contains(out, "Your code is affected by 0 vulnerabilities") ||
					strings.Contains(out, "No vulnerabilities found")
			},
		},
		toolCheck{
			name:    "ineffassign",
			tool:    "ineffassign",
			install: "github.com/gordonklaus/ineffassign@latest",
			args:    []string{"./..."},
		},
		toolCheck{
			name:    "misspell",
			tool:    "misspell",
			install: "github.com/client9/misspell/cmd/misspell@latest",
			args:    []string{"-error", "cmd", "internal", "scripts"},
		},
		testsCheck{},
	}
}

func checkByName(name string) checker {
	for _, c := range allChecks() {
		if strings.EqualFold(c.Name(), name) {
			return c
		}
	}
	return nil
}

func checkNames() []string {
	var names []string
	for _, c := range allChecks() {
		names = append(names, c.Name())
	}
	return names
}

func nonEmptyLines(s string) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
