// Package cli validates the external tools agentdeck depends on.
package cli

import (
	"fmt"
	"os/exec"
	"strings"
)

// Prerequisite is one external CLI tool agentdeck shells out to.
type Prerequisite struct {
	Name        string // command name (e.g. "claude", "git")
	Required    bool
	Description string
	InstallURL  string
	VersionFlag string // flag that prints the tool version, empty to skip
}

// DefaultPrerequisites returns the tools agentdeck needs at runtime.
func DefaultPrerequisites() []Prerequisite {
	return []Prerequisite{
		{
			Name:        "claude",
			Required:    true,
			Description: "Claude Code CLI (runs agent sessions)",
			InstallURL:  "https://claude.ai/code",
			VersionFlag: "--version",
		},
		{
			Name:        "git",
			Required:    true,
			Description: "Git version control (worktree isolation)",
			InstallURL:  "https://git-scm.com/downloads",
			VersionFlag: "--version",
		},
	}
}

// CheckResult is the outcome of probing for one prerequisite.
type CheckResult struct {
	Prerequisite Prerequisite
	Found        bool
	Path         string
	Version      string
	Error        error
}

// Check looks a tool up in PATH and probes its version.
func Check(prereq Prerequisite) CheckResult {
	result := CheckResult{Prerequisite: prereq}

	path, err := exec.LookPath(prereq.Name)
	if err != nil {
		result.Error = fmt.Errorf("%s not found in PATH", prereq.Name)
		return result
	}
	result.Found = true
	result.Path = path
	result.Version = probeVersion(prereq)
	return result
}

// CheckAll probes every prerequisite.
func CheckAll(prereqs []Prerequisite) []CheckResult {
	results := make([]CheckResult, len(prereqs))
	for i, prereq := range prereqs {
		results[i] = Check(prereq)
	}
	return results
}

// ValidateRequired returns an error listing every missing required tool, or
// nil when the environment is usable.
func ValidateRequired(prereqs []Prerequisite) error {
	var missing []string
	for _, prereq := range prereqs {
		if !prereq.Required {
			continue
		}
		if result := Check(prereq); !result.Found {
			missing = append(missing, fmt.Sprintf("  - %s (%s)\n    Install: %s",
				prereq.Name, prereq.Description, prereq.InstallURL))
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required CLI tools:\n%s", strings.Join(missing, "\n"))
	}
	return nil
}

// probeVersion runs the tool's version flag and returns the first output
// line, capped at 100 characters.
func probeVersion(prereq Prerequisite) string {
	if prereq.VersionFlag == "" {
		return ""
	}
	output, err := exec.Command(prereq.Name, prereq.VersionFlag).Output()
	if err != nil {
		return ""
	}
	version, _, _ := strings.Cut(string(output), "\n")
	version = strings.TrimSpace(version)
	if len(version) > 100 {
		version = version[:100] + "..."
	}
	return version
}

// FormatCheckResults renders check results for terminal display.
func FormatCheckResults(results []CheckResult) string {
	var sb strings.Builder
	sb.WriteString("CLI Prerequisites:\n")
	for _, r := range results {
		status := "✓"
		if !r.Found {
			status = "○"
			if r.Prerequisite.Required {
				status = "✗"
			}
		}
		sb.WriteString(fmt.Sprintf("  %s %s", status, r.Prerequisite.Name))
		switch {
		case r.Found && r.Version != "":
			sb.WriteString(fmt.Sprintf(" (%s)", r.Version))
		case !r.Found && r.Prerequisite.Required:
			sb.WriteString(" [REQUIRED]")
		case !r.Found:
			sb.WriteString(" [optional]")
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
