// Package mergetest rebases a task branch onto its base, runs the project's
// tests, and drives the agent to resolve conflicts or fix failures, within a
// bounded number of attempts.
package mergetest

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
)

// Framework is the detected test tooling of a worktree.
type Framework int

const (
	FrameworkNone Framework = iota
	FrameworkNode
	FrameworkPython
)

func (f Framework) String() string {
	switch f {
	case FrameworkNode:
		return "node"
	case FrameworkPython:
		return "python"
	default:
		return "none"
	}
}

// npmDefaultTest is the placeholder npm writes into fresh package.json files.
const npmDefaultTest = `echo "Error: no test specified" && exit 1`

// Detect inspects a worktree and returns the test framework and the command
// to run it. FrameworkNone means no tests are configured.
func Detect(dir string) (Framework, []string) {
	if hasNodeTests(dir) {
		return FrameworkNode, []string{"npm", "test", "--silent"}
	}
	for _, marker := range []string{"pytest.ini", "pyproject.toml", "setup.py"} {
		if fileExists(filepath.Join(dir, marker)) {
			return FrameworkPython, []string{"python", "-m", "pytest", "-x", "-q"}
		}
	}
	return FrameworkNone, nil
}

func hasNodeTests(dir string) bool {
	data, err := os.ReadFile(filepath.Join(dir, "package.json"))
	if err != nil {
		return false
	}
	var pkg struct {
		Scripts map[string]string `json:"scripts"`
	}
	if err := json.Unmarshal(data, &pkg); err != nil {
		return false
	}
	test, ok := pkg.Scripts["test"]
	if !ok {
		return false
	}
	return strings.TrimSpace(test) != "" && strings.TrimSpace(test) != npmDefaultTest
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
