// Package git observes what an agent changed in the working tree. It never
// commits or switches branches; that is left to the agent.
package git

import (
	"fmt"
	"os/exec"
	"sort"
	"strings"
)

// Repo runs read-only git queries in one working directory.
type Repo struct {
	workDir string
}

// New creates a Repo for the given working directory.
func New(workDir string) *Repo {
	return &Repo{workDir: workDir}
}

func (r *Repo) git(args ...string) ([]byte, error) {
	cmd := exec.Command("git", args...)
	cmd.Dir = r.workDir
	return cmd.Output()
}

// IsGitRepo checks if the working directory is a git repository.
func (r *Repo) IsGitRepo() bool {
	out, err := r.git("rev-parse", "--is-inside-work-tree")
	return err == nil && strings.TrimSpace(string(out)) == "true"
}

// Head returns the commit HEAD points at, or "" outside a repository or
// before the first commit.
func (r *Repo) Head() string {
	out, err := r.git("rev-parse", "--verify", "--quiet", "HEAD")
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// CurrentBranch returns the name of the current git branch.
func (r *Repo) CurrentBranch() (string, error) {
	out, err := r.git("rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", fmt.Errorf("get current branch: %w", err)
	}
	return strings.TrimSpace(string(out)), nil
}

// ChangedFiles lists files that differ between two commits. Empty or equal
// commits yield nothing.
func (r *Repo) ChangedFiles(from, to string) ([]string, error) {
	if from == "" || to == "" || from == to {
		return nil, nil
	}
	out, err := r.git("diff", "--name-only", from, to)
	if err != nil {
		return nil, fmt.Errorf("git diff %s..%s: %w", short(from), short(to), err)
	}
	return lines(string(out)), nil
}

// DirtyFiles lists paths with uncommitted changes, including untracked
// files. For renames the new path is reported.
func (r *Repo) DirtyFiles() ([]string, error) {
	if !r.IsGitRepo() {
		return nil, nil
	}
	out, err := r.git("status", "--porcelain", "--untracked-files=all")
	if err != nil {
		return nil, fmt.Errorf("git status: %w", err)
	}
	var files []string
	for _, line := range strings.Split(string(out), "\n") {
		if len(line) < 4 {
			continue
		}
		path := line[3:]
		if i := strings.Index(path, " -> "); i >= 0 {
			path = path[i+4:]
		}
		files = append(files, strings.Trim(path, `"`))
	}
	sort.Strings(files)
	return files, nil
}

// HasUncommittedChanges checks if there are uncommitted changes in the working tree.
func (r *Repo) HasUncommittedChanges() bool {
	out, err := r.git("status", "--porcelain")
	if err != nil {
		return false
	}
	return strings.TrimSpace(string(out)) != ""
}

// LogCommits returns one line per commit in from..to.
func (r *Repo) LogCommits(from, to string) ([]string, error) {
	if from == "" || to == "" || from == to {
		return nil, nil
	}
	out, err := r.git("log", "--oneline", from+".."+to)
	if err != nil {
		return nil, fmt.Errorf("git log: %w", err)
	}
	return lines(string(out)), nil
}

func lines(s string) []string {
	var out []string
	for _, l := range strings.Split(strings.TrimSpace(s), "\n") {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

func short(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
