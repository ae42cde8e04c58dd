package git

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"
)

// gitRun runs a git command in dir with a fixed identity.
func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"GIT_AUTHOR_NAME=test",
		"GIT_AUTHOR_EMAIL=test@test.com",
		"GIT_COMMITTER_NAME=test",
		"GIT_COMMITTER_EMAIL=test@test.com",
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("git %s failed: %s\n%s", strings.Join(args, " "), err, out)
	}
}

// initTestRepo creates a temporary git repo with an initial commit.
func initTestRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()

	gitRun(t, dir, "init", "-b", "main")
	gitRun(t, dir, "config", "user.email", "test@test.com")
	gitRun(t, dir, "config", "user.name", "test")

	writeFile(t, dir, "README.md", "# test\n")
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "initial commit")

	return dir
}

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestIsGitRepo(t *testing.T) {
	if !New(initTestRepo(t)).IsGitRepo() {
		t.Fatal("expected IsGitRepo to return true")
	}
	if New(t.TempDir()).IsGitRepo() {
		t.Fatal("expected IsGitRepo to return false for non-git dir")
	}
}

func TestCurrentBranch(t *testing.T) {
	branch, err := New(initTestRepo(t)).CurrentBranch()
	if err != nil {
		t.Fatalf("CurrentBranch: %v", err)
	}
	if branch != "main" {
		t.Fatalf("expected 'main', got %q", branch)
	}
}

func TestHead(t *testing.T) {
	dir := initTestRepo(t)
	r := New(dir)

	head := r.Head()
	if len(head) != 40 {
		t.Fatalf("expected a full sha, got %q", head)
	}

	writeFile(t, dir, "a.go", "package a\n")
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "add a")
	if r.Head() == head {
		t.Fatal("expected HEAD to move after a commit")
	}

	if got := New(t.TempDir()).Head(); got != "" {
		t.Fatalf("expected empty head outside a repo, got %q", got)
	}
}

func TestHead_NoCommits(t *testing.T) {
	dir := t.TempDir()
	gitRun(t, dir, "init", "-b", "main")
	if got := New(dir).Head(); got != "" {
		t.Fatalf("expected empty head before first commit, got %q", got)
	}
}

func TestChangedFiles(t *testing.T) {
	dir := initTestRepo(t)
	r := New(dir)
	before := r.Head()

	writeFile(t, dir, "internal/a.go", "package a\n")
	writeFile(t, dir, "README.md", "# changed\n")
	gitRun(t, dir, "add", ".")
	gitRun(t, dir, "commit", "-m", "story A")
	gitRun(t, dir, "commit", "--allow-empty", "-m", "empty")
	after := r.Head()

	files, err := r.ChangedFiles(before, after)
	if err != nil {
		t.Fatalf("ChangedFiles: %v", err)
	}
	if len(files) != 2 || files[0] != "README.md" || files[1] != "internal/a.go" {
		t.Fatalf("expected [README.md internal/a.go], got %v", files)
	}

	commits, err := r.LogCommits(before, after)
	if err != nil {
		t.Fatalf("LogCommits: %v", err)
	}
	if len(commits) != 2 || !strings.Contains(commits[1], "story A") {
		t.Fatalf("expected two commits, got %v", commits)
	}
}

func TestChangedFiles_NoMovement(t *testing.T) {
	r := New(initTestRepo(t))
	head := r.Head()

	for _, pair := range [][2]string{{head, head}, {"", head}, {head, ""}} {
		files, err := r.ChangedFiles(pair[0], pair[1])
		if err != nil || len(files) != 0 {
			t.Fatalf("ChangedFiles(%q, %q) = %v, %v", pair[0], pair[1], files, err)
		}
	}
}

func TestDirtyFiles(t *testing.T) {
	dir := initTestRepo(t)
	r := New(dir)

	if r.HasUncommittedChanges() {
		t.Fatal("expected no uncommitted changes in fresh repo")
	}
	files, err := r.DirtyFiles()
	if err != nil || len(files) != 0 {
		t.Fatalf("expected clean tree, got %v, %v", files, err)
	}

	writeFile(t, dir, "README.md", "# edited\n")
	writeFile(t, dir, "new/untracked.txt", "x")
	gitRun(t, dir, "mv", "README.md", "DOCS.md")

	if !r.HasUncommittedChanges() {
		t.Fatal("expected uncommitted changes")
	}
	files, err = r.DirtyFiles()
	if err != nil {
		t.Fatalf("DirtyFiles: %v", err)
	}
	if len(files) != 2 || files[0] != "DOCS.md" || files[1] != "new/untracked.txt" {
		t.Fatalf("expected [DOCS.md new/untracked.txt], got %v", files)
	}
}

func TestDirtyFiles_NotARepo(t *testing.T) {
	files, err := New(t.TempDir()).DirtyFiles()
	if err != nil || files != nil {
		t.Fatalf("expected nothing outside a repo, got %v, %v", files, err)
	}
}
