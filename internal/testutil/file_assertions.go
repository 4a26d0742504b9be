package testutil

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// FileAssertions provides utilities for asserting the state of a repos tree.
type FileAssertions struct {
	t       *testing.T
	baseDir string
}

// NewFileAssertions creates a new file assertions helper rooted at baseDir.
func NewFileAssertions(t *testing.T, baseDir string) *FileAssertions {
	return &FileAssertions{t: t, baseDir: baseDir}
}

// AssertFileExists validates that a file exists. Symlinks are followed.
func (fa *FileAssertions) AssertFileExists(relativePath string) *FileAssertions {
	fa.t.Helper()
	fullPath := filepath.Join(fa.baseDir, relativePath)
	if _, err := os.Stat(fullPath); err != nil {
		fa.t.Errorf("Expected file to exist: %s (%v)", fullPath, err)
	}
	return fa
}

// AssertNotExists validates that nothing, not even a dangling link, exists at relativePath.
func (fa *FileAssertions) AssertNotExists(relativePath string) *FileAssertions {
	fa.t.Helper()
	fullPath := filepath.Join(fa.baseDir, relativePath)
	if _, err := os.Lstat(fullPath); err == nil {
		fa.t.Errorf("Expected path to not exist: %s", fullPath)
	}
	return fa
}

// AssertFileContains validates that a file contains expected content.
func (fa *FileAssertions) AssertFileContains(relativePath, expectedContent string) *FileAssertions {
	fa.t.Helper()
	content := fa.read(relativePath)
	if !strings.Contains(content, expectedContent) {
		fa.t.Errorf("Expected file %s to contain %q\nActual content:\n%s", relativePath, expectedContent, content)
	}
	return fa
}

// AssertLinkTarget validates that relativePath is a symlink whose literal
// target is expected.
func (fa *FileAssertions) AssertLinkTarget(relativePath, expected string) *FileAssertions {
	fa.t.Helper()
	fullPath := filepath.Join(fa.baseDir, relativePath)
	got, err := os.Readlink(fullPath)
	if err != nil {
		fa.t.Errorf("Expected %s to be a symlink: %v", fullPath, err)
		return fa
	}
	if filepath.Clean(got) != filepath.Clean(expected) {
		fa.t.Errorf("Link %s points at %q, expected %q", relativePath, got, expected)
	}
	return fa
}

// AssertLinkResolvesTo validates that the symlink at relativePath resolves to
// the directory at targetRelative, both relative to the base dir.
func (fa *FileAssertions) AssertLinkResolvesTo(relativePath, targetRelative string) *FileAssertions {
	fa.t.Helper()
	got, err := filepath.EvalSymlinks(filepath.Join(fa.baseDir, relativePath))
	if err != nil {
		fa.t.Errorf("Cannot resolve %s: %v", relativePath, err)
		return fa
	}
	want, err := filepath.EvalSymlinks(filepath.Join(fa.baseDir, targetRelative))
	if err != nil {
		fa.t.Errorf("Cannot resolve %s: %v", targetRelative, err)
		return fa
	}
	if got != want {
		fa.t.Errorf("Link %s resolves to %s, expected %s", relativePath, got, want)
	}
	return fa
}

// Content reads and returns the content of a file.
func (fa *FileAssertions) Content(relativePath string) string {
	fa.t.Helper()
	return fa.read(relativePath)
}

// ListFiles returns the names of the non-directory entries of a directory.
func (fa *FileAssertions) ListFiles(relativePath string) []string {
	fa.t.Helper()
	entries, err := os.ReadDir(filepath.Join(fa.baseDir, relativePath))
	if err != nil {
		fa.t.Logf("Failed to read directory %s: %v", relativePath, err)
		return nil
	}
	var files []string
	for _, entry := range entries {
		if !entry.IsDir() {
			files = append(files, entry.Name())
		}
	}
	return files
}

func (fa *FileAssertions) read(relativePath string) string {
	fa.t.Helper()
	fullPath := filepath.Join(fa.baseDir, relativePath)
	content, err := os.ReadFile(fullPath)
	if err != nil {
		fa.t.Fatalf("Failed to read file %s: %v", fullPath, err)
	}
	return string(content)
}
