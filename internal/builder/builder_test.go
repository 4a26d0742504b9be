package builder

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/repobuilder/internal/config"
	ferrors "git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/ledger"
)

func testCommit() ledger.Commit {
	return ledger.Commit{
		ProjectName: "foo",
		CommitHash:  "abc123def456",
		DistroHash:  "0123456789abcdef",
		DtCommit:    100,
		Type:        "rpm",
	}
}

func commitDir(c ledger.Commit) string { return c.Dir() }

func writeScript(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "build.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o700)) // #nosec G306 -- test script must be executable
	return path
}

type fakeDriver struct {
	build func(req Request) ([]string, error)
}

func (f fakeDriver) Build(_ context.Context, req Request) ([]string, error) { return f.build(req) }

func TestScriptDriverCollectsArtifacts(t *testing.T) {
	tmp := t.TempDir()
	dataDir := filepath.Join(tmp, "data")
	script := writeScript(t, tmp, `
out="$3"
echo "building $2 for $1 worker=$REPOBUILDER_BUILDROOT hash=$COMMIT_HASH"
touch "$out/foo-1.0-1.src.rpm" "$out/foo-1.0-1.noarch.rpm" "$out/installed"
`)
	cfg := &config.Config{Target: "centos", BaseURL: "http://example", BuildType: "rpm", Build: config.BuildConfig{Driver: "script", Command: []string{script}}}
	drv, err := New(cfg)
	require.NoError(t, err)

	w := NewWorker(drv, dataDir, filepath.Join(dataDir, "repos"), nil, nil)
	res := w.Run(context.Background(), 3, testCommit())
	require.NoError(t, res.Err)
	require.Equal(t, "OK", res.Notes)

	dir := "repos/" + res.Commit.Dir()
	require.Equal(t, []string{dir + "/foo-1.0-1.noarch.rpm", dir + "/foo-1.0-1.src.rpm"}, res.Artifacts)
	require.NotZero(t, res.Commit.DtBuild)

	log, err := os.ReadFile(filepath.Join(dataDir, dir, BuildLog))
	require.NoError(t, err)
	require.Contains(t, string(log), "building foo for centos worker=repobuilder-3 hash=abc123def456")
}

func TestScriptDriverFailure(t *testing.T) {
	tmp := t.TempDir()
	script := writeScript(t, tmp, "echo 'Error downloading packages' >&2\nexit 1\n")
	drv, err := New(&config.Config{Build: config.BuildConfig{Driver: "script", Command: []string{script}}})
	require.NoError(t, err)

	reposDir := filepath.Join(tmp, "repos")
	w := NewWorker(drv, tmp, reposDir, nil, nil)
	res := w.Run(context.Background(), 1, testCommit())
	require.Error(t, res.Err)
	require.True(t, ferrors.HasCategory(res.Err, ferrors.CategoryBuild))

	known, err := CompileKnownErrors(config.DefaultKnownErrors)
	require.NoError(t, err)
	require.True(t, known.MatchLogs(filepath.Join(reposDir, commitDir(testCommit()))))
}

func TestScriptDriverTimeout(t *testing.T) {
	tmp := t.TempDir()
	script := writeScript(t, tmp, "sleep 5\n")
	drv, err := New(&config.Config{Build: config.BuildConfig{Driver: "script", Command: []string{script}, Timeout: 50 * time.Millisecond}})
	require.NoError(t, err)

	res := NewWorker(drv, tmp, filepath.Join(tmp, "repos"), nil, nil).Run(context.Background(), 1, testCommit())
	require.Error(t, res.Err)
	require.Contains(t, res.Err.Error(), "timed out")
}

func TestWorkerNoArtifacts(t *testing.T) {
	tmp := t.TempDir()
	drv := fakeDriver{build: func(Request) ([]string, error) { return nil, nil }}
	res := NewWorker(drv, tmp, filepath.Join(tmp, "repos"), nil, nil).Run(context.Background(), 1, testCommit())
	require.Error(t, res.Err)
	require.Contains(t, res.Err.Error(), "no artifacts built")
}

func TestWorkerRecoversPanic(t *testing.T) {
	tmp := t.TempDir()
	drv := fakeDriver{build: func(Request) ([]string, error) { panic("mock exploded") }}
	res := NewWorker(drv, tmp, filepath.Join(tmp, "repos"), nil, nil).Run(context.Background(), 2, testCommit())
	require.Error(t, res.Err)
	require.Contains(t, res.Err.Error(), "mock exploded")
	require.Equal(t, "foo", res.Commit.ProjectName)
}

func TestWorkerPrepareFailure(t *testing.T) {
	tmp := t.TempDir()
	called := false
	drv := fakeDriver{build: func(Request) ([]string, error) { called = true; return []string{"x.rpm"}, nil }}
	prep := func(context.Context, *ledger.Commit) error { return errors.New("checkout failed") }
	res := NewWorker(drv, tmp, filepath.Join(tmp, "repos"), prep, nil).Run(context.Background(), 1, testCommit())
	require.EqualError(t, res.Err, "checkout failed")
	require.False(t, called)
}

func TestWorkerResetsOutputDir(t *testing.T) {
	tmp := t.TempDir()
	reposDir := filepath.Join(tmp, "repos")
	stale := filepath.Join(reposDir, commitDir(testCommit()), "stale.rpm")
	require.NoError(t, os.MkdirAll(filepath.Dir(stale), 0o750))
	require.NoError(t, os.WriteFile(stale, nil, 0o600))

	var seen Request
	drv := fakeDriver{build: func(req Request) ([]string, error) {
		seen = req
		return []string{"repos/x.rpm"}, nil
	}}
	res := NewWorker(drv, tmp, reposDir, nil, []string{"EXTRA=1"}).Run(context.Background(), 4, testCommit())
	require.NoError(t, res.Err)
	require.NoFileExists(t, stale)
	require.Equal(t, "repobuilder-4", seen.BuildRoot)
	require.Equal(t, []string{"EXTRA=1"}, seen.Env)
}

func TestRunCommand(t *testing.T) {
	tmp := t.TempDir()
	marker := filepath.Join(tmp, "ran")
	script := writeScript(t, tmp, "echo \"$2\" > "+marker+"\n")
	w := NewWorker(nil, tmp, filepath.Join(tmp, "repos"), nil, nil)

	res := w.RunCommand(context.Background(), []string{script}, "centos", "http://example", testCommit())
	require.NoError(t, res.Err)
	data, err := os.ReadFile(marker)
	require.NoError(t, err)
	require.Equal(t, "foo", strings.TrimSpace(string(data)))

	res = w.RunCommand(context.Background(), []string{"/bin/false"}, "centos", "", testCommit())
	require.Error(t, res.Err)
}

func TestKnownErrors(t *testing.T) {
	known, err := CompileKnownErrors([]string{`No route to host`, `Could not resolve host`})
	require.NoError(t, err)

	tests := []struct {
		text string
		want bool
	}{
		{"curl: (7) Failed: No route to host", true},
		{"line one\nCould not resolve host: mirror\n", true},
		{"error: Bad exit status from /var/tmp/rpm-tmp (%build)", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := known.Match(tt.text); got != tt.want {
			t.Errorf("Match(%q) = %v, want %v", tt.text, got, tt.want)
		}
	}

	empty, err := CompileKnownErrors(nil)
	require.NoError(t, err)
	require.False(t, empty.Match("No route to host"))

	_, err = CompileKnownErrors([]string{"("})
	require.Error(t, err)

	dir := t.TempDir()
	require.False(t, known.MatchLogs(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "rpmbuild.log"), []byte("ok\nNo route to host\n"), 0o600))
	require.True(t, known.MatchLogs(dir))
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(&config.Config{Build: config.BuildConfig{Driver: "koji"}})
	require.Error(t, err)
	_, err = New(&config.Config{Build: config.BuildConfig{Driver: "script"}})
	require.Error(t, err)
	require.Equal(t, []string{"script"}, Drivers())
}
