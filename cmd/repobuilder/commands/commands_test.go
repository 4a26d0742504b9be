package commands

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	ferrors "git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/testutil"
)

const buildScript = `#!/bin/sh
touch "$REPOBUILDER_OUTPUT/$PROJECT-1.0-1.src.rpm" "$REPOBUILDER_OUTPUT/$PROJECT-1.0-1.noarch.rpm"
`

type cliEnv struct {
	t          *testing.T
	configPath string
	reposDir   string
	hash       string
}

// newCLIEnv writes a configuration building one local checkout named foo
// into a file-backed sqlite ledger.
func newCLIEnv(t *testing.T) *cliEnv {
	t.Helper()
	work := t.TempDir()
	checkout := filepath.Join(work, "foo")
	require.NoError(t, os.MkdirAll(checkout, 0o755))
	hashes := testutil.InitRepo(t, checkout, "", time.Unix(1_700_000_000, 0))

	script := filepath.Join(work, "build.sh")
	require.NoError(t, os.WriteFile(script, []byte(buildScript), 0o755))

	cfg := testutil.NewConfigBuilder(t).
		WithPkgInfo("local", map[string]string{"distgit": checkout}).
		WithBuildCommand(script).
		Build()
	cfg.Database.Connection = "sqlite:///" + filepath.Join(work, "commits.sqlite")

	data, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	path := filepath.Join(work, "repobuilder.yaml")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return &cliEnv{t: t, configPath: path, reposDir: cfg.ReposDir(), hash: hashes[0]}
}

// run parses args and executes the selected command.
func (e *cliEnv) run(args ...string) (string, error) {
	e.t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("repobuilder"), kong.Vars{"version": "test"},
		kong.Exit(func(int) { e.t.Fatalf("unexpected exit for %v", args) }))
	require.NoError(e.t, err)
	kctx, err := parser.Parse(append([]string{"--config", e.configPath}, args...))
	require.NoError(e.t, err)

	var out bytes.Buffer
	err = kctx.Run(&Global{Ctx: context.Background(), Out: &out}, &cli)
	return out.String(), err
}

func TestBuildStatusAndRebuild(t *testing.T) {
	env := newCLIEnv(t)

	out, err := env.run("status")
	require.NoError(t, err)
	require.Contains(t, out, "NO_BUILD")

	out, err = env.run("build")
	require.NoError(t, err)
	require.Contains(t, out, "1 processed, 1 succeeded")

	out, err = env.run("status")
	require.NoError(t, err)
	require.Contains(t, out, "SUCCESS")
	require.Contains(t, out, env.hash)

	// Nothing new upstream.
	out, err = env.run("build")
	require.NoError(t, err)
	require.Contains(t, out, "0 processed")

	// Developer mode rebuilds without touching the ledger.
	out, err = env.run("build", "--dev")
	require.NoError(t, err)
	require.Contains(t, out, "1 processed")
}

func TestBuildRunFlag(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("repobuilder"), kong.Vars{"version": "test"})
	require.NoError(t, err)
	_, err = parser.Parse([]string{"build", "--run", "rpmlint -i", "--dev"})
	require.NoError(t, err)

	opts := cli.Build.Options()
	require.Equal(t, []string{"rpmlint", "-i"}, opts.RunMethod)
	require.True(t, opts.DevMode)
}

func TestBuildFailureExitCode(t *testing.T) {
	env := newCLIEnv(t)
	failing := filepath.Join(filepath.Dir(env.configPath), "build.sh")
	require.NoError(t, os.WriteFile(failing, []byte("#!/bin/sh\nexit 1\n"), 0o755))

	_, err := env.run("build")
	var exit *ExitCodeError
	require.ErrorAs(t, err, &exit)
	require.Equal(t, 1, exit.Code)

	out, err := env.run("status")
	require.NoError(t, err)
	require.Contains(t, out, "FAILED")

	out, err = env.run("build", "--recheck", "--package-name", "foo")
	require.NoError(t, err)
	require.Contains(t, out, "deleted")

	out, err = env.run("status")
	require.NoError(t, err)
	require.Contains(t, out, "NO_BUILD")
}

func TestForceRecheckNeedsPermission(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run("build")
	require.NoError(t, err)

	_, err = env.run("build", "--recheck", "--force-recheck", "--package-name", "foo")
	require.Error(t, err)
	require.Equal(t, ferrors.ExitConfig, ferrors.NewCLIErrorAdapter(false, nil).ExitCodeFor(err))

	_, err = env.run("build", "--recheck", "--package-name", "foo")
	require.Error(t, err, "successful builds need --force-recheck")

	out, err := env.run("build", "--recheck", "--force-recheck", "--allow-force-recheck", "--package-name", "foo")
	require.NoError(t, err)
	require.Contains(t, out, "deleted")
}

func TestPromoteAndPurgeDryRun(t *testing.T) {
	env := newCLIEnv(t)
	_, err := env.run("build")
	require.NoError(t, err)

	// One checkout serves as source and packaging repository.
	out, err := env.run("promote", "--commit-hash", env.hash, "--distro-hash", env.hash, "tested")
	require.NoError(t, err)
	require.Contains(t, out, "promoted foo")
	_, err = os.Lstat(filepath.Join(env.reposDir, "tested"))
	require.NoError(t, err)

	out, err = env.run("purge", "--older-than", "1", "--dry-run")
	require.NoError(t, err)
	require.Contains(t, out, "0 commits would purge")
}

func TestPromoteBatchRejectsMalformedIdentity(t *testing.T) {
	cmd := &PromoteBatchCmd{Name: "tested", Commits: []string{"abc:def", "nodistro"}}
	_, err := cmd.Items()
	require.Error(t, err)

	cmd.Commits = []string{"abc:def:ext:comp", "ci=fed:cba"}
	items, err := cmd.Items()
	require.NoError(t, err)
	require.Equal(t, "ext", items[0].Key.ExtendedHash)
	require.Equal(t, "comp", items[0].Key.Component)
	require.Equal(t, "tested", items[0].Name)
	require.Equal(t, "ci", items[1].Name)
	require.Equal(t, "fed", items[1].Key.CommitHash)

	// Without --name every item needs its own.
	cmd = &PromoteBatchCmd{Commits: []string{"abc:def"}}
	_, err = cmd.Items()
	require.Error(t, err)
}

func TestPurgeConfirmation(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"y\n", true},
		{"YES\n", true},
		{"n\n", false},
		{"", false},
	}
	for _, tt := range tests {
		p := &PurgeCmd{stdin: strings.NewReader(tt.input)}
		if got := p.confirm(); got != tt.want {
			t.Errorf("confirm(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

func TestInitWritesConfig(t *testing.T) {
	env := &cliEnv{t: t, configPath: filepath.Join(t.TempDir(), "repobuilder.yaml")}
	out, err := env.run("init")
	require.NoError(t, err)
	require.Contains(t, out, "initialized successfully")

	_, err = env.run("init")
	require.Error(t, err)
}

func TestOrderWritesGraph(t *testing.T) {
	env := newCLIEnv(t)
	checkout := filepath.Join(filepath.Dir(env.configPath), "foo")
	testutil.WriteSpec(t, checkout, "foo", "Name: foo\nVersion: 1.0\nBuildRequires: bar\n")

	dot := filepath.Join(t.TempDir(), "graph.dot")
	out, err := env.run("order", "--graph", dot)
	require.NoError(t, err)
	require.Equal(t, "foo\n", out)

	data, err := os.ReadFile(dot)
	require.NoError(t, err)
	require.Contains(t, string(data), "digraph")
}
