package pkginfo

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/repobuilder/internal/config"
	ferrors "git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
	"git.home.luguber.info/inful/repobuilder/internal/testutil"
)

var base = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func TestParsePackages(t *testing.T) {
	pkgs, err := parsePackages([]byte(`packages:
  - name: foo
    upstream: https://example.com/foo.git
    distgit: https://example.com/foo-distgit.git
    component: common
    maintainers: [dev@example.com]
  - name: bar
    upstream: https://example.com/bar.git
    distgit: https://example.com/bar-distgit.git
    distro_branch: rpm-stable
`))
	require.NoError(t, err)
	require.Len(t, pkgs, 2)
	require.Equal(t, "common", pkgs[0].Component)
	require.Equal(t, []string{"dev@example.com"}, pkgs[0].Maintainers)

	p, ok := Find(pkgs, "bar")
	require.True(t, ok)
	require.Equal(t, "rpm-stable", p.DistroBranch)
	_, ok = Find(pkgs, "baz")
	require.False(t, ok)
}

func TestParsePackagesValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"missing upstream", "packages:\n  - name: foo\n    distgit: x\n"},
		{"duplicate", "packages:\n  - {name: foo, upstream: a, distgit: b}\n  - {name: foo, upstream: a, distgit: b}\n"},
		{"not yaml", "packages: [\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parsePackages([]byte(tt.yaml))
			require.Error(t, err)
		})
	}
}

func TestNewUnknownDriver(t *testing.T) {
	_, err := New(&config.Config{PkgInfo: config.PkgInfoConfig{Driver: "rdoinfo"}})
	require.Error(t, err)
	require.True(t, ferrors.HasCategory(err, ferrors.CategoryConfig))
	require.Contains(t, Drivers(), "gitrepo")
	require.Contains(t, Drivers(), "local")
}

func TestGitRepoCommits(t *testing.T) {
	tmp := t.TempDir()
	srcHashes := testutil.InitRepo(t, filepath.Join(tmp, "src-seed"), filepath.Join(tmp, "src.git"), base, base.Add(time.Hour), base.Add(2*time.Hour))
	distHashes := testutil.InitRepo(t, filepath.Join(tmp, "dist-seed"), filepath.Join(tmp, "dist.git"), base.Add(30*time.Minute))

	pkgFile := filepath.Join(tmp, "packages.yaml")
	require.NoError(t, os.WriteFile(pkgFile, []byte("packages:\n  - name: foo\n    upstream: "+filepath.Join(tmp, "src.git")+
		"\n    distgit: "+filepath.Join(tmp, "dist.git")+"\n    component: common\n"), 0o600))

	cfg := &config.Config{
		SourceBranch: "master",
		DistroBranch: "master",
		BuildType:    "rpm",
		PkgInfo:      config.PkgInfoConfig{Driver: "gitrepo", PackagesFile: pkgFile, WorkDir: filepath.Join(tmp, "work")},
		Retry:        config.RetryConfig{Initial: time.Millisecond, Max: time.Millisecond},
	}
	drv, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	pkgs, err := drv.Packages(ctx)
	require.NoError(t, err)
	require.Len(t, pkgs, 1)

	all, err := drv.Commits(ctx, pkgs[0], time.Time{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	for i, c := range all {
		require.Equal(t, srcHashes[i], c.CommitHash)
		require.Equal(t, distHashes[0], c.DistroHash)
		require.Equal(t, "foo", c.ProjectName)
		require.Equal(t, "common", c.Component)
		require.Equal(t, "master", c.CommitBranch)
		require.Equal(t, "rpm", c.Type)
		require.Equal(t, base.Add(30*time.Minute).Unix(), c.DtDistro)
	}
	require.Equal(t, drv.DistgitDir("foo"), all[0].DistgitDir)

	newer, err := drv.Commits(ctx, pkgs[0], base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, newer, 1)
	require.Equal(t, srcHashes[2], newer[0].CommitHash)

	require.NoError(t, drv.Preprocess(ctx, &all[0]))
	data, err := os.ReadFile(filepath.Join(all[0].RepoDir, "file.txt"))
	require.NoError(t, err)
	require.Equal(t, "revision 0\n", string(data))
}

func TestLocalDriver(t *testing.T) {
	tmp := t.TempDir()
	dist := filepath.Join(tmp, "foo-distgit")
	hashes := testutil.InitRepo(t, dist, "", base)

	cfg := &config.Config{BuildType: "rpm", PkgInfo: config.PkgInfoConfig{Driver: "local", Options: map[string]string{"distgit": dist, "name": "foo"}}}
	drv, err := New(cfg)
	require.NoError(t, err)

	ctx := context.Background()
	pkgs, err := drv.Packages(ctx)
	require.NoError(t, err)
	require.Equal(t, "foo", pkgs[0].Name)

	commits, err := drv.Commits(ctx, pkgs[0], base.Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, commits, 1)
	require.Equal(t, hashes[0], commits[0].CommitHash)
	require.Equal(t, hashes[0], commits[0].DistroHash)
	require.Equal(t, dist, drv.DistgitDir("foo"))
	require.NoError(t, drv.Preprocess(ctx, &commits[0]))

	_, err = New(&config.Config{PkgInfo: config.PkgInfoConfig{Driver: "local"}})
	require.Error(t, err)
}
