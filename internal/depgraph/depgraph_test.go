package depgraph

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/repobuilder/internal/ledger"
)

const sampleSpec = `%global pypi_name oslo-config
%define with_doc 1
Name:           python-%{pypi_name}
Version:        XXX
Release:        XXX

BuildRequires:  python3-devel >= 3.6, python3-setuptools
BuildRequires:  python3-pbr
Requires:       python3-six

%package -n     python3-%{pypi_name}
Summary:        Oslo Configuration API
Provides:       oslo-config = %{version}

%package doc
Summary:        Documentation
BuildRequires:  python3-sphinx
# BuildRequires: commented-out
`

func TestParseSpec(t *testing.T) {
	pkg, err := ParseSpec("python-oslo-config.spec", strings.NewReader(sampleSpec))
	require.NoError(t, err)

	require.Equal(t, "python-oslo-config", pkg.Name)
	require.Equal(t, []string{"python3-oslo-config", "oslo-config", "python-oslo-config-doc"}, pkg.Provides)
	require.Equal(t, []string{"python3-devel", "python3-pbr", "python3-setuptools", "python3-six", "python3-sphinx"}, pkg.BuildRequires)
}

func TestParseSpecMissingName(t *testing.T) {
	_, err := ParseSpec("broken.spec", strings.NewReader("BuildRequires: gcc\n"))
	require.Error(t, err)
	require.Contains(t, err.Error(), "broken.spec")
}

func TestExpandMacros(t *testing.T) {
	defs := map[string]string{"name": "foo", "srcname": "%{name}-src"}
	tests := []struct {
		in   string
		want string
	}{
		{"%{name}", "foo"},
		{"python3-%{name}", "python3-foo"},
		{"%{srcname}", "foo-src"},
		{"%{unknown}bar", "bar"},
		{"plain", "plain"},
		{"%{unterminated", "%{unterminated"},
	}
	for _, tt := range tests {
		if got := expandMacros(tt.in, defs); got != tt.want {
			t.Errorf("expandMacros(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadSpecDir(t *testing.T) {
	root := t.TempDir()
	a := filepath.Join(root, "a")
	b := filepath.Join(root, "b")
	empty := filepath.Join(root, "empty")
	for _, d := range []string{a, b, empty} {
		require.NoError(t, os.MkdirAll(d, 0o750))
	}
	require.NoError(t, os.WriteFile(filepath.Join(a, "a.spec"), []byte("Name: a\nBuildRequires: b-devel\n"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(b, "b.spec"), []byte("Name: b\n%package devel\n"), 0o600))

	pkgs, err := LoadSpecDir(a, b, empty)
	require.NoError(t, err)
	require.Len(t, pkgs, 2)

	order, cycles := Order(pkgs)
	require.Empty(t, cycles)
	require.Equal(t, []string{"b", "a"}, order)
}

func indexOf(order []string) map[string]int {
	idx := make(map[string]int, len(order))
	for i, n := range order {
		idx[n] = i
	}
	return idx
}

func TestOrderRespectsDependencies(t *testing.T) {
	pkgs := []Package{
		{Name: "app", BuildRequires: []string{"libfoo-devel", "python3-bar"}},
		{Name: "libfoo", Provides: []string{"libfoo-devel"}},
		{Name: "bar", Provides: []string{"python3-bar"}, BuildRequires: []string{"libfoo-devel", "gcc"}},
		{Name: "standalone"},
	}
	order, cycles := Order(pkgs)
	require.Empty(t, cycles)
	require.Len(t, order, 4)

	idx := indexOf(order)
	require.Less(t, idx["libfoo"], idx["bar"])
	require.Less(t, idx["bar"], idx["app"])
	require.Less(t, idx["libfoo"], idx["app"])
}

func TestOrderSelfProvidedRequiresIgnored(t *testing.T) {
	pkgs := []Package{
		{Name: "foo", Provides: []string{"foo-devel"}, BuildRequires: []string{"foo-devel", "foo"}},
	}
	order, cycles := Order(pkgs)
	require.Empty(t, cycles)
	require.Equal(t, []string{"foo"}, order)
}

func TestOrderCycle(t *testing.T) {
	pkgs := []Package{
		{Name: "a", BuildRequires: []string{"b"}},
		{Name: "b", BuildRequires: []string{"c"}},
		{Name: "c", BuildRequires: []string{"a"}},
		{Name: "d", BuildRequires: []string{"a"}},
	}
	order, cycles := Order(pkgs)
	require.Len(t, order, 4)
	require.ElementsMatch(t, []string{"a", "b", "c", "d"}, order)
	require.Len(t, cycles, 1)
	require.Equal(t, Cycle{"a", "b", "c", "a"}, cycles[0])
	require.Equal(t, "a -> b -> c -> a", cycles[0].String())
}

func TestOrderDuplicateNames(t *testing.T) {
	pkgs := []Package{{Name: "x"}, {Name: "x", BuildRequires: []string{"y"}}, {Name: "y"}}
	order, _ := Order(pkgs)
	require.Equal(t, []string{"x", "y"}, order)
}

func TestWriteDOT(t *testing.T) {
	g := NewGraph([]Package{{Name: "a", BuildRequires: []string{"b"}}, {Name: "b"}})
	var sb strings.Builder
	require.NoError(t, g.WriteDOT(&sb))
	require.Equal(t, "digraph G {\n  \"a\" -> \"b\";\n}\n", sb.String())

	owner, ok := g.Owner("b")
	require.True(t, ok)
	require.Equal(t, "b", owner)
}

func TestSortCommits(t *testing.T) {
	commits := []ledger.Commit{
		{ProjectName: "zeta", CommitHash: "z1", DtCommit: 5},
		{ProjectName: "app", CommitHash: "a2", DtCommit: 30},
		{ProjectName: "lib", CommitHash: "l1", DtCommit: 40},
		{ProjectName: "app", CommitHash: "a1", DtCommit: 10},
		{ProjectName: "omega", CommitHash: "o1", DtCommit: 1},
	}
	SortCommits(commits, []string{"lib", "app"})

	var got []string
	for _, c := range commits {
		got = append(got, c.CommitHash)
	}
	require.Equal(t, []string{"l1", "a1", "a2", "o1", "z1"}, got)
}

func TestSortByTimestamp(t *testing.T) {
	commits := []ledger.Commit{{CommitHash: "b", DtCommit: 2}, {CommitHash: "a", DtCommit: 1}, {CommitHash: "c", DtCommit: 2}}
	SortByTimestamp(commits)
	require.Equal(t, "a", commits[0].CommitHash)
	require.Equal(t, "b", commits[1].CommitHash)
	require.Equal(t, "c", commits[2].CommitHash)
}
