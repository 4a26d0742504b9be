package config

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
)

// Snapshot computes a stable hash of the fields that change what gets built
// or published. The daemon compares snapshots on reload to decide whether a
// config change needs a fresh scheduling pass.
func (c *Config) Snapshot() string {
	if c == nil {
		return ""
	}
	h := sha256.New()
	w := func(parts ...string) { h.Write([]byte(strings.Join(parts, "="))); h.Write([]byte{0}) }

	w("datadir", c.DataDir)
	w("baseurl", c.BaseURL)
	w("reponame", c.RepoName)
	w("target", c.Target)
	w("source_branch", c.SourceBranch)
	w("distro_branch", c.DistroBranch)
	w("maxretries", strconv.Itoa(c.MaxRetries))
	w("use_components", strconv.FormatBool(c.UseComponents))
	w("build_type", c.BuildType)
	w("database", c.Database.Connection)
	w("pkginfo.driver", c.PkgInfo.Driver)
	w("pkginfo.packages_file", c.PkgInfo.PackagesFile)
	w("build.driver", c.Build.Driver)
	w("build.command", strings.Join(c.Build.Command, " "))

	known := append([]string(nil), c.KnownErrors...)
	sort.Strings(known)
	w("known_errors", strings.Join(known, "\x1f"))

	keys := make([]string, 0, len(c.PkgInfo.Options))
	for k := range c.PkgInfo.Options {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		w("pkginfo.options."+k, c.PkgInfo.Options[k])
	}
	return hex.EncodeToString(h.Sum(nil))
}
