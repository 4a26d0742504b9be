package depgraph

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"git.home.luguber.info/inful/repobuilder/internal/util/sets"
)

var (
	nameRe     = regexp.MustCompile(`^Name:\s*(.+?)\s*$`)
	packageRe  = regexp.MustCompile(`^(Provides:|%package)\s+(-n\s+)?(.+?)\s*$`)
	defineRe   = regexp.MustCompile(`^[^#]*%(?:define|global)\s+(\S+)\s+(.+?)\s*$`)
	requiresRe = regexp.MustCompile(`^(?:Build)?Requires(?:\([^)]+\))?:\s*(.+?)\s*$`)
	versionRe  = regexp.MustCompile(`[\s<>=]`)
	listSepRe  = regexp.MustCompile(`\s*,\s*`)
)

// ParseSpec reads the parts of an RPM spec file needed for ordering: the
// package name, the sub-packages and Provides it declares, and its
// BuildRequires/Requires names with version constraints removed. %define and
// %global macros are expanded in those values; nothing else is interpreted.
// name only labels errors.
func ParseSpec(name string, r io.Reader) (Package, error) {
	var (
		pkg     Package
		defines = map[string]string{}
		reqs    = sets.New[string]()
	)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()

		if m := defineRe.FindStringSubmatch(line); m != nil {
			defines[m[1]] = m[2]
			continue
		}
		if m := nameRe.FindStringSubmatch(line); m != nil {
			if pkg.Name == "" {
				pkg.Name = expandMacros(m[1], defines)
				defines["name"] = pkg.Name
			}
			continue
		}
		if m := packageRe.FindStringSubmatch(line); m != nil {
			sub := firstName(expandMacros(m[3], defines))
			if m[2] == "" && m[1] == "%package" {
				sub = pkg.Name + "-" + sub
			}
			pkg.Provides = append(pkg.Provides, sub)
			continue
		}
		if m := requiresRe.FindStringSubmatch(line); m != nil {
			for _, req := range listSepRe.Split(m[1], -1) {
				if name := firstName(expandMacros(req, defines)); name != "" {
					reqs.Add(name)
				}
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return Package{}, fmt.Errorf("%s: read spec: %w", name, err)
	}
	if pkg.Name == "" {
		return Package{}, fmt.Errorf("%s: spec has no Name: tag", name)
	}
	if len(reqs) > 0 {
		pkg.BuildRequires = sets.Sorted(reqs)
	}
	return pkg, nil
}

// ParseSpecFile parses one spec file from disk.
func ParseSpecFile(path string) (Package, error) {
	f, err := os.Open(path)
	if err != nil {
		return Package{}, err
	}
	defer f.Close()
	return ParseSpec(path, f)
}

// LoadSpecDir parses the first *.spec file found in each packaging checkout.
// Checkouts without a spec file are skipped.
func LoadSpecDir(distgitDirs ...string) ([]Package, error) {
	var pkgs []Package
	for _, dir := range distgitDirs {
		matches, err := filepath.Glob(filepath.Join(dir, "*.spec"))
		if err != nil {
			return nil, err
		}
		if len(matches) == 0 {
			continue
		}
		sort.Strings(matches)
		pkg, err := ParseSpecFile(matches[0])
		if err != nil {
			return nil, err
		}
		pkgs = append(pkgs, pkg)
	}
	return pkgs, nil
}

// expandMacros replaces %{macro} references with their definitions.
// Undefined macros expand to the empty string.
func expandMacros(s string, defines map[string]string) string {
	for i := 0; i < 32; i++ {
		start := strings.Index(s, "%{")
		if start < 0 {
			return s
		}
		end := strings.Index(s[start:], "}")
		if end < 0 {
			return s
		}
		end += start
		s = s[:start] + defines[s[start+2:end]] + s[end+1:]
	}
	return s
}

func firstName(s string) string {
	s = strings.TrimSpace(s)
	if i := versionRe.FindStringIndex(s); i != nil {
		return s[:i[0]]
	}
	return s
}
