package builder

import (
	"bufio"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
)

// LogFiles are the build logs scanned for known errors.
var LogFiles = []string{"build.log", "rpmbuild.log"}

// KnownErrors recognises transient infrastructure failures in build logs.
type KnownErrors struct {
	re *regexp.Regexp
}

// CompileKnownErrors joins patterns into one matcher. An empty list never
// matches.
func CompileKnownErrors(patterns []string) (*KnownErrors, error) {
	if len(patterns) == 0 {
		return &KnownErrors{}, nil
	}
	re, err := regexp.Compile("(?:" + strings.Join(patterns, ")|(?:") + ")")
	if err != nil {
		return nil, errors.ValidationError("invalid known error pattern").WithCause(err).Build()
	}
	return &KnownErrors{re: re}, nil
}

// Match reports whether any line of text matches a known error.
func (k *KnownErrors) Match(text string) bool {
	if k == nil || k.re == nil {
		return false
	}
	for _, line := range strings.Split(text, "\n") {
		if k.re.MatchString(strings.TrimSpace(line)) {
			return true
		}
	}
	return false
}

// MatchLogs scans the build logs in dir. Missing logs do not match.
func (k *KnownErrors) MatchLogs(dir string) bool {
	if k == nil || k.re == nil {
		return false
	}
	for _, name := range LogFiles {
		if k.matchFile(filepath.Join(dir, name)) {
			return true
		}
	}
	return false
}

func (k *KnownErrors) matchFile(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if k.re.MatchString(strings.TrimSpace(scanner.Text())) {
			return true
		}
	}
	return false
}
