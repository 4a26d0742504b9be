package publish

import (
	"bufio"
	"bytes"
	"crypto/md5" // #nosec G501 -- content checksum, not a security boundary
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"sort"

	ferrors "git.home.luguber.info/inful/repobuilder/internal/foundation/errors"
)

// HashFunc computes the aggregate checksum of concatenated repo files.
type HashFunc func(data []byte) string

// MD5Hex is the default aggregate checksum.
func MD5Hex(data []byte) string {
	sum := md5.Sum(data) // #nosec G401
	return hex.EncodeToString(sum[:])
}

// Components lists the component directories present in the tree.
func (m *Manager) Components() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(m.layout.ReposDir, "component"))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	sort.Strings(out)
	return out, nil
}

// AggregateComponents builds the aggregated view of name over all
// components: their repo files are concatenated in component order, the
// result hashed, and written with a merged versions.csv under
// repos/<name>/<h[0:2]>/<h[2:4]>/<h>/. The files in repos/<name>/ are then
// switched to the new directory atomically. It returns the hash.
func (m *Manager) AggregateComponents(name string) (string, error) {
	if err := ValidateName(name, true); err != nil {
		return "", err
	}
	components, err := m.Components()
	if err != nil {
		return "", ferrors.PublishError("list components").WithCause(err).Build()
	}

	repoFile := m.layout.RepoName + ".repo"
	var repoContent bytes.Buffer
	var csvRows [][]byte
	for _, comp := range components {
		dir := filepath.Join(m.layout.LinkDir(comp), name)
		if data, err := os.ReadFile(filepath.Join(dir, repoFile)); err == nil {
			repoContent.Write(data)
			repoContent.WriteByte('\n')
		}
		rows, err := readCSVBody(filepath.Join(dir, VersionsFile))
		if err == nil {
			csvRows = append(csvRows, rows...)
		}
	}

	hash := m.hash(repoContent.Bytes())
	if len(hash) < 4 {
		return "", ferrors.InternalError("aggregate hash too short").WithContext("hash", hash).Build()
	}
	base := filepath.Join(m.layout.ReposDir, name)
	rel := filepath.Join(hash[:2], hash[2:4], hash)
	target := filepath.Join(base, rel)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return "", ferrors.FileSystemError("create aggregate dir").WithCause(err).WithContext("path", target).Build()
	}

	var csv bytes.Buffer
	csv.WriteString(VersionsHeader + "\n")
	for _, row := range csvRows {
		csv.Write(row)
	}
	files := map[string][]byte{
		repoFile:          repoContent.Bytes(),
		repoFile + ".md5": []byte(hash),
		VersionsFile:      csv.Bytes(),
	}
	names := []string{repoFile, repoFile + ".md5", VersionsFile}
	for _, n := range names {
		if err := writeFileAtomic(filepath.Join(target, n), files[n]); err != nil {
			return "", ferrors.FileSystemError("write aggregate file").WithCause(err).WithContext("file", n).Build()
		}
	}
	for _, n := range names {
		if _, err := m.swap(filepath.Join(base, n), filepath.Join(rel, n)); err != nil {
			return "", ferrors.PublishError("switch aggregate link").WithCause(err).WithContext("file", n).Build()
		}
	}
	return hash, nil
}

// readCSVBody returns the lines of a versions.csv without its header, each
// keeping its newline.
func readCSVBody(path string) ([][]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rows [][]byte
	r := bufio.NewReader(bytes.NewReader(data))
	first := true
	for {
		line, err := r.ReadBytes('\n')
		if len(line) > 0 {
			if !first {
				rows = append(rows, line)
			}
			first = false
		}
		if err != nil {
			break
		}
	}
	return rows, nil
}
