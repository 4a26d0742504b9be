package ledger

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/yaml.v3"
)

// SnapshotFile is the per-commit snapshot written next to its artifacts.
const SnapshotFile = "commit.yaml"

// Snapshot is the language-neutral document describing ledger rows. A
// per-commit snapshot holds exactly one commit; fixtures may hold many rows
// of every kind.
type Snapshot struct {
	Commits  []Commit  `yaml:"commits"`
	Projects []Project `yaml:"projects,omitempty"`
	Users    []User    `yaml:"users,omitempty"`
}

var intFields = map[string]bool{
	"id": true, "dt_commit": true, "dt_distro": true, "dt_extended": true,
	"dt_build": true, "flags": true, "last_email": true,
}

// WriteSnapshot writes c as dir/commit.yaml. The file is replaced atomically.
func WriteSnapshot(dir string, c *Commit) error {
	data, err := yaml.Marshal(&Snapshot{Commits: []Commit{*c}})
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create snapshot dir: %w", err)
	}
	target := filepath.Join(dir, SnapshotFile)
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot decodes a snapshot document. Older writers emitted every value
// as a string and the literal "None" for missing values; both are accepted.
func ReadSnapshot(r io.Reader) (*Snapshot, error) {
	var raw struct {
		Commits  []map[string]any `yaml:"commits"`
		Projects []map[string]any `yaml:"projects"`
		Users    []map[string]any `yaml:"users"`
	}
	if err := yaml.NewDecoder(r).Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode snapshot: %w", err)
	}

	var snap Snapshot
	for _, m := range raw.Commits {
		var c Commit
		if err := decodeNormalized(m, &c); err != nil {
			return nil, err
		}
		if c.Type == "" {
			c.Type = DefaultType
		}
		snap.Commits = append(snap.Commits, c)
	}
	for _, m := range raw.Projects {
		var p Project
		if err := decodeNormalized(m, &p); err != nil {
			return nil, err
		}
		snap.Projects = append(snap.Projects, p)
	}
	for _, m := range raw.Users {
		var u User
		if err := decodeNormalized(m, &u); err != nil {
			return nil, err
		}
		snap.Users = append(snap.Users, u)
	}
	return &snap, nil
}

// ReadSnapshotFile reads a snapshot from disk.
func ReadSnapshotFile(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ReadSnapshot(f)
}

func decodeNormalized(m map[string]any, out any) error {
	norm := make(map[string]any, len(m))
	for k, v := range m {
		if s, ok := v.(string); ok {
			switch {
			case s == "None":
				v = nil
			case intFields[k]:
				n, err := strconv.ParseInt(s, 10, 64)
				if err != nil {
					return fmt.Errorf("snapshot field %s: %w", k, err)
				}
				v = n
			}
		}
		if v != nil {
			norm[k] = v
		}
	}
	data, err := yaml.Marshal(norm)
	if err != nil {
		return err
	}
	return yaml.NewDecoder(bytes.NewReader(data)).Decode(out)
}

// LoadFixture inserts every row of a snapshot document into the store.
// Commit ids are reassigned in document order. It seeds throwaway ledgers.
func (s *SQLStore) LoadFixture(ctx context.Context, r io.Reader) error {
	snap, err := ReadSnapshot(r)
	if err != nil {
		return err
	}
	return s.WithTx(ctx, func(tx *SQLStore) error {
		for _, u := range snap.Users {
			u := u
			if err := tx.AddUser(ctx, &u); err != nil {
				return err
			}
		}
		for _, c := range snap.Commits {
			c := c
			if err := tx.AddCommit(ctx, &c); err != nil {
				return err
			}
		}
		for _, p := range snap.Projects {
			p := p
			if err := tx.SaveProject(ctx, &p); err != nil {
				return err
			}
		}
		return nil
	})
}
