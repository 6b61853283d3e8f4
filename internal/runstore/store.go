// Package runstore persists search runs on disk.
package runstore

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// Store keeps run records under:
//
//	<baseDir>/.pipeweaver/runs/<run-id>/{run.json,ranking.json}
//
// Every file is written to a temp sibling, synced, renamed into place and
// followed by a sync of its directory, so a crash leaves either the old or
// the new record.
type Store struct {
	baseDir string
}

func NewStore(baseDir string) (*Store, error) {
	if strings.TrimSpace(baseDir) == "" {
		return nil, errors.New("baseDir is required")
	}
	return &Store{baseDir: baseDir}, nil
}

// NewRunID returns a random UUIDv4.
func NewRunID() string {
	return uuid.NewString()
}

func (s *Store) root() string { return filepath.Join(s.baseDir, ".pipeweaver", "runs") }

func (s *Store) file(runID, name string) string { return filepath.Join(s.root(), runID, name) }

// ListRunIDs returns the run IDs present on disk, sorted.
func (s *Store) ListRunIDs() ([]string, error) {
	entries, err := os.ReadDir(s.root())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// checkRunID rejects IDs that would escape the runs directory.
func checkRunID(runID string) error {
	switch {
	case strings.TrimSpace(runID) == "":
		return errors.New("runID is required")
	case runID == "." || runID == ".." || strings.ContainsAny(runID, `/\`):
		return fmt.Errorf("invalid runID %q", runID)
	}
	return nil
}

func (s *Store) SaveRun(run Run) error {
	if err := checkRunID(run.RunID); err != nil {
		return err
	}
	if err := run.Validate(); err != nil {
		return fmt.Errorf("invalid run: %w", err)
	}
	return s.write(run.RunID, "run.json", run)
}

func (s *Store) LoadRun(runID string) (Run, error) {
	var run Run
	if err := s.read(runID, "run.json", &run); err != nil {
		return Run{}, err
	}
	if err := run.Validate(); err != nil {
		return Run{}, fmt.Errorf("invalid run on disk: %w", err)
	}
	return run, nil
}

func (s *Store) SaveRanking(runID string, r Ranking) error {
	if err := checkRunID(runID); err != nil {
		return err
	}
	if r.Ranked == nil {
		r.Ranked = []RankEntry{}
	}
	if r.Failed == nil {
		r.Failed = []FailureEntry{}
	}
	if err := r.Validate(); err != nil {
		return fmt.Errorf("invalid ranking: %w", err)
	}
	return s.write(runID, "ranking.json", r)
}

func (s *Store) LoadRanking(runID string) (Ranking, error) {
	var r Ranking
	if err := s.read(runID, "ranking.json", &r); err != nil {
		return Ranking{}, err
	}
	if err := r.Validate(); err != nil {
		return Ranking{}, fmt.Errorf("invalid ranking on disk: %w", err)
	}
	return r, nil
}

func (s *Store) write(runID, name string, v any) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode %s: %w", name, err)
	}

	dir := filepath.Join(s.root(), runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("run dir: %w", err)
	}
	// A new run directory must itself survive a crash.
	if err := syncDir(filepath.Dir(dir)); err != nil {
		return fmt.Errorf("run dir: %w", err)
	}
	if err := replaceFile(filepath.Join(dir, name), buf.Bytes()); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// read decodes exactly one JSON value, rejecting unknown fields and
// trailing content.
func (s *Store) read(runID, name string, dst any) error {
	if err := checkRunID(runID); err != nil {
		return err
	}
	f, err := os.Open(s.file(runID, name))
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%s: trailing content after JSON value", name)
	}
	return nil
}

func replaceFile(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp.*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Chmod(0o644); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}
	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
