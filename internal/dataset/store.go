// Package dataset persists question collections as JSON files with atomic
// writes and count-suffixed progress snapshots.
package dataset

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/propforge/propforge/pkg/models"
)

// collection is the wrapped input shape some producers emit.
type collection struct {
	Questions []models.Question `json:"questions"`
}

// Load reads a question collection from path. Both a bare top-level array
// and the wrapped object form {"questions": [...]} are accepted; the two are
// equivalent inputs.
func Load(path string) ([]models.Question, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading dataset %s: %w", path, err)
	}
	return Decode(data, path)
}

// Decode parses raw dataset bytes. name is used in error messages only.
func Decode(data []byte, name string) ([]models.Question, error) {
	var wrapped collection
	if err := json.Unmarshal(data, &wrapped); err == nil && wrapped.Questions != nil {
		return wrapped.Questions, nil
	}

	var bare []models.Question
	if err := json.Unmarshal(data, &bare); err != nil {
		return nil, fmt.Errorf("parsing dataset %s: expected {\"questions\": [...]} or a JSON array: %w", name, err)
	}
	return bare, nil
}

// Write persists questions to path as a pretty-printed JSON array, written
// atomically: the payload goes to a temporary file in the same directory and
// is renamed into place, so a crash mid-write never leaves a truncated
// dataset behind.
func Write(path string, questions []models.Question) error {
	if questions == nil {
		questions = []models.Question{}
	}
	data, err := json.MarshalIndent(questions, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding dataset: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating dataset directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp dataset file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp dataset file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp dataset file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming dataset file into place: %w", err)
	}
	return nil
}

// Store places one propensity's snapshot and final files under a directory.
type Store struct {
	dir string
}

// NewStore creates a store rooted at dir.
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// SnapshotPath names the progress file for a dataset of n accepted
// questions. Distinct counts get distinct files; rerunning at the same count
// overwrites.
func (s *Store) SnapshotPath(name string, n int) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_dataset_progress_%d.json", name, n))
}

// FinalPath names the completed dataset file.
func (s *Store) FinalPath(name string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s_dataset_final.json", name))
}

// WriteSnapshot persists an in-progress dataset under its count-suffixed
// name. Writing the same questions at the same count twice is a no-op for
// readers: the second write replaces the first with identical content.
func (s *Store) WriteSnapshot(name string, questions []models.Question) error {
	return Write(s.SnapshotPath(name, len(questions)), questions)
}

// WriteFinal persists the completed dataset.
func (s *Store) WriteFinal(name string, questions []models.Question) error {
	return Write(s.FinalPath(name), questions)
}

var snapshotPattern = regexp.MustCompile(`_dataset_progress_(\d+)\.json$`)

// LatestSnapshot finds the highest-count progress file for name and loads
// it. It returns (nil, "", nil) when no snapshot exists.
func (s *Store) LatestSnapshot(name string) ([]models.Question, string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, "", nil
		}
		return nil, "", fmt.Errorf("listing %s: %w", s.dir, err)
	}

	best := -1
	bestPath := ""
	prefix := name + "_dataset_progress_"
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		fname := e.Name()
		if len(fname) < len(prefix) || fname[:len(prefix)] != prefix {
			continue
		}
		m := snapshotPattern.FindStringSubmatch(fname)
		if m == nil {
			continue
		}
		n, err := strconv.Atoi(m[1])
		if err != nil || n <= best {
			continue
		}
		best = n
		bestPath = filepath.Join(s.dir, fname)
	}

	if bestPath == "" {
		return nil, "", nil
	}
	questions, err := Load(bestPath)
	if err != nil {
		return nil, "", err
	}
	return questions, bestPath, nil
}
