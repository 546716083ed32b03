// Package session manages timestamped run directories under output/, the
// per-run logger, and the run summary file.
package session

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/propforge/propforge/pkg/models"
)

// OutputDir is the root every session directory lives under.
const OutputDir = "output"

// Manager owns one session directory and its files.
type Manager struct {
	id         string
	sessionDir string
	logger     *slog.Logger
}

// NewManager creates a session manager. With resumeFrom set, the named
// existing session directory is reused; otherwise a new timestamped
// directory is created.
func NewManager(logger *slog.Logger, resumeFrom string) (*Manager, error) {
	if err := os.MkdirAll(OutputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output directory: %w", err)
	}

	var sessionDir string
	if resumeFrom != "" {
		if err := ValidateSessionName(resumeFrom); err != nil {
			return nil, err
		}
		sessionDir = filepath.Join(OutputDir, resumeFrom)
		if _, err := os.Stat(sessionDir); os.IsNotExist(err) {
			return nil, fmt.Errorf("session directory not found: %s", sessionDir)
		}
		logger.Info("Resuming existing session", "path", sessionDir)
	} else {
		timestamp := time.Now().Format("2006-01-02T15-04-05")
		sessionDir = filepath.Join(OutputDir, "session_"+timestamp)
		if err := os.MkdirAll(sessionDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating session directory: %w", err)
		}
		logger.Info("Created session directory", "path", sessionDir)
	}

	return &Manager{
		id:         uuid.NewString(),
		sessionDir: sessionDir,
		logger:     logger,
	}, nil
}

// ID returns the unique run identifier. Resuming a session directory still
// gets a fresh ID, so log lines from separate runs are distinguishable.
func (m *Manager) ID() string {
	return m.id
}

// Dir returns the session directory path.
func (m *Manager) Dir() string {
	return m.sessionDir
}

// LogPath returns the session log file path.
func (m *Manager) LogPath() string {
	return filepath.Join(m.sessionDir, "session.log")
}

// StatsPath returns the run summary file path.
func (m *Manager) StatsPath() string {
	return filepath.Join(m.sessionDir, "stats.json")
}

// ConfigBackupPath returns the config backup path.
func (m *Manager) ConfigBackupPath() string {
	return filepath.Join(m.sessionDir, "config.toml.bak")
}

// BackupConfig copies the config file into the session directory so the run
// stays reproducible even if the config changes later. A missing config file
// is not an error: fully-defaulted runs have nothing to back up.
func (m *Manager) BackupConfig(configPath string) error {
	source, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := os.WriteFile(m.ConfigBackupPath(), source, 0o644); err != nil {
		return fmt.Errorf("writing config backup: %w", err)
	}
	m.logger.Info("Backed up config file", "path", m.ConfigBackupPath())
	return nil
}

// WriteStats persists the per-propensity run summaries.
func (m *Manager) WriteStats(stats []*models.SessionStats) error {
	data, err := json.MarshalIndent(stats, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding stats: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(m.StatsPath(), data, 0o644); err != nil {
		return fmt.Errorf("writing stats: %w", err)
	}
	return nil
}

// Info summarizes one session directory for listing.
type Info struct {
	Name     string
	Path     string
	Modified time.Time
	Files    []string
}

// List returns every session directory under output/, newest first.
func List() ([]Info, error) {
	entries, err := os.ReadDir(OutputDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing %s: %w", OutputDir, err)
	}

	var sessions []Info
	for _, e := range entries {
		if !e.IsDir() || ValidateSessionName(e.Name()) != nil {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		sessions = append(sessions, Info{
			Name:     e.Name(),
			Path:     filepath.Join(OutputDir, e.Name()),
			Modified: info.ModTime(),
		})
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].Modified.After(sessions[j].Modified)
	})
	return sessions, nil
}

// Inspect returns the session info for name with its file listing populated.
func Inspect(name string) (*Info, error) {
	if err := ValidateSessionName(name); err != nil {
		return nil, err
	}
	dir := filepath.Join(OutputDir, name)
	stat, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("session %s: %w", name, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("reading session %s: %w", name, err)
	}
	files := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	return &Info{
		Name:     name,
		Path:     dir,
		Modified: stat.ModTime(),
		Files:    files,
	}, nil
}
