package session

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strings"
)

// Session directory format: session_2026-08-26T14-30-00
var sessionNameRegex = regexp.MustCompile(`^session_\d{4}-\d{2}-\d{2}T\d{2}-\d{2}-\d{2}$`)

// ValidateSessionName validates a user-supplied session directory name before
// it is joined onto the output directory. The name must be a bare directory
// name in the expected timestamp format; traversal sequences, absolute paths,
// and separators are rejected so a crafted --resume value cannot reach
// outside output/.
func ValidateSessionName(name string) error {
	if name == "" {
		return fmt.Errorf("session name cannot be empty")
	}
	if strings.Contains(name, "..") {
		return fmt.Errorf("invalid session name: contains '..'")
	}
	if filepath.IsAbs(name) {
		return fmt.Errorf("invalid session name: must not be an absolute path")
	}
	if strings.ContainsAny(name, "/\\") {
		return fmt.Errorf("invalid session name: must not contain path separators")
	}
	if !sessionNameRegex.MatchString(name) {
		return fmt.Errorf("invalid session name format: expected 'session_YYYY-MM-DDTHH-MM-SS', got %q", name)
	}

	absOutput, err := filepath.Abs(OutputDir)
	if err != nil {
		return fmt.Errorf("resolving output directory: %w", err)
	}
	absPath, err := filepath.Abs(filepath.Clean(filepath.Join(OutputDir, name)))
	if err != nil {
		return fmt.Errorf("resolving session path: %w", err)
	}
	if !strings.HasPrefix(absPath, absOutput+string(filepath.Separator)) {
		return fmt.Errorf("session path escapes output directory")
	}
	return nil
}
