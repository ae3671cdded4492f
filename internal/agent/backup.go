package agent

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/vesaa/inventra/internal/snapshot"
)

// BackupFileName is inventory_backup_<machine>_<YYYYmmdd_HHMMSS>.json.
func BackupFileName(machine string, at time.Time) string {
	return fmt.Sprintf("inventory_backup_%s_%s.json", safeName(machine), at.Format("20060102_150405"))
}

// SaveBackup writes doc as indented JSON under dir, creating dir if needed,
// and returns the file path.
func SaveBackup(dir, machine string, doc snapshot.Document, at time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating backup dir: %w", err)
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding backup: %w", err)
	}
	path := filepath.Join(dir, BackupFileName(machine, at))
	if err := os.WriteFile(path, b, 0o644); err != nil {
		return "", fmt.Errorf("writing backup: %w", err)
	}
	return path, nil
}

// safeName keeps a machine name usable as a file name component.
func safeName(name string) string {
	name = strings.TrimSpace(name)
	if name == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '_'
		}
		return r
	}, name)
}
