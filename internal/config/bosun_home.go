package config

import (
	"fmt"
	"os"
	"path/filepath"
)

// Environment variables read by the config layer. BOSUN_TASK_ID and
// BOSUN_MANAGED are set for hook subprocesses so they can detect they run
// under an orchestrated attempt.
const (
	EnvBosunDir     = "BOSUN_DIR"
	EnvBosunTaskID  = "BOSUN_TASK_ID"
	EnvBosunManaged = "BOSUN_MANAGED"
)

// GetBosunDir returns the bosun config directory.
// Priority order:
//  1. BOSUN_DIR environment variable (if set)
//  2. ~/.bosun
//
// The directory is created if it doesn't exist. Each orchestrator instance
// must target a distinct directory; the singleton lock lives inside it.
func GetBosunDir() (string, error) {
	if dir := os.Getenv(EnvBosunDir); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return "", fmt.Errorf("create bosun directory: %w", err)
		}
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	dir := filepath.Join(home, ".bosun")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create bosun directory: %w", err)
	}
	return dir, nil
}

// ConfigPath returns the config file path inside dir.
func ConfigPath(dir string) string {
	return filepath.Join(dir, "config.yaml")
}

// TaskDBPath returns the task store database path inside dir.
func TaskDBPath(dir string) string {
	return filepath.Join(dir, "tasks.db")
}

// LockPath returns the singleton lock file path inside dir.
func LockPath(dir string) string {
	return filepath.Join(dir, "bosun.pid")
}

// TaskContext reports whether the current process runs under an orchestrated
// attempt, and if so for which task. Hook bridges read these.
func TaskContext() (taskID string, managed bool) {
	taskID = os.Getenv(EnvBosunTaskID)
	managed = os.Getenv(EnvBosunManaged) == "1" || os.Getenv(EnvBosunManaged) == "true"
	return taskID, managed
}
