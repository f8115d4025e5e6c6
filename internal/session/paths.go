package session

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.wppsync.
func BaseDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".wppsync")
}

// Dir returns the session-specific directory.
func Dir(name string) string {
	return filepath.Join(BaseDir(), "sessions", name)
}

// RelaySocketPath returns the default Unix socket path for the change relay.
func RelaySocketPath(name string) string {
	return filepath.Join(Dir(name), "relay.sock")
}

// SessionDBPath returns the whatsmeow session.db path.
func SessionDBPath(name string) string {
	return filepath.Join(Dir(name), "session.db")
}

// AppDBPath returns the app-owned sync.db path.
func AppDBPath(name string) string {
	return filepath.Join(Dir(name), "sync.db")
}

// LogDir returns the log directory for a session.
func LogDir(name string) string {
	return filepath.Join(Dir(name), "logs")
}

// LogPath returns the daemon log file path.
func LogPath(name string) string {
	return filepath.Join(LogDir(name), "wppsyncd.log")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// EnsureDir creates the session directory tree with proper permissions.
func EnsureDir(name string) error {
	dirs := []string{
		Dir(name),
		LogDir(name),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
