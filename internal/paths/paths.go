package paths

import (
	"os"
	"path/filepath"
)

// Layout describes the on-disk layout of a tgvault data directory.
// All daemon state (config, database, logs, lock) lives under one root.
type Layout struct {
	root string
}

// Default returns the layout rooted at ~/.tgvault.
func Default() Layout {
	home, _ := os.UserHomeDir()
	return Layout{root: filepath.Join(home, ".tgvault")}
}

// At returns a layout rooted at the given directory. Used by tests and
// the -data-dir flag.
func At(root string) Layout {
	return Layout{root: root}
}

// Root returns the data directory root.
func (l Layout) Root() string {
	return l.root
}

// ConfigPath returns the config.toml path.
func (l Layout) ConfigPath() string {
	return filepath.Join(l.root, "config.toml")
}

// DBPath returns the path of the message archive database.
func (l Layout) DBPath() string {
	return filepath.Join(l.root, "vault.db")
}

// LockPath returns the daemon lock file path.
func (l Layout) LockPath() string {
	return filepath.Join(l.root, "LOCK")
}

// LogDir returns the log directory.
func (l Layout) LogDir() string {
	return filepath.Join(l.root, "logs")
}

// LogPath returns the daemon log file path.
func (l Layout) LogPath() string {
	return filepath.Join(l.LogDir(), "tgvaultd.log")
}

// Ensure creates the directory tree with owner-only permissions.
func (l Layout) Ensure() error {
	for _, d := range []string{l.root, l.LogDir()} {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
