package workspace

import (
	"os"
	"path/filepath"
)

// BaseDir returns ~/.ctm. CTM_HOME overrides it.
func BaseDir() string {
	if dir := os.Getenv("CTM_HOME"); dir != "" {
		return dir
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".ctm")
}

// ConfigPath returns the global config file path.
func ConfigPath() string {
	return filepath.Join(BaseDir(), "config.toml")
}

// StateDBPath returns the app-owned state.db path holding run history.
func StateDBPath() string {
	return filepath.Join(BaseDir(), "state.db")
}

// SocketPath returns the UDS socket path the daemon listens on.
func SocketPath() string {
	return filepath.Join(BaseDir(), "ctmd.sock")
}

// RunDir returns the directory guarded by the pipeline run lock.
func RunDir() string {
	return filepath.Join(BaseDir(), "run")
}

// ExportDir returns the directory archives are staged in before upload.
func ExportDir() string {
	return filepath.Join(BaseDir(), "exports")
}

// ContactsDir returns the directory of YAML contact cards.
func ContactsDir() string {
	return filepath.Join(BaseDir(), "contacts")
}

// LogDir returns the log directory.
func LogDir() string {
	return filepath.Join(BaseDir(), "logs")
}

// LogPath returns the log file path for a component (ctm, ctmd).
func LogPath(component string) string {
	return filepath.Join(LogDir(), component+".log")
}

// DefaultChatDBPath returns the system Messages database location.
func DefaultChatDBPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "Messages", "chat.db")
}

// AddressBookDir returns the macOS Contacts application support directory.
func AddressBookDir() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, "Library", "Application Support", "AddressBook")
}

// EnsureDirs creates the workspace directory tree with proper permissions.
func EnsureDirs() error {
	dirs := []string{
		BaseDir(),
		RunDir(),
		ExportDir(),
		LogDir(),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0700); err != nil {
			return err
		}
	}
	return nil
}
