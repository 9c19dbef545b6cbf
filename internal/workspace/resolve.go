package workspace

import "github.com/chattomap/ctm/internal/config"

// ResolveDBPath determines the Messages database to read using precedence:
// 1. flagOverride (--db flag or an export request's alternate path)
// 2. config.toml db_path
// 3. the system location
func ResolveDBPath(flagOverride string, cfg *config.Config) string {
	if flagOverride != "" {
		return flagOverride
	}
	if cfg != nil && cfg.DBPath != "" {
		return cfg.DBPath
	}
	return DefaultChatDBPath()
}

// ResolveContactsDir returns the YAML contact card directory.
func ResolveContactsDir(cfg *config.Config) string {
	if cfg != nil && cfg.ContactsDir != "" {
		return cfg.ContactsDir
	}
	return ContactsDir()
}

// ResolveExportDir returns where archives are staged.
func ResolveExportDir(cfg *config.Config) string {
	if cfg != nil && cfg.Export.OutputDir != "" {
		return cfg.Export.OutputDir
	}
	return ExportDir()
}
