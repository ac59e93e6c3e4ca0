package repo

import (
	"github.com/mitchellh/go-homedir"
	"path/filepath"
	"runtime"
	"strings"
)

// AppDataDir returns the OS specific data directory for the application.
// On linux the directory is hidden. When roaming is set on windows the
// roaming profile is used instead of the local one.
func AppDataDir(appName string, roaming bool) string {
	// Set default base path and directory name
	path := "~"
	directoryName := "." + strings.ToLower(appName)

	// Override OS-specific names
	switch runtime.GOOS {
	case "darwin":
		path = "~/Library/Application Support"
		directoryName = strings.Title(appName)
	case "windows":
		path = "$LOCALAPPDATA"
		if roaming {
			path = "$APPDATA"
		}
		directoryName = strings.Title(appName)
	}

	// Join the path and directory name, then expand the home path
	fullPath, err := homedir.Expand(filepath.Join(path, directoryName))
	if err != nil {
		return directoryName
	}

	// Return the shortest lexical representation of the path
	return filepath.Clean(fullPath)
}
