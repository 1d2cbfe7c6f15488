package helper

import (
	"os"
	"path/filepath"
)

const (
	// EnvConfDir names an extra directory searched before the defaults
	EnvConfDir = "PULSEGATE_CONF_DIR"

	systemConfDir = "/etc/pulsegate"
)

// GetCfgPath resolves the configuration file name. Absolute paths are
// returned unchanged. Relative names are looked up in $PULSEGATE_CONF_DIR,
// the working directory, and ./configs, in that order, falling back to
// /etc/pulsegate. An empty name resolves to "".
func GetCfgPath(filename string) string {
	if filename == "" || filepath.IsAbs(filename) {
		return filename
	}

	for _, dir := range searchDirs() {
		candidate := filepath.Join(dir, filename)
		if st, err := os.Stat(candidate); err != nil || st.IsDir() {
			continue
		}
		if abs, err := filepath.Abs(candidate); err == nil {
			return abs
		}
	}
	return filepath.Join(systemConfDir, filename)
}

func searchDirs() []string {
	var dirs []string
	if dir := os.Getenv(EnvConfDir); dir != "" {
		dirs = append(dirs, dir)
	}
	if wd, err := os.Getwd(); err == nil && wd != "" {
		dirs = append(dirs, wd, filepath.Join(wd, "configs"))
	}
	return dirs
}
