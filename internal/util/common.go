package util

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// ResolvePath joins base and rel, but if rel is an absolute path it is returned
// directly (cleaned). Go's filepath.Join strips leading slashes from later
// arguments, so filepath.Join("a", "/b") returns "a/b" not "/b".  This helper
// gives the intuitive behaviour: absolute paths override the base.
func ResolvePath(base, rel string) string {
	if filepath.IsAbs(rel) {
		return filepath.Clean(rel)
	}
	return filepath.Join(base, rel)
}

// WriteJSONFile writes v as indented JSON, creating parent directories if
// needed. The file is replaced atomically so watchers never see a partial
// write.
func WriteJSONFile(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(append(b, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o644); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
