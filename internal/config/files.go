package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
)

// xdgDir resolves an XDG base directory, falling back to $HOME/rel.
func xdgDir(env, rel string) string {
	if dir := os.Getenv(env); dir != "" {
		return dir
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, rel)
	}
	return "."
}

func defaultDataDir() string {
	return filepath.Join(xdgDir("XDG_DATA_HOME", filepath.Join(".local", "share")), "inciq")
}

// configFilePath returns INCIQ_CONFIG when set, otherwise the XDG location.
func configFilePath() string {
	if p := os.Getenv("INCIQ_CONFIG"); p != "" {
		return p
	}
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "inciq", "config.json")
}

func secretsFilePath() string {
	return filepath.Join(defaultDataDir(), "secrets.json")
}

// jsonFile is a flat JSON object keyed by dotted names. Both the config
// file and the secrets file use it; every write rewrites the whole file.
type jsonFile struct {
	path string
	data map[string]any
}

// openJSONFile reads path. A missing file is empty, not an error. On a
// read or parse failure the returned file is still usable and empty.
func openJSONFile(path string) (*jsonFile, error) {
	f := &jsonFile{path: path, data: make(map[string]any)}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return f, nil
	}
	if err != nil {
		return f, fmt.Errorf("reading %s: %w", path, err)
	}
	if err := json.Unmarshal(raw, &f.data); err != nil {
		f.data = make(map[string]any)
		return f, fmt.Errorf("parsing %s: %w", path, err)
	}
	return f, nil
}

// lookup returns the value of key as text. Numbers are formatted without an
// exponent so that integer keys parse back.
func (f *jsonFile) lookup(key string) (string, bool) {
	v, ok := f.data[key]
	if !ok || v == nil {
		return "", false
	}
	switch t := v.(type) {
	case string:
		return t, true
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	default:
		return fmt.Sprint(t), true
	}
}

func (f *jsonFile) set(key string, v any) error {
	f.data[key] = v
	if err := os.MkdirAll(filepath.Dir(f.path), 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(f.path), err)
	}
	out, err := json.MarshalIndent(f.data, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(f.path, append(out, '\n'), 0o600); err != nil {
		return err
	}
	// WriteFile keeps the mode of an existing file.
	return os.Chmod(f.path, 0o600)
}
